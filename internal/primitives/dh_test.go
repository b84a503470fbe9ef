package primitives

import (
	"crypto/rand"
	"testing"
)

func TestGroup14ModulusShape(t *testing.T) {
	m := Group14Modulus()
	if m.BitLen() != 2048 {
		t.Fatalf("group14 modulus has %d bits, want 2048", m.BitLen())
	}
	if !m.ProbablyPrime(20) {
		t.Fatal("group14 modulus is not prime")
	}
}

func TestDHKeyExchangeAgreement(t *testing.T) {
	aPub, aPriv, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate(a): %v", err)
	}
	bPub, bPriv, err := Generate(rand.Reader)
	if err != nil {
		t.Fatalf("Generate(b): %v", err)
	}

	if err := SanityCheck(aPub); err != nil {
		t.Fatalf("SanityCheck(aPub): %v", err)
	}
	if err := SanityCheck(bPub); err != nil {
		t.Fatalf("SanityCheck(bPub): %v", err)
	}

	keyA, err := Compute(bPub, aPriv)
	if err != nil {
		t.Fatalf("Compute(a side): %v", err)
	}
	keyB, err := Compute(aPub, bPriv)
	if err != nil {
		t.Fatalf("Compute(b side): %v", err)
	}

	if len(keyA) != DHKeyLen || len(keyB) != DHKeyLen {
		t.Fatalf("unexpected key lengths: %d, %d", len(keyA), len(keyB))
	}
	if string(keyA) != string(keyB) {
		t.Fatal("DH shared keys do not match")
	}
}

func TestSanityCheckRejectsOutOfRangeValue(t *testing.T) {
	tooLarge := Group14Modulus().Bytes()
	if err := SanityCheck(tooLarge); err == nil {
		t.Fatal("expected SanityCheck to reject a value equal to the modulus")
	}
}
