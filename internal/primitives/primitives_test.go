package primitives

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestHMACSumMatchesIncrementalHash(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, 32)
	one := HMACSum(key, []byte("hello, "), []byte("world"))

	h := NewHMAC(key)
	h.Write([]byte("hello, world"))
	var two [HashLen]byte
	copy(two[:], h.Sum(nil))

	if one != two {
		t.Fatal("HMACSum(a, b) must equal NewHMAC().Write(a+b)")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	a := []byte("chunk-address-bytes")
	b := append([]byte(nil), a...)
	if !ConstantTimeCompare(a, b) {
		t.Fatal("equal slices must compare equal")
	}
	b[3] ^= 0x01
	if ConstantTimeCompare(a, b) {
		t.Fatal("differing slices must not compare equal")
	}
	if ConstantTimeCompare(a, a[:len(a)-1]) {
		t.Fatal("differing lengths must not compare equal")
	}
}

func TestSelfTest(t *testing.T) {
	if !SelfTest() {
		t.Fatal("SHA-256 self-test failed")
	}
}

func TestAESCTRRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	plaintext := bytes.Repeat([]byte("tarsnap-chunk-payload-"), 100)

	ciphertext := make([]byte, len(plaintext))
	if err := Stream(key, 7, ciphertext, plaintext); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	decrypted := make([]byte, len(ciphertext))
	if err := Stream(key, 7, decrypted, ciphertext); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(plaintext, decrypted) {
		t.Fatal("AES-CTR round trip did not recover plaintext")
	}
}

func TestAESCTRStreamAdvancesAcrossCalls(t *testing.T) {
	key := bytes.Repeat([]byte{0x22}, 32)
	plaintext := bytes.Repeat([]byte{0xAB}, 64)

	whole := make([]byte, len(plaintext))
	if err := Stream(key, 1, whole, plaintext); err != nil {
		t.Fatalf("whole-buffer encrypt: %v", err)
	}

	split, err := NewAESCTR(key, 1)
	if err != nil {
		t.Fatalf("NewAESCTR: %v", err)
	}
	piecewise := make([]byte, len(plaintext))
	split.XORKeyStream(piecewise[:17], plaintext[:17])
	split.XORKeyStream(piecewise[17:], plaintext[17:])

	if !bytes.Equal(whole, piecewise) {
		t.Fatal("splitting XORKeyStream calls must produce the same ciphertext as one call")
	}
}

func TestMGF1Deterministic(t *testing.T) {
	seed := []byte("session-nonce-plus-dh-point")
	a := MGF1(seed, 48)
	b := MGF1(seed, 48)
	if !bytes.Equal(a, b) {
		t.Fatal("MGF1 must be deterministic for a given seed and length")
	}
	if len(a) != 48 {
		t.Fatalf("MGF1 length = %d, want 48", len(a))
	}
	// A longer request must extend, not diverge from, a shorter one.
	c := MGF1(seed, 96)
	if !bytes.Equal(a, c[:48]) {
		t.Fatal("MGF1 output must be a prefix-stable mask generation function")
	}
}

func TestRSAPSSSignVerifyRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	data := []byte("archive metadata bytes to be signed")

	sig, err := SignPSS(priv, data, rand.Reader)
	if err != nil {
		t.Fatalf("SignPSS: %v", err)
	}
	if len(sig) != RSAModLen {
		t.Fatalf("signature length = %d, want %d", len(sig), RSAModLen)
	}

	if err := VerifyPSS(&priv.Pub, data, sig); err != nil {
		t.Fatalf("VerifyPSS on unmodified signature/data: %v", err)
	}
}

func TestRSAPSSVerifyRejectsTamperedData(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	data := []byte("archive metadata bytes to be signed")
	sig, err := SignPSS(priv, data, rand.Reader)
	if err != nil {
		t.Fatalf("SignPSS: %v", err)
	}

	tampered := append([]byte(nil), data...)
	tampered[0] ^= 0x01
	if err := VerifyPSS(&priv.Pub, tampered, sig); err == nil {
		t.Fatal("VerifyPSS must reject a signature over different data")
	}

	sig[100] ^= 0x01
	if err := VerifyPSS(&priv.Pub, data, sig); err == nil {
		t.Fatal("VerifyPSS must reject a tampered signature")
	}
}

func TestRSAOAEPRoundTrip(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := bytes.Repeat([]byte{0x5A}, 32) // a 32-byte session AES key, the common case

	ct, err := EncryptOAEP(&priv.Pub, msg, rand.Reader)
	if err != nil {
		t.Fatalf("EncryptOAEP: %v", err)
	}
	if len(ct) != RSAModLen {
		t.Fatalf("ciphertext length = %d, want %d", len(ct), RSAModLen)
	}

	pt, err := DecryptOAEP(priv, ct)
	if err != nil {
		t.Fatalf("DecryptOAEP: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatal("OAEP round trip did not recover plaintext")
	}
}

func TestRSAOAEPRejectsTooLongMessage(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	_, err = EncryptOAEP(&priv.Pub, make([]byte, oaepMaxMsg+1), rand.Reader)
	if err != ErrMessageTooLong {
		t.Fatalf("EncryptOAEP with oversized message: got %v, want ErrMessageTooLong", err)
	}
}

func TestRSAOAEPDecryptRejectsTamperedCiphertext(t *testing.T) {
	priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	msg := bytes.Repeat([]byte{0x11}, 32)
	ct, err := EncryptOAEP(&priv.Pub, msg, rand.Reader)
	if err != nil {
		t.Fatalf("EncryptOAEP: %v", err)
	}

	ct[200] ^= 0x01
	if _, err := DecryptOAEP(priv, ct); err != ErrCiphertextBad {
		t.Fatalf("DecryptOAEP on tampered ciphertext: got %v, want ErrCiphertextBad", err)
	}
}
