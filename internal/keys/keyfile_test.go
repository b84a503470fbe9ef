package keys

import (
	"bytes"
	"testing"

	"github.com/quantarax/tarsnap-core/internal/drbg"
)

func TestKeyfileRoundTrip(t *testing.T) {
	rng := drbg.NewFromSeed(make([]byte, 48))

	c := New(nil)
	if err := c.Generate(MaskUser, rng); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	const machineNum = 0x0102030405060708
	buf, err := EncodeKeyfile(machineNum, c, MaskUser)
	if err != nil {
		t.Fatalf("EncodeKeyfile: %v", err)
	}

	kf, err := DecodeKeyfile(buf, nil, MaskUser)
	if err != nil {
		t.Fatalf("DecodeKeyfile: %v", err)
	}
	if kf.MachineNum != machineNum {
		t.Fatalf("machine number = %d, want %d", kf.MachineNum, machineNum)
	}

	for _, id := range []ID{HMACFile, HMACFileWrite, HMACChunk, HMACName, HMACCParams, AuthPut, AuthGet, AuthDelete} {
		want := c.HMACKey(id)
		got := kf.Cache.HMACKey(id)
		if !bytes.Equal(want, got) {
			t.Fatalf("%s did not round-trip through the keyfile", Name(id))
		}
	}

	if priv := kf.Cache.PrivateKey(SignPriv); priv == nil || priv.D.Cmp(c.PrivateKey(SignPriv).D) != 0 {
		t.Fatalf("SIGN_PRIV did not round-trip through the keyfile")
	}
	if pub := kf.Cache.PublicKey(EncrPub); pub == nil || pub.N.Cmp(c.PublicKey(EncrPub).N) != 0 {
		t.Fatalf("ENCR_PUB did not round-trip through the keyfile")
	}
}

func TestImportRespectsMask(t *testing.T) {
	rng := drbg.NewFromSeed(make([]byte, 48))
	c := New(nil)
	if err := c.Generate(MaskUser, rng); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	blobs, err := Export(c, MaskUser)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	restricted := New(nil)
	if err := Import(restricted, blobs, MaskRead); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if restricted.HMACKey(AuthDelete) != nil {
		t.Fatalf("AUTH_DELETE should have been excluded by MaskRead")
	}
	if restricted.HMACKey(HMACChunk) == nil {
		t.Fatalf("HMAC_CHUNK should have been included by MaskRead")
	}

	// MaskRead includes ENCR_PRIV (decryption needs it) alongside
	// ENCR_PUB (its required public half); both must survive Import
	// together even though Export emits ENCR_PRIV before ENCR_PUB.
	priv := restricted.PrivateKey(EncrPriv)
	if priv == nil {
		t.Fatalf("ENCR_PRIV should have been included by MaskRead")
	}
	if want := c.PrivateKey(EncrPriv); priv.D.Cmp(want.D) != 0 || priv.Pub.N.Cmp(want.Pub.N) != 0 {
		t.Fatalf("ENCR_PRIV did not round-trip correctly under MaskRead")
	}
	if restricted.PrivateKey(SignPriv) != nil {
		t.Fatalf("SIGN_PRIV should have been excluded by MaskRead")
	}
}
