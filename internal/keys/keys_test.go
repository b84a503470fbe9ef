package keys

import (
	"testing"

	"github.com/quantarax/tarsnap-core/internal/drbg"
)

func TestGenerateRejectsUnpairedRSAKeys(t *testing.T) {
	c := New(nil)
	rng := drbg.NewFromSeed(make([]byte, 48))
	if err := c.Generate(Bit(SignPriv), rng); err == nil {
		t.Fatalf("expected error generating SIGN_PRIV without SIGN_PUB")
	}
}

func TestGenerateAndMissing(t *testing.T) {
	c := New(nil)
	rng := drbg.NewFromSeed(make([]byte, 48))

	if got := c.Missing(MaskWrite); got == "" {
		t.Fatalf("expected MaskWrite to report a missing key on an empty cache")
	}

	if err := c.Generate(MaskRead|MaskWrite, rng); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := c.Missing(MaskWrite); got != "" {
		t.Fatalf("Missing after Generate(MaskRead|MaskWrite) = %q, want \"\"", got)
	}
	// MaskUser additionally requires AUTH_DELETE, which MaskRead|MaskWrite
	// never generates.
	if got := c.Missing(MaskUser); got != "AUTH_DELETE" {
		t.Fatalf("Missing(MaskUser) = %q, want AUTH_DELETE", got)
	}
}

func TestRawExportAuthWrongLengthPanics(t *testing.T) {
	c := New(nil)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on wrong-length buffer")
		}
	}()
	c.RawExportAuth(make([]byte, 10))
}

func TestWipeClearsHMACKeys(t *testing.T) {
	c := New(nil)
	rng := drbg.NewFromSeed(make([]byte, 48))
	if err := c.Generate(Bit(HMACChunk), rng); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if c.HMACKey(HMACChunk) == nil {
		t.Fatalf("expected HMAC_CHUNK to be present before Wipe")
	}
	c.Wipe()
	if c.HMACKey(HMACChunk) != nil {
		t.Fatalf("expected HMAC_CHUNK to be cleared after Wipe")
	}
}
