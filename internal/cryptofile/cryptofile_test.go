package cryptofile

import (
	"bytes"
	"testing"

	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/keys"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	rng := drbg.NewFromSeed([]byte("cryptofile-test-seed-0123456789"))
	cache := keys.New(nil)
	mask := keys.Bit(keys.EncrPriv) | keys.Bit(keys.EncrPub) |
		keys.Bit(keys.HMACFile) | keys.Bit(keys.HMACFileWrite)
	if err := cache.Generate(mask, rng); err != nil {
		t.Fatalf("generating keys: %v", err)
	}
	return New(cache, rng)
}

// TestRoundTrip covers spec.md §8 scenario S3: a random payload
// survives Encrypt -> Decrypt unchanged.
func TestRoundTrip(t *testing.T) {
	c := testCodec(t)
	plaintext := make([]byte, 1000000)
	rng := drbg.NewFromSeed([]byte("payload-seed-abcdefghijklmnopqr"))
	if err := rng.Read(plaintext); err != nil {
		t.Fatalf("generating payload: %v", err)
	}

	envelope, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := c.Decrypt(envelope, len(plaintext))
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("decrypted payload does not match original")
	}
}

// TestTamperDetected covers spec.md §8 scenario S3's second half:
// flipping a ciphertext byte must make Decrypt report corruption.
func TestTamperDetected(t *testing.T) {
	c := testCodec(t)
	plaintext := []byte("the quick brown fox jumps over the lazy dog, repeated for length")

	envelope, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := append([]byte(nil), envelope...)
	tampered[37] ^= 0x01

	if _, err := c.Decrypt(tampered, len(plaintext)); err != ErrCorrupt {
		t.Fatalf("Decrypt on tampered envelope = %v, want ErrCorrupt", err)
	}
}

// TestNoncesMonotonic ensures successive Encrypt calls within one
// session use a strictly increasing nonce, per spec.md §4.4's "Nonces
// MUST monotonically increase within a session" invariant.
func TestNoncesMonotonic(t *testing.T) {
	c := testCodec(t)
	e1, err := c.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	e2, err := c.Encrypt([]byte("second"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	n1 := e1[256:264]
	n2 := e2[256:264]
	if bytes.Equal(n1, n2) {
		t.Fatalf("nonce did not change between encryptions")
	}
}

// TestDecryptWrongLengthIsCorrupt checks that an envelope whose length
// does not match the caller's expected plaintext length is rejected
// with ErrCorrupt rather than panicking. It does not exercise the
// unwrapped-session-key length check.
func TestDecryptWrongLengthIsCorrupt(t *testing.T) {
	c := testCodec(t)
	envelope, err := c.Encrypt([]byte("abc"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := c.Decrypt(envelope, 4); err != ErrCorrupt {
		t.Fatalf("Decrypt with wrong plaintextLen = %v, want ErrCorrupt", err)
	}
}
