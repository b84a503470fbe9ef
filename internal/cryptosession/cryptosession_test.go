package cryptosession

import (
	"bytes"
	"testing"

	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// TestSessionKeyDerivationAgreement covers spec.md §8 scenario S4 and
// property 8: two peers deriving a session from the same DH shared
// point and nonce, with swapped labels, must end up with matching
// subkeys -- observable here as each side's write stream/auth key
// matching the other side's read stream/auth key.
func TestSessionKeyDerivationAgreement(t *testing.T) {
	rng := drbg.NewFromSeed([]byte("session-test-seed-0123456789012"))

	pubA, privA, err := primitives.Generate(rngReader{rng})
	if err != nil {
		t.Fatalf("generating A: %v", err)
	}
	pubB, privB, err := primitives.Generate(rngReader{rng})
	if err != nil {
		t.Fatalf("generating B: %v", err)
	}

	var nonce [32]byte
	if err := rng.Read(nonce[:]); err != nil {
		t.Fatalf("generating nonce: %v", err)
	}

	client, err := Init(pubB, privA, nonce[:], ClientLabels)
	if err != nil {
		t.Fatalf("client Init: %v", err)
	}
	server, err := Init(pubA, privB, nonce[:], ServerLabels)
	if err != nil {
		t.Fatalf("server Init: %v", err)
	}

	// Client encrypts on its write stream; server must decrypt the
	// same bytes on its read stream (client write == server read).
	plaintext := []byte("session key agreement payload")
	ciphertext := make([]byte, len(plaintext))
	client.Encrypt(ciphertext, plaintext)
	decrypted := make([]byte, len(plaintext))
	server.Decrypt(decrypted, ciphertext)
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("server could not decrypt client's write stream")
	}

	// Conversely, server's write stream must be the client's read
	// stream.
	ciphertext2 := make([]byte, len(plaintext))
	server.Encrypt(ciphertext2, plaintext)
	decrypted2 := make([]byte, len(plaintext))
	client.Decrypt(decrypted2, ciphertext2)
	if !bytes.Equal(decrypted2, plaintext) {
		t.Fatalf("client could not decrypt server's write stream")
	}

	// Auth keys must agree the same way: a signature produced by the
	// client's Sign (under C_auth) must verify under the server's
	// Verify (which checks against C_auth, its AuthRead).
	msg := []byte("signed message")
	sig := client.Sign(msg)
	if !server.Verify(msg, sig[:]) {
		t.Fatalf("server failed to verify client's signature")
	}
	sig2 := server.Sign(msg)
	if !client.Verify(msg, sig2[:]) {
		t.Fatalf("client failed to verify server's signature")
	}
}

// rngReader adapts the DRBG's Read([]byte) error method to io.Reader,
// matching the same adapter shape internal/netproto and
// internal/multitape use.
type rngReader struct {
	rng *drbg.DRBG
}

func (r rngReader) Read(p []byte) (int, error) {
	if err := r.rng.Read(p); err != nil {
		return 0, err
	}
	return len(p), nil
}
