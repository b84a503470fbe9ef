// Package keyfilewrap implements the optional passphrase-derived
// scrypt/AES-CTR container a keyfile may be wrapped in on disk
// (spec.md §3: "may be wrapped by a passphrase-derived scrypt-AES-CTR
// encryption container (opaque to the core)"). internal/keys never
// imports this package or golang.org/x/crypto/scrypt: wrapping is a
// CLI-level concern, applied to the already-encoded keyfile bytes
// produced by keys.EncodeKeyfile / consumed by keys.DecodeKeyfile.
package keyfilewrap

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// magic tags a wrapped keyfile on disk so callers can distinguish it
// from a plain, unwrapped one without guessing.
var magic = [8]byte{'T', 'S', 'K', 'P', 'W', '0', '0', '1'}

const (
	saltLen = 32
	// scrypt cost parameters; N is large enough to make offline
	// dictionary attacks expensive without making interactive use
	// noticeably slow (~100ms and 32 MiB on current hardware).
	scryptN   = 1 << 15
	scryptR   = 8
	scryptP   = 1
	scryptLen = 32 + 8 // AES-CTR key || nonce
)

// IsWrapped reports whether buf begins with the scrypt wrapper magic.
func IsWrapped(buf []byte) bool {
	return len(buf) >= len(magic) && string(buf[:len(magic)]) == string(magic[:])
}

// Wrap encrypts plaintext (an already-encoded keyfile) under a key
// derived from passwd via scrypt, prefixed with a random salt and the
// wrapper magic.
func Wrap(passwd, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aesKey, nonce, err := derive(passwd, salt)
	if err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(plaintext))
	if err := primitives.Stream(aesKey, nonce, ciphertext, plaintext); err != nil {
		return nil, fmt.Errorf("keyfilewrap: encrypting: %w", err)
	}

	out := make([]byte, 0, len(magic)+len(salt)+len(ciphertext))
	out = append(out, magic[:]...)
	out = append(out, salt...)
	out = append(out, ciphertext...)
	return out, nil
}

// Unwrap decrypts a buffer produced by Wrap. AES-CTR gives no
// authentication of its own, and keys.DecodeKeyfile performs none
// either: a wrong passphrase produces garbage that is rejected only if
// it fails to parse as a keyfile blob stream.
func Unwrap(passwd, wrapped []byte) ([]byte, error) {
	if !IsWrapped(wrapped) {
		return nil, fmt.Errorf("keyfilewrap: missing wrapper magic")
	}
	rest := wrapped[len(magic):]
	if len(rest) < saltLen {
		return nil, fmt.Errorf("keyfilewrap: truncated salt")
	}
	salt := rest[:saltLen]
	ciphertext := rest[saltLen:]

	aesKey, nonce, err := derive(passwd, salt)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(ciphertext))
	if err := primitives.Stream(aesKey, nonce, plaintext, ciphertext); err != nil {
		return nil, fmt.Errorf("keyfilewrap: decrypting: %w", err)
	}
	return plaintext, nil
}

func derive(passwd, salt []byte) (aesKey []byte, nonce uint64, err error) {
	derived, err := scrypt.Key(passwd, salt, scryptN, scryptR, scryptP, scryptLen)
	if err != nil {
		return nil, 0, fmt.Errorf("keyfilewrap: deriving scrypt key: %w", err)
	}
	for i := 0; i < 8; i++ {
		nonce |= uint64(derived[32+i]) << (8 * i)
	}
	return derived[:32], nonce, nil
}
