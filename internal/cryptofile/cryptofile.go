// Package cryptofile implements the per-file encryption envelope from
// spec.md §4.4, ported bit-exactly from
// original_source/lib/crypto/crypto_file.c: a lazily-generated,
// per-process session AES-256 key wrapped once with RSA-OAEP under
// ENCR_PUB, prefixed to every encrypted file along with an
// 8-byte monotonic nonce, and trailed by an HMAC-SHA-256 tag.
package cryptofile

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// HeaderLen is the length of the encrypted-session-key + nonce prefix
// (256 + 8), matching CRYPTO_FILE_HLEN in the original source.
const HeaderLen = 256 + 8

// TrailerLen is the length of the trailing HMAC tag.
const TrailerLen = primitives.HashLen

// ErrCorrupt is returned by Decrypt when the envelope length does not
// match the expected plaintext length, the HMAC tag fails to verify,
// the session key cannot be RSA-OAEP-unwrapped, or the unwrapped
// session key has the wrong length ("ciphertext corrupt", status 2).
var ErrCorrupt = fmt.Errorf("cryptofile: ciphertext corrupt")

// encKey is the process's single outgoing session AES key: 32 random
// bytes, RSA-OAEP-wrapped once under ENCR_PUB, reused (with an
// incrementing nonce) for every file encrypted in this process.
type encKey struct {
	aesKey    []byte
	encrypted []byte // 256-byte RSA-OAEP wrapped aesKey
	nonce     uint64
}

// Codec holds the lazy encryption key and the read-side decrypt-key
// cache keyed by the 256-byte encrypted-key prefix, exactly as the
// original's in-memory RWHASHTAB does. One Codec is created per
// process (or per test), sharing the DRBG used for OAEP seeds and
// AES key generation.
type Codec struct {
	cache *keys.Cache
	rng   *drbg.DRBG

	mu  sync.Mutex
	enc *encKey

	decrMu    sync.Mutex
	decrCache map[[256]byte]*decrKey
}

type decrKey struct {
	aesKey    []byte
	encrypted [256]byte
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

// New creates a file-envelope codec bound to the given key cache and
// randomness source.
func New(cache *keys.Cache, rng *drbg.DRBG) *Codec {
	return &Codec{
		cache:     cache,
		rng:       rng,
		decrCache: make(map[[256]byte]*decrKey),
	}
}

func (c *Codec) ensureEncKey() error {
	if c.enc != nil {
		return nil
	}
	aesKey := make([]byte, 32)
	if err := c.rng.Read(aesKey); err != nil {
		return fmt.Errorf("cryptofile: generating session key: %w", err)
	}
	pub := c.cache.PublicKey(keys.EncrPub)
	if pub == nil {
		return fmt.Errorf("cryptofile: ENCR_PUB not present in key cache")
	}
	encrypted, err := primitives.EncryptOAEP(pub, aesKey, rngReader{c.rng})
	if err != nil {
		return fmt.Errorf("cryptofile: wrapping session key: %w", err)
	}
	c.enc = &encKey{aesKey: aesKey, encrypted: encrypted, nonce: 0}
	return nil
}

// Encrypt encrypts buf into a new envelope: 256-byte wrapped session
// key, 8-byte big-endian nonce, AES-CTR ciphertext, 32-byte HMAC tag
// under HMAC_FILE_WRITE. The session key is generated on first use and
// reused (with the nonce incrementing) for the life of the Codec.
func (c *Codec) Encrypt(buf []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureEncKey(); err != nil {
		return nil, err
	}

	out := make([]byte, HeaderLen+len(buf)+TrailerLen)
	copy(out[0:256], c.enc.encrypted)
	binary.BigEndian.PutUint64(out[256:264], c.enc.nonce)

	stream, err := primitives.NewAESCTR(c.enc.aesKey, c.enc.nonce)
	if err != nil {
		return nil, fmt.Errorf("cryptofile: keystream init: %w", err)
	}
	c.enc.nonce++ // nonces must monotonically increase within a session
	stream.XORKeyStream(out[HeaderLen:HeaderLen+len(buf)], buf)

	hmacKey := c.cache.HMACKey(keys.HMACFileWrite)
	tag := primitives.HMACSum(hmacKey, out[:HeaderLen+len(buf)])
	copy(out[HeaderLen+len(buf):], tag[:])

	return out, nil
}

// Decrypt verifies and decrypts an envelope produced by Encrypt (or by
// the server-side peer using the matching keys). plaintextLen must be
// the expected plaintext length, matching the original API's
// "filebuf, len, buf" shape where len is known from the caller's own
// bookkeeping (the chunk/metadata length stored alongside the file).
//
// Decrypt never branches on secret-derived data before the final HMAC
// comparison: the tag check runs in constant time over the whole
// envelope before any key-cache lookup occurs.
func (c *Codec) Decrypt(envelope []byte, plaintextLen int) ([]byte, error) {
	if len(envelope) != HeaderLen+plaintextLen+TrailerLen {
		return nil, ErrCorrupt
	}

	signed := envelope[:HeaderLen+plaintextLen]
	tag := envelope[HeaderLen+plaintextLen:]

	hmacKey := c.cache.HMACKey(keys.HMACFile)
	want := primitives.HMACSum(hmacKey, signed)
	if !primitives.ConstantTimeCompare(want[:], tag) {
		return nil, ErrCorrupt
	}

	var prefix [256]byte
	copy(prefix[:], envelope[0:256])

	aesKey, err := c.decryptSessionKey(prefix)
	if err != nil {
		return nil, err
	}

	nonce := binary.BigEndian.Uint64(envelope[256:264])
	plaintext := make([]byte, plaintextLen)
	if err := primitives.Stream(aesKey, nonce, plaintext, envelope[HeaderLen:HeaderLen+plaintextLen]); err != nil {
		return nil, fmt.Errorf("cryptofile: decrypting body: %w", err)
	}
	return plaintext, nil
}

func (c *Codec) decryptSessionKey(prefix [256]byte) ([]byte, error) {
	c.decrMu.Lock()
	if k, ok := c.decrCache[prefix]; ok {
		c.decrMu.Unlock()
		return k.aesKey, nil
	}
	c.decrMu.Unlock()

	priv := c.cache.PrivateKey(keys.EncrPriv)
	if priv == nil {
		return nil, fmt.Errorf("cryptofile: ENCR_PRIV not present in key cache")
	}
	aesKey, err := primitives.DecryptOAEP(priv, prefix[:])
	if err != nil {
		return nil, ErrCorrupt
	}
	if len(aesKey) != 32 {
		return nil, ErrCorrupt
	}

	c.decrMu.Lock()
	c.decrCache[prefix] = &decrKey{aesKey: aesKey, encrypted: prefix}
	c.decrMu.Unlock()
	return aesKey, nil
}
