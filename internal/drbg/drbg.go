// Package drbg implements the HMAC_DRBG pseudorandom generator from
// NIST SP 800-90A, wrapping an OS entropy source. It is the sole
// source of randomness for keygen, nonces, and blinding values
// throughout tarsnap-core.
package drbg

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// reseedInterval is the number of Generate operations between
// automatic reseeds from the entropy source.
const reseedInterval = 256

// maxRequest is the largest number of bytes produced by a single
// internal generate call; larger reads are split by Read.
const maxRequest = 1 << 16

// DRBG is a single HMAC_DRBG instance. It is not safe for concurrent
// use: tarsnap-core's core is single-threaded-cooperative by design
// (spec §5), and the DRBG is not re-entrant.
type DRBG struct {
	k     [32]byte
	v     [32]byte
	count uint64
	rng   io.Reader
}

// New creates a DRBG and seeds it with 48 bytes read from the given
// entropy source. Pass nil to use the OS CSPRNG (crypto/rand).
func New(entropy io.Reader) (*DRBG, error) {
	if entropy == nil {
		entropy = rand.Reader
	}
	d := &DRBG{rng: entropy}
	seed := make([]byte, 48)
	if _, err := io.ReadFull(entropy, seed); err != nil {
		return nil, fmt.Errorf("drbg: reading seed: %w", err)
	}
	d.init(seed, nil)
	return d, nil
}

// NewFromSeed seeds a DRBG with an exact, caller-supplied seed buffer
// rather than reading from an entropy source. Used by deterministic
// tests; production code should use New.
func NewFromSeed(seed []byte) *DRBG {
	d := &DRBG{}
	d.init(seed, nil)
	return d
}

func (d *DRBG) init(seed, personalization []byte) {
	for i := range d.k {
		d.k[i] = 0x00
	}
	for i := range d.v {
		d.v[i] = 0x01
	}
	d.update(seed, personalization)
	d.count = 0
}

// update is the HMAC_DRBG Update function: it mixes providedData into
// (K, V) via two HMAC passes.
func (d *DRBG) update(providedData ...[]byte) {
	h := hmac.New(sha256.New, d.k[:])
	h.Write(d.v[:])
	h.Write([]byte{0x00})
	for _, pd := range providedData {
		h.Write(pd)
	}
	copy(d.k[:], h.Sum(nil))

	h = hmac.New(sha256.New, d.k[:])
	h.Write(d.v[:])
	copy(d.v[:], h.Sum(nil))

	any := false
	for _, pd := range providedData {
		if len(pd) > 0 {
			any = true
			break
		}
	}
	if !any {
		return
	}

	h = hmac.New(sha256.New, d.k[:])
	h.Write(d.v[:])
	h.Write([]byte{0x01})
	for _, pd := range providedData {
		h.Write(pd)
	}
	copy(d.k[:], h.Sum(nil))

	h = hmac.New(sha256.New, d.k[:])
	h.Write(d.v[:])
	copy(d.v[:], h.Sum(nil))
}

// reseed mixes fresh entropy into the generator state.
func (d *DRBG) reseed() error {
	seed := make([]byte, 32)
	if _, err := io.ReadFull(d.rng, seed); err != nil {
		return fmt.Errorf("drbg: reseed: %w", err)
	}
	d.update(seed)
	d.count = 0
	return nil
}

// generate produces up to maxRequest bytes without splitting.
func (d *DRBG) generate(out []byte) error {
	if len(out) > maxRequest {
		panic("drbg: generate: request too large")
	}
	if d.count >= reseedInterval {
		if err := d.reseed(); err != nil {
			return err
		}
	}

	produced := 0
	for produced < len(out) {
		h := hmac.New(sha256.New, d.k[:])
		h.Write(d.v[:])
		copy(d.v[:], h.Sum(nil))
		produced += copy(out[produced:], d.v[:])
	}
	d.update()
	d.count++
	return nil
}

// Read fills buf with pseudorandom bytes, transparently splitting
// requests larger than 64 KiB and reseeding every 256 generates.
func (d *DRBG) Read(buf []byte) error {
	for len(buf) > 0 {
		n := len(buf)
		if n > maxRequest {
			n = maxRequest
		}
		if err := d.generate(buf[:n]); err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
