// Package keys implements the process-wide cryptographic key cache
// (spec.md §3, §4.3): a fixed enumeration of RSA and HMAC keys, each
// held at most once, generated or imported together, and scrubbed on
// exit. The global mutable cache the original C client keeps is
// replaced here by an explicit *Cache passed by reference to every
// caller, per spec.md §9's own Design Note.
package keys

import (
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// ID identifies one of the fixed key slots in the cache.
type ID int

// ProtocolVersion records the resolution of spec.md §9's Open Question:
// this implementation uses two distinct file-HMAC keys (HMACFileWrite
// for encryption, HMACFile for decrypt verification) rather than a
// single shared key. See DESIGN.md for the rationale.
const ProtocolVersion = 1

const (
	SignPriv ID = iota
	SignPub
	EncrPriv
	EncrPub
	RootPub
	HMACFile
	HMACFileWrite
	HMACChunk
	HMACName
	HMACCParams
	AuthPut
	AuthGet
	AuthDelete

	numKeys
)

// names gives the human-readable identifier for each key, used in
// Missing's error reporting and keyfile import/export diagnostics.
var names = [numKeys]string{
	SignPriv:      "SIGN_PRIV",
	SignPub:       "SIGN_PUB",
	EncrPriv:      "ENCR_PRIV",
	EncrPub:       "ENCR_PUB",
	RootPub:       "ROOT_PUB",
	HMACFile:      "HMAC_FILE",
	HMACFileWrite: "HMAC_FILE_WRITE",
	HMACChunk:     "HMAC_CHUNK",
	HMACName:      "HMAC_NAME",
	HMACCParams:   "HMAC_CPARAMS",
	AuthPut:       "AUTH_PUT",
	AuthGet:       "AUTH_GET",
	AuthDelete:    "AUTH_DELETE",
}

// isRSA reports whether id names an RSA key rather than a 32-byte
// HMAC key.
func isRSA(id ID) bool {
	switch id {
	case SignPriv, SignPub, EncrPriv, EncrPub, RootPub:
		return true
	default:
		return false
	}
}

// Mask is a bitmask over ID, used by Import/Export/Missing/Generate
// to operate on a subset of the key set at once.
type Mask uint32

func (m Mask) has(id ID) bool { return m&(1<<uint(id)) != 0 }

// Bit returns the single-key mask for id.
func Bit(id ID) Mask { return 1 << uint(id) }

// Masks matching spec.md §3's read/write/registration groupings.
const (
	MaskRead = Mask(0) |
		Mask(1<<EncrPriv) | Mask(1<<EncrPub) | Mask(1<<SignPub) |
		Mask(1<<HMACFile) | Mask(1<<HMACChunk) | Mask(1<<HMACName) |
		Mask(1<<AuthGet)
	MaskWrite = Mask(0) |
		Mask(1<<SignPriv) | Mask(1<<EncrPub) |
		Mask(1<<HMACFile) | Mask(1<<HMACFileWrite) |
		Mask(1<<HMACChunk) | Mask(1<<HMACName) | Mask(1<<HMACCParams) |
		Mask(1<<AuthPut)
	MaskUser = MaskRead | MaskWrite | Mask(1<<AuthDelete)
)

// Cache holds at most one instance of each key ID. It is the sole
// mutable cryptographic context for a process: crypto operations take
// a *Cache, never touch package-level state.
type Cache struct {
	rsa  [numKeys]*primitives.PrivateKey // only Pub is valid for *_PUB slots without the private half
	pub  [numKeys]*primitives.PublicKey
	hmac [numKeys][]byte
}

// New returns an empty key cache with the embedded ROOT_PUB installed.
// rootPub is supplied by the caller (the compiled-in server identity
// key), matching spec.md §4.3's "imports the embedded ROOT_PUB" step.
func New(rootPub *primitives.PublicKey) *Cache {
	c := &Cache{}
	if rootPub != nil {
		c.pub[RootPub] = rootPub
	}
	return c
}

// Name returns the human-readable name of id.
func Name(id ID) string {
	if int(id) < 0 || int(id) >= int(numKeys) {
		return fmt.Sprintf("KEY(%d)", id)
	}
	return names[id]
}

// HMACKey returns the 32-byte HMAC key at id, or nil if absent.
func (c *Cache) HMACKey(id ID) []byte {
	return c.hmac[id]
}

// PrivateKey returns the RSA private key at id, or nil if absent.
func (c *Cache) PrivateKey(id ID) *primitives.PrivateKey {
	return c.rsa[id]
}

// PublicKey returns the RSA public key at id, or nil if absent.
func (c *Cache) PublicKey(id ID) *primitives.PublicKey {
	if c.pub[id] != nil {
		return c.pub[id]
	}
	if c.rsa[id] != nil {
		return &c.rsa[id].Pub
	}
	return nil
}

// SetHMAC installs a 32-byte HMAC key at id, overwriting any existing
// value (import semantics: duplicates overwrite, per spec.md §4.3).
func (c *Cache) SetHMAC(id ID, key []byte) error {
	if len(key) != primitives.HashLen {
		return fmt.Errorf("keys: %s: wrong HMAC key length %d", Name(id), len(key))
	}
	buf := make([]byte, primitives.HashLen)
	copy(buf, key)
	c.hmac[id] = buf
	return nil
}

// SetPrivate installs an RSA private key (and its public half) at id.
func (c *Cache) SetPrivate(id ID, priv *primitives.PrivateKey) {
	c.rsa[id] = priv
}

// SetPublic installs a standalone RSA public key at id (used for
// *_PUB slots that arrive without the matching private key, e.g. an
// imported read-only keyfile, or ROOT_PUB which never has a private
// half in the client).
func (c *Cache) SetPublic(id ID, pub *primitives.PublicKey) {
	c.pub[id] = pub
}

// Missing returns the name of the first key in mask that Cache does
// not hold, or "" if every requested key is present.
func (c *Cache) Missing(mask Mask) string {
	for id := ID(0); id < numKeys; id++ {
		if !mask.has(id) {
			continue
		}
		if isRSA(id) {
			if c.PublicKey(id) == nil && c.rsa[id] == nil {
				return Name(id)
			}
			// *_PRIV slots additionally require the private half.
			if (id == SignPriv || id == EncrPriv) && c.rsa[id] == nil {
				return Name(id)
			}
			continue
		}
		if c.hmac[id] == nil {
			return Name(id)
		}
	}
	return ""
}

// Generate creates fresh keys for every ID set in mask. Requesting a
// private RSA key without its public counterpart present in the same
// call (or vice versa) is a programmer error and returns an error,
// matching spec.md §4.3.
func (c *Cache) Generate(mask Mask, rng interface{ Read([]byte) error }) error {
	if mask.has(SignPriv) != mask.has(SignPub) {
		return fmt.Errorf("keys: SIGN keys must be generated as a pair")
	}
	if mask.has(EncrPriv) != mask.has(EncrPub) {
		return fmt.Errorf("keys: ENCR keys must be generated as a pair")
	}

	if mask.has(SignPriv) && mask.has(SignPub) {
		priv, err := primitives.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("keys: generating SIGN keypair: %w", err)
		}
		c.SetPrivate(SignPriv, priv)
		c.SetPublic(SignPub, &priv.Pub)
	}
	if mask.has(EncrPriv) && mask.has(EncrPub) {
		priv, err := primitives.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("keys: generating ENCR keypair: %w", err)
		}
		c.SetPrivate(EncrPriv, priv)
		c.SetPublic(EncrPub, &priv.Pub)
	}

	for _, id := range []ID{HMACFile, HMACFileWrite, HMACChunk, HMACName, HMACCParams, AuthPut, AuthGet, AuthDelete} {
		if !mask.has(id) {
			continue
		}
		buf := make([]byte, primitives.HashLen)
		if err := rng.Read(buf); err != nil {
			return fmt.Errorf("keys: generating %s: %w", Name(id), err)
		}
		c.hmac[id] = buf
	}
	return nil
}

// RawExportAuth writes the PUT, GET, and DELETE auth HMAC keys (32
// bytes each) into the caller-supplied 96-byte buffer, in that order.
// A buffer of any other length is a programmer error and panics,
// matching spec.md §4.3's "lengths other than 32 bytes per key is a
// programmer error".
func (c *Cache) RawExportAuth(buf []byte) {
	if len(buf) != 96 {
		panic("keys: RawExportAuth: buffer must be exactly 96 bytes")
	}
	copy(buf[0:32], c.hmac[AuthPut])
	copy(buf[32:64], c.hmac[AuthGet])
	copy(buf[64:96], c.hmac[AuthDelete])
}

// Wipe overwrites every HMAC key slot with zero bytes. RSA key
// material is left to the garbage collector: unlike the C
// implementation this process does not control heap layout, so
// byte-wipe-on-free for big.Int-backed keys would be defeated by
// reallocation anyway; the HMAC keys are the only fixed-size buffers
// this package itself owns.
func (c *Cache) Wipe() {
	for id := range c.hmac {
		for i := range c.hmac[id] {
			c.hmac[id][i] = 0
		}
		c.hmac[id] = nil
	}
}
