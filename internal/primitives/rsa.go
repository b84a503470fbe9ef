package primitives

import (
	"crypto/rand"
	gorsa "crypto/rsa"
	"errors"
	"math/big"
)

// RSAModLen is the modulus size in bytes for the 2048-bit RSA keys
// used throughout tarsnap-core (SIGN, ENCR, ROOT).
const RSAModLen = 256

// PublicKey is a raw RSA public key: only N and E, no padding scheme
// attached. All padding (PSS, OAEP) is implemented by the rsapss.go /
// rsaoaep.go files in this package, operating on top of rawEncrypt /
// rawDecrypt below.
type PublicKey struct {
	N *big.Int
	E int
}

// PrivateKey is a raw RSA private key. D is used directly for
// rawDecrypt rather than going through crypto/rsa's CRT-optimized,
// padding-aware Decrypt: the point of this package is that padding
// never happens inside a library call.
type PrivateKey struct {
	Pub PublicKey
	D   *big.Int
}

// GenerateKeyPair generates a fresh 2048-bit RSA key pair. Key
// *generation* is delegated to crypto/rsa (prime search is not a
// protocol-visible detail spec.md fixes); only encrypt/decrypt/sign/
// verify padding is hand-rolled.
func GenerateKeyPair() (*PrivateKey, error) {
	key, err := gorsa.GenerateKey(rand.Reader, RSAModLen*8)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{
		Pub: PublicKey{N: key.N, E: key.E},
		D:   key.D,
	}, nil
}

// rawEncrypt computes m^E mod N and left-pads the result to RSAModLen
// bytes (textbook RSA, "no-padding" mode per spec.md §4.2).
func rawEncrypt(pub *PublicKey, m []byte) ([]byte, error) {
	mi := new(big.Int).SetBytes(m)
	if mi.Cmp(pub.N) >= 0 {
		return nil, errors.New("primitives: message representative out of range")
	}
	ci := new(big.Int).Exp(mi, big.NewInt(int64(pub.E)), pub.N)
	return i2osp(ci, RSAModLen), nil
}

// rawDecrypt computes c^D mod N and left-pads the result to RSAModLen
// bytes.
func rawDecrypt(priv *PrivateKey, c []byte) ([]byte, error) {
	ci := new(big.Int).SetBytes(c)
	if ci.Cmp(priv.Pub.N) >= 0 {
		return nil, errors.New("primitives: ciphertext representative out of range")
	}
	mi := new(big.Int).Exp(ci, priv.D, priv.Pub.N)
	return i2osp(mi, RSAModLen), nil
}

// i2osp left-pads x's big-endian byte representation to exactly n
// bytes (Integer-to-Octet-String-Primitive, RFC 3447 §4.1).
func i2osp(x *big.Int, n int) []byte {
	b := x.Bytes()
	if len(b) > n {
		b = b[len(b)-n:]
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out
}
