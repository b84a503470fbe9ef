package primitives

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
)

// Diffie-Hellman key sizes in group #14 (RFC 3526, 2048-bit MODP),
// ported from original_source/libcperciva/crypto/crypto_dh.h.
const (
	DHPrivLen = 32
	DHPubLen  = 256
	DHKeyLen  = 256
)

var two = big.NewInt(2)

// twoExp256 is 2^256, used to build the blinded exponent the same way
// crypto_dh.c does: priv_bn is shifted up by 2^258 (four additions of
// 2^256) before the modexp runs, and the blinding factor is likewise
// offset by a single 2^256 so that both partial exponents stay positive
// and the same bit length regardless of priv's value.
var twoExp256 = new(big.Int).Lsh(big.NewInt(1), 256)

// blindedModExp computes a^(2^258 + priv) mod group14Modulus without
// letting the runtime of the exponentiation depend on priv: the true
// exponent is split into a random blinding term and its complement,
// each exponentiation individually uses Go's constant-time big.Int.Exp
// modexp path, and the two partial results are combined with a modular
// multiplication at the end.
func blindedModExp(a *big.Int, priv []byte) ([]byte, error) {
	if len(priv) != DHPrivLen {
		return nil, errors.New("primitives: bad DH private key length")
	}

	privExp := new(big.Int).SetBytes(priv)
	privExp.Add(privExp, twoExp256)
	privExp.Add(privExp, twoExp256)
	privExp.Add(privExp, twoExp256)
	privExp.Add(privExp, twoExp256)

	blinding := make([]byte, DHPrivLen)
	if _, err := io.ReadFull(rand.Reader, blinding); err != nil {
		return nil, err
	}
	blindExp := new(big.Int).SetBytes(blinding)
	blindExp.Add(blindExp, twoExp256)

	privBlinded := new(big.Int).Sub(privExp, blindExp)

	m := Group14Modulus()

	r1 := new(big.Int).Exp(a, blindExp, m)
	r2 := new(big.Int).Exp(a, privBlinded, m)
	r1.Mul(r1, r2)
	r1.Mod(r1, m)

	return i2osp(r1, DHPubLen), nil
}

// GeneratePub computes 2^(2^258 + priv) mod p, the DH public value for
// the given private key.
func GeneratePub(priv []byte) ([]byte, error) {
	return blindedModExp(two, priv)
}

// Generate produces a fresh random 32-byte private key and its
// corresponding public value.
func Generate(rng io.Reader) (pub, priv []byte, err error) {
	priv = make([]byte, DHPrivLen)
	if _, err = io.ReadFull(rng, priv); err != nil {
		return nil, nil, err
	}
	pub, err = GeneratePub(priv)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// Compute derives the shared key pub^(2^258 + priv) mod p, where pub is
// the peer's public value and priv is the local private key.
func Compute(peerPub, priv []byte) ([]byte, error) {
	if len(peerPub) != DHPubLen {
		return nil, errors.New("primitives: bad DH public key length")
	}
	a := new(big.Int).SetBytes(peerPub)
	return blindedModExp(a, priv)
}

// PasswordToDH derives a DH private key from a registration passphrase
// and server-supplied salt: priv = HMAC-SHA-256(salt, passwd), per
// spec.md §4.7's crypto_passwd_to_dh. The result is exactly DHPrivLen
// bytes since HashLen == DHPrivLen (both 32).
func PasswordToDH(salt, passwd []byte) []byte {
	sum := HMACSum(salt, passwd)
	return sum[:]
}

// SanityCheck rejects a peer public value that is not strictly less
// than the group #14 modulus.
func SanityCheck(pub []byte) error {
	if len(pub) != DHPubLen {
		return errors.New("primitives: bad DH public key length")
	}
	a := new(big.Int).SetBytes(pub)
	if a.Cmp(group14Modulus) >= 0 {
		return errors.New("primitives: DH public value out of range")
	}
	return nil
}
