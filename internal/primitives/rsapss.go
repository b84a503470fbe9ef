package primitives

import (
	"errors"
	"io"
)

// PSS byte-layout constants, fixed by spec.md §4.2 and carried
// bit-exactly from original_source/lib/crypto/crypto_rsa.c. These are
// not configurable: a reimplementation that picks a different salt
// length or trailer byte silently produces incompatible signatures.
const (
	pssSaltLen   = 32
	pssDBLen     = RSAModLen - HashLen - 1 // 223
	pssTrailer   = 0xbc
	pssZeroPad   = 8
	pssEMLen     = RSAModLen // 256
	pssZeroInDB  = pssDBLen - pssSaltLen - 1 // 190 zero bytes before the 0x01 separator
)

var ErrSignatureInvalid = errors.New("primitives: PSS signature verification failed")

// SignPSS signs data under priv using the fixed-layout PSS scheme:
// SHA-256 digest, 32-byte random salt, 223-byte DB, 0xBC trailer byte.
// rng supplies the salt; callers pass the process DRBG.
func SignPSS(priv *PrivateKey, data []byte, rng io.Reader) ([]byte, error) {
	mHash := SHA256(data)

	salt := make([]byte, pssSaltLen)
	if _, err := io.ReadFull(rng, salt); err != nil {
		return nil, err
	}

	mPrime := make([]byte, 0, pssZeroPad+HashLen+pssSaltLen)
	mPrime = append(mPrime, make([]byte, pssZeroPad)...)
	mPrime = append(mPrime, mHash[:]...)
	mPrime = append(mPrime, salt...)
	h := SHA256(mPrime)

	db := make([]byte, pssDBLen)
	db[pssZeroInDB] = 0x01
	copy(db[pssZeroInDB+1:], salt)

	dbMask := MGF1(h[:], pssDBLen)
	maskedDB := make([]byte, pssDBLen)
	for i := range db {
		maskedDB[i] = db[i] ^ dbMask[i]
	}
	maskedDB[0] &= 0x7f

	em := make([]byte, 0, pssEMLen)
	em = append(em, maskedDB...)
	em = append(em, h[:]...)
	em = append(em, pssTrailer)

	return rawDecrypt(priv, em)
}

// VerifyPSS verifies sig over data under pub, returning nil on
// success and ErrSignatureInvalid on any mismatch. The comparison of
// the recovered digest against the expected one is constant-time;
// the surrounding structural checks are on public data only (the
// signature itself), so no secret-dependent branch exists.
func VerifyPSS(pub *PublicKey, data []byte, sig []byte) error {
	if len(sig) != pssEMLen {
		return ErrSignatureInvalid
	}

	em, err := rawEncrypt(pub, sig)
	if err != nil {
		return ErrSignatureInvalid
	}

	if em[pssEMLen-1] != pssTrailer {
		return ErrSignatureInvalid
	}
	maskedDB := em[:pssDBLen]
	h := em[pssDBLen : pssDBLen+HashLen]

	if maskedDB[0]&0x80 != 0 {
		return ErrSignatureInvalid
	}

	dbMask := MGF1(h, pssDBLen)
	db := make([]byte, pssDBLen)
	for i := range db {
		db[i] = maskedDB[i] ^ dbMask[i]
	}
	db[0] &= 0x7f

	for i := 0; i < pssZeroInDB; i++ {
		if db[i] != 0 {
			return ErrSignatureInvalid
		}
	}
	if db[pssZeroInDB] != 0x01 {
		return ErrSignatureInvalid
	}
	salt := db[pssZeroInDB+1:]

	mHash := SHA256(data)
	mPrime := make([]byte, 0, pssZeroPad+HashLen+pssSaltLen)
	mPrime = append(mPrime, make([]byte, pssZeroPad)...)
	mPrime = append(mPrime, mHash[:]...)
	mPrime = append(mPrime, salt...)
	hPrime := SHA256(mPrime)

	if !ConstantTimeCompare(h, hPrime[:]) {
		return ErrSignatureInvalid
	}
	return nil
}
