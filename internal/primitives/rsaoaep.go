package primitives

import (
	"errors"
	"io"
)

// OAEP byte-layout constants, fixed by spec.md §4.2 and ported from
// original_source/lib/crypto/crypto_rsa.c: empty label, 223-byte DB,
// 190-byte plaintext cap.
const (
	oaepDBLen    = RSAModLen - HashLen - 1 // 223
	oaepMaxMsg   = oaepDBLen - HashLen - 1 // 190
	oaepEMLen    = RSAModLen               // 256
	oaepScanLen  = oaepDBLen - HashLen     // 191: length of DB past lHash
)

var (
	ErrMessageTooLong  = errors.New("primitives: OAEP message too long")
	ErrCiphertextBad   = errors.New("primitives: OAEP ciphertext corrupt")
)

var emptyLabelHash = SHA256(nil)

// EncryptOAEP encrypts data (at most 190 bytes) under pub using the
// fixed OAEP layout: empty label, SHA-256, 32-bit-counter MGF1. rng
// supplies the random seed.
func EncryptOAEP(pub *PublicKey, data []byte, rng io.Reader) ([]byte, error) {
	if len(data) > oaepMaxMsg {
		return nil, ErrMessageTooLong
	}

	db := make([]byte, oaepDBLen)
	copy(db[:HashLen], emptyLabelHash[:])
	sepPos := oaepDBLen - 1 - len(data)
	db[sepPos] = 0x01
	copy(db[sepPos+1:], data)

	seed := make([]byte, HashLen)
	if _, err := io.ReadFull(rng, seed); err != nil {
		return nil, err
	}

	dbMask := MGF1(seed, oaepDBLen)
	maskedDB := make([]byte, oaepDBLen)
	for i := range db {
		maskedDB[i] = db[i] ^ dbMask[i]
	}

	seedMask := MGF1(maskedDB, HashLen)
	maskedSeed := make([]byte, HashLen)
	for i := range seed {
		maskedSeed[i] = seed[i] ^ seedMask[i]
	}

	em := make([]byte, 0, oaepEMLen)
	em = append(em, 0x00)
	em = append(em, maskedSeed...)
	em = append(em, maskedDB...)

	return rawEncrypt(pub, em)
}

// DecryptOAEP decrypts ciphertext under priv. It returns (plaintext,
// nil) on success. On any padding or length inconsistency it returns
// (nil, ErrCiphertextBad): per spec.md §4.2/§8 property 7, every
// byte-equality and structural check over the recovered 256-byte
// block is combined into a single accumulated "baddata" flag before
// the one branch at the very end of this function — there is no
// early return anywhere in the scan below.
func DecryptOAEP(priv *PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) != oaepEMLen {
		return nil, ErrCiphertextBad
	}

	em, err := rawDecrypt(priv, ciphertext)
	if err != nil {
		return nil, err
	}

	var baddata byte
	baddata |= em[0]

	maskedSeed := em[1 : 1+HashLen]
	maskedDB := em[1+HashLen:]

	seedMask := MGF1(maskedDB, HashLen)
	seed := make([]byte, HashLen)
	for i := range seed {
		seed[i] = maskedSeed[i] ^ seedMask[i]
	}

	dbMask := MGF1(seed, oaepDBLen)
	db := make([]byte, oaepDBLen)
	for i := range db {
		db[i] = maskedDB[i] ^ dbMask[i]
	}

	baddata |= ConstantTimeDiff(db[:HashLen], emptyLabelHash[:])

	var paddingmask byte = 0xff
	msglen := oaepScanLen
	rest := db[HashLen:]
	for i := 0; i < len(rest); i++ {
		b := rest[i]
		baddata |= paddingmask & b & 0xfe
		msglen += int(int8(paddingmask))
		paddingmask &= b - 1
	}
	baddata |= paddingmask

	if baddata != 0 {
		return nil, ErrCiphertextBad
	}

	out := make([]byte, msglen)
	copy(out, rest[len(rest)-msglen:])
	return out, nil
}
