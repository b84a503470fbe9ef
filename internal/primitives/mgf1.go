package primitives

import "crypto/sha256"

// MGF1 implements the RFC 3447 mask generation function over SHA-256,
// iterating a 4-byte big-endian counter and truncating the final
// SHA-256 block to the requested length. It is the single source of
// masking for both PSS and OAEP, and for session key derivation
// (crypto_session's mkey = MGF1(nonce||K, 48)).
func MGF1(seed []byte, length int) []byte {
	out := make([]byte, 0, length+sha256.Size)
	var counter [4]byte
	for len(out) < length {
		h := sha256.New()
		h.Write(seed)
		h.Write(counter[:])
		out = h.Sum(out)

		c := uint32(counter[0])<<24 | uint32(counter[1])<<16 | uint32(counter[2])<<8 | uint32(counter[3])
		c++
		counter[0] = byte(c >> 24)
		counter[1] = byte(c >> 16)
		counter[2] = byte(c >> 8)
		counter[3] = byte(c)
	}
	return out[:length]
}
