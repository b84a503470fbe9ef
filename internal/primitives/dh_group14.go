package primitives

import "math/big"

// group14Hex is the RFC 3526 Group 14 2048-bit MODP prime, the
// modulus tarsnap-core's Diffie-Hellman key exchange operates in.
const group14Hex = "" +
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E0" +
	"88A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A43" +
	"1B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C4" +
	"2E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B" +
	"1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69" +
	"163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED52907" +
	"7096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE" +
	"3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2B" +
	"CBF695581718" +
	"3995497CEA956AE515D2261898FA051015728E5A8AACAA68" +
	"FFFFFFFFFFFFFFFF"

var group14Modulus = func() *big.Int {
	n, ok := new(big.Int).SetString(group14Hex, 16)
	if !ok {
		panic("primitives: invalid group14 modulus constant")
	}
	return n
}()

// Group14Modulus returns the RFC 3526 Group 14 prime.
func Group14Modulus() *big.Int {
	return new(big.Int).Set(group14Modulus)
}
