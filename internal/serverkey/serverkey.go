// Package serverkey holds the client's compiled-in copy of the storage
// service's public signing key (ROOT_PUB, spec.md §3/§4.6 step 4): the
// value every netproto handshake verifies the server's ephemeral DH
// value against. The production client bakes in the operator's real
// key at build time; this copy is the project's own well-known
// development/test key, generated once and pinned here the same way.
package serverkey

import (
	"math/big"

	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// rootModulusHex is the 2048-bit RSA modulus for the development
// ROOT_PUB key, pinned at build time like the production client's.
const rootModulusHex = "" +
	"ebd5e637cf636daf2d5e72fb2b7a33f254f2242cba1f05cdb7bb3c4b26df0052" +
	"9513ab982c153e350b488a526a8ec03553b45d718d40bad37f10a721d2c63467" +
	"537ecf35377b41026e026b54dd88df51622bb0c32fd8d54d27b4d4a57e5c7b5f" +
	"41a3289ce4a1f2f4333ccdbd5ce11c7a27fb75c1e96c085efecdd02e02e9bfcf" +
	"cdd17fff35cde117c178ad633a4594874bc0558047b1c31fe27fb82a81540f0e" +
	"a667c501c58884a9225bf7a26c122017bd75816219ffc428a4cb7d6b5f652be5" +
	"1c0e65319fab96cbcba54386f39ed4037c25a1fc357c0f54a49f139a924161ae" +
	"57ab46565d445699e4f2ec0237ddf30d40a67a2021309a97dc9ded4fe84920eb"

const rootExponent = 65537

// RootPub returns the client's compiled-in ROOT_PUB.
func RootPub() *primitives.PublicKey {
	n, ok := new(big.Int).SetString(rootModulusHex, 16)
	if !ok {
		panic("serverkey: invalid embedded ROOT_PUB modulus")
	}
	return &primitives.PublicKey{N: n, E: rootExponent}
}
