// Package cryptosession implements the authenticated, encrypted
// client-server session derived from a Diffie-Hellman exchange
// (spec.md §4.5), ported from
// original_source/lib/crypto/crypto_session.c: mkey = MGF1(nonce||K,
// 48), four HMAC-derived 32-byte subkeys, independent per-direction
// AES-256-CTR streams, and a monotonic per-direction auth nonce.
package cryptosession

import (
	"encoding/binary"

	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// Session holds the four derived subkeys and running AES-CTR streams
// for one netproto connection. Direction labels follow the client's
// view: Write* is the client's outgoing direction (C_encr/C_auth),
// Read* is incoming (S_encr/S_auth). A server-side peer would swap
// the label arguments passed to Init.
type Session struct {
	encrWrite *primitives.AESCTRStream
	authWrite []byte
	writeNonce uint64

	encrRead *primitives.AESCTRStream
	authRead []byte
	readNonce uint64
}

// Labels bundles the four HMAC labels used to derive encr/auth
// subkeys for one peer, matching crypto_session_init's (encr_write,
// auth_write, encr_read, auth_read) parameters. Client and server use
// swapped labels so that the client's "write" key is the server's
// "read" key and vice versa.
type Labels struct {
	EncrWrite string
	AuthWrite string
	EncrRead  string
	AuthRead  string
}

// ClientLabels is the label set a client passes to Init.
var ClientLabels = Labels{EncrWrite: "C_encr", AuthWrite: "C_auth", EncrRead: "S_encr", AuthRead: "S_auth"}

// ServerLabels is the label set a server passes to Init.
var ServerLabels = Labels{EncrWrite: "S_encr", AuthWrite: "S_auth", EncrRead: "C_encr", AuthRead: "C_auth"}

// Init computes K = peerPub^(2^258+priv), derives mkey =
// MGF1(nonce||K, 48), and builds the four subkeys and AES-CTR streams
// for this session. Both AES streams start at counter zero; nonce
// field of AESCTRStream is fixed at zero per spec.md §4.5 ("nonce 0,
// counter increments with each byte").
func Init(peerPub, priv, nonce []byte, labels Labels) (*Session, error) {
	k, err := primitives.Compute(peerPub, priv)
	if err != nil {
		return nil, err
	}

	mgfbuf := make([]byte, 32+len(k))
	copy(mgfbuf[:32], nonce)
	copy(mgfbuf[32:], k)
	mkey := primitives.MGF1(mgfbuf, 48)

	aesWrite := primitives.HMACSum(mkey, []byte(labels.EncrWrite))
	authWrite := primitives.HMACSum(mkey, []byte(labels.AuthWrite))
	aesRead := primitives.HMACSum(mkey, []byte(labels.EncrRead))
	authRead := primitives.HMACSum(mkey, []byte(labels.AuthRead))

	encrWrite, err := primitives.NewAESCTR(aesWrite[:], 0)
	if err != nil {
		return nil, err
	}
	encrRead, err := primitives.NewAESCTR(aesRead[:], 0)
	if err != nil {
		return nil, err
	}

	return &Session{
		encrWrite: encrWrite,
		authWrite: append([]byte(nil), authWrite[:]...),
		encrRead:  encrRead,
		authRead:  append([]byte(nil), authRead[:]...),
	}, nil
}

// Encrypt XORs inbuf with the write-direction keystream in place
// into outbuf (which may alias inbuf).
func (s *Session) Encrypt(outbuf, inbuf []byte) {
	s.encrWrite.XORKeyStream(outbuf, inbuf)
}

// Decrypt XORs inbuf with the read-direction keystream in place into
// outbuf (which may alias inbuf).
func (s *Session) Decrypt(outbuf, inbuf []byte) {
	s.encrRead.XORKeyStream(outbuf, inbuf)
}

// Sign computes HMAC(auth_write, be64(nonce_w++) || buf) and
// increments the write auth nonce.
func (s *Session) Sign(buf []byte) [32]byte {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.writeNonce)
	s.writeNonce++
	return primitives.HMACSum(s.authWrite, nonce[:], buf)
}

// Verify checks sig against HMAC(auth_read, be64(nonce_r++) || buf) in
// constant time, incrementing the read auth nonce regardless of
// outcome (a failed verify still consumed one nonce slot, matching
// the original's unconditional increment before the comparison).
func (s *Session) Verify(buf []byte, sig []byte) bool {
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.readNonce)
	s.readNonce++
	want := primitives.HMACSum(s.authRead, nonce[:], buf)
	return primitives.ConstantTimeCompare(want[:], sig)
}
