package netpacket

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// ReadFileMaxSize bounds a single READ_FILE request, matching the
// original's 262144-byte chunk/metadata-stream ceiling (spec.md §4.7).
const ReadFileMaxSize = 262144

// appendHMAC writes HMAC(key, type || buf[:signedLen]) into
// buf[signedLen:signedLen+32], matching netpacket_hmac_append.
func appendHMAC(buf []byte, typ uint8, signedLen int, key []byte) {
	sum := primitives.HMACSum(key, []byte{typ}, buf[:signedLen])
	copy(buf[signedLen:signedLen+32], sum[:])
}

// verifyHMAC checks buf[pos:pos+32] against HMAC(key, type || nonce? ||
// buf[:pos]), matching netpacket_hmac_verify. nonce may be nil.
func verifyHMAC(buf []byte, typ uint8, nonce []byte, pos int, key []byte) bool {
	var sum [32]byte
	if nonce != nil {
		sum = primitives.HMACSum(key, []byte{typ}, nonce, buf[:pos])
	} else {
		sum = primitives.HMACSum(key, []byte{typ}, buf[:pos])
	}
	return primitives.ConstantTimeCompare(sum[:], buf[pos:pos+32])
}

// BuildRegisterRequest constructs a REGISTER_REQUEST payload: the raw
// username bytes, unsigned (spec.md §4.7 / netpacket_register_request).
func BuildRegisterRequest(user string) []byte {
	return []byte(user)
}

// BuildRegisterChaResponse constructs a REGISTER_CHA_RESPONSE payload:
// 96 bytes of freshly generated access keys, a length-prefixed
// user-friendly name, and an HMAC computed under the register key
// derived from the registration DH exchange (netpacket_register.c).
func BuildRegisterChaResponse(rawkeys [96]byte, name string, registerKey []byte) ([]byte, error) {
	if len(name) > 255 {
		return nil, fmt.Errorf("netpacket: register name too long")
	}
	buf := make([]byte, 96+1+len(name)+32)
	copy(buf[0:96], rawkeys[:])
	buf[96] = byte(len(name))
	copy(buf[97:97+len(name)], name)
	sum := primitives.HMACSum(registerKey, []byte{RegisterChaResponse}, buf[:97+len(name)])
	copy(buf[97+len(name):], sum[:])
	return buf, nil
}

// BuildTransactionGetNonce constructs a TRANSACTION_GETNONCE payload:
// just the 8-byte machine number.
func BuildTransactionGetNonce(machinenum uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, machinenum)
	return buf
}

// keyForOp selects AUTH_PUT/AUTH_DELETE per netpacket_transaction_start's
// operation-to-key switch (write -> PUT, delete/fsck -> DELETE; any
// other operation byte is rejected).
func keyForOp(op TxOp) (keys.ID, error) {
	switch op {
	case TxWrite:
		return keys.AuthPut, nil
	case TxDelete, TxFsck:
		return keys.AuthDelete, nil
	default:
		return 0, fmt.Errorf("netpacket: invalid transaction operation %d", op)
	}
}

// BuildTransactionStart constructs a TRANSACTION_START payload: machine
// number, operation byte, server/client nonces, state, and an HMAC
// signed with the access key matching the operation.
func BuildTransactionStart(cache *keys.Cache, machinenum uint64, op TxOp, snonce, cnonce, state [32]byte) ([]byte, error) {
	id, err := keyForOp(op)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 137)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(op)
	copy(buf[9:41], snonce[:])
	copy(buf[41:73], cnonce[:])
	copy(buf[73:105], state[:])
	appendHMAC(buf, TransactionStart, 105, cache.HMACKey(id))
	return buf, nil
}

// keyForWhichKey selects AUTH_PUT/AUTH_DELETE for the commit-family
// packets per WhichKey.
func keyForWhichKey(wk WhichKey) (keys.ID, error) {
	switch wk {
	case KeyPut:
		return keys.AuthPut, nil
	case KeyDelete:
		return keys.AuthDelete, nil
	default:
		return 0, fmt.Errorf("netpacket: invalid key selector %d", wk)
	}
}

// BuildTransactionCommit constructs a TRANSACTION_COMMIT payload.
func BuildTransactionCommit(cache *keys.Cache, machinenum uint64, wk WhichKey, nonce [32]byte) ([]byte, error) {
	id, err := keyForWhichKey(wk)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 73)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(wk)
	copy(buf[9:41], nonce[:])
	appendHMAC(buf, TransactionCommit, 41, cache.HMACKey(id))
	return buf, nil
}

// BuildTransactionCheckpoint constructs a TRANSACTION_CHECKPOINT
// payload: machine number, key selector, checkpoint nonce, transaction
// nonce, HMAC.
func BuildTransactionCheckpoint(cache *keys.Cache, machinenum uint64, wk WhichKey, ckptnonce, nonce [32]byte) ([]byte, error) {
	id, err := keyForWhichKey(wk)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 105)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(wk)
	copy(buf[9:41], ckptnonce[:])
	copy(buf[41:73], nonce[:])
	appendHMAC(buf, TransactionCheckpoint, 73, cache.HMACKey(id))
	return buf, nil
}

// BuildTransactionCancel constructs a TRANSACTION_CANCEL payload:
// machine number, key selector, server/client nonces, state, HMAC.
func BuildTransactionCancel(cache *keys.Cache, machinenum uint64, wk WhichKey, snonce, cnonce, state [32]byte) ([]byte, error) {
	id, err := keyForWhichKey(wk)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 137)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(wk)
	copy(buf[9:41], snonce[:])
	copy(buf[41:73], cnonce[:])
	copy(buf[73:105], state[:])
	appendHMAC(buf, TransactionCancel, 105, cache.HMACKey(id))
	return buf, nil
}

// BuildTransactionTryCommit constructs a TRANSACTION_TRYCOMMIT payload,
// wire-identical to TRANSACTION_COMMIT.
func BuildTransactionTryCommit(cache *keys.Cache, machinenum uint64, wk WhichKey, nonce [32]byte) ([]byte, error) {
	id, err := keyForWhichKey(wk)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 73)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(wk)
	copy(buf[9:41], nonce[:])
	appendHMAC(buf, TransactionTryCommit, 41, cache.HMACKey(id))
	return buf, nil
}

// BuildTransactionIsCheckpointed constructs a
// TRANSACTION_ISCHECKPOINTED payload, wire-identical to
// TRANSACTION_COMMIT.
func BuildTransactionIsCheckpointed(cache *keys.Cache, machinenum uint64, wk WhichKey, nonce [32]byte) ([]byte, error) {
	id, err := keyForWhichKey(wk)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 73)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(wk)
	copy(buf[9:41], nonce[:])
	appendHMAC(buf, TransactionIsCheckpointed, 41, cache.HMACKey(id))
	return buf, nil
}

// BuildWriteFExist constructs a WRITE_FEXIST payload: machine number,
// class, file name, nonce, HMAC under AUTH_PUT.
func BuildWriteFExist(cache *keys.Cache, machinenum uint64, class Class, name, nonce [32]byte) []byte {
	buf := make([]byte, 105)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(class)
	copy(buf[9:41], name[:])
	copy(buf[41:73], nonce[:])
	appendHMAC(buf, WriteFExist, 73, cache.HMACKey(keys.AuthPut))
	return buf
}

// BuildWriteFile constructs a WRITE_FILE payload: machine number,
// class, file name, file body, nonce, HMAC under AUTH_PUT.
func BuildWriteFile(cache *keys.Cache, machinenum uint64, class Class, name [32]byte, data []byte, nonce [32]byte) []byte {
	signedLen := 41 + len(data) + 32
	buf := make([]byte, signedLen+32)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(class)
	copy(buf[9:41], name[:])
	copy(buf[41:41+len(data)], data)
	copy(buf[41+len(data):signedLen], nonce[:])
	appendHMAC(buf, WriteFile, signedLen, cache.HMACKey(keys.AuthPut))
	return buf
}

// BuildDeleteFile constructs a DELETE_FILE payload: machine number,
// class, file name, nonce, HMAC under AUTH_DELETE.
func BuildDeleteFile(cache *keys.Cache, machinenum uint64, class Class, name, nonce [32]byte) []byte {
	buf := make([]byte, 105)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(class)
	copy(buf[9:41], name[:])
	copy(buf[41:73], nonce[:])
	appendHMAC(buf, DeleteFile, 73, cache.HMACKey(keys.AuthDelete))
	return buf
}

// BuildReadFile constructs a READ_FILE payload: machine number, class,
// file name, expected size (0xffffffff means "unknown"). Unsigned: any
// registered machine may read its own files without an access key.
func BuildReadFile(machinenum uint64, class Class, name [32]byte, size uint32) []byte {
	buf := make([]byte, 45)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(class)
	copy(buf[9:41], name[:])
	binary.BigEndian.PutUint32(buf[41:45], size)
	return buf
}

// BuildDirectory constructs a DIRECTORY (signed with the read key) or
// DIRECTORY_D (signed with the delete key) payload: machine number,
// class, starting position, server/client nonces, HMAC, matching
// netpacket_directory's key selection.
func BuildDirectory(cache *keys.Cache, machinenum uint64, class Class, start, snonce, cnonce [32]byte, wantDelete bool) (uint8, []byte) {
	typ := Directory
	id := keys.AuthGet
	if wantDelete {
		typ = DirectoryD
		id = keys.AuthDelete
	}
	buf := make([]byte, 137)
	binary.BigEndian.PutUint64(buf[0:8], machinenum)
	buf[8] = byte(class)
	copy(buf[9:41], start[:])
	copy(buf[41:73], snonce[:])
	copy(buf[73:105], cnonce[:])
	appendHMAC(buf, typ, 105, cache.HMACKey(id))
	return typ, buf
}

// ParseRegisterChallenge parses a REGISTER_CHALLENGE response (288
// bytes: a 32-byte salt followed by the server's 256-byte DH public
// value). The salt is fed to the password-to-DH-keypair derivation
// as-is (only its first 32 bytes are read by that derivation); there
// is no separate signature field at this layer, since the register
// key computed from the completed DH exchange is what authenticates
// the rest of the registration handshake.
func ParseRegisterChallenge(payload []byte) (salt []byte, serverDHPub []byte, err error) {
	const want = 32 + primitives.DHPubLen
	if len(payload) != want {
		return nil, nil, fmt.Errorf("netpacket: bad REGISTER_CHALLENGE length %d", len(payload))
	}
	return payload[:32], payload[32:want], nil
}

// ParseRegisterResponse parses a REGISTER_RESPONSE: 1-byte status,
// 8-byte machine number, and a trailing 32-byte HMAC keyed under the
// register key and computed over type||status||machinenum. The HMAC
// is only meaningful (non-zero on the wire) when status is 0
// (success) or 3 (already registered); callers must verify it before
// trusting status/machinenum for those codes.
func ParseRegisterResponse(registerKey []byte, payload []byte) (machinenum uint64, status uint8, err error) {
	if len(payload) != 41 {
		return 0, 0, fmt.Errorf("netpacket: bad REGISTER_RESPONSE length %d", len(payload))
	}
	status = payload[0]
	machinenum = binary.BigEndian.Uint64(payload[1:9])
	if status == 0 || status == 3 {
		if !verifyHMAC(payload, RegisterResponse, nil, 9, registerKey) {
			return 0, 0, fmt.Errorf("netpacket: REGISTER_RESPONSE HMAC mismatch")
		}
	}
	return machinenum, status, nil
}

// ParseTransactionGetNonceResponse parses a TRANSACTION_GETNONCE_RESPONSE:
// a 32-byte server nonce.
func ParseTransactionGetNonceResponse(payload []byte) ([32]byte, error) {
	var nonce [32]byte
	if len(payload) != 32 {
		return nonce, fmt.Errorf("netpacket: bad TRANSACTION_GETNONCE_RESPONSE length %d", len(payload))
	}
	copy(nonce[:], payload)
	return nonce, nil
}

// ParseTransactionStatusResponse parses the shared 33-byte
// status+HMAC shape of TRANSACTION_START_RESPONSE,
// TRANSACTION_CANCEL_RESPONSE, and TRANSACTION_TRYCOMMIT_RESPONSE,
// verifying HMAC(key, type || nonce || status) per
// netpacket_hmac_verify. nonce is the transaction sequence number the
// server derived from the request (SHA-256(snonce || cnonce) for
// start/cancel, the transaction nonce itself for trycommit).
func ParseTransactionStatusResponse(typ uint8, key []byte, nonce [32]byte, payload []byte) (uint8, error) {
	if len(payload) != 33 {
		return 0, fmt.Errorf("netpacket: bad transaction response length %d", len(payload))
	}
	if !verifyHMAC(payload, typ, nonce[:], 1, key) {
		return 0, fmt.Errorf("netpacket: transaction response HMAC mismatch")
	}
	return payload[0], nil
}

// ParseTransactionCommitResponse parses TRANSACTION_COMMIT_RESPONSE:
// 32 bytes of HMAC(key, type || seqnum) and nothing else (a verified
// commit response is itself the success indication).
func ParseTransactionCommitResponse(key []byte, seqnum [32]byte, payload []byte) error {
	if len(payload) != 32 {
		return fmt.Errorf("netpacket: bad TRANSACTION_COMMIT_RESPONSE length %d", len(payload))
	}
	if !verifyHMAC(payload, TransactionCommitResponse, seqnum[:], 0, key) {
		return fmt.Errorf("netpacket: TRANSACTION_COMMIT_RESPONSE HMAC mismatch")
	}
	return nil
}

// ParseTransactionCheckpointResponse parses the shared 65-byte shape of
// TRANSACTION_CHECKPOINT_RESPONSE and
// TRANSACTION_ISCHECKPOINTED_RESPONSE: status byte, a 32-byte nonce
// echo (the checkpoint nonce for CHECKPOINT; the committable
// transaction nonce for ISCHECKPOINTED), and a trailing HMAC over
// both, prefixed with the request nonce.
func ParseTransactionCheckpointResponse(typ uint8, key []byte, reqNonce [32]byte, payload []byte) (status uint8, echo [32]byte, err error) {
	if len(payload) != 65 {
		return 0, echo, fmt.Errorf("netpacket: bad checkpoint-shaped response length %d", len(payload))
	}
	if !verifyHMAC(payload, typ, reqNonce[:], 33, key) {
		return 0, echo, fmt.Errorf("netpacket: checkpoint response HMAC mismatch")
	}
	status = payload[0]
	copy(echo[:], payload[1:33])
	return status, echo, nil
}

// ParseWriteResponse parses the shared 66-byte shape of
// WRITE_FEXIST_RESPONSE, WRITE_FILE_RESPONSE, and
// DELETE_FILE_RESPONSE: status, class echo, name echo, and an HMAC
// over all three prefixed with the request nonce. The class/name echo
// must match the request the caller sent.
func ParseWriteResponse(typ uint8, key []byte, nonce [32]byte, class Class, name [32]byte, payload []byte) (uint8, error) {
	if len(payload) != 66 {
		return 0, fmt.Errorf("netpacket: bad write/delete response length %d", len(payload))
	}
	if !verifyHMAC(payload, typ, nonce[:], 34, key) {
		return 0, fmt.Errorf("netpacket: write/delete response HMAC mismatch")
	}
	if payload[1] != byte(class) || !bytes.Equal(payload[2:34], name[:]) {
		return 0, fmt.Errorf("netpacket: write/delete response names the wrong file")
	}
	return payload[0], nil
}

// ParseReadFileResponse parses READ_FILE_RESPONSE: status, class echo,
// name echo, a u32 BE file length, the file bytes, and a trailing HMAC
// under AUTH_GET with no nonce prefix (the read request carries none).
// size is the expected file length from the request, or 0xffffffff if
// unknown.
func ParseReadFileResponse(key []byte, class Class, name [32]byte, size uint32, payload []byte) (status uint8, data []byte, err error) {
	if len(payload) < 70 || len(payload) > 70+ReadFileMaxSize {
		return 0, nil, fmt.Errorf("netpacket: bad READ_FILE_RESPONSE length %d", len(payload))
	}
	if !verifyHMAC(payload, ReadFileResponse, nil, len(payload)-32, key) {
		return 0, nil, fmt.Errorf("netpacket: READ_FILE_RESPONSE HMAC mismatch")
	}
	if payload[1] != byte(class) || !bytes.Equal(payload[2:34], name[:]) {
		return 0, nil, fmt.Errorf("netpacket: READ_FILE_RESPONSE names the wrong file")
	}
	status = payload[0]
	filelen := binary.BigEndian.Uint32(payload[34:38])
	switch status {
	case StatusOK:
		if uint64(len(payload)) != 70+uint64(filelen) {
			return 0, nil, fmt.Errorf("netpacket: READ_FILE_RESPONSE length %d does not match file length %d", len(payload), filelen)
		}
		if size != 0xffffffff && filelen != size {
			return 0, nil, fmt.Errorf("netpacket: READ_FILE_RESPONSE file length %d, requested %d", filelen, size)
		}
	default:
		if len(payload) != 70 || filelen != 0 {
			return 0, nil, fmt.Errorf("netpacket: non-success READ_FILE_RESPONSE carries data")
		}
	}
	return status, payload[38 : 38+filelen], nil
}

// DirEntry is one 32-byte file name returned in a DIRECTORY_RESPONSE
// page.
type DirEntry [32]byte

// ParseDirectoryResponse parses one DIRECTORY_RESPONSE page: status,
// class echo, start-position echo, a u32 BE file count, the 32-byte
// names, and a trailing HMAC prefixed with the operation nonce
// SHA-256(snonce || cnonce). The caller passes in the verification key
// matching its request type (Directory or DirectoryD).
func ParseDirectoryResponse(key []byte, opNonce [32]byte, class Class, start [32]byte, payload []byte) (status uint8, entries []DirEntry, err error) {
	if len(payload) < 70 || (len(payload)-70)%32 != 0 {
		return 0, nil, fmt.Errorf("netpacket: bad DIRECTORY_RESPONSE length %d", len(payload))
	}
	if !verifyHMAC(payload, DirectoryResponse, opNonce[:], len(payload)-32, key) {
		return 0, nil, fmt.Errorf("netpacket: DIRECTORY_RESPONSE HMAC mismatch")
	}
	status = payload[0]
	nfiles := binary.BigEndian.Uint32(payload[34:38])
	if status > DirStatusBalance || payload[1] != byte(class) ||
		!bytes.Equal(payload[2:34], start[:]) ||
		nfiles > DirectoryResponseMaxFiles {
		return 0, nil, fmt.Errorf("netpacket: malformed DIRECTORY_RESPONSE")
	}
	if uint64(len(payload)) != 70+uint64(nfiles)*32 {
		return 0, nil, fmt.Errorf("netpacket: DIRECTORY_RESPONSE length %d does not match %d names", len(payload), nfiles)
	}
	entries = make([]DirEntry, nfiles)
	for i := range entries {
		copy(entries[i][:], payload[38+i*32:38+(i+1)*32])
	}
	return status, entries, nil
}
