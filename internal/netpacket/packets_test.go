package netpacket

import (
	"encoding/binary"
	"testing"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

func testCache(t *testing.T) *keys.Cache {
	t.Helper()
	c := keys.New(nil)
	for _, id := range []keys.ID{keys.AuthPut, keys.AuthGet, keys.AuthDelete} {
		key := make([]byte, 32)
		key[0] = byte(id)
		if err := c.SetHMAC(id, key); err != nil {
			t.Fatalf("SetHMAC(%s): %v", keys.Name(id), err)
		}
	}
	return c
}

func TestBuildTransactionStartSizeAndHMAC(t *testing.T) {
	c := testCache(t)
	var snonce, cnonce, state [32]byte
	buf, err := BuildTransactionStart(c, 42, TxWrite, snonce, cnonce, state)
	if err != nil {
		t.Fatalf("BuildTransactionStart: %v", err)
	}
	if len(buf) != 137 {
		t.Fatalf("want 137 bytes, got %d", len(buf))
	}
	if !verifyHMAC(buf, TransactionStart, nil, 105, c.HMACKey(keys.AuthPut)) {
		t.Fatalf("HMAC does not verify against its own key")
	}
	if verifyHMAC(buf, TransactionStart, nil, 105, c.HMACKey(keys.AuthDelete)) {
		t.Fatalf("HMAC verified against the wrong key")
	}
}

func TestBuildTransactionStartRejectsBadOp(t *testing.T) {
	c := testCache(t)
	var z [32]byte
	if _, err := BuildTransactionStart(c, 1, TxOp(9), z, z, z); err == nil {
		t.Fatalf("expected error for invalid operation")
	}
}

func TestBuildWriteFilePackSize(t *testing.T) {
	c := testCache(t)
	var name, nonce [32]byte
	data := make([]byte, 1000)
	buf := BuildWriteFile(c, 7, ClassChunk, name, data, nonce)
	want := 8 + 1 + 32 + len(data) + 32 + 32
	if len(buf) != want {
		t.Fatalf("want %d bytes, got %d", want, len(buf))
	}
}

func TestParseTransactionStatusResponse(t *testing.T) {
	key := make([]byte, 32)
	var seqnum [32]byte
	seqnum[3] = 0x7f

	payload := make([]byte, 33)
	payload[0] = StatusOK
	tag := primitives.HMACSum(key, []byte{TransactionStartResponse}, seqnum[:], payload[:1])
	copy(payload[1:], tag[:])

	status, err := ParseTransactionStatusResponse(TransactionStartResponse, key, seqnum, payload)
	if err != nil {
		t.Fatalf("ParseTransactionStatusResponse: %v", err)
	}
	if status != StatusOK {
		t.Fatalf("status = %d, want 0", status)
	}

	payload[5] ^= 0x01
	if _, err := ParseTransactionStatusResponse(TransactionStartResponse, key, seqnum, payload); err == nil {
		t.Fatalf("expected HMAC mismatch after tamper")
	}
}

func TestParseWriteResponseVerifiesEcho(t *testing.T) {
	key := make([]byte, 32)
	var name, nonce [32]byte
	name[0] = 0xcd

	payload := make([]byte, 66)
	payload[0] = 0 // stored
	payload[1] = byte(ClassChunk)
	copy(payload[2:34], name[:])
	tag := primitives.HMACSum(key, []byte{WriteFileResponse}, nonce[:], payload[:34])
	copy(payload[34:], tag[:])

	status, err := ParseWriteResponse(WriteFileResponse, key, nonce, ClassChunk, name, payload)
	if err != nil {
		t.Fatalf("ParseWriteResponse: %v", err)
	}
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}

	var wrongName [32]byte
	if _, err := ParseWriteResponse(WriteFileResponse, key, nonce, ClassChunk, wrongName, payload); err == nil {
		t.Fatalf("expected name-echo mismatch")
	}
}

func TestParseReadFileResponse(t *testing.T) {
	key := make([]byte, 32)
	var name [32]byte
	data := []byte("chunk payload bytes")

	payload := make([]byte, 70+len(data))
	payload[0] = StatusOK
	payload[1] = byte(ClassChunk)
	copy(payload[2:34], name[:])
	binary.BigEndian.PutUint32(payload[34:38], uint32(len(data)))
	copy(payload[38:], data)
	tag := primitives.HMACSum(key, []byte{ReadFileResponse}, payload[:len(payload)-32])
	copy(payload[len(payload)-32:], tag[:])

	status, got, err := ParseReadFileResponse(key, ClassChunk, name, uint32(len(data)), payload)
	if err != nil {
		t.Fatalf("ParseReadFileResponse: %v", err)
	}
	if status != StatusOK || string(got) != string(data) {
		t.Fatalf("got status %d, data %q", status, got)
	}

	if _, _, err := ParseReadFileResponse(key, ClassChunk, name, uint32(len(data))+1, payload); err == nil {
		t.Fatalf("expected length mismatch against requested size")
	}

	payload[40] ^= 0x01
	if _, _, err := ParseReadFileResponse(key, ClassChunk, name, uint32(len(data)), payload); err == nil {
		t.Fatalf("expected HMAC mismatch after tamper")
	}
}

func TestParseDirectoryResponsePage(t *testing.T) {
	key := make([]byte, 32)
	var opNonce, start [32]byte
	const nfiles = 3

	payload := make([]byte, 70+nfiles*32)
	payload[0] = DirStatusDone
	payload[1] = byte(ClassMetadata)
	copy(payload[2:34], start[:])
	binary.BigEndian.PutUint32(payload[34:38], nfiles)
	for i := 0; i < nfiles; i++ {
		payload[38+i*32] = byte(i + 1)
	}
	tag := primitives.HMACSum(key, []byte{DirectoryResponse}, opNonce[:], payload[:len(payload)-32])
	copy(payload[len(payload)-32:], tag[:])

	status, entries, err := ParseDirectoryResponse(key, opNonce, ClassMetadata, start, payload)
	if err != nil {
		t.Fatalf("ParseDirectoryResponse: %v", err)
	}
	if status != DirStatusDone {
		t.Fatalf("status = %d, want done", status)
	}
	if len(entries) != nfiles {
		t.Fatalf("want %d entries, got %d", nfiles, len(entries))
	}
	for i, e := range entries {
		if e[0] != byte(i+1) {
			t.Fatalf("entry %d mismatch: %v", i, e)
		}
	}
}

func TestParseDirectoryResponseRejectsBadCount(t *testing.T) {
	key := make([]byte, 32)
	var opNonce, start [32]byte

	payload := make([]byte, 70+32)
	payload[1] = byte(ClassMetadata)
	binary.BigEndian.PutUint32(payload[34:38], 2) // claims 2 names, carries 1
	tag := primitives.HMACSum(key, []byte{DirectoryResponse}, opNonce[:], payload[:len(payload)-32])
	copy(payload[len(payload)-32:], tag[:])

	if _, _, err := ParseDirectoryResponse(key, opNonce, ClassMetadata, start, payload); err == nil {
		t.Fatalf("expected count/length mismatch")
	}
}

func TestParseRegisterResponse(t *testing.T) {
	registerKey := make([]byte, 32)
	buf := make([]byte, 41)
	buf[0] = RegStatusOK
	binary.BigEndian.PutUint64(buf[1:9], 99)
	tag := primitives.HMACSum(registerKey, []byte{RegisterResponse}, buf[:9])
	copy(buf[9:], tag[:])

	machinenum, status, err := ParseRegisterResponse(registerKey, buf)
	if err != nil {
		t.Fatalf("ParseRegisterResponse: %v", err)
	}
	if machinenum != 99 || status != RegStatusOK {
		t.Fatalf("got (%d, %d)", machinenum, status)
	}
	if _, _, err := ParseRegisterResponse(registerKey, buf[:40]); err == nil {
		t.Fatalf("expected length error")
	}
}
