package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
)

// ErrFileExists is returned by WriteFile when the server already holds
// a file of that name in that class. The chunk layer treats this as
// success (an idempotent put, spec.md §7); every other caller treats
// it as fatal.
var ErrFileExists = errors.New("storage: file already exists")

// ErrStaleNonce is returned by WriteFile/DeleteFile when the server
// rejects the request's transaction nonce: a concurrent transaction on
// the same machine number has superseded this one, which is fatal to
// the current transaction (spec.md §7).
var ErrStaleNonce = errors.New("storage: transaction interrupted by a concurrent transaction")

// Writer is a write transaction cookie, matching STORAGE_W.
type Writer struct {
	*Transaction
}

// StartWrite begins a write transaction, matching storage_write_start.
func (c *Client) StartWrite(ctx context.Context) (*Writer, error) {
	t, err := c.startTransaction(ctx, netpacket.TxWrite)
	if err != nil {
		return nil, err
	}
	return &Writer{t}, nil
}

// FExist reports whether name already exists in class, matching
// storage_write_fexist (status 0 = absent, 1 = present, 2 = stale
// nonce).
func (w *Writer) FExist(ctx context.Context, class netpacket.Class, name [32]byte) (bool, error) {
	nonce, err := w.client.newNonce()
	if err != nil {
		return false, err
	}
	req := netpacket.BuildWriteFExist(w.client.Cache, w.client.MachineNum, class, name, nonce)
	typ, payload, err := w.client.doOp(ctx, netpacket.WriteFExist, req)
	if err != nil {
		return false, err
	}
	if typ != netpacket.WriteFExistResponse {
		return false, fmt.Errorf("storage: unexpected response type 0x%02x to WRITE_FEXIST", typ)
	}
	status, err := netpacket.ParseWriteResponse(typ, w.client.Cache.HMACKey(keys.AuthPut), nonce, class, name, payload)
	if err != nil {
		return false, err
	}
	switch status {
	case 0:
		return false, nil
	case 1:
		return true, nil
	case 2:
		return false, ErrStaleNonce
	default:
		return false, fmt.Errorf("storage: WRITE_FEXIST failed, status %d", status)
	}
}

// WriteFile writes data to name in class as part of this transaction,
// matching storage_write_file.
func (w *Writer) WriteFile(ctx context.Context, class netpacket.Class, name [32]byte, data []byte) error {
	nonce, err := w.client.newNonce()
	if err != nil {
		return err
	}
	req := netpacket.BuildWriteFile(w.client.Cache, w.client.MachineNum, class, name, data, nonce)
	typ, payload, err := w.client.doOp(ctx, netpacket.WriteFile, req)
	if err != nil {
		return err
	}
	if typ != netpacket.WriteFileResponse {
		return fmt.Errorf("storage: unexpected response type 0x%02x to WRITE_FILE", typ)
	}
	status, err := netpacket.ParseWriteResponse(typ, w.client.Cache.HMACKey(keys.AuthPut), nonce, class, name, payload)
	if err != nil {
		return err
	}

	_, out, queued := w.client.Conn.GetStats()
	w.client.Watchdog.Observe(out + queued)

	switch status {
	case 0:
		return nil
	case 1:
		return ErrFileExists
	case 2:
		return ErrStaleNonce
	default:
		return fmt.Errorf("storage: WRITE_FILE failed, status %d", status)
	}
}
