package storage

import (
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
)

// Deleter is a delete or fsck transaction cookie, matching STORAGE_D.
type Deleter struct {
	*Transaction
}

// StartDelete begins a delete transaction, matching
// storage_delete_start.
func (c *Client) StartDelete(ctx context.Context) (*Deleter, error) {
	t, err := c.startTransaction(ctx, netpacket.TxDelete)
	if err != nil {
		return nil, err
	}
	return &Deleter{t}, nil
}

// StartFsck begins a fsck transaction, matching storage_fsck_start.
func (c *Client) StartFsck(ctx context.Context) (*Deleter, error) {
	t, err := c.startTransaction(ctx, netpacket.TxFsck)
	if err != nil {
		return nil, err
	}
	return &Deleter{t}, nil
}

// DeleteFile deletes name from class as part of this transaction,
// matching storage_delete_file (status 0 = deleted, 1 = no such file,
// 2 = stale nonce).
func (d *Deleter) DeleteFile(ctx context.Context, class netpacket.Class, name [32]byte) error {
	nonce, err := d.client.newNonce()
	if err != nil {
		return err
	}
	req := netpacket.BuildDeleteFile(d.client.Cache, d.client.MachineNum, class, name, nonce)
	typ, payload, err := d.client.doOp(ctx, netpacket.DeleteFile, req)
	if err != nil {
		return err
	}
	if typ != netpacket.DeleteFileResponse {
		return fmt.Errorf("storage: unexpected response type 0x%02x to DELETE_FILE", typ)
	}
	status, err := netpacket.ParseWriteResponse(typ, d.client.Cache.HMACKey(keys.AuthDelete), nonce, class, name, payload)
	if err != nil {
		return err
	}
	switch status {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("storage: cannot delete file: no such file")
	case 2:
		return ErrStaleNonce
	default:
		return fmt.Errorf("storage: DELETE_FILE failed, status %d", status)
	}
}
