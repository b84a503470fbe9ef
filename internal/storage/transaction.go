package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// Transaction tracks one write/delete/fsck transaction's sequence
// number, matching the shared bookkeeping in storage_write.c /
// storage_delete.c's internal structs. The sequence number is
// SHA-256(snonce || cnonce), combining the server- and client-supplied
// randomness (spec.md §3 "Transaction").
type Transaction struct {
	client *Client
	op     netpacket.TxOp
	key    netpacket.WhichKey

	SeqNum [32]byte
}

func whichKeyFor(op netpacket.TxOp) netpacket.WhichKey {
	if op == netpacket.TxWrite {
		return netpacket.KeyPut
	}
	return netpacket.KeyDelete
}

func authKeyFor(cache *keys.Cache, wk netpacket.WhichKey) []byte {
	if wk == netpacket.KeyPut {
		return cache.HMACKey(keys.AuthPut)
	}
	return cache.HMACKey(keys.AuthDelete)
}

// retryWait sleeps for the server's "come back later" interval (1
// second, matching the original's sleep(1) loops) or until ctx is
// cancelled.
func retryWait(ctx context.Context) error {
	select {
	case <-time.After(1 * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getNonce fetches a fresh server transaction nonce, matching
// netpacket_transaction_getnonce.
func (c *Client) getNonce(ctx context.Context) ([32]byte, error) {
	req := netpacket.BuildTransactionGetNonce(c.MachineNum)
	typ, payload, err := c.doOp(ctx, netpacket.TransactionGetNonce, req)
	if err != nil {
		return [32]byte{}, err
	}
	if typ != netpacket.TransactionGetNonceResponse {
		return [32]byte{}, fmt.Errorf("storage: unexpected response type 0x%02x to TRANSACTION_GETNONCE", typ)
	}
	return netpacket.ParseTransactionGetNonceResponse(payload)
}

// cancelExisting cancels any transaction currently pending server-side
// for this machine, matching storage_transaction_cancel: fresh
// server/client nonces each attempt, looping with a 1-second sleep
// while the server answers "try again later".
func (c *Client) cancelExisting(ctx context.Context, wk netpacket.WhichKey, lastseq [32]byte) error {
	for {
		snonce, err := c.getNonce(ctx)
		if err != nil {
			return fmt.Errorf("storage: getting cancel nonce: %w", err)
		}
		cnonce, err := c.newNonce()
		if err != nil {
			return err
		}
		req, err := netpacket.BuildTransactionCancel(c.Cache, c.MachineNum, wk, snonce, cnonce, lastseq)
		if err != nil {
			return err
		}
		typ, payload, err := c.doOp(ctx, netpacket.TransactionCancel, req)
		if err != nil {
			return err
		}
		if typ != netpacket.TransactionCancelResponse {
			return fmt.Errorf("storage: unexpected response type 0x%02x to TRANSACTION_CANCEL", typ)
		}
		opNonce := primitives.SHA256(snonce[:], cnonce[:])
		status, err := netpacket.ParseTransactionStatusResponse(typ, authKeyFor(c.Cache, wk), opNonce, payload)
		if err != nil {
			return err
		}
		switch status {
		case netpacket.StatusOK:
			return nil
		case netpacket.StatusTryAgain:
			if err := retryWait(ctx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("storage: cancel failed, status %d", status)
		}
	}
}

// startTransaction begins a write/delete/fsck transaction, matching
// storage_transaction_start: cancel any prior pending transaction,
// obtain a server nonce, generate a client nonce, derive the new
// sequence number as SHA-256(snonce || cnonce), and send
// TRANSACTION_START presenting the ledger's last committed sequence
// number (zeros for fsck, which starts from a clean history).
func (c *Client) startTransaction(ctx context.Context, op netpacket.TxOp) (*Transaction, error) {
	wk := whichKeyFor(op)

	var lastseq [32]byte
	if op != netpacket.TxFsck {
		var err error
		lastseq, err = c.Ledger.LastSeq(c.MachineNum)
		if err != nil {
			return nil, err
		}
	}

	if err := c.cancelExisting(ctx, wk, lastseq); err != nil {
		return nil, err
	}

	snonce, err := c.getNonce(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: getting transaction nonce: %w", err)
	}
	cnonce, err := c.newNonce()
	if err != nil {
		return nil, err
	}
	seqnum := primitives.SHA256(snonce[:], cnonce[:])

	req, err := netpacket.BuildTransactionStart(c.Cache, c.MachineNum, op, snonce, cnonce, lastseq)
	if err != nil {
		return nil, err
	}
	typ, payload, err := c.doOp(ctx, netpacket.TransactionStart, req)
	if err != nil {
		return nil, err
	}
	if typ != netpacket.TransactionStartResponse {
		return nil, fmt.Errorf("storage: unexpected response type 0x%02x to TRANSACTION_START", typ)
	}
	status, err := netpacket.ParseTransactionStatusResponse(typ, authKeyFor(c.Cache, wk), seqnum, payload)
	if err != nil {
		return nil, err
	}
	switch status {
	case netpacket.StatusOK:
	case 1:
		return nil, fmt.Errorf("storage: sequence number mismatch starting transaction: run --fsck")
	case 2:
		if op == netpacket.TxWrite {
			return nil, fmt.Errorf("storage: cannot start write transaction: account balance is not positive")
		}
		return nil, fmt.Errorf("storage: server refused to start transaction, status %d", status)
	default:
		return nil, fmt.Errorf("storage: server refused to start transaction, status %d", status)
	}

	if err := c.Ledger.RecordInProgress(c.MachineNum, seqnum, snonce, txOpName(op)); err != nil {
		return nil, err
	}

	return &Transaction{
		client: c,
		op:     op,
		key:    wk,
		SeqNum: seqnum,
	}, nil
}

func txOpName(op netpacket.TxOp) string {
	switch op {
	case netpacket.TxWrite:
		return "write"
	case netpacket.TxDelete:
		return "delete"
	default:
		return "fsck"
	}
}

// Checkpoint asks the server to create a checkpoint in this (write)
// transaction, matching storage_transaction_checkpoint. The server
// echoes the checkpoint nonce so the client knows exactly which
// checkpoint a later crash recovery will resume from.
func (t *Transaction) Checkpoint(ctx context.Context) error {
	ckptnonce, err := t.client.newNonce()
	if err != nil {
		return err
	}
	req, err := netpacket.BuildTransactionCheckpoint(t.client.Cache, t.client.MachineNum, t.key, ckptnonce, t.SeqNum)
	if err != nil {
		return err
	}
	typ, payload, err := t.client.doOp(ctx, netpacket.TransactionCheckpoint, req)
	if err != nil {
		return err
	}
	if typ != netpacket.TransactionCheckpointResponse {
		return fmt.Errorf("storage: unexpected response type 0x%02x to TRANSACTION_CHECKPOINT", typ)
	}
	status, echo, err := netpacket.ParseTransactionCheckpointResponse(typ, authKeyFor(t.client.Cache, t.key), t.SeqNum, payload)
	if err != nil {
		return err
	}
	if echo != ckptnonce {
		return fmt.Errorf("storage: checkpoint response names the wrong checkpoint")
	}
	switch status {
	case netpacket.StatusOK:
	case 1:
		return fmt.Errorf("storage: sequence number mismatch creating checkpoint: run --fsck")
	default:
		return fmt.Errorf("storage: checkpoint failed, status %d", status)
	}
	return t.client.Ledger.MarkCheckpointed(t.client.MachineNum, ckptnonce)
}

// Cancel abandons this transaction: any transaction pending under this
// machine number is cancelled server-side and the local in-progress
// record is cleared.
func (t *Transaction) Cancel(ctx context.Context) error {
	var lastseq [32]byte
	if t.op != netpacket.TxFsck {
		var err error
		lastseq, err = t.client.Ledger.LastSeq(t.client.MachineNum)
		if err != nil {
			return err
		}
	}
	if err := t.client.cancelExisting(ctx, t.key, lastseq); err != nil {
		return err
	}
	return t.client.Ledger.ClearInProgress(t.client.MachineNum)
}

// Commit finalizes this transaction, matching
// storage_transaction_commit: TRANSACTION_TRYCOMMIT is sent repeatedly,
// sleeping 1 second whenever the server answers "come back later",
// until the commit has been linearized. On success the ledger's
// last-committed sequence number advances to this transaction's SeqNum.
func (t *Transaction) Commit(ctx context.Context) error {
	start := time.Now()
	for {
		committed, err := t.TryCommit(ctx)
		if err != nil {
			return err
		}
		if committed {
			break
		}
		if err := retryWait(ctx); err != nil {
			return err
		}
	}
	if t.client.Metrics != nil {
		t.client.Metrics.RecordTransaction(time.Since(start).Seconds())
	}
	if err := t.client.Ledger.SetLastSeq(t.client.MachineNum, t.SeqNum); err != nil {
		return err
	}
	return t.client.Ledger.ClearInProgress(t.client.MachineNum)
}

// TryCommit sends a single TRANSACTION_TRYCOMMIT probe: true means the
// transaction is now committed, false means the server wants the
// client to ask again shortly.
func (t *Transaction) TryCommit(ctx context.Context) (bool, error) {
	req, err := netpacket.BuildTransactionTryCommit(t.client.Cache, t.client.MachineNum, t.key, t.SeqNum)
	if err != nil {
		return false, err
	}
	typ, payload, err := t.client.doOp(ctx, netpacket.TransactionTryCommit, req)
	if err != nil {
		return false, err
	}
	if typ != netpacket.TransactionTryCommitResponse {
		return false, fmt.Errorf("storage: unexpected response type 0x%02x to TRANSACTION_TRYCOMMIT", typ)
	}
	status, err := netpacket.ParseTransactionStatusResponse(typ, authKeyFor(t.client.Cache, t.key), t.SeqNum, payload)
	if err != nil {
		return false, err
	}
	switch status {
	case netpacket.StatusOK:
		return true, nil
	case netpacket.StatusTryAgain:
		return false, nil
	default:
		return false, fmt.Errorf("storage: trycommit failed, status %d", status)
	}
}

// isCheckpointed asks whether a checkpointed transaction is pending
// for this machine, matching the probe half of
// storage_transaction_commitfromcheckpoint: status 0 means no, status
// 1 means yes (the committable transaction nonce is echoed back), and
// status 2 means ask again in a second.
func (c *Client) isCheckpointed(ctx context.Context, wk netpacket.WhichKey) (bool, [32]byte, error) {
	for {
		reqNonce, err := c.newNonce()
		if err != nil {
			return false, [32]byte{}, err
		}
		req, err := netpacket.BuildTransactionIsCheckpointed(c.Cache, c.MachineNum, wk, reqNonce)
		if err != nil {
			return false, [32]byte{}, err
		}
		typ, payload, err := c.doOp(ctx, netpacket.TransactionIsCheckpointed, req)
		if err != nil {
			return false, [32]byte{}, err
		}
		if typ != netpacket.TransactionIsCheckpointedResponse {
			return false, [32]byte{}, fmt.Errorf("storage: unexpected response type 0x%02x to TRANSACTION_ISCHECKPOINTED", typ)
		}
		status, tnonce, err := netpacket.ParseTransactionCheckpointResponse(typ, authKeyFor(c.Cache, wk), reqNonce, payload)
		if err != nil {
			return false, [32]byte{}, err
		}
		switch status {
		case 0:
			return false, [32]byte{}, nil
		case 1:
			return true, tnonce, nil
		case netpacket.StatusCkptTryAgain:
			if err := retryWait(ctx); err != nil {
				return false, [32]byte{}, err
			}
		default:
			return false, [32]byte{}, fmt.Errorf("storage: ischeckpointed failed, status %d", status)
		}
	}
}
