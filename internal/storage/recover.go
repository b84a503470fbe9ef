package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/netpacket"
)

// InProgress returns the pending transaction recorded for machinenum,
// if any, matching the in_progress row RecordInProgress/MarkCheckpointed
// maintain.
func (l *Ledger) InProgress(machinenum uint64) (seqnum [32]byte, op string, checkpointed bool, ok bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var seqBlob []byte
	var cp int
	row := l.db.QueryRow(`SELECT seqnum, op, checkpointed FROM in_progress WHERE machinenum = ?`, machinenum)
	if scanErr := row.Scan(&seqBlob, &op, &cp); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return seqnum, "", false, false, nil
		}
		return seqnum, "", false, false, fmt.Errorf("storage: reading in-progress transaction: %w", scanErr)
	}
	copy(seqnum[:], seqBlob)
	return seqnum, op, cp != 0, true, nil
}

func opFromName(name string) netpacket.TxOp {
	switch name {
	case "write":
		return netpacket.TxWrite
	case "delete":
		return netpacket.TxDelete
	default:
		return netpacket.TxFsck
	}
}

// CleanState completes or cancels any transaction left pending by a
// prior crashed or interrupted run, matching spec.md §4.11's
// "cleanstate(cachedir, machinenum) completes any pending commit or
// checkpointed-commit before a new transaction may start" and the
// original's storage_transaction_commitfromcheckpoint: the server is
// asked whether a checkpointed transaction is pending; if so, that
// transaction (identified by the nonce the server echoes back) is
// committed; otherwise any pending transaction is cancelled outright,
// since the server cannot have linearized a commit against it. No
// pending transaction is a no-op.
func (c *Client) CleanState(ctx context.Context) (recovered bool, err error) {
	_, opName, _, ok, err := c.Ledger.InProgress(c.MachineNum)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	op := opFromName(opName)
	wk := whichKeyFor(op)

	checkpointed, tnonce, err := c.isCheckpointed(ctx, wk)
	if err != nil {
		return false, fmt.Errorf("storage: checking for a checkpointed transaction: %w", err)
	}
	if checkpointed {
		t := &Transaction{client: c, op: op, key: wk, SeqNum: tnonce}
		if err := t.Commit(ctx); err != nil {
			return false, fmt.Errorf("storage: committing recovered transaction: %w", err)
		}
		return true, nil
	}

	var lastseq [32]byte
	if op != netpacket.TxFsck {
		lastseq, err = c.Ledger.LastSeq(c.MachineNum)
		if err != nil {
			return false, err
		}
	}
	if err := c.cancelExisting(ctx, wk, lastseq); err != nil {
		return false, fmt.Errorf("storage: cancelling stale transaction: %w", err)
	}
	if err := c.Ledger.ClearInProgress(c.MachineNum); err != nil {
		return false, err
	}
	return false, nil
}
