// Package storage implements the transactional remote-file layer
// (spec.md §4.8): read/write/delete/fsck cookies layered over
// internal/netpacket's request queue, a local sequence-number and
// in-progress-transaction ledger backed by SQLite (following
// daemon/manager/persistence.go's PersistentStore shape), token-bucket
// throttling built on internal/ratelimit, and a separate bandwidth-cap
// watchdog.
//
// Ported from original_source/tar/storage/storage_{read,write,delete,
// transaction,directory}.c: the original's single-threaded, callback-
// driven cookies become blocking methods here, one call per logical
// operation, matching internal/netpacket's own translation of the
// connection layer.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/observability"
	"github.com/quantarax/tarsnap-core/internal/ratelimit"
)

// FileOverhead is the number of extra bytes a remote file carries
// beyond its plaintext length: the cryptofile header and trailer,
// matching STORAGE_FILE_OVERHEAD.
const FileOverhead = 256 + 8 + 32

// Ledger is the local durable record of sequence numbers and
// in-progress transactions, one row per machine, following
// PersistentStore's schema-migration and connection-pool pattern.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenLedger opens (creating if necessary) the SQLite-backed
// transaction ledger at path.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: opening ledger: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite write serialization; matches a single local client process

	l := &Ledger{db: db}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS sequence (
			machinenum INTEGER PRIMARY KEY,
			lastseq    BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS in_progress (
			machinenum INTEGER PRIMARY KEY,
			seqnum     BLOB NOT NULL,
			snonce     BLOB NOT NULL DEFAULT (x''),
			state      BLOB NOT NULL DEFAULT (x''),
			op         TEXT NOT NULL,
			checkpointed INTEGER NOT NULL DEFAULT 0
		);
	`
	_, err := l.db.Exec(schema)
	return err
}

// LastSeq returns the sequence number of the last committed
// transaction for machinenum, or 32 zero bytes if none has completed.
func (l *Ledger) LastSeq(machinenum uint64) ([32]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var seq [32]byte
	var blob []byte
	row := l.db.QueryRow(`SELECT lastseq FROM sequence WHERE machinenum = ?`, machinenum)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return seq, nil
		}
		return seq, fmt.Errorf("storage: reading last sequence: %w", err)
	}
	copy(seq[:], blob)
	return seq, nil
}

// SetLastSeq records seq as the last committed transaction for
// machinenum.
func (l *Ledger) SetLastSeq(machinenum uint64, seq [32]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT INTO sequence (machinenum, lastseq) VALUES (?, ?)
		ON CONFLICT(machinenum) DO UPDATE SET lastseq = excluded.lastseq`,
		machinenum, seq[:])
	return err
}

// RecordInProgress notes that a transaction seqnum of kind op (one of
// "write", "delete", "fsck"), started against server nonce snonce, is
// pending for machinenum, so a crashed client can resume fsck/cancel
// on restart (spec.md §4.8's crash recovery note).
func (l *Ledger) RecordInProgress(machinenum uint64, seqnum, snonce [32]byte, op string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`
		INSERT INTO in_progress (machinenum, seqnum, snonce, state, op, checkpointed)
		VALUES (?, ?, ?, x'', ?, 0)
		ON CONFLICT(machinenum) DO UPDATE SET seqnum = excluded.seqnum, snonce = excluded.snonce, state = x'', op = excluded.op, checkpointed = 0`,
		machinenum, seqnum[:], snonce[:], op)
	return err
}

// MarkCheckpointed flags the in-progress transaction for machinenum as
// checkpointed and records the checkpoint nonce in its state column.
// CleanState does not read this column; it cancels using the ledger's
// last sequence number.
func (l *Ledger) MarkCheckpointed(machinenum uint64, state [32]byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`UPDATE in_progress SET checkpointed = 1, state = ? WHERE machinenum = ?`, state[:], machinenum)
	return err
}

// ClearInProgress removes the in-progress record for machinenum after
// a transaction commits or is cancelled.
func (l *Ledger) ClearInProgress(machinenum uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.Exec(`DELETE FROM in_progress WHERE machinenum = ?`, machinenum)
	return err
}

// Close releases the ledger's database handle.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Client bundles the pieces every storage cookie needs: the access
// keys, the network queue, the local ledger, and (optionally) a
// bandwidth cap applied to every request/response.
type Client struct {
	Cache      *keys.Cache
	Conn       *netpacket.Connection
	Ledger     *Ledger
	RNG        *drbg.DRBG
	MachineNum uint64

	// InLimit/OutLimit bound bytes/sec in each direction; nil disables
	// the corresponding cap (spec.md §4.8's optional --maxbw knob).
	InLimit, OutLimit *ratelimit.TokenBucket

	// Metrics, if non-nil, records transaction durations; nil
	// disables this.
	Metrics *observability.Metrics

	// Watchdog, if non-nil, is fed the connection's outgoing byte
	// total after every completed write so the archive driver can poll
	// its stop/checkpoint flags (spec.md §4.8's bandwidth-cap hooks).
	Watchdog *BandwidthWatchdog
}

// newNonce draws a fresh 32-byte client nonce from the RNG, matching
// the original's use of a cryptographically random client nonce in
// every transaction-start/cancel/directory request.
func (c *Client) newNonce() ([32]byte, error) {
	var n [32]byte
	if err := c.RNG.Read(n[:]); err != nil {
		return n, fmt.Errorf("storage: generating nonce: %w", err)
	}
	return n, nil
}

func (c *Client) throttleOut(ctx context.Context, n int) error {
	if c.OutLimit == nil {
		return nil
	}
	return c.OutLimit.Wait(ctx, n)
}

func (c *Client) throttleIn(ctx context.Context, n int) error {
	if c.InLimit == nil {
		return nil
	}
	return c.InLimit.Wait(ctx, n)
}

// doOp sends one request and blocks for its matched response,
// applying bandwidth throttling in both directions around the actual
// network call.
func (c *Client) doOp(ctx context.Context, typ uint8, payload []byte) (uint8, []byte, error) {
	if err := c.throttleOut(ctx, len(payload)); err != nil {
		return 0, nil, err
	}

	type result struct {
		typ     uint8
		payload []byte
		err     error
	}
	ch := make(chan result, 1)
	c.Conn.Op(typ, payload, func(rtyp uint8, rpayload []byte, rerr error) bool {
		ch <- result{rtyp, rpayload, rerr}
		return false
	})

	select {
	case r := <-ch:
		if r.err != nil {
			return 0, nil, r.err
		}
		if err := c.throttleIn(ctx, len(r.payload)); err != nil {
			return 0, nil, err
		}
		return r.typ, r.payload, nil
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}
