package storage

import (
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := OpenLedger(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("OpenLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedgerLastSeqDefaultsToZero(t *testing.T) {
	l := openTestLedger(t)
	seq, err := l.LastSeq(1)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	var zero [32]byte
	if seq != zero {
		t.Fatalf("expected zero sequence for unknown machine, got %x", seq)
	}
}

func TestLedgerSetAndGetLastSeq(t *testing.T) {
	l := openTestLedger(t)
	var seq [32]byte
	seq[0] = 0x42

	if err := l.SetLastSeq(7, seq); err != nil {
		t.Fatalf("SetLastSeq: %v", err)
	}
	got, err := l.LastSeq(7)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if got != seq {
		t.Fatalf("got %x, want %x", got, seq)
	}

	seq[0] = 0x43
	if err := l.SetLastSeq(7, seq); err != nil {
		t.Fatalf("SetLastSeq overwrite: %v", err)
	}
	got, err = l.LastSeq(7)
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if got != seq {
		t.Fatalf("overwrite did not take effect: got %x, want %x", got, seq)
	}
}

func TestLedgerInProgressLifecycle(t *testing.T) {
	l := openTestLedger(t)
	var seqnum, snonce, state [32]byte
	seqnum[0] = 1
	snonce[0] = 2

	if err := l.RecordInProgress(3, seqnum, snonce, "write"); err != nil {
		t.Fatalf("RecordInProgress: %v", err)
	}
	gotSeq, gotOp, checkpointed, ok, err := l.InProgress(3)
	if err != nil {
		t.Fatalf("InProgress: %v", err)
	}
	if !ok || gotSeq != seqnum || gotOp != "write" || checkpointed {
		t.Fatalf("InProgress after RecordInProgress = (%x, %q, %v, %v), want (%x, %q, false, true)", gotSeq, gotOp, checkpointed, ok, seqnum, "write")
	}

	state[0] = 9
	if err := l.MarkCheckpointed(3, state); err != nil {
		t.Fatalf("MarkCheckpointed: %v", err)
	}
	_, _, checkpointed, ok, err = l.InProgress(3)
	if err != nil {
		t.Fatalf("InProgress: %v", err)
	}
	if !ok || !checkpointed {
		t.Fatalf("InProgress after MarkCheckpointed = (checkpointed=%v, ok=%v), want (true, true)", checkpointed, ok)
	}

	if err := l.ClearInProgress(3); err != nil {
		t.Fatalf("ClearInProgress: %v", err)
	}
	_, _, _, ok, err = l.InProgress(3)
	if err != nil {
		t.Fatalf("InProgress: %v", err)
	}
	if ok {
		t.Fatalf("InProgress after ClearInProgress still reports a pending transaction")
	}
}
