package storage

import (
	"errors"
	"sync"
)

// ErrBandwidthBudget is returned once the total bytes sent cross the
// watchdog's MaxBytesOut ceiling; the archive driver responds by
// truncating the in-progress archive and committing what it has.
var ErrBandwidthBudget = errors.New("storage: outgoing bandwidth budget exhausted")

// BandwidthWatchdog models spec.md §4.8's bandwidth-cap hooks with
// polled flags instead of SIGQUIT/SIGUSR2, per spec.md §9's
// substitution rule for targets without POSIX-signal control flow:
// after every write completion the client feeds the connection's total
// outgoing byte count (sent plus still queued) through Observe, and
// the archive driver polls StopRequested/TakeCheckpointDue at its next
// safe point.
type BandwidthWatchdog struct {
	// MaxBytesOut is the hard ceiling on bytes sent; crossing it sets
	// the stop flag. Zero disables the ceiling.
	MaxBytesOut uint64
	// CheckpointBytes raises the checkpoint flag each time the total
	// crosses another multiple of this interval. Zero disables it.
	CheckpointBytes uint64

	mu       sync.Mutex
	ckptMark uint64
	stop     bool
	ckptDue  bool
}

// Observe feeds the current total of outgoing bytes (sent + queued)
// into the watchdog, raising whichever flags the total has crossed.
func (w *BandwidthWatchdog) Observe(totalOut uint64) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.MaxBytesOut > 0 && totalOut > w.MaxBytesOut {
		w.stop = true
	}
	if w.CheckpointBytes > 0 && totalOut/w.CheckpointBytes > w.ckptMark {
		w.ckptMark = totalOut / w.CheckpointBytes
		w.ckptDue = true
	}
}

// StopRequested reports whether the bandwidth ceiling has been hit.
// The flag stays set once raised; the driver stops exactly once.
func (w *BandwidthWatchdog) StopRequested() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stop
}

// TakeCheckpointDue consumes the checkpoint flag: it reports true at
// most once per crossed CheckpointBytes multiple.
func (w *BandwidthWatchdog) TakeCheckpointDue() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	due := w.ckptDue
	w.ckptDue = false
	return due
}
