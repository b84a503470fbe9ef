package storage

import "testing"

func TestWatchdogNilIsInert(t *testing.T) {
	var w *BandwidthWatchdog
	w.Observe(1 << 40)
	if w.StopRequested() || w.TakeCheckpointDue() {
		t.Fatal("nil watchdog must never raise a flag")
	}
}

func TestWatchdogStopCeiling(t *testing.T) {
	w := &BandwidthWatchdog{MaxBytesOut: 1000}
	w.Observe(999)
	if w.StopRequested() {
		t.Fatal("stop raised below the ceiling")
	}
	w.Observe(1001)
	if !w.StopRequested() {
		t.Fatal("stop not raised past the ceiling")
	}
	// The flag stays up once raised.
	w.Observe(0)
	if !w.StopRequested() {
		t.Fatal("stop flag must latch")
	}
}

func TestWatchdogCheckpointMultiples(t *testing.T) {
	w := &BandwidthWatchdog{CheckpointBytes: 100}

	w.Observe(99)
	if w.TakeCheckpointDue() {
		t.Fatal("checkpoint due before the first multiple")
	}

	w.Observe(150)
	if !w.TakeCheckpointDue() {
		t.Fatal("checkpoint not due after crossing 100")
	}
	if w.TakeCheckpointDue() {
		t.Fatal("TakeCheckpointDue must consume the flag")
	}

	// Still inside the same multiple: nothing new.
	w.Observe(199)
	if w.TakeCheckpointDue() {
		t.Fatal("checkpoint due without crossing the next multiple")
	}

	w.Observe(205)
	if !w.TakeCheckpointDue() {
		t.Fatal("checkpoint not due after crossing 200")
	}
}

func TestIncrementNameCarries(t *testing.T) {
	var name [32]byte
	name[31] = 0xff
	name[30] = 0xff
	incrementName(&name)
	if name[31] != 0 || name[30] != 0 || name[29] != 1 {
		t.Fatalf("carry failed: % x", name[28:])
	}

	var simple [32]byte
	incrementName(&simple)
	if simple[31] != 1 {
		t.Fatalf("simple increment failed: % x", simple[28:])
	}
}
