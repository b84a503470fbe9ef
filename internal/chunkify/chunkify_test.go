package chunkify

import (
	"testing"

	"github.com/quantarax/tarsnap-core/internal/keys"
)

func zeroCParamsCache(t *testing.T) *keys.Cache {
	t.Helper()
	c := keys.New(nil)
	if err := c.SetHMAC(keys.HMACCParams, make([]byte, 32)); err != nil {
		t.Fatalf("SetHMAC: %v", err)
	}
	return c
}

// chunkBoundaries runs data through a fresh chunkifier and returns the
// length of every emitted chunk, in order.
func chunkBoundaries(t *testing.T, meanlen, maxlen uint32, data []byte) []int {
	t.Helper()
	cache := zeroCParamsCache(t)
	var lens []int
	c, err := New(cache, meanlen, maxlen, func(chunk []byte) error {
		lens = append(lens, len(chunk))
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	return lens
}

// TestDeterminism covers spec.md §8 property 3: the same HMAC_CPARAMS
// key and input must yield the identical sequence of chunk boundaries
// across repeated runs.
func TestDeterminism(t *testing.T) {
	data := make([]byte, 1<<20)
	for i := range data {
		data[i] = byte(i % 256)
	}

	first := chunkBoundaries(t, 65536, 262144, data)
	if len(first) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	for i := 0; i < 3; i++ {
		again := chunkBoundaries(t, 65536, 262144, data)
		if len(again) != len(first) {
			t.Fatalf("run %d: chunk count differs: %d vs %d", i, len(again), len(first))
		}
		for j := range again {
			if again[j] != first[j] {
				t.Fatalf("run %d: chunk %d length differs: %d vs %d", i, j, again[j], first[j])
			}
		}
	}
}

// TestBounds covers spec.md §8 property 4: every emitted chunk
// satisfies 1 <= len <= maxlen, and the chunk lengths sum to the
// input length.
func TestBounds(t *testing.T) {
	const maxlen = 4096
	data := make([]byte, 200000)
	for i := range data {
		data[i] = byte(i * 7)
	}
	lens := chunkBoundaries(t, 1024, maxlen, data)
	if len(lens) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	total := 0
	for i, l := range lens {
		if l < 1 || l > maxlen {
			t.Fatalf("chunk %d length %d out of bounds [1,%d]", i, l, maxlen)
		}
		total += l
	}
	if total != len(data) {
		t.Fatalf("chunk lengths sum to %d, want %d", total, len(data))
	}
}

// TestEmptyInputProducesNoChunks ensures End on a chunkifier that
// never buffered anything is a no-op, matching "End-of-stream flushes
// whatever has been buffered (if non-empty)".
func TestEmptyInputProducesNoChunks(t *testing.T) {
	cache := zeroCParamsCache(t)
	var calls int
	c, err := New(cache, 1024, 4096, func(chunk []byte) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.End(); err != nil {
		t.Fatalf("End: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected no chunks from empty input, got %d", calls)
	}
}
