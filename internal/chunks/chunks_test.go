package chunks

import (
	"path/filepath"
	"testing"
)

func TestEncodeDecodeEntryRoundTrip(t *testing.T) {
	e := entry{Len: 65536, ZLen: 40000, NRefs: 3}
	got, err := decodeEntry(encodeEntry(e))
	if err != nil {
		t.Fatalf("decodeEntry: %v", err)
	}
	if got != e {
		t.Fatalf("round-tripped entry = %+v, want %+v", got, e)
	}
}

func TestDecodeEntryRejectsWrongLength(t *testing.T) {
	if _, err := decodeEntry([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding malformed entry")
	}
}

// TestDeflateInflateRoundTrip exercises the DEFLATE level-9 codec
// backing Write/Read, matching spec.md §4.9's "compress with DEFLATE
// level 9" step.
func TestDeflateInflateRoundTrip(t *testing.T) {
	plaintext := make([]byte, 300000)
	for i := range plaintext {
		plaintext[i] = byte(i % 251)
	}
	compressed, err := deflate(plaintext)
	if err != nil {
		t.Fatalf("deflate: %v", err)
	}
	if len(compressed) >= len(plaintext) {
		t.Fatalf("expected compression to shrink a repetitive payload")
	}
	back, err := inflate(compressed, len(plaintext))
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	if len(back) != len(plaintext) {
		t.Fatalf("inflated length %d, want %d", len(back), len(plaintext))
	}
	for i := range plaintext {
		if back[i] != plaintext[i] {
			t.Fatalf("inflated byte %d differs", i)
		}
	}
}

// TestSetRefcountForgetForEach covers spec.md §8 property 2 (refcount
// nonnegativity / bookkeeping) over the local bolt-backed directory,
// independent of any network round trip: SetRefcount installs a
// record, ForEach observes it, and Forget removes it.
func TestSetRefcountForgetForEach(t *testing.T) {
	dir := t.TempDir()
	d, err := Open(filepath.Join(dir, "directory"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	var hash [32]byte
	hash[0] = 0xAB
	if err := d.SetRefcount(hash, 1000, 400, 2); err != nil {
		t.Fatalf("SetRefcount: %v", err)
	}

	var seen []Entry
	if err := d.ForEach(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	if len(seen) != 1 || seen[0].Hash != hash || seen[0].NRefs != 2 {
		t.Fatalf("unexpected ForEach result: %+v", seen)
	}

	if err := d.Forget(hash); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	seen = nil
	if err := d.ForEach(func(e Entry) error {
		seen = append(seen, e)
		return nil
	}); err != nil {
		t.Fatalf("ForEach after Forget: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("expected no entries after Forget, got %+v", seen)
	}
}
