package multitape

import (
	"bytes"
	"testing"

	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/keys"
)

func TestChunkHeaderRoundTrip(t *testing.T) {
	h := ChunkHeader{Len: 65536, ZLen: 40000}
	for i := range h.Hash {
		h.Hash[i] = byte(i)
	}
	buf := h.Encode(nil)
	if len(buf) != ChunkHeaderLen {
		t.Fatalf("encoded length = %d, want %d", len(buf), ChunkHeaderLen)
	}
	got, err := DecodeChunkHeader(buf)
	if err != nil {
		t.Fatalf("DecodeChunkHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestMetaindexRoundTrip(t *testing.T) {
	mkHeader := func(b byte, l, z uint32) ChunkHeader {
		var h ChunkHeader
		h.Hash[0] = b
		h.Len, h.ZLen = l, z
		return h
	}
	mi := Metaindex{
		HIndex: []ChunkHeader{mkHeader(1, 100, 50)},
		CIndex: []ChunkHeader{mkHeader(2, 262144, 200000), mkHeader(3, 1024, 900)},
		TIndex: nil,
	}

	buf := mi.Encode()
	got, err := DecodeMetaindex(buf)
	if err != nil {
		t.Fatalf("DecodeMetaindex: %v", err)
	}
	if len(got.HIndex) != 1 || len(got.CIndex) != 2 || len(got.TIndex) != 0 {
		t.Fatalf("section counts = %d/%d/%d, want 1/2/0", len(got.HIndex), len(got.CIndex), len(got.TIndex))
	}
	if got.CIndex[1].Hash[0] != 3 {
		t.Fatalf("CIndex[1] hash[0] = %d, want 3", got.CIndex[1].Hash[0])
	}
}

func TestMetaindexRejectsTrailingBytes(t *testing.T) {
	mi := Metaindex{}
	buf := append(mi.Encode(), 0xff)
	if _, err := DecodeMetaindex(buf); err == nil {
		t.Fatal("DecodeMetaindex must reject trailing bytes past the three sections")
	}
}

func newSignCache(t *testing.T) *keys.Cache {
	t.Helper()
	c := keys.New(nil)
	rng := drbg.NewFromSeed(bytes.Repeat([]byte{0x5}, 48))
	if err := c.Generate(keys.Bit(keys.SignPriv)|keys.Bit(keys.SignPub), rng); err != nil {
		t.Fatalf("Generate(SIGN keys): %v", err)
	}
	return c
}

func TestMetadataEncodeDecodeRoundTrip(t *testing.T) {
	c := newSignCache(t)
	rng := drbg.NewFromSeed(bytes.Repeat([]byte{0x9}, 48))

	m := Metadata{
		Name:     "nightly-2026-07-29",
		CTime:    1785300000,
		Argv:     []string{"tarsnap", "-c", "-f", "nightly-2026-07-29", "/home"},
		IndexLen: 123456,
	}
	for i := range m.IndexHash {
		m.IndexHash[i] = byte(i * 3)
	}

	buf, err := m.Encode(c, rng)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := DecodeMetadata(c, buf)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if got.Name != m.Name || got.CTime != m.CTime || got.IndexLen != m.IndexLen {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
	if len(got.Argv) != len(m.Argv) {
		t.Fatalf("argv length mismatch: got %d, want %d", len(got.Argv), len(m.Argv))
	}
	for i := range m.Argv {
		if got.Argv[i] != m.Argv[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, got.Argv[i], m.Argv[i])
		}
	}
}

func TestMetadataDecodeRejectsTamperedSignature(t *testing.T) {
	c := newSignCache(t)
	rng := drbg.NewFromSeed(bytes.Repeat([]byte{0x9}, 48))

	m := Metadata{Name: "archive-a", IndexLen: 10}
	buf, err := m.Encode(c, rng)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[len(buf)-1] ^= 0x01

	if _, err := DecodeMetadata(c, buf); err == nil {
		t.Fatal("DecodeMetadata must reject a tampered signature")
	}
}

func TestMetadataDecodeRejectsTamperedName(t *testing.T) {
	c := newSignCache(t)
	rng := drbg.NewFromSeed(bytes.Repeat([]byte{0x9}, 48))

	m := Metadata{Name: "archive-a", IndexLen: 10}
	buf, err := m.Encode(c, rng)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[0] = 'b' // flip the first byte of the archive name

	if _, err := DecodeMetadata(c, buf); err == nil {
		t.Fatal("DecodeMetadata must reject a tampered name (it is covered by the signature)")
	}
}
