// Package multitape implements the three-stream archive format
// (spec.md §4.11): an archive is Header/Chunk-index/Trailer byte
// streams, each itself chunkified, plus a signed metadata record and
// a metaindex summarizing the three streams' own chunk lists. Ported
// from original_source/tar/multitape/multitape_{write,metadata,
// chunkiter}.c: the original's single struct driving a callback chain
// becomes a Writer with explicit mode transitions and blocking calls.
package multitape

import (
	"encoding/binary"
	"fmt"
)

// Chunk-size parameters for the file-data chunkifier and the three
// stream chunkifiers (spec.md §4.11): all four share the same mean
// and max, only the minimum-tail threshold (MinChunk) is distinct to
// file data.
const (
	MeanChunk = 65536
	MaxChunk  = 262144
	MinChunk  = 4096
)

// ChunkHeaderLen is the wire length of one chunkheader record: a
// 32-byte content hash plus plaintext and compressed lengths.
const ChunkHeaderLen = 32 + 4 + 4

// ChunkHeader identifies one stored chunk within a stream's index,
// matching struct chunkheader.
type ChunkHeader struct {
	Hash [32]byte
	Len  uint32
	ZLen uint32
}

// Encode appends the wire form of h to dst.
func (h ChunkHeader) Encode(dst []byte) []byte {
	var buf [ChunkHeaderLen]byte
	copy(buf[0:32], h.Hash[:])
	binary.LittleEndian.PutUint32(buf[32:36], h.Len)
	binary.LittleEndian.PutUint32(buf[36:40], h.ZLen)
	return append(dst, buf[:]...)
}

// DecodeChunkHeader parses one chunkheader from the front of buf.
func DecodeChunkHeader(buf []byte) (ChunkHeader, error) {
	if len(buf) < ChunkHeaderLen {
		return ChunkHeader{}, fmt.Errorf("multitape: truncated chunkheader")
	}
	var h ChunkHeader
	copy(h.Hash[:], buf[0:32])
	h.Len = binary.LittleEndian.Uint32(buf[32:36])
	h.ZLen = binary.LittleEndian.Uint32(buf[36:40])
	return h, nil
}

// EntryHeaderLen is the wire length of one entryheader record.
const EntryHeaderLen = 4 + 8 + 4

// EntryHeader precedes each entry's opaque tar header bytes in the H
// stream, matching struct entryheader.
type EntryHeader struct {
	HLen uint32
	CLen uint64
	TLen uint32
}

// Encode appends the wire form of e to dst.
func (e EntryHeader) Encode(dst []byte) []byte {
	var buf [EntryHeaderLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], e.HLen)
	binary.LittleEndian.PutUint64(buf[4:12], e.CLen)
	binary.LittleEndian.PutUint32(buf[12:16], e.TLen)
	return append(dst, buf[:]...)
}

// DecodeEntryHeader parses one entryheader from the front of buf.
func DecodeEntryHeader(buf []byte) (EntryHeader, error) {
	if len(buf) < EntryHeaderLen {
		return EntryHeader{}, fmt.Errorf("multitape: truncated entryheader")
	}
	var e EntryHeader
	e.HLen = binary.LittleEndian.Uint32(buf[0:4])
	e.CLen = binary.LittleEndian.Uint64(buf[4:12])
	e.TLen = binary.LittleEndian.Uint32(buf[12:16])
	return e, nil
}

// Mode is an archive writer's current entry-stream state, matching
// writetape_setmode's mode argument.
type Mode int

const (
	ModeHeader      Mode = 0 // accumulating an entry's tar header into hbuf
	ModeData        Mode = 1 // accumulating an entry's file body into c_file
	ModeEndOfEntry  Mode = 2 // between entries
	ModeEndOfArchive Mode = 3 // closing record only, no further DATA permitted
)
