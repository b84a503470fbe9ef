package glue

import (
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/archive"
	"github.com/quantarax/tarsnap-core/internal/chunks"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/multitape"
)

// ExtractedEntry is one reconstructed entry: its opaque tar header
// bytes, its body (reassembled from the chunk-index's real data
// chunks), and its trailer (the short tail that didn't fill a whole
// chunk, if any).
type ExtractedEntry struct {
	Header  []byte
	Body    []byte
	Trailer []byte
}

// Visitor receives each reconstructed entry in archive order. A
// non-nil error aborts extraction.
type Visitor func(ExtractedEntry) error

// ExtractArchive loads, verifies, and walks an archive, reconstructing
// each entry's header/body/trailer and invoking visit in order,
// matching the inverse of Writer's per-entry accounting
// (entryheader.HLen/CLen/TLen) over the reassembled H/C/T streams.
func ExtractArchive(ctx context.Context, env *Env, name string, visit Visitor) error {
	reader := newReader(env)

	arc, err := archive.Load(ctx, reader, env.Cache, name)
	if err != nil {
		return err
	}

	hmacChunkKey := chunksHMACKey(env)

	hStream, err := archive.ReassembleStream(ctx, reader, env.ChunkDir, hmacChunkKey, arc.Metaindex.HIndex)
	if err != nil {
		return fmt.Errorf("glue: reassembling header stream: %w", err)
	}
	tStream, err := archive.ReassembleStream(ctx, reader, env.ChunkDir, hmacChunkKey, arc.Metaindex.TIndex)
	if err != nil {
		return fmt.Errorf("glue: reassembling trailer stream: %w", err)
	}
	cFlat, err := archive.FlatChunkHeaders(ctx, reader, env.ChunkDir, hmacChunkKey, arc.Metaindex.CIndex)
	if err != nil {
		return fmt.Errorf("glue: flattening chunk index: %w", err)
	}

	var cPos int // index into cFlat
	var tOff uint64

	for len(hStream) > 0 {
		if len(hStream) < multitape.EntryHeaderLen {
			return fmt.Errorf("glue: trailing partial entryheader")
		}
		eh, err := multitape.DecodeEntryHeader(hStream)
		if err != nil {
			return err
		}
		hStream = hStream[multitape.EntryHeaderLen:]

		if uint64(len(hStream)) < uint64(eh.HLen) {
			return fmt.Errorf("glue: truncated entry header bytes")
		}
		header := hStream[:eh.HLen]
		hStream = hStream[eh.HLen:]

		var body []byte
		var remaining = eh.CLen
		for remaining > 0 {
			if cPos >= len(cFlat) {
				return fmt.Errorf("glue: chunk-index exhausted before entry body satisfied")
			}
			ch := cFlat[cPos]
			status, content, err := env.ChunkDir.Read(ctx, reader, ch.Hash, hmacChunkKey)
			if err != nil {
				return err
			}
			if status != chunks.StatusOK {
				return fmt.Errorf("glue: fetching entry data chunk: status %d", status)
			}
			if uint64(len(content)) > remaining {
				return fmt.Errorf("glue: data chunk overruns entry length")
			}
			body = append(body, content...)
			remaining -= uint64(len(content))
			cPos++
		}

		if uint64(len(tStream))-tOff < uint64(eh.TLen) {
			return fmt.Errorf("glue: truncated trailer stream")
		}
		trailer := tStream[tOff : tOff+uint64(eh.TLen)]
		tOff += uint64(eh.TLen)

		if err := visit(ExtractedEntry{Header: header, Body: body, Trailer: trailer}); err != nil {
			return err
		}
	}

	return nil
}

func chunksHMACKey(env *Env) []byte {
	return env.Cache.HMACKey(keys.HMACChunk)
}
