// Package archive implements the archive reader / chunk iterator
// (spec.md §4.12): loading and verifying an archive's metadata and
// metaindex, then walking the H/C/T index streams to visit every
// chunkheader an archive references — including the chunkheaders
// nested inside each C-index chunk's own content. Ported from
// original_source/tar/multitape/multitape_chunkiter.c; used by
// extract (to fetch real file data), delete, and fsck (to maintain
// local refcounts).
package archive

import (
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/chunks"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/multitape"
	"github.com/quantarax/tarsnap-core/internal/storage"
)

// Archive is one loaded and signature-verified archive: its metadata
// record plus the three chunkheader lists describing its content.
type Archive struct {
	Metadata  multitape.Metadata
	Metaindex multitape.Metaindex
}

// Load fetches and verifies the metadata record for name, then fetches
// and decodes its metaindex, matching the load sequence at the top of
// multitape_chunkiter_tmd (metadata_get followed by metaindex_get).
func Load(ctx context.Context, reader *storage.Reader, cache *keys.Cache, name string) (*Archive, error) {
	md, err := multitape.GetMetadata(ctx, reader, cache, name)
	if err != nil {
		return nil, fmt.Errorf("archive: loading metadata for %q: %w", name, err)
	}
	mi, err := multitape.GetMetaindex(ctx, reader, md.IndexHash, md.IndexLen)
	if err != nil {
		return nil, fmt.Errorf("archive: loading metaindex for %q: %w", name, err)
	}
	return &Archive{Metadata: md, Metaindex: mi}, nil
}

// Visitor is called once per chunkheader an archive references,
// matching multitape_chunkiter_tmd's func(cookie, ch) callback. A
// non-nil error aborts the walk.
type Visitor func(h multitape.ChunkHeader) error

// Walk visits every chunkheader in a's H-index and T-index directly
// (those streams' own chunks are never expanded further), and, for
// each chunkheader in the C-index, visits the outer header and then
// fetches and decompresses that chunk's content — which is itself a
// run of further chunkheaders describing the entries' real file data
// — visiting each of those in turn. Matches
// multitape_chunkiter_tmd exactly, including its refcount-bookkeeping
// rationale for visiting outer headers that are never themselves
// fetched.
func Walk(ctx context.Context, reader *storage.Reader, chunkDir *chunks.Directory, hmacChunkKey []byte, mi multitape.Metaindex, visit Visitor) error {
	for _, h := range mi.HIndex {
		if err := visit(h); err != nil {
			return err
		}
	}

	for _, h := range mi.CIndex {
		if err := visit(h); err != nil {
			return err
		}
		if h.Len > multitape.MaxChunk {
			return fmt.Errorf("archive: chunk-index entry exceeds maximum chunk length")
		}

		status, content, err := chunkDir.Read(ctx, reader, h.Hash, hmacChunkKey)
		if err != nil {
			return err
		}
		if status != chunks.StatusOK {
			return fmt.Errorf("archive: fetching chunk-index chunk: status %d", status)
		}

		for len(content) > 0 {
			if len(content) < multitape.ChunkHeaderLen {
				return fmt.Errorf("archive: trailing partial chunkheader in chunk-index chunk")
			}
			nested, err := multitape.DecodeChunkHeader(content)
			if err != nil {
				return err
			}
			if err := visit(nested); err != nil {
				return err
			}
			content = content[multitape.ChunkHeaderLen:]
		}
	}

	for _, h := range mi.TIndex {
		if err := visit(h); err != nil {
			return err
		}
	}

	return nil
}
