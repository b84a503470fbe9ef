package archive

import (
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/chunks"
	"github.com/quantarax/tarsnap-core/internal/multitape"
	"github.com/quantarax/tarsnap-core/internal/storage"
)

// ReassembleStream concatenates, in order, the plaintext content of
// every chunk named in index. Used for the H and T streams, whose
// own content is the thing of interest (entry headers, trailer
// bytes) rather than a further list of chunkheaders.
func ReassembleStream(ctx context.Context, reader *storage.Reader, chunkDir *chunks.Directory, hmacChunkKey []byte, index []multitape.ChunkHeader) ([]byte, error) {
	var out []byte
	for _, h := range index {
		status, content, err := chunkDir.Read(ctx, reader, h.Hash, hmacChunkKey)
		if err != nil {
			return nil, err
		}
		if status != chunks.StatusOK {
			return nil, fmt.Errorf("archive: fetching stream chunk: status %d", status)
		}
		out = append(out, content...)
	}
	return out, nil
}

// FlatChunkHeaders walks the C-index with nested expansion (each of
// its own chunks' content is itself a run of chunkheaders describing
// real file data) and returns the flattened, in-order list of those
// real chunkheaders, matching the per-entry data layout Writer.Close
// produced via the c_file/cChunkifier split.
func FlatChunkHeaders(ctx context.Context, reader *storage.Reader, chunkDir *chunks.Directory, hmacChunkKey []byte, cIndex []multitape.ChunkHeader) ([]multitape.ChunkHeader, error) {
	var flat []multitape.ChunkHeader
	for _, h := range cIndex {
		status, content, err := chunkDir.Read(ctx, reader, h.Hash, hmacChunkKey)
		if err != nil {
			return nil, err
		}
		if status != chunks.StatusOK {
			return nil, fmt.Errorf("archive: fetching chunk-index chunk: status %d", status)
		}
		for len(content) > 0 {
			if len(content) < multitape.ChunkHeaderLen {
				return nil, fmt.Errorf("archive: trailing partial chunkheader in chunk-index chunk")
			}
			nested, err := multitape.DecodeChunkHeader(content)
			if err != nil {
				return nil, err
			}
			flat = append(flat, nested)
			content = content[multitape.ChunkHeaderLen:]
		}
	}
	return flat, nil
}
