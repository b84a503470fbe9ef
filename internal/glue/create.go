package glue

import (
	"context"

	"github.com/quantarax/tarsnap-core/internal/multitape"
)

// EntryDataChunk is the unit of body data CreateEntry accepts: either
// raw bytes for a new chunk, or a reference to a chunk this client
// already stored (so the caller can skip re-reading and re-hashing
// unchanged file data between backups).
type EntryDataChunk struct {
	Data []byte    // raw bytes; the fallback when Ref turns out stale
	Ref  *[32]byte // chunk hash, if this chunk is already known
}

// CreateArchive opens a new archive for writing, matching
// writetape_open. argv records the command line that produced the
// archive, stored in its signed metadata record.
func CreateArchive(ctx context.Context, env *Env, name string, ctime int64, argv []string, dryrun bool) (*multitape.Writer, error) {
	return multitape.Open(ctx, env.Client, env.ChunkDir, env.Cache, env.Codec, env.RNG, name, ctime, argv, dryrun)
}

// CreateEntry writes one tar entry (header plus body) into an
// in-progress archive: header bytes, then the body as a sequence of
// data chunks (each either fresh bytes or a reference to an
// already-stored chunk), then the end-of-entry transition that
// flushes accounting into the H stream. A nil body (directories,
// symlinks, zero-length files) still emits a valid zero-length entry.
func CreateEntry(ctx context.Context, w *multitape.Writer, header []byte, body []EntryDataChunk) error {
	if err := w.SetMode(ctx, multitape.ModeHeader); err != nil {
		return err
	}
	if err := w.WriteHeader(ctx, header); err != nil {
		return err
	}

	if len(body) > 0 {
		if err := w.SetMode(ctx, multitape.ModeData); err != nil {
			return err
		}
		for _, chunk := range body {
			if chunk.Ref != nil {
				n, err := w.WriteChunk(ctx, *chunk.Ref)
				if err != nil {
					return err
				}
				if n > 0 {
					continue
				}
				// Not present locally: caller's Ref was stale. Fall
				// through and write it as fresh data instead.
			}
			if err := w.WriteData(ctx, chunk.Data); err != nil {
				return err
			}
		}
	}

	return w.SetMode(ctx, multitape.ModeEndOfEntry)
}

// CloseArchive flushes and commits the archive (under name+".part" if
// truncated; cancelled instead in dry-run mode), matching
// writetape_close.
func CloseArchive(ctx context.Context, w *multitape.Writer, truncated bool) (string, multitape.Stats, error) {
	if truncated {
		w.Truncate()
	}
	return w.Close(ctx)
}
