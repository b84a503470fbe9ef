package glue

import (
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/archive"
	"github.com/quantarax/tarsnap-core/internal/multitape"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
)

// DeleteArchive removes one archive: every chunk it references
// (walked via archive.Walk, which visits H/T-index headers directly
// and C-index headers both outer and nested) is decremented in the
// local directory, issuing a remote delete at zero refs; the
// metaindex and metadata files are then deleted and the transaction
// committed, matching the original's delete pass over
// multitape_chunkiter_tmd plus multitape_metadata_delete.
func DeleteArchive(ctx context.Context, env *Env, name string) error {
	reader := newReader(env)
	arc, err := archive.Load(ctx, reader, env.Cache, name)
	if err != nil {
		return err
	}

	d, err := env.Client.StartDelete(ctx)
	if err != nil {
		return fmt.Errorf("glue: starting delete transaction: %w", err)
	}

	hmacChunkKey := chunksHMACKey(env)
	if err := archive.Walk(ctx, reader, env.ChunkDir, hmacChunkKey, arc.Metaindex, func(h multitape.ChunkHeader) error {
		return env.ChunkDir.Delete(ctx, d, h.Hash)
	}); err != nil {
		return fmt.Errorf("glue: walking archive for delete: %w", err)
	}

	if err := d.DeleteFile(ctx, netpacket.ClassMetaindex, arc.Metadata.IndexHash); err != nil {
		return fmt.Errorf("glue: deleting metaindex: %w", err)
	}
	if err := multitape.DeleteMetadata(ctx, d, env.Cache, name); err != nil {
		return fmt.Errorf("glue: deleting metadata: %w", err)
	}

	if err := d.Commit(ctx); err != nil {
		return fmt.Errorf("glue: committing delete: %w", err)
	}
	return nil
}
