// Package glue implements the top-level archive operations
// (spec.md §4.12 / §6: create, extract, delete, list, fsck),
// orchestrating internal/multitape, internal/archive, internal/chunks
// and internal/storage. It is deliberately thin: the tar entry
// reader/writer itself is an explicit Non-goal (spec.md §1), so
// Create/Extract here work in terms of opaque entry header/data
// byte streams, leaving tar semantics to the cmd/tarsnap layer.
package glue

import (
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/chunks"
	"github.com/quantarax/tarsnap-core/internal/cryptofile"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/multitape"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/storage"
)

// Env bundles the dependencies every glue operation needs, matching
// the set of collaborators spec.md §1 says the core consumes (a key
// cache, a chunk directory, a storage client) plus the per-process
// codec and RNG those depend on.
type Env struct {
	Cache    *keys.Cache
	Codec    *cryptofile.Codec
	ChunkDir *chunks.Directory
	Client   *storage.Client
	RNG      interface{ Read([]byte) error }

	// ReadCacheLimit bounds each operation's storage.Reader cache in
	// bytes; zero keeps the reader's default.
	ReadCacheLimit int
}

// newReader opens a read cookie honoring the environment's cache
// limit.
func newReader(env *Env) *storage.Reader {
	r := storage.NewReader(env.Client, env.Codec)
	if env.ReadCacheLimit > 0 {
		r.SetCacheLimit(env.ReadCacheLimit)
	}
	return r
}

// ListArchives enumerates every archive name on the server, matching
// tarsnap --list-archives: DIRECTORY over class 'm' yields only the
// HMAC_NAME hashes, so each metadata record must be fetched and
// decoded to recover its plaintext name.
func ListArchives(ctx context.Context, env *Env) ([]string, error) {
	hashes, err := env.Client.DirectoryRead(ctx, netpacket.ClassMetadata, false)
	if err != nil {
		return nil, fmt.Errorf("glue: listing archives: %w", err)
	}

	reader := newReader(env)
	names := make([]string, 0, len(hashes))
	for _, h := range hashes {
		md, err := multitape.GetMetadataByHash(ctx, reader, env.Cache, h)
		if err != nil {
			return nil, fmt.Errorf("glue: decoding archive metadata: %w", err)
		}
		names = append(names, md.Name)
	}
	return names, nil
}
