package glue

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/quantarax/tarsnap-core/internal/archive"
	"github.com/quantarax/tarsnap-core/internal/chunks"
	"github.com/quantarax/tarsnap-core/internal/multitape"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
)

// maxConcurrentArchiveWalks bounds how many archives fsck walks at
// once, matching spec.md §4.8's "fsck... operates over the server's
// authoritative directory listings" without letting every in-flight
// chunk lookup pile onto the connection queue unbounded.
const maxConcurrentArchiveWalks = 8

// FsckReport summarizes a rebuild pass: the number of archives walked,
// the number of chunks whose local record was rewritten from the
// rebuilt tally (every referenced chunk, whether or not its old
// refcount matched), and the number of unreferenced local entries
// dropped.
type FsckReport struct {
	ArchivesWalked int
	ChunksRebuilt  int
	OrphansPurged  int
}

// Fsck rebuilds the local chunk directory's reference counts from the
// server's authoritative state, matching spec.md §4.9's "zero-state
// cache is regenerated from the server's authoritative chunk list"
// and §4.12's chunk-iteration algorithm. It lists every archive name
// from DIRECTORY(class 'm'), walks each one's chunk references
// (bounded to maxConcurrentArchiveWalks concurrent walks), and
// replaces each chunk's local (len, zlen, nrefs) record with the
// freshly observed length/compressed-length and the tally of
// references found across all archives. Local entries referenced by
// no archive are purged (they are already refcount==0 and unreferenced
// server-side, since a committed archive is the only thing that can
// hold a reference).
func Fsck(ctx context.Context, env *Env) (FsckReport, error) {
	reader := newReader(env)
	hmacChunkKey := chunksHMACKey(env)

	// The whole rebuild runs inside an fsck transaction: starting it
	// cancels whatever transaction a crashed run left pending, and the
	// server linearizes the rebuild against concurrent writers.
	tx, err := env.Client.StartFsck(ctx)
	if err != nil {
		return FsckReport{}, fmt.Errorf("fsck: starting transaction: %w", err)
	}

	hashes, err := env.Client.DirectoryRead(ctx, netpacket.ClassMetadata, true)
	if err != nil {
		return FsckReport{}, fmt.Errorf("fsck: listing archives: %w", err)
	}

	var mu sync.Mutex
	counts := make(map[[32]byte]chunks.Entry)

	record := func(h multitape.ChunkHeader) {
		mu.Lock()
		defer mu.Unlock()
		e := counts[h.Hash]
		e.Hash = h.Hash
		e.Len = uint64(h.Len)
		e.ZLen = uint64(h.ZLen)
		e.NRefs++
		counts[h.Hash] = e
	}

	sem := semaphore.NewWeighted(maxConcurrentArchiveWalks)
	var wg sync.WaitGroup
	errs := make(chan error, len(hashes))

	for _, mdHash := range hashes {
		if err := sem.Acquire(ctx, 1); err != nil {
			return FsckReport{}, err
		}
		wg.Add(1)
		go func(mdHash [32]byte) {
			defer wg.Done()
			defer sem.Release(1)

			md, err := multitape.GetMetadataByHash(ctx, reader, env.Cache, mdHash)
			if err != nil {
				errs <- fmt.Errorf("fsck: decoding metadata: %w", err)
				return
			}
			mi, err := multitape.GetMetaindex(ctx, reader, md.IndexHash, md.IndexLen)
			if err != nil {
				errs <- fmt.Errorf("fsck: loading metaindex for %q: %w", md.Name, err)
				return
			}
			if err := archive.Walk(ctx, reader, env.ChunkDir, hmacChunkKey, mi, func(h multitape.ChunkHeader) error {
				record(h)
				return nil
			}); err != nil {
				errs <- fmt.Errorf("fsck: walking archive %q: %w", md.Name, err)
			}
		}(mdHash)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return FsckReport{}, err
		}
	}

	report := FsckReport{ArchivesWalked: len(hashes)}
	for hash, e := range counts {
		if err := env.ChunkDir.SetRefcount(hash, e.Len, e.ZLen, e.NRefs); err != nil {
			return FsckReport{}, fmt.Errorf("fsck: updating local refcount: %w", err)
		}
		report.ChunksRebuilt++
	}

	if err := env.ChunkDir.ForEach(func(e chunks.Entry) error {
		if _, referenced := counts[e.Hash]; referenced {
			return nil
		}
		if err := env.ChunkDir.Forget(e.Hash); err != nil {
			return err
		}
		report.OrphansPurged++
		return nil
	}); err != nil {
		return FsckReport{}, fmt.Errorf("fsck: purging orphans: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FsckReport{}, fmt.Errorf("fsck: committing transaction: %w", err)
	}
	return report, nil
}
