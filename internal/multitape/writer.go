package multitape

import (
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/chunkify"
	"github.com/quantarax/tarsnap-core/internal/chunks"
	"github.com/quantarax/tarsnap-core/internal/cryptofile"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/primitives"
	"github.com/quantarax/tarsnap-core/internal/storage"
)

// Writer composes one archive: it drives four chunkifiers (one per
// metadata stream, one for file-entry bodies) and the entry mode
// state machine from spec.md §4.11, matching
// struct multitape_write_internal.
type Writer struct {
	cache    *keys.Cache
	codec    *cryptofile.Codec
	chunkDir *chunks.Directory
	client   *storage.Client
	rng      interface{ Read([]byte) error }

	tapeName   string
	machineNum uint64
	ctime      int64
	argv       []string
	dryrun     bool
	eof        bool

	w *storage.Writer

	mode Mode
	ctx  context.Context

	hChunkifier *chunkify.Chunkifier
	cChunkifier *chunkify.Chunkifier
	tChunkifier *chunkify.Chunkifier
	cFile       *chunkify.Chunkifier

	hIndex []ChunkHeader
	cIndex []ChunkHeader
	tIndex []ChunkHeader

	hbuf []byte
	clen uint64
	tlen uint32
}

// Stats summarizes one archive's accounting, printed by a --print-stats
// caller, matching the original's end-of-run summary.
type Stats struct {
	HLen, CLen, TLen uint64
}

// Open begins writing a new archive named tapename, matching
// writetape_open. The caller has already locked the cache directory
// and started (or resumed) dryrun/live accounting; Open itself only
// checks for name collisions and starts the underlying write
// transaction.
func Open(ctx context.Context, client *storage.Client, chunkDir *chunks.Directory, cache *keys.Cache, codec *cryptofile.Codec, rng interface{ Read([]byte) error }, tapeName string, ctime int64, argv []string, dryrun bool) (*Writer, error) {
	w, err := client.StartWrite(ctx)
	if err != nil {
		return nil, fmt.Errorf("multitape: starting write transaction: %w", err)
	}

	for _, candidate := range []string{tapeName, tapeName + ".part"} {
		present, err := MetadataIsPresent(ctx, w, cache, candidate)
		if err != nil {
			return nil, err
		}
		if present {
			return nil, fmt.Errorf("multitape: archive %q already exists", candidate)
		}
	}

	mt := &Writer{
		cache:      cache,
		codec:      codec,
		chunkDir:   chunkDir,
		client:     client,
		rng:        rng,
		tapeName:   tapeName,
		machineNum: client.MachineNum,
		ctime:      ctime,
		argv:       argv,
		dryrun:     dryrun,
		w:          w,
		mode:       ModeEndOfEntry,
		ctx:        ctx,
	}

	mt.hChunkifier, err = chunkify.New(cache, MeanChunk, MaxChunk, mt.handleChunk(&mt.hIndex))
	if err != nil {
		return nil, err
	}
	mt.cChunkifier, err = chunkify.New(cache, MeanChunk, MaxChunk, mt.handleChunk(&mt.cIndex))
	if err != nil {
		return nil, err
	}
	mt.tChunkifier, err = chunkify.New(cache, MeanChunk, MaxChunk, mt.handleChunk(&mt.tIndex))
	if err != nil {
		return nil, err
	}
	mt.cFile, err = chunkify.New(cache, MeanChunk, MaxChunk, mt.handleFileChunk)
	if err != nil {
		return nil, err
	}

	return mt, nil
}

// storeChunk compresses, encrypts, and uploads (or refcounts, if
// already present) buf under its content hash, matching store_chunk.
func (w *Writer) storeChunk(buf []byte) ([32]byte, uint64, error) {
	hash := primitives.HMACSum(w.cache.HMACKey(keys.HMACChunk), buf)
	zlen, err := w.chunkDir.Write(w.ctx, w.w, hash, buf)
	if err != nil {
		return [32]byte{}, 0, err
	}
	return hash, zlen, nil
}

// pollWatchdog services the bandwidth-cap flags at a data-write safe
// point (spec.md §4.8): a due checkpoint is taken inline, and a hit
// byte ceiling surfaces as ErrBandwidthBudget so the driver can
// truncate and commit what it has. Only incoming data writes poll
// these; the flush path inside Close must be able to finish the
// truncated archive without tripping the same flag again.
func (w *Writer) pollWatchdog(ctx context.Context) error {
	wd := w.client.Watchdog
	if wd.TakeCheckpointDue() {
		if err := w.w.Checkpoint(ctx); err != nil {
			return err
		}
	}
	if wd.StopRequested() {
		return storage.ErrBandwidthBudget
	}
	return nil
}

// handleChunk returns a chunkifier callback that stores buf as a
// chunk and appends its chunkheader to index, matching handle_chunk
// (used by the H/C/T stream chunkifiers).
func (w *Writer) handleChunk(index *[]ChunkHeader) chunkify.Callback {
	return func(buf []byte) error {
		hash, zlen, err := w.storeChunk(buf)
		if err != nil {
			return err
		}
		*index = append(*index, ChunkHeader{Hash: hash, Len: uint32(len(buf)), ZLen: uint32(zlen)})
		return nil
	}
}

// handleFileChunk is c_file's callback, matching callback_file: a
// short tail is routed into the trailer stream (at most one per
// entry); anything else is stored as a data chunk and its chunkheader
// is appended to the chunk-index byte stream.
func (w *Writer) handleFileChunk(buf []byte) error {
	if len(buf) < MinChunk {
		if w.tlen != 0 {
			return fmt.Errorf("multitape: archive entry has two trailers")
		}
		if err := w.tChunkifier.Write(buf); err != nil {
			return err
		}
		w.tlen = uint32(len(buf))
		return nil
	}

	hash, zlen, err := w.storeChunk(buf)
	if err != nil {
		return err
	}
	ch := ChunkHeader{Hash: hash, Len: uint32(len(buf)), ZLen: uint32(zlen)}
	if err := w.cChunkifier.Write(ch.Encode(nil)); err != nil {
		return err
	}
	w.clen += uint64(len(buf))
	return nil
}

// WriteHeader appends buf to the current entry's opaque tar header,
// matching writetape_write's mode-0 (and promoted mode-3) path. Valid
// in ModeHeader and ModeEndOfArchive; a write arriving in
// ModeEndOfEntry is treated as the start of the closing record
// (promoted to ModeEndOfArchive), matching the original's fallthrough.
func (w *Writer) WriteHeader(ctx context.Context, buf []byte) error {
	w.ctx = ctx
	if w.mode == ModeEndOfEntry || w.mode == ModeEndOfArchive {
		w.mode = ModeEndOfArchive
	}
	if w.mode == ModeData {
		return fmt.Errorf("multitape: header write while in DATA mode")
	}
	w.hbuf = append(w.hbuf, buf...)
	return nil
}

// WriteData feeds buf through the file-body chunkifier, matching
// writetape_write's mode-1 path. Valid only in ModeData.
func (w *Writer) WriteData(ctx context.Context, buf []byte) error {
	w.ctx = ctx
	if w.mode != ModeData {
		return fmt.Errorf("multitape: data write outside DATA mode")
	}
	if err := w.pollWatchdog(ctx); err != nil {
		return err
	}
	return w.cFile.Write(buf)
}

// WriteChunk attempts to reference an existing chunk without
// re-reading its plaintext, matching writetape_writechunk. Valid only
// in DATA mode. Returns the chunk's plaintext length, or 0 if the
// chunk is not present in the local directory (the caller must then
// fall back to WriteData with the actual bytes).
func (w *Writer) WriteChunk(ctx context.Context, hash [32]byte) (uint64, error) {
	w.ctx = ctx
	if w.mode != ModeData {
		return 0, fmt.Errorf("multitape: writechunk outside DATA mode")
	}
	found, length, zlen, err := w.chunkDir.ChunkRef(hash)
	if err != nil || !found {
		return 0, err
	}
	ch := ChunkHeader{Hash: hash, Len: uint32(length), ZLen: uint32(zlen)}
	if err := w.cChunkifier.Write(ch.Encode(nil)); err != nil {
		return 0, err
	}
	w.clen += length
	return length, nil
}

// SetMode transitions the entry state machine, matching
// writetape_setmode: leaving DATA mode flushes c_file; entering
// ModeEndOfEntry emits the buffered entry; no transition is permitted
// out of ModeEndOfArchive.
func (w *Writer) SetMode(ctx context.Context, mode Mode) error {
	w.ctx = ctx
	if mode == w.mode {
		return nil
	}
	if w.mode == ModeEndOfArchive {
		return fmt.Errorf("multitape: archive entry occurs after archive trailer")
	}
	if w.mode == ModeData {
		if err := w.cFile.End(); err != nil {
			return err
		}
	}
	if mode == ModeEndOfEntry {
		if err := w.endEntry(); err != nil {
			return err
		}
	}
	w.mode = mode
	return nil
}

// endEntry emits `<hlen><clen><tlen>` followed by the buffered header
// bytes into the H stream, matching endentry.
func (w *Writer) endEntry() error {
	eh := EntryHeader{HLen: uint32(len(w.hbuf)), CLen: w.clen, TLen: w.tlen}
	if err := w.hChunkifier.Write(eh.Encode(nil)); err != nil {
		return err
	}
	if err := w.hChunkifier.Write(w.hbuf); err != nil {
		return err
	}
	w.hbuf = nil
	w.clen = 0
	w.tlen = 0
	return nil
}

// Truncate marks the archive as incomplete: it will be stored under
// tapename+".part" and no further writes are accepted, matching
// writetape_truncate.
func (w *Writer) Truncate() {
	w.eof = true
}

// Close flushes all four chunkifiers, builds and stores the metaindex
// and signed metadata record, commits the write transaction (or
// cancels it in dry-run mode), and
// returns the final archive name (with ".part" suffix if truncated)
// and its byte-accounting stats, matching writetape_close.
func (w *Writer) Close(ctx context.Context) (string, Stats, error) {
	w.ctx = ctx

	if w.eof && w.mode < ModeEndOfEntry {
		if err := w.SetMode(ctx, ModeEndOfEntry); err != nil {
			return "", Stats{}, err
		}
	}
	switch w.mode {
	case ModeEndOfArchive:
		if err := w.endEntry(); err != nil {
			return "", Stats{}, err
		}
	case ModeEndOfEntry:
		// already flushed
	default:
		return "", Stats{}, fmt.Errorf("multitape: archive closed mid-entry")
	}

	if err := w.cFile.End(); err != nil {
		return "", Stats{}, err
	}
	if err := w.tChunkifier.End(); err != nil {
		return "", Stats{}, err
	}
	if err := w.cChunkifier.End(); err != nil {
		return "", Stats{}, err
	}
	if err := w.hChunkifier.End(); err != nil {
		return "", Stats{}, err
	}

	name := w.tapeName
	if w.eof {
		name += ".part"
	}

	mi := Metaindex{HIndex: w.hIndex, CIndex: w.cIndex, TIndex: w.tIndex}
	indexHash, indexLen, err := PutMetaindex(ctx, w.w, w.codec, mi)
	if err != nil {
		return "", Stats{}, err
	}

	md := Metadata{
		Name:      name,
		CTime:     w.ctime,
		Argv:      w.argv,
		IndexHash: indexHash,
		IndexLen:  indexLen,
	}
	if err := PutMetadata(ctx, w.w, w.cache, w.codec, w.rng, md); err != nil {
		return "", Stats{}, err
	}

	if !w.dryrun {
		if err := w.w.Commit(ctx); err != nil {
			return "", Stats{}, err
		}
	} else {
		if err := w.w.Cancel(ctx); err != nil {
			return "", Stats{}, err
		}
	}

	stats := Stats{
		HLen: sumLen(w.hIndex),
		CLen: sumLen(w.cIndex),
		TLen: sumLen(w.tIndex),
	}
	return name, stats, nil
}

// Free cancels this write transaction without committing, matching
// writetape_free's discard path (used when archive creation fails
// partway through).
func (w *Writer) Free(ctx context.Context) error {
	return w.w.Cancel(ctx)
}

func sumLen(hs []ChunkHeader) uint64 {
	var total uint64
	for _, h := range hs {
		total += uint64(h.Len)
	}
	return total
}
