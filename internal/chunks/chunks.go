// Package chunks implements the local chunk directory (spec.md §4.9):
// a refcounted record of every chunk this client has stored remotely,
// keyed by content hash, each entry tracking the chunk's plaintext and
// compressed lengths. Storage of the record set follows
// daemon/manager/cas_bolt.go's BoltCAS pattern (a single bbolt bucket
// keyed by hash), adapted from a presence-only cache into a refcounted
// one, and an advisory file lock guards the cache directory the way
// the original client's lockfile does.
package chunks

import (
	"bytes"
	"compress/flate"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/quantarax/tarsnap-core/internal/cryptofile"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/observability"
	"github.com/quantarax/tarsnap-core/internal/primitives"
	"github.com/quantarax/tarsnap-core/internal/storage"
)

var bucketChunks = []byte("chunks")

// Status codes returned by Read, matching storage's 0/1/2 convention
// (spec.md §4.9's read: "0/1/2/-1").
const (
	StatusOK       = 0
	StatusNotFound = 1
	StatusCorrupt  = 2
)

// entry is the on-disk record for one chunk: plaintext length,
// compressed length, and a reference count.
type entry struct {
	Len   uint64
	ZLen  uint64
	NRefs uint32
}

const entrySize = 8 + 8 + 4

func encodeEntry(e entry) []byte {
	buf := make([]byte, entrySize)
	binary.BigEndian.PutUint64(buf[0:8], e.Len)
	binary.BigEndian.PutUint64(buf[8:16], e.ZLen)
	binary.BigEndian.PutUint32(buf[16:20], e.NRefs)
	return buf
}

func decodeEntry(buf []byte) (entry, error) {
	if len(buf) != entrySize {
		return entry{}, fmt.Errorf("chunks: malformed directory record")
	}
	return entry{
		Len:   binary.BigEndian.Uint64(buf[0:8]),
		ZLen:  binary.BigEndian.Uint64(buf[8:16]),
		NRefs: binary.BigEndian.Uint32(buf[16:20]),
	}, nil
}

// Directory is the local chunk directory: one bbolt database file plus
// an advisory lock (bbolt's own file lock on open serves that role
// directly, matching the original's single-writer lockfile). Remote
// puts and deletes go through the write/delete transaction cookie the
// caller passes in, so every chunk operation lands inside the
// archive-level transaction that contains it.
type Directory struct {
	db    *bolt.DB
	codec *cryptofile.Codec

	// Metrics, if set via WithMetrics, records chunk write/dedup
	// counts; nil disables this (matching the rest of the package's
	// no-observability-by-default posture for library callers).
	Metrics *observability.Metrics
}

// Open opens (creating if necessary) the chunk directory at path,
// taking bbolt's exclusive file lock for the life of the process.
func Open(path string, codec *cryptofile.Codec) (*Directory, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("chunks: opening directory (is another process using this cache?): %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketChunks)
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Directory{db: db, codec: codec}, nil
}

// WithMetrics attaches m to d, so subsequent Write calls record
// chunk-written/chunk-deduplicated counters. Returns d for chaining at
// the Open call site.
func (d *Directory) WithMetrics(m *observability.Metrics) *Directory {
	d.Metrics = m
	return d
}

// Close releases the directory's file lock.
func (d *Directory) Close() error {
	return d.db.Close()
}

// Entry is the refcount-cache record for one chunk, exposed read-only
// for fsck's rebuild pass.
type Entry struct {
	Hash  [32]byte
	Len   uint64
	ZLen  uint64
	NRefs uint32
}

// ForEach visits every entry currently in the local directory, in
// hash order. Used by fsck to find orphans: entries with no
// surviving reference once every archive has been walked.
func (d *Directory) ForEach(fn func(Entry) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).ForEach(func(k, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil {
				return err
			}
			var hash [32]byte
			copy(hash[:], k)
			return fn(Entry{Hash: hash, Len: e.Len, ZLen: e.ZLen, NRefs: e.NRefs})
		})
	})
}

// SetRefcount overwrites (or creates) the local record for hash,
// matching fsck's rebuild of nrefs from the server's authoritative
// archive set rather than incremental write/delete accounting.
func (d *Directory) SetRefcount(hash [32]byte, length, zlen uint64, nrefs uint32) error {
	return d.put(hash, entry{Len: length, ZLen: zlen, NRefs: nrefs})
}

// Forget removes hash from the local directory outright (no remote
// delete issued), used by fsck to drop entries for chunks no archive
// references.
func (d *Directory) Forget(hash [32]byte) error {
	return d.delete(hash)
}

func (d *Directory) get(hash [32]byte) (entry, bool, error) {
	var e entry
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketChunks).Get(hash[:])
		if v == nil {
			return nil
		}
		found = true
		var derr error
		e, derr = decodeEntry(v)
		return derr
	})
	return e, found, err
}

func (d *Directory) put(hash [32]byte, e entry) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Put(hash[:], encodeEntry(e))
	})
}

func (d *Directory) delete(hash [32]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketChunks).Delete(hash[:])
	})
}

// maxCompressedLen bounds a DEFLATE level-9 output given an input of
// maxlen bytes: the format can never inflate data by more than this,
// matching spec.md §4.9's "≤ maxlen + maxlen/1000 + 13" cap.
func maxCompressedLen(maxlen int) int {
	return maxlen + maxlen/1000 + 13
}

func deflate(buf []byte) ([]byte, error) {
	var out bytes.Buffer
	w, err := flate.NewWriter(&out, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(buf); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	if out.Len() > maxCompressedLen(len(buf)) {
		return nil, fmt.Errorf("chunks: compressed output exceeds cap")
	}
	return out.Bytes(), nil
}

func inflate(buf []byte, wantLen int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(buf))
	defer r.Close()
	out := make([]byte, wantLen+1) // +1 so a too-long stream is detectable
	n, err := io.ReadFull(r, out)
	if err == io.ErrUnexpectedEOF {
		return out[:n], nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil // n == len(out): stream was at least wantLen+1 bytes, caller rejects
}

// Write stores buf (already known to hash to the given chunk hash)
// under the local directory, uploading it within the caller's write
// transaction if not already present, matching spec.md §4.9's
// write(hash, buf). A server-side "file already exists" is treated as
// success: the put is idempotent and the local directory simply did
// not know about the chunk yet. Returns the compressed length actually
// charged against the user's archive, whether freshly uploaded or
// already-present.
func (d *Directory) Write(ctx context.Context, w *storage.Writer, hash [32]byte, buf []byte) (uint64, error) {
	e, found, err := d.get(hash)
	if err != nil {
		return 0, err
	}
	if found && e.NRefs > 0 {
		e.NRefs++
		if err := d.put(hash, e); err != nil {
			return 0, err
		}
		if d.Metrics != nil {
			d.Metrics.RecordChunkDeduplicated()
		}
		return e.ZLen, nil
	}

	zbuf, err := deflate(buf)
	if err != nil {
		return 0, err
	}
	envelope, err := d.codec.Encrypt(zbuf)
	if err != nil {
		return 0, err
	}

	if err := w.WriteFile(ctx, netpacket.ClassChunk, hash, envelope); err != nil && !errors.Is(err, storage.ErrFileExists) {
		return 0, err
	}

	e = entry{Len: uint64(len(buf)), ZLen: uint64(len(zbuf)), NRefs: 1}
	if err := d.put(hash, e); err != nil {
		return 0, err
	}
	if d.Metrics != nil {
		d.Metrics.RecordChunkWritten()
	}
	return e.ZLen, nil
}

// ChunkRef increments the reference count of an already-present chunk,
// matching spec.md §4.9's chunkref(hash): used when a file being backed
// up repeats a chunk already seen (and committed) earlier in the same
// or a prior archive. Returns (found, plaintext len, zlen).
func (d *Directory) ChunkRef(hash [32]byte) (bool, uint64, uint64, error) {
	e, found, err := d.get(hash)
	if err != nil || !found || e.NRefs == 0 {
		return false, 0, 0, err
	}
	e.NRefs++
	if err := d.put(hash, e); err != nil {
		return false, 0, 0, err
	}
	return true, e.Len, e.ZLen, nil
}

// Delete decrements the reference count of hash, issuing a remote
// delete within the caller's delete transaction once it reaches zero,
// matching spec.md §4.9's delete(hash).
func (d *Directory) Delete(ctx context.Context, del *storage.Deleter, hash [32]byte) error {
	e, found, err := d.get(hash)
	if err != nil {
		return err
	}
	if !found || e.NRefs == 0 {
		return nil
	}
	e.NRefs--
	if e.NRefs > 0 {
		return d.put(hash, e)
	}

	if err := del.DeleteFile(ctx, netpacket.ClassChunk, hash); err != nil {
		return err
	}
	return d.delete(hash)
}

// Read fetches, decrypts, decompresses, and verifies a chunk, matching
// spec.md §4.9's read(hash, len, zlen, buf): returns (StatusOK, data),
// (StatusNotFound, nil), or (StatusCorrupt, nil). The storage reader
// handles the envelope decrypt; this layer decompresses and checks the
// plaintext length and content hash.
func (d *Directory) Read(ctx context.Context, reader *storage.Reader, hash [32]byte, hmacChunkKey []byte) (int, []byte, error) {
	e, found, err := d.get(hash)
	if err != nil {
		return 0, nil, err
	}
	if !found {
		return StatusNotFound, nil, nil
	}

	status, zbuf, err := reader.ReadFile(ctx, netpacket.ClassChunk, hash, uint32(e.ZLen))
	if err != nil {
		return 0, nil, err
	}
	if status != storage.StatusOK {
		return status, nil, nil
	}

	plain, err := inflate(zbuf, int(e.Len))
	if err != nil || uint64(len(plain)) != e.Len {
		return StatusCorrupt, nil, nil
	}

	got := primitives.HMACSum(hmacChunkKey, plain)
	if !primitives.ConstantTimeCompare(got[:], hash[:]) {
		return StatusCorrupt, nil, nil
	}

	return StatusOK, plain, nil
}


// HMACChunkKey is a convenience accessor matching the common case of
// reading HMAC_CHUNK straight from the process key cache.
func HMACChunkKey(c *keys.Cache) []byte {
	return c.HMACKey(keys.HMACChunk)
}
