package storage

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/quantarax/tarsnap-core/internal/cryptofile"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
)

// Status codes returned by Read/Write/Delete, matching
// storage_{read,write,delete}_file's 0/1/2/-1 convention (-1 folds
// into a non-nil error here).
const (
	StatusOK       = 0
	StatusNotFound = 1
	StatusCorrupt  = 2
)

// SizeUnknown asks ReadFile to accept whatever length the server
// holds, matching the original's (uint32_t)(-1) convention.
const SizeUnknown = 0xffffffff

// Reader is a non-transactional read cookie, matching STORAGE_R: a
// netpacket connection plus a local cache of decrypted file contents
// keyed by (class, name), so that repeated reads of the same chunk
// (e.g. while restoring overlapping archives) avoid the network.
type Reader struct {
	client *Client
	codec  *cryptofile.Codec

	mu    sync.Mutex
	cache map[cacheKey]*list.Element
	order *list.List
	limit int
	used  int
}

type cacheKey struct {
	class netpacket.Class
	name  [32]byte
}

type cacheEntry struct {
	key  cacheKey
	data []byte
}

// NewReader opens a read cookie over client, matching
// storage_read_init. The codec decrypts each fetched file's envelope
// before the plaintext is returned or cached (spec.md §4.8: read_file
// "runs the payload through the file-envelope decrypt").
func NewReader(client *Client, codec *cryptofile.Codec) *Reader {
	return &Reader{
		client: client,
		codec:  codec,
		cache:  make(map[cacheKey]*list.Element),
		order:  list.New(),
		limit:  64 << 20, // default 64 MiB cache, overridden by SetCacheLimit
	}
}

// SetCacheLimit bounds the reader's in-memory cache to limit bytes,
// matching storage_read_set_cache_limit.
func (r *Reader) SetCacheLimit(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
	r.evictLocked()
}

func (r *Reader) evictLocked() {
	for r.used > r.limit {
		e := r.order.Back()
		if e == nil {
			return
		}
		entry := e.Value.(*cacheEntry)
		r.used -= len(entry.data)
		delete(r.cache, entry.key)
		r.order.Remove(e)
	}
}

func (r *Reader) lookup(key cacheKey) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.cache[key]
	if !ok {
		return nil, false
	}
	r.order.MoveToFront(e)
	return e.Value.(*cacheEntry).data, true
}

func (r *Reader) store(key cacheKey, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.cache[key]; ok {
		r.used -= len(e.Value.(*cacheEntry).data)
		r.order.Remove(e)
	}
	entry := &cacheEntry{key: key, data: data}
	r.used += len(data)
	r.cache[key] = r.order.PushFront(entry)
	r.evictLocked()
}

// ReadFile reads and decrypts the file name from class, expecting
// exactly plaintextLen plaintext bytes (SizeUnknown if the length is
// not known in advance). Returns (StatusOK, plaintext),
// (StatusNotFound, nil), or (StatusCorrupt, nil); a non-nil error
// means a network/protocol failure or a negative account balance
// rather than a well-formed negative response. Cache hits bypass the
// network but preserve the corrupt-vs-ok distinction on a length
// mismatch.
func (r *Reader) ReadFile(ctx context.Context, class netpacket.Class, name [32]byte, plaintextLen uint32) (int, []byte, error) {
	key := cacheKey{class: class, name: name}
	if data, ok := r.lookup(key); ok {
		if plaintextLen != SizeUnknown && uint32(len(data)) != plaintextLen {
			return StatusCorrupt, nil, nil
		}
		return StatusOK, data, nil
	}

	size := uint32(SizeUnknown)
	if plaintextLen != SizeUnknown {
		size = plaintextLen + FileOverhead
	}

	req := netpacket.BuildReadFile(r.client.MachineNum, class, name, size)
	typ, payload, err := r.client.doOp(ctx, netpacket.ReadFile, req)
	if err != nil {
		return 0, nil, err
	}
	if typ != netpacket.ReadFileResponse {
		return 0, nil, fmt.Errorf("storage: unexpected response type 0x%02x to READ_FILE", typ)
	}
	status, envelope, err := netpacket.ParseReadFileResponse(r.client.Cache.HMACKey(keys.AuthGet), class, name, size, payload)
	if err != nil {
		return 0, nil, err
	}
	switch status {
	case netpacket.StatusOK:
	case netpacket.StatusNotFound:
		return StatusNotFound, nil, nil
	case netpacket.StatusCorrupt:
		return StatusCorrupt, nil, nil
	case netpacket.StatusBalance:
		return 0, nil, fmt.Errorf("storage: cannot read from server: account balance is not positive")
	default:
		return 0, nil, fmt.Errorf("storage: READ_FILE failed, status %d", status)
	}

	if len(envelope) < cryptofile.HeaderLen+cryptofile.TrailerLen {
		return StatusCorrupt, nil, nil
	}
	wantLen := len(envelope) - cryptofile.HeaderLen - cryptofile.TrailerLen
	data, err := r.codec.Decrypt(envelope, wantLen)
	if err != nil {
		if errors.Is(err, cryptofile.ErrCorrupt) {
			return StatusCorrupt, nil, nil
		}
		return 0, nil, err
	}
	if plaintextLen != SizeUnknown && uint32(len(data)) != plaintextLen {
		return StatusCorrupt, nil, nil
	}

	r.store(key, data)
	return StatusOK, data, nil
}
