package multitape

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/cryptofile"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/primitives"
	"github.com/quantarax/tarsnap-core/internal/storage"
)

// hmacName derives the remote storage name for an archive name,
// matching HMAC_NAME(tapename).
func hmacName(cache *keys.Cache, name string) [32]byte {
	return primitives.HMACSum(cache.HMACKey(keys.HMACName), []byte(name))
}

// MetadataIsPresent reports whether an archive of this name already
// has a metadata file on the server, matching
// multitape_metadata_ispresent.
func MetadataIsPresent(ctx context.Context, w *storage.Writer, cache *keys.Cache, name string) (bool, error) {
	return w.FExist(ctx, netpacket.ClassMetadata, hmacName(cache, name))
}

// PutMetaindex computes mi's indexhash, stores its encoded form under
// class 'i', and returns (indexhash, indexlen), matching
// multitape_metaindex_put. The metaindex must be stored before the
// metadata record that references it (writetape_close's ordering).
func PutMetaindex(ctx context.Context, w *storage.Writer, codec *cryptofile.Codec, mi Metaindex) ([32]byte, uint64, error) {
	plain := mi.Encode()
	hash := primitives.SHA256(plain)

	envelope, err := codec.Encrypt(plain)
	if err != nil {
		return [32]byte{}, 0, err
	}
	// Two archives with identical content share an indexhash, so the
	// metaindex file may already exist; its plaintext is identical by
	// construction, making the put idempotent.
	if err := w.WriteFile(ctx, netpacket.ClassMetaindex, hash, envelope); err != nil && !errors.Is(err, storage.ErrFileExists) {
		return [32]byte{}, 0, err
	}
	return hash, uint64(len(plain)), nil
}

// GetMetaindex fetches and decodes the metaindex identified by hash,
// matching multitape_metaindex_get. The storage reader has already
// stripped and verified the file envelope.
func GetMetaindex(ctx context.Context, r *storage.Reader, hash [32]byte, indexLen uint64) (Metaindex, error) {
	status, plain, err := r.ReadFile(ctx, netpacket.ClassMetaindex, hash, uint32(indexLen))
	if err != nil {
		return Metaindex{}, err
	}
	if status != storage.StatusOK {
		return Metaindex{}, fmt.Errorf("multitape: metaindex fetch failed, status %d", status)
	}
	if got := primitives.SHA256(plain); got != hash {
		return Metaindex{}, fmt.Errorf("multitape: metaindex does not match its index hash")
	}
	return DecodeMetaindex(plain)
}

// PutMetadata signs and stores m under class 'm', matching
// multitape_metadata_put. Must be called after PutMetaindex so m's
// IndexHash/IndexLen fields are already filled in.
func PutMetadata(ctx context.Context, w *storage.Writer, cache *keys.Cache, codec *cryptofile.Codec, rng interface{ Read([]byte) error }, m Metadata) error {
	plain, err := m.Encode(cache, rng)
	if err != nil {
		return err
	}
	envelope, err := codec.Encrypt(plain)
	if err != nil {
		return err
	}
	return w.WriteFile(ctx, netpacket.ClassMetadata, hmacName(cache, m.Name), envelope)
}

// GetMetadataByHash fetches, decrypts, and signature-verifies the
// metadata record stored under the given storage name, matching
// multitape_metadata_get_byhash: unlike GetMetadata, the caller does
// not know the archive's name in advance (e.g. while enumerating
// DIRECTORY's raw hash list for --list-archives), so no HMAC_NAME
// cross-check against the embedded name is performed.
func GetMetadataByHash(ctx context.Context, r *storage.Reader, cache *keys.Cache, hash [32]byte) (Metadata, error) {
	status, plain, err := r.ReadFile(ctx, netpacket.ClassMetadata, hash, storage.SizeUnknown)
	if err != nil {
		return Metadata{}, err
	}
	if status != storage.StatusOK {
		return Metadata{}, fmt.Errorf("multitape: metadata fetch failed, status %d", status)
	}
	return DecodeMetadata(cache, plain)
}

// GetMetadata fetches, decrypts, and verifies the metadata record for
// name, matching multitape_metadata_get / _get_byname: the
// HMAC_NAME(name) used to locate the file must equal the name
// embedded in the verified record.
func GetMetadata(ctx context.Context, r *storage.Reader, cache *keys.Cache, name string) (Metadata, error) {
	m, err := GetMetadataByHash(ctx, r, cache, hmacName(cache, name))
	if err != nil {
		return Metadata{}, err
	}
	if m.Name != name {
		return Metadata{}, fmt.Errorf("multitape: metadata name mismatch for %q", name)
	}
	return m, nil
}

// DeleteMetadata removes the metadata file for name, matching
// multitape_metadata_delete.
func DeleteMetadata(ctx context.Context, d *storage.Deleter, cache *keys.Cache, name string) error {
	return d.DeleteFile(ctx, netpacket.ClassMetadata, hmacName(cache, name))
}
