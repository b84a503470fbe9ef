package multitape

import (
	"encoding/binary"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// Metadata is one archive's signed record (spec.md §3 "Metadata
// file"), matching struct tapemetadata.
type Metadata struct {
	Name      string
	CTime     int64
	Argv      []string
	IndexHash [32]byte
	IndexLen  uint64
}

// Metaindex lists, for each of the three archive streams, the
// chunkheaders forming that stream, matching struct tapemetaindex.
type Metaindex struct {
	HIndex []ChunkHeader
	CIndex []ChunkHeader
	TIndex []ChunkHeader
}

// encodeSection appends a u64-LE length prefix followed by the
// concatenated chunkheaders of hs, matching multitape_write.c's
// length-prefixed metaindex sections.
func encodeSection(dst []byte, hs []ChunkHeader) []byte {
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hs)*ChunkHeaderLen))
	dst = append(dst, lenBuf[:]...)
	for _, h := range hs {
		dst = h.Encode(dst)
	}
	return dst
}

func decodeSection(buf []byte) ([]ChunkHeader, []byte, error) {
	if len(buf) < 8 {
		return nil, nil, fmt.Errorf("multitape: truncated metaindex section length")
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	buf = buf[8:]
	if uint64(len(buf)) < n {
		return nil, nil, fmt.Errorf("multitape: truncated metaindex section body")
	}
	if n%ChunkHeaderLen != 0 {
		return nil, nil, fmt.Errorf("multitape: metaindex section length not a multiple of chunkheader size")
	}
	section := buf[:n]
	rest := buf[n:]
	hs := make([]ChunkHeader, 0, n/ChunkHeaderLen)
	for len(section) > 0 {
		h, err := DecodeChunkHeader(section)
		if err != nil {
			return nil, nil, err
		}
		hs = append(hs, h)
		section = section[ChunkHeaderLen:]
	}
	return hs, rest, nil
}

// Encode serializes mi as the concatenation of its three
// length-prefixed sections (H-index, C-index, T-index), matching
// multitape_metaindex_put's buffer layout.
func (mi Metaindex) Encode() []byte {
	var buf []byte
	buf = encodeSection(buf, mi.HIndex)
	buf = encodeSection(buf, mi.CIndex)
	buf = encodeSection(buf, mi.TIndex)
	return buf
}

// DecodeMetaindex parses a buffer produced by Encode.
func DecodeMetaindex(buf []byte) (Metaindex, error) {
	var mi Metaindex
	var err error
	mi.HIndex, buf, err = decodeSection(buf)
	if err != nil {
		return Metaindex{}, err
	}
	mi.CIndex, buf, err = decodeSection(buf)
	if err != nil {
		return Metaindex{}, err
	}
	mi.TIndex, buf, err = decodeSection(buf)
	if err != nil {
		return Metaindex{}, err
	}
	if len(buf) != 0 {
		return Metaindex{}, fmt.Errorf("multitape: trailing bytes after metaindex")
	}
	return mi, nil
}

// encodeUnsigned appends every metadata field preceding the RSA-PSS
// signature, matching multitape_metadata_enc's buffer layout:
// name NUL, ctime LE64, argc LE32, each argv NUL-terminated,
// indexhash[32], indexlen LE64.
func (m Metadata) encodeUnsigned() []byte {
	buf := make([]byte, 0, len(m.Name)+1+8+4+64+32+8)
	buf = append(buf, m.Name...)
	buf = append(buf, 0)

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(m.CTime))
	buf = append(buf, u64[:]...)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], uint32(len(m.Argv)))
	buf = append(buf, u32[:]...)
	for _, a := range m.Argv {
		buf = append(buf, a...)
		buf = append(buf, 0)
	}

	buf = append(buf, m.IndexHash[:]...)
	binary.LittleEndian.PutUint64(u64[:], m.IndexLen)
	buf = append(buf, u64[:]...)
	return buf
}

// Encode signs m under cache's SIGN_PRIV key and returns the full
// wire record (unsigned fields plus the 256-byte PSS signature),
// matching multitape_metadata_enc.
func (m Metadata) Encode(cache *keys.Cache, rng interface{ Read([]byte) error }) ([]byte, error) {
	priv := cache.PrivateKey(keys.SignPriv)
	if priv == nil {
		return nil, fmt.Errorf("multitape: SIGN_PRIV not present in key cache")
	}
	unsigned := m.encodeUnsigned()
	sig, err := primitives.SignPSS(priv, unsigned, rngReader{rng})
	if err != nil {
		return nil, fmt.Errorf("multitape: signing metadata: %w", err)
	}
	return append(unsigned, sig...), nil
}

// rngReader adapts the DRBG's Read([]byte) error method to io.Reader,
// matching the same adapter shape internal/netproto uses.
type rngReader struct {
	rng interface{ Read([]byte) error }
}

func (r rngReader) Read(p []byte) (int, error) {
	if err := r.rng.Read(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// DecodeMetadata parses and verifies a metadata record produced by
// Encode, matching multitape_metadata_dec's strict "buflen==0 exactly
// at end" check and its PSS verification.
func DecodeMetadata(cache *keys.Cache, buf []byte) (Metadata, error) {
	var m Metadata

	nul := indexByte(buf, 0)
	if nul < 0 {
		return Metadata{}, fmt.Errorf("multitape: metadata missing name terminator")
	}
	m.Name = string(buf[:nul])
	buf = buf[nul+1:]

	if len(buf) < 8 {
		return Metadata{}, fmt.Errorf("multitape: truncated metadata ctime")
	}
	m.CTime = int64(binary.LittleEndian.Uint64(buf[:8]))
	buf = buf[8:]

	if len(buf) < 4 {
		return Metadata{}, fmt.Errorf("multitape: truncated metadata argc")
	}
	argc := binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]

	m.Argv = make([]string, 0, argc)
	for i := uint32(0); i < argc; i++ {
		nul := indexByte(buf, 0)
		if nul < 0 {
			return Metadata{}, fmt.Errorf("multitape: metadata missing argv terminator")
		}
		m.Argv = append(m.Argv, string(buf[:nul]))
		buf = buf[nul+1:]
	}

	if len(buf) < 32+8 {
		return Metadata{}, fmt.Errorf("multitape: truncated metadata index summary")
	}
	copy(m.IndexHash[:], buf[:32])
	buf = buf[32:]
	m.IndexLen = binary.LittleEndian.Uint64(buf[:8])
	buf = buf[8:]

	if len(buf) != primitives.RSAModLen {
		return Metadata{}, fmt.Errorf("multitape: metadata signature has wrong length")
	}

	pub := cache.PublicKey(keys.SignPub)
	if pub == nil {
		return Metadata{}, fmt.Errorf("multitape: SIGN_PUB not present in key cache")
	}
	// Reconstruct the exact signed prefix (everything parsed above).
	unsigned := m.encodeUnsigned()
	if err := primitives.VerifyPSS(pub, unsigned, buf); err != nil {
		return Metadata{}, fmt.Errorf("multitape: metadata signature invalid: %w", err)
	}

	return m, nil
}

func indexByte(buf []byte, b byte) int {
	for i, c := range buf {
		if c == b {
			return i
		}
	}
	return -1
}
