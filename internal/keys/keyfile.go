package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// blobType tags each serialized key blob with how to decode it: an
// RSA public key, an RSA private key (D only; N/E travel with the
// matching public blob), or a raw 32-byte HMAC key.
type blobType uint8

const (
	blobHMAC blobType = iota
	blobRSAPublic
	blobRSAPrivateD
)

// Keyfile is the decoded form of the on-disk keyfile described in
// spec.md §3/§6: an 8-byte big-endian machine number followed by
// concatenated <len:u32 LE><type:u8><data> blobs, one per present
// key ID.
type Keyfile struct {
	MachineNum uint64
	Cache      *Cache
}

// idOrder fixes blob emission order for Export: ascending numeric id,
// per spec.md §4.3 ("export(mask) emits keys in ascending numeric id").
var idOrder = func() []ID {
	ids := make([]ID, 0, numKeys)
	for id := ID(0); id < numKeys; id++ {
		ids = append(ids, id)
	}
	return ids
}()

// Export serializes every key in mask present in c, in ascending ID
// order, as a sequence of length-prefixed blobs (no machine number:
// that is added by EncodeKeyfile).
func Export(c *Cache, mask Mask) ([]byte, error) {
	var out bytes.Buffer
	for _, id := range idOrder {
		if mask&Bit(id) == 0 {
			continue
		}
		data, bt, ok := exportOne(c, id)
		if !ok {
			continue
		}
		if err := writeBlob(&out, id, bt, data); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

func exportOne(c *Cache, id ID) (data []byte, bt blobType, ok bool) {
	if isRSA(id) {
		switch id {
		case SignPriv, EncrPriv:
			priv := c.PrivateKey(id)
			if priv == nil {
				return nil, 0, false
			}
			return priv.D.Bytes(), blobRSAPrivateD, true
		default: // SignPub, EncrPub, RootPub
			pub := c.PublicKey(id)
			if pub == nil {
				return nil, 0, false
			}
			return encodePublic(pub), blobRSAPublic, true
		}
	}
	h := c.HMACKey(id)
	if h == nil {
		return nil, 0, false
	}
	return h, blobHMAC, true
}

func encodePublic(pub *primitives.PublicKey) []byte {
	var buf bytes.Buffer
	n := pub.N.Bytes()
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(n)))
	buf.Write(lenbuf[:])
	buf.Write(n)
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(pub.E))
	buf.Write(lenbuf[:])
	return buf.Bytes()
}

func decodePublic(data []byte) (*primitives.PublicKey, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("keys: truncated public key blob")
	}
	nlen := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]
	if uint32(len(data)) < nlen+4 {
		return nil, fmt.Errorf("keys: truncated public key blob")
	}
	n := new(big.Int).SetBytes(data[:nlen])
	e := binary.LittleEndian.Uint32(data[nlen : nlen+4])
	return &primitives.PublicKey{N: n, E: int(e)}, nil
}

func writeBlob(out *bytes.Buffer, id ID, bt blobType, data []byte) error {
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(data))+1+idBytesLen)
	out.Write(lenbuf[:])
	out.Write([]byte{byte(bt), byte(id)})
	out.Write(data)
	return nil
}

// idBytesLen is the width of the key-ID tag stored inside each blob,
// alongside its blobType byte.
const idBytesLen = 1

// Import decodes a sequence of blobs produced by Export and installs
// only those whose ID bit is set in mask into c, per spec.md §4.3
// ("import(buf, mask) consumes a blob stream, installing only keys
// whose type is set in mask; duplicates overwrite").
//
// Export emits blobs in ascending numeric ID order, which places each
// RSA private half (SIGN_PRIV, ENCR_PRIV) before its public
// counterpart (SIGN_PUB, ENCR_PUB) in the stream. Import therefore
// runs in two passes: the first installs every HMAC and public-RSA
// blob and defers private-RSA blobs; the second installs the deferred
// private keys, by which point their public half is always present.
func Import(c *Cache, buf []byte, mask Mask) error {
	type pendingPriv struct {
		id   ID
		data []byte
	}
	var deferred []pendingPriv

	for len(buf) > 0 {
		if len(buf) < 4 {
			return fmt.Errorf("keys: truncated blob length")
		}
		blen := binary.LittleEndian.Uint32(buf[0:4])
		buf = buf[4:]
		if uint32(len(buf)) < blen {
			return fmt.Errorf("keys: truncated blob body")
		}
		body := buf[:blen]
		buf = buf[blen:]

		if len(body) < 1+idBytesLen {
			return fmt.Errorf("keys: truncated blob header")
		}
		bt := blobType(body[0])
		id := ID(body[1])
		data := body[1+idBytesLen:]

		if mask&Bit(id) == 0 {
			continue
		}

		switch bt {
		case blobHMAC:
			if err := c.SetHMAC(id, data); err != nil {
				return err
			}
		case blobRSAPublic:
			pub, err := decodePublic(data)
			if err != nil {
				return err
			}
			c.SetPublic(id, pub)
		case blobRSAPrivateD:
			deferred = append(deferred, pendingPriv{id: id, data: data})
		default:
			return fmt.Errorf("keys: unknown blob type %d for %s", bt, Name(id))
		}
	}

	for _, p := range deferred {
		pubID := privToPubID(p.id)
		pub := c.PublicKey(pubID)
		if pub == nil {
			return fmt.Errorf("keys: private key %s imported without its public half", Name(p.id))
		}
		d := new(big.Int).SetBytes(p.data)
		c.SetPrivate(p.id, &primitives.PrivateKey{Pub: *pub, D: d})
	}
	return nil
}

func privToPubID(id ID) ID {
	switch id {
	case SignPriv:
		return SignPub
	case EncrPriv:
		return EncrPub
	default:
		return id
	}
}

// EncodeKeyfile serializes a full on-disk keyfile: 8-byte big-endian
// machine number followed by Export(cache, mask)'s blob stream.
func EncodeKeyfile(machineNum uint64, cache *Cache, mask Mask) ([]byte, error) {
	blobs, err := Export(cache, mask)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8+len(blobs))
	binary.BigEndian.PutUint64(out[0:8], machineNum)
	copy(out[8:], blobs)
	return out, nil
}

// DecodeKeyfile parses a full on-disk keyfile payload (already
// stripped of any outer passphrase wrapper) and imports the keys
// matching mask into a fresh Cache.
func DecodeKeyfile(data []byte, rootPub *primitives.PublicKey, mask Mask) (*Keyfile, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("keys: keyfile too short")
	}
	machineNum := binary.BigEndian.Uint64(data[0:8])
	c := New(rootPub)
	if err := Import(c, data[8:], mask); err != nil {
		return nil, fmt.Errorf("keys: decoding keyfile: %w", err)
	}
	return &Keyfile{MachineNum: machineNum, Cache: c}, nil
}
