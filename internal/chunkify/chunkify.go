// Package chunkify implements the content-defined variable-length
// splitter from spec.md §4.10, ported bit-exactly from
// original_source/tar/multitape/chunkify.c. The boundary arithmetic
// (Montgomery multiplication mod a derived prime, a sliding window of
// recently-seen rolling-hash values, tombstone/empty-slot ages) is not
// an approximation of the original: testable property 3 requires the
// exact same sequence of chunk boundaries for the same HMAC_CPARAMS
// key and input, across platforms, so every operation here uses
// uint32 wraparound arithmetic exactly as the C source does.
package chunkify

import (
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// MaxMeanLen bounds the mean chunk length parameter, matching
// chunkify_init's "meanlen > 1262226" rejection (p must stay below
// floor(2^32/3) once derived from mu).
const MaxMeanLen = 1262226

// w is the length of the circular delay queue of rolling-hash values
// awaiting insertion into the hash table (spec.md §4.10 step 6).
const w = 32

// Callback is invoked with each completed chunk's bytes. The slice is
// only valid for the duration of the call: a chunkifier reuses its
// internal buffer for the next chunk.
type Callback func(chunk []byte) error

// Chunkifier holds one content-defined splitter's parameters and
// running state. Four independent chunkifiers are active during
// archive creation (spec.md §4.11): one per metadata stream plus one
// for file data.
type Chunkifier struct {
	mu  uint32 // mean chunk length
	p   uint32 // modulus
	pp  uint32 // -p^-1 mod 2^32
	ar  uint32 // alpha
	cm  [256]uint32
	ht  []uint32 // 2*htlen entries: (age-position, yka) pairs
	b   [w]uint32
	buf []byte // length-capped working buffer

	htlen uint32
	blen  uint32

	k   uint32 // bytes buffered in the current chunk
	r   uint32 // floor(sqrt(4k - mu)), maintained incrementally
	rs  uint32 // (r+1)^2 - (4k - mu)
	akr uint32 // alpha^k mod p
	yka uint32 // power series truncated before x^k, evaluated at alpha

	cb Callback
}

// New derives a chunkifier's parameters from cache's HMAC_CPARAMS key
// (spec.md §4.10) and prepares it to emit chunks of mean length about
// meanlen and at most maxlen bytes, invoking cb with each completed
// chunk.
func New(cache *keys.Cache, meanlen, maxlen uint32, cb Callback) (*Chunkifier, error) {
	if meanlen > MaxMeanLen || maxlen <= meanlen {
		return nil, fmt.Errorf("chunkify: invalid parameters: meanlen=%d maxlen=%d", meanlen, maxlen)
	}

	key := cache.HMACKey(keys.HMACCParams)
	if key == nil {
		return nil, fmt.Errorf("chunkify: HMAC_CPARAMS key not present")
	}

	c := &Chunkifier{
		mu:   meanlen,
		blen: maxlen,
		cb:   cb,
	}

	// Hash table size: least power of two in excess of
	// 8*sqrt(maxlen - mu/4), per chunkify_init's comment.
	c.htlen = 8
	for i := maxlen - meanlen/4; i > 0; i >>= 2 {
		c.htlen <<= 1
	}
	c.ht = make([]uint32, c.htlen*2)
	c.buf = make([]byte, maxlen)

	// p from HMAC('p\0'), alpha from HMAC('a\0'), cm[i] from HMAC('x', i).
	hbuf := primitives.HMACSum(key, []byte{'p', 0})
	pSeed := leUint32(hbuf[:4])
	hbuf = primitives.HMACSum(key, []byte{'a', 0})
	arSeed := leUint32(hbuf[:4])
	for i := 0; i < 256; i++ {
		hbuf = primitives.HMACSum(key, []byte{'x', byte(i)})
		c.cm[i] = leUint32(hbuf[:4])
	}

	pmin := meanlen * isqrt(meanlen)
	pmin += pmin / 100
	c.p = nextPrime(pmin + pSeed%isqrt(meanlen))
	c.pp = negModInversePow2(c.p)

	c.ar = 2 + arSeed%(c.p-3)
	for !minOrder(c.ar, c.mu, c.p, c.pp) {
		c.ar++
		if c.ar == c.p {
			c.ar = 2
		}
	}

	c.start()
	return c, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// start resets a chunkifier to accept a new chunk, matching
// chunkify_start: clear the hash table (all entries "infinitely old"),
// the delay queue (all entries = p, which can never match a real yka),
// and the per-chunk counters.
func (c *Chunkifier) start() {
	for i := range c.ht {
		c.ht[i] = 0
	}
	negHtlen := -int64(c.htlen)
	ageInit := uint32(negHtlen)
	for i := uint32(0); i < c.htlen; i++ {
		c.ht[i*2] = ageInit
	}
	for i := range c.b {
		c.b[i] = c.p
	}
	c.akr = negMod(c.p)
	c.yka = 0
	c.k = 0
	c.r = 0
	c.rs = 1 + c.mu
}

// negMod computes (-p) mod p in uint32 arithmetic, matching the C
// source's "(- c->p) % c->p": "0 - p" wraps to 2^32 - p under unsigned
// arithmetic, so the result is 2^32 mod p, the Montgomery
// representation of 1 (akr's identity element), not 0.
func negMod(p uint32) uint32 {
	return (0 - p) % p
}

// mmul computes (a*b + ((a*b*pp) mod 2^32)*p) / 2^32, the Montgomery
// multiplication step chunkify.c's mmul implements.
func mmul(a, b, p, pp uint32) uint32 {
	ab := uint64(a) * uint64(b)
	abpp := uint32(ab) * pp
	ab += uint64(abpp) * uint64(p)
	return uint32(ab >> 32)
}

// minOrder reports whether alpha (as ar/2^32 in Montgomery form) has
// multiplicative order at least ord mod p.
func minOrder(ar, ord, p, pp uint32) bool {
	akr := negMod(p)
	akr0 := akr
	for k := uint32(0); k < ord; k++ {
		akr = mmul(akr, ar, p, pp) % p
		if akr == akr0 {
			return false
		}
	}
	return true
}

// isqrt returns the greatest y such that y*y <= x.
func isqrt(x uint32) uint32 {
	var y uint32
	for y = 1; y < 65536; y++ {
		if y*y > x {
			break
		}
	}
	return y - 1
}

func isPrime(n uint32) bool {
	for x := uint32(2); x*x <= n && x < 65536; x++ {
		if n%x == 0 {
			return false
		}
	}
	return n > 1
}

// nextPrime returns the smallest prime p with n <= p < 2^32.
func nextPrime(n uint32) uint32 {
	for p := n; ; p++ {
		if isPrime(p) {
			return p
		}
		if p == 0xffffffff {
			return 0
		}
	}
}

// negModInversePow2 computes -p^-1 mod 2^32 via Newton's iteration
// over successively doubled bit widths, matching chunkify_init's
// four-step derivation (mod 2^4, 2^8, 2^16, 2^32).
func negModInversePow2(p uint32) uint32 {
	pp := ((2*p + 4) & 8) - p
	pp *= 2 + p*pp
	pp *= 2 + p*pp
	pp *= 2 + p*pp
	return pp
}

// Write feeds buf through the chunkifier, invoking cb once per
// completed chunk boundary (including, possibly, more than one for a
// single Write call).
func (c *Chunkifier) Write(buf []byte) error {
	for _, x := range buf {
		c.buf[c.k] = x
		c.k++

		for c.rs <= 4 {
			c.rs += 2*c.r + 1
			c.r++
		}
		c.rs -= 4

		if c.k == c.blen {
			if err := c.endOfChunk(); err != nil {
				return err
			}
			continue
		}

		if c.r == 0 {
			continue
		}

		// y_k(a) += a^k * cm[x] mod p, via two conditional subtractions
		// instead of a branch (chunkify_write's own approach): the
		// unsigned shift yields a 0 or 1 borrow bit, so the mask is
		// all-ones exactly when yka >= p.
		c.yka += mmul(c.akr, c.cm[x], c.p, c.pp)
		c.yka -= c.p & (((c.yka - c.p) >> 31) - 1)
		c.yka -= c.p & (((c.yka - c.p) >> 31) - 1)

		c.akr = mmul(c.akr, c.ar, c.p, c.pp)

		htpos := c.yka & (c.htlen - 1)
		matched := false
		for {
			if c.ht[2*htpos+1] == c.yka {
				if c.k-c.ht[2*htpos]-1 < c.r {
					matched = true
					break
				}
			}
			if c.k-c.ht[2*htpos]-1 >= 2*c.r {
				break
			}
			htpos = (htpos + 1) & (c.htlen - 1)
		}
		if matched {
			if err := c.endOfChunk(); err != nil {
				return err
			}
			continue
		}

		ykaTmp := c.b[c.k&(w-1)]
		htpos = ykaTmp & (c.htlen - 1)
		for {
			if c.k-c.ht[2*htpos]-1 >= c.r {
				c.ht[2*htpos] = c.k
				c.ht[2*htpos+1] = ykaTmp
				break
			}
			htpos = (htpos + 1) & (c.htlen - 1)
		}

		c.b[c.k&(w-1)] = c.yka
	}
	return nil
}

// endOfChunk invokes the callback with the buffered chunk and resets
// state for the next one, matching chunkify_write's "goto endofchunk"
// / chunkify_end.
func (c *Chunkifier) endOfChunk() error {
	if err := c.cb(c.buf[:c.k]); err != nil {
		return err
	}
	c.start()
	return nil
}

// End flushes any buffered-but-incomplete chunk at end of stream,
// matching chunkify_end's "if k == 0, do nothing" guard.
func (c *Chunkifier) End() error {
	if c.k == 0 {
		return nil
	}
	return c.endOfChunk()
}
