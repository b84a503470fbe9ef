package netpacket

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/netproto"
	"github.com/quantarax/tarsnap-core/internal/observability"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// MaxReconnects is the number of reconnection attempts tried after a
// connection that had previously been established drops, matching
// MAXRECONNECTS in netpacket_op.c.
const MaxReconnects = 10

// MaxReconnectsAWOL is the (shorter) number of attempts tried when the
// server has never been reachable at all, matching MAXRECONNECTS_AWOL.
const MaxReconnectsAWOL = 3

// reconnectWait is the original's reconnect_wait table: seconds to
// sleep before the Nth reconnection attempt.
var reconnectWait = [MaxReconnects + 1]time.Duration{
	0, 0,
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	15 * time.Second, 30 * time.Second, 60 * time.Second, 90 * time.Second,
	90 * time.Second,
}

// PendingBytesCap is the limit on unsent request bytes queued locally
// before a caller's Send blocks, matching storage's 5 MiB local write
// buffer cap (spec.md §4.8).
const PendingBytesCap = 5 << 20

// AggressiveConns is the number of parallel connections used when
// "aggressive networking" is enabled, matching AGGRESSIVE_CNUM.
const AggressiveConns = 8

// handler is called with a response packet's type and payload once
// matched to its request; err is set instead if the connection broke
// before a response arrived. Returning true asks the worker to deliver
// another response packet to the same operation (the server streams
// several DIRECTORY_RESPONSE pages for one request); every other
// operation returns false.
type handler func(typ uint8, payload []byte, err error) bool

// Operation is one queued request, identified by a random correlation
// ID so callers can tie a failure reported several reconnects later
// (the error text wraps ID) back to the request that produced it in
// their own logs and traces.
type Operation struct {
	ID      uuid.UUID
	typ     uint8
	payload []byte
	handle  handler
}

// Connection is the client-side view of one logical netpacket session:
// a FIFO queue of outstanding requests, transparently reconnected on
// failure, optionally spread "aggressively" across several parallel
// TCP connections. It replaces the original's single-threaded
// event-driven NETPACKET_CONNECTION with one queue goroutine per
// underlying socket, matching the rest of this module's
// callback-chain-to-blocking-goroutine translation.
type Connection struct {
	addr      string
	useragent string
	rootPub   *primitives.PublicKey
	rng       *drbg.DRBG

	mu       sync.Mutex
	notFull  *sync.Cond
	queue    []*Operation
	closed   bool

	bytesIn, bytesOut uint64
	pendingBytes      int64

	numConns int
	wake     chan struct{}
	done     chan struct{}
	group    *errgroup.Group

	// metrics, if non-nil, records connection attempts/lifetimes and
	// packet retries; nil disables this.
	metrics *observability.Metrics
}

// Open starts a netpacket connection, matching netpacket_open +
// netpacket_op's lazy-connect behaviour: no socket is opened until the
// first request is queued. If aggressive is true, up to AggressiveConns
// parallel sockets are used to drain the queue concurrently. metrics
// may be nil, disabling connection/retry metrics.
func Open(addr, useragent string, rootPub *primitives.PublicKey, rng *drbg.DRBG, aggressive bool, metrics *observability.Metrics) *Connection {
	n := 1
	if aggressive {
		n = AggressiveConns
	}
	var group errgroup.Group
	c := &Connection{
		addr:      addr,
		useragent: useragent,
		rootPub:   rootPub,
		rng:       rng,
		numConns:  n,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		group:     &group,
		metrics:   metrics,
	}
	c.notFull = sync.NewCond(&c.mu)
	for i := 0; i < n; i++ {
		group.Go(c.worker)
	}
	return c
}

// Op enqueues one request, matching netpacket_op: the packet is typed
// and its payload is already fully built (by the BuildX helpers above),
// and handle receives the matching response (or responses, if it keeps
// asking for more) or a terminal error. The returned ID is the same
// one that will prefix any error handle receives, so a caller's own
// logs can correlate a reconnect-delayed failure back to the request
// that caused it.
func (c *Connection) Op(typ uint8, payload []byte, handle handler) uuid.UUID {
	o := &Operation{ID: uuid.New(), typ: typ, payload: payload, handle: handle}
	c.mu.Lock()
	// Block while at least PendingBytesCap of request bytes are
	// already queued, matching storage's 5 MiB write-buffer cap.
	for !c.closed && c.pendingBytes >= PendingBytesCap {
		c.notFull.Wait()
	}
	c.queue = append(c.queue, o)
	c.pendingBytes += int64(len(payload))
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return o.ID
}

// GetStats returns bytes received, bytes sent, and bytes still queued
// to be written, matching netpacket_getstats.
func (c *Connection) GetStats() (in, out, queued uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesIn, c.bytesOut, uint64(c.pendingBytes)
}

// Close stops all worker goroutines and fails any still-queued
// operations, matching netpacket_close.
func (c *Connection) Close() {
	close(c.done)
	c.mu.Lock()
	c.closed = true
	c.notFull.Broadcast()
	c.mu.Unlock()
	c.group.Wait()

	c.mu.Lock()
	pending := c.queue
	c.queue = nil
	c.mu.Unlock()
	for _, o := range pending {
		o.handle(0, nil, fmt.Errorf("netpacket: operation %s: connection closed", o.ID))
	}
}

func (c *Connection) next() *Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	o := c.queue[0]
	c.queue = c.queue[1:]
	c.pendingBytes -= int64(len(o.payload))
	c.notFull.Broadcast()
	return o
}

// worker is one underlying socket's lifetime: connect (with the
// original's reconnect-attempt/backoff schedule), drain the shared
// queue by sending requests and reading their responses in strict
// lockstep (the original's request/response pairing is per-connection,
// not pipelined, to keep handler matching simple), and reconnect on any
// I/O error.
func (c *Connection) worker() error {
	everConnected := false
	attempt := 0

	for {
		select {
		case <-c.done:
			return nil
		default:
		}

		// Lazy connect: no socket until there is work to send.
		for {
			c.mu.Lock()
			empty := len(c.queue) == 0
			c.mu.Unlock()
			if !empty {
				break
			}
			select {
			case <-c.done:
				return nil
			case <-c.wake:
			case <-time.After(idlePoll):
			}
		}

		conn, err := netproto.Dial(c.addr, c.useragent, c.rootPub, c.rng)
		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordConnection(false)
			}
			limit := MaxReconnectsAWOL
			if everConnected {
				limit = MaxReconnects
			}
			if attempt >= limit {
				c.drainFailing(fmt.Errorf("netpacket: giving up connecting to %s: %w", c.addr, err))
				return nil
			}
			wait := reconnectWait[attempt]
			attempt++
			select {
			case <-time.After(wait):
				continue
			case <-c.done:
				return nil
			}
		}

		if c.metrics != nil {
			c.metrics.RecordConnection(true)
		}
		if everConnected {
			// Whatever is still queued survived a dropped connection
			// and is about to be resent over this new one.
			c.mu.Lock()
			pending := len(c.queue)
			c.mu.Unlock()
			if pending > 0 && c.metrics != nil {
				c.metrics.RecordPacketRetry("requeued")
			}
		}
		everConnected = true
		attempt = 0
		connectedAt := time.Now()
		c.drain(conn)
		conn.Close()
		if c.metrics != nil {
			c.metrics.RecordConnectionClose(time.Since(connectedAt).Seconds())
		}
	}
}

// drain pulls operations off the shared queue and runs them serially
// over conn until the queue empties, an I/O error occurs, or Close is
// called; on error any later-queued operations simply remain queued
// for the next reconnect attempt (only the in-flight one is lost, matching the
// original's per-packet callback failure handling).
func (c *Connection) drain(conn *netproto.Conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		o := c.next()
		if o == nil {
			select {
			case <-c.wake:
			case <-c.done:
				return
			case <-time.After(idlePoll):
			}
			continue
		}

		if err := conn.WritePacket(o.typ, o.payload); err != nil {
			o.handle(0, nil, fmt.Errorf("netpacket: operation %s: %w", o.ID, err))
			return
		}
		c.mu.Lock()
		c.bytesOut += uint64(len(o.payload))
		c.mu.Unlock()

		// Deliver responses until the handler stops asking for more
		// (DIRECTORY streams several pages per request).
		for {
			typ, payload, err := conn.ReadPacket()
			if err != nil {
				o.handle(0, nil, fmt.Errorf("netpacket: operation %s: %w", o.ID, err))
				return
			}
			c.mu.Lock()
			c.bytesIn += uint64(len(payload))
			c.mu.Unlock()
			if !o.handle(typ, payload, nil) {
				break
			}
		}
	}
}

// idlePoll bounds how long a worker sleeps between checks of an empty
// queue when no wake-up has arrived; purely a latency/CPU tradeoff,
// not part of the wire protocol.
const idlePoll = 5 * time.Second

func (c *Connection) drainFailing(err error) {
	for {
		o := c.next()
		if o == nil {
			return
		}
		o.handle(0, nil, fmt.Errorf("netpacket: operation %s: %w", o.ID, err))
	}
}
