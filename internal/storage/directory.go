package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// DirectoryRead fetches the full sorted list of files in class,
// matching storage_directory_read: one DIRECTORY (or DIRECTORY_D, when
// useDeleteKey is set) request is sent per resume point, and the
// server streams response pages of up to
// netpacket.DirectoryResponseMaxFiles names until it reports the
// listing complete, asks to be re-queried from the last name seen, or
// reports a negative account balance. Names are verified to arrive in
// strictly increasing order.
func (c *Client) DirectoryRead(ctx context.Context, class netpacket.Class, useDeleteKey bool) ([][32]byte, error) {
	authKey := c.Cache.HMACKey(keys.AuthGet)
	if useDeleteKey {
		authKey = c.Cache.HMACKey(keys.AuthDelete)
	}

	var names [][32]byte
	var start [32]byte

	for {
		snonce, err := c.getNonce(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: getting directory nonce: %w", err)
		}
		cnonce, err := c.newNonce()
		if err != nil {
			return nil, err
		}
		opNonce := primitives.SHA256(snonce[:], cnonce[:])

		reqType, req := netpacket.BuildDirectory(c.Cache, c.MachineNum, class, start, snonce, cnonce, useDeleteKey)

		// One request, potentially several streamed response pages.
		var done, rerequest bool
		var pageErr error
		pageStart := start
		respond := func(typ uint8, payload []byte, err error) bool {
			if err != nil {
				pageErr = err
				return false
			}
			if typ != netpacket.DirectoryResponse {
				pageErr = fmt.Errorf("storage: unexpected response type 0x%02x to DIRECTORY", typ)
				return false
			}
			status, page, err := netpacket.ParseDirectoryResponse(authKey, opNonce, class, pageStart, payload)
			if err != nil {
				pageErr = err
				return false
			}
			for _, e := range page {
				name := [32]byte(e)
				if bytes.Compare(start[:], name[:]) > 0 || (len(names) > 0 && names[len(names)-1] == name) {
					pageErr = fmt.Errorf("storage: DIRECTORY names arrived out of order")
					return false
				}
				names = append(names, name)
				start = name
			}
			switch status {
			case netpacket.DirStatusDone:
				done = true
				return false
			case netpacket.DirStatusMore:
				return true
			case netpacket.DirStatusRetry:
				rerequest = true
				return false
			default:
				pageErr = fmt.Errorf("storage: cannot list files: account balance is not positive")
				return false
			}
		}

		finished := make(chan struct{})
		c.Conn.Op(reqType, req, func(typ uint8, payload []byte, err error) bool {
			more := respond(typ, payload, err)
			if !more {
				close(finished)
			}
			return more
		})
		select {
		case <-finished:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if pageErr != nil {
			return nil, pageErr
		}
		if done {
			break
		}
		if rerequest {
			// Resume strictly after the last name seen.
			incrementName(&start)
		}
	}

	return names, nil
}

// incrementName advances a 32-byte name to its successor, carrying
// rightmost-byte-first, matching storage_directory_read's resume-point
// arithmetic.
func incrementName(name *[32]byte) {
	for i := 31; i >= 0; i-- {
		name[i]++
		if name[i] != 0 {
			break
		}
	}
}
