// Package validation holds the input checks cmd/tarsnap and cmd/keyregen run
// before touching the network or the local cache: archive names, keyfile and
// cache directory paths, and the server address, all rejected the same way a
// malformed flag should be rejected, before any connection is opened.
package validation

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath    = errors.New("invalid file path")
	ErrPathNotExists  = errors.New("path does not exist")
	ErrInvalidAddr    = errors.New("invalid server address")
	ErrEmptyString    = errors.New("value must not be empty")
	ErrOutOfRange     = errors.New("value out of range")
	ErrInvalidArchive = errors.New("invalid archive name")
)

// maxArchiveName mirrors the server's own archive name limit (the wire
// protocol caps a name at 255 bytes); names longer than this are rejected
// locally instead of round-tripping to the server first.
const maxArchiveName = 255

// ValidateFilePath checks p is non-empty and, if mustExist, confirms it
// names something already on disk (used for -keyfile, which must exist, as
// opposed to -cachedir, which the client is allowed to create).
func ValidateFilePath(p string, mustExist bool) error {
	if p == "" {
		return ErrInvalidPath
	}
	p = filepath.Clean(p)
	if mustExist {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: %v", ErrPathNotExists, err)
		}
	}
	return nil
}

// ValidateAddr checks addr resolves as a host:port suitable for
// netproto.Dial.
func ValidateAddr(addr string) error {
	if addr == "" {
		return ErrInvalidAddr
	}
	if _, err := net.ResolveTCPAddr("tcp", addr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAddr, err)
	}
	return nil
}

// ValidateStringNonEmpty rejects the empty string, used for flags such as
// -user and -server that have no sensible default.
func ValidateStringNonEmpty(s string) error {
	if s == "" {
		return ErrEmptyString
	}
	return nil
}

// ValidateRangeInt checks v falls within [min, max], used for bandwidth
// caps and other flags with a meaningful bound.
func ValidateRangeInt(v, min, max int) error {
	if v < min || v > max {
		return fmt.Errorf("%w: %d not in [%d,%d]", ErrOutOfRange, v, min, max)
	}
	return nil
}

// ValidateArchiveName rejects names the server would never accept: empty,
// over maxArchiveName bytes, containing a NUL (the metadata record
// stores the name NUL-terminated and cannot represent an embedded
// terminator), or a bare "." or "..".
func ValidateArchiveName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidArchive)
	}
	if len(name) > maxArchiveName {
		return fmt.Errorf("%w: %d bytes exceeds the %d-byte limit", ErrInvalidArchive, len(name), maxArchiveName)
	}
	if strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: contains a NUL byte", ErrInvalidArchive)
	}
	if name == "." || name == ".." {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidArchive, name)
	}
	return nil
}
