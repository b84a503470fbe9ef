// Package keyfileio is the shared keyfile-loading path for every CLI
// (tarsnap, keymgmt, keyregen): read the file from disk, detect an
// optional scrypt passphrase wrapper (internal/keyfilewrap), prompt
// for a passphrase if one is present, and hand the unwrapped bytes to
// keys.DecodeKeyfile.
package keyfileio

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/quantarax/tarsnap-core/internal/keyfilewrap"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/primitives"
)

// Load reads the keyfile at path, unwrapping it if necessary, and
// decodes the subset of keys named by mask.
func Load(path string, rootPub *primitives.PublicKey, mask keys.Mask) (*keys.Keyfile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyfileio: reading %s: %w", path, err)
	}

	if keyfilewrap.IsWrapped(raw) {
		fmt.Fprintf(os.Stderr, "Keyfile passphrase: ")
		pw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("keyfileio: reading passphrase: %w", err)
		}
		raw, err = keyfilewrap.Unwrap(pw, raw)
		if err != nil {
			return nil, fmt.Errorf("keyfileio: unwrapping %s: %w", path, err)
		}
	}

	kf, err := keys.DecodeKeyfile(raw, rootPub, mask)
	if err != nil {
		return nil, fmt.Errorf("keyfileio: decoding %s: %w", path, err)
	}
	return kf, nil
}

// Save encodes cache under mask and writes it to path, optionally
// wrapped under a passphrase.
func Save(path string, machinenum uint64, cache *keys.Cache, mask keys.Mask, passwd []byte) error {
	buf, err := keys.EncodeKeyfile(machinenum, cache, mask)
	if err != nil {
		return fmt.Errorf("keyfileio: encoding %s: %w", path, err)
	}
	if passwd != nil {
		buf, err = keyfilewrap.Wrap(passwd, buf)
		if err != nil {
			return fmt.Errorf("keyfileio: wrapping %s: %w", path, err)
		}
	}
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return fmt.Errorf("keyfileio: writing %s: %w", path, err)
	}
	return nil
}
