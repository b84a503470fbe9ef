// Command keyregen re-registers a machine under a brand-new keyfile,
// implementing spec.md §6's "keyregen --oldkey OLD --keyfile NEW --user U
// --machine M". It loads the old keyfile only to confirm the caller
// actually holds existing access (the registration handshake itself is
// identical to cmd/keygen's, since spec.md §4.7 defines only one
// registration wire sequence — REGISTER_REQUEST -> REGISTER_CHALLENGE ->
// REGISTER_CHA_RESPONSE -> REGISTER_RESPONSE — and does not distinguish a
// "re-registration" variant on the wire).
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/quantarax/tarsnap-core/internal/config"
	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/keyfileio"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/netproto"
	"github.com/quantarax/tarsnap-core/internal/observability"
	"github.com/quantarax/tarsnap-core/internal/primitives"
	"github.com/quantarax/tarsnap-core/internal/serverkey"
)

func main() {
	var (
		server     = flag.String("server", config.DefaultConfig().Server, "storage service host:port")
		user       = flag.String("user", "", "tarsnap account username (required)")
		machine    = flag.String("machine", "", "friendly name for this machine (required)")
		oldKeyfile = flag.String("oldkey", "", "path to the existing keyfile being replaced (required)")
		keyfile    = flag.String("keyfile", "", "path to write the new keyfile (required)")
		useragent  = flag.String("useragent", config.DefaultConfig().UserAgent, "netproto handshake user agent")
		passphrase = flag.Bool("passphrased", false, "wrap the new keyfile in a passphrase-derived scrypt/AES-CTR container")
	)
	flag.Parse()

	if *user == "" || *machine == "" || *oldKeyfile == "" || *keyfile == "" {
		fmt.Fprintln(os.Stderr, "usage: keyregen -oldkey OLD -keyfile NEW -user NAME -machine NAME [-server HOST:PORT] [-passphrased]")
		os.Exit(2)
	}

	log := observability.NewLogger("keyregen", "1", os.Stderr)
	rootPub := serverkey.RootPub()

	oldKF, err := keyfileio.Load(*oldKeyfile, rootPub, keys.MaskUser)
	if err != nil {
		log.Fatal(err, "loading old keyfile")
	}
	defer oldKF.Cache.Wipe()
	if missing := oldKF.Cache.Missing(keys.Bit(keys.AuthDelete)); missing != "" {
		log.Fatal(fmt.Errorf("old keyfile lacks %s", missing), "old keyfile cannot authorize re-registration")
	}
	fmt.Printf("confirmed existing access for machine #%d; proceeding with re-registration\n", oldKF.MachineNum)

	regPasswd, err := promptPassword("Registration passphrase: ")
	if err != nil {
		log.Fatal(err, "reading registration passphrase")
	}

	rng, err := drbg.New(rand.Reader)
	if err != nil {
		log.Fatal(err, "seeding DRBG")
	}

	conn, err := netproto.Dial(*server, *useragent, rootPub, rng)
	if err != nil {
		log.Fatal(err, "connecting to storage service")
	}
	defer conn.Close()

	if err := conn.WritePacket(netpacket.RegisterRequest, netpacket.BuildRegisterRequest(*user)); err != nil {
		log.Fatal(err, "sending REGISTER_REQUEST")
	}
	typ, payload, err := conn.ReadPacket()
	if err != nil {
		log.Fatal(err, "reading REGISTER_CHALLENGE")
	}
	if typ != netpacket.RegisterChallenge {
		log.Fatal(fmt.Errorf("unexpected packet type 0x%02x", typ), "expected REGISTER_CHALLENGE")
	}
	salt, serverDHPub, err := netpacket.ParseRegisterChallenge(payload)
	if err != nil {
		log.Fatal(err, "parsing REGISTER_CHALLENGE")
	}
	if err := primitives.SanityCheck(serverDHPub); err != nil {
		log.Fatal(err, "validating server DH value")
	}

	priv := primitives.PasswordToDH(salt, regPasswd)
	shared, err := primitives.Compute(serverDHPub, priv)
	if err != nil {
		log.Fatal(err, "computing registration DH shared value")
	}
	registerKey := primitives.SHA256(shared)

	cache := keys.New(rootPub)
	defer cache.Wipe()
	if err := cache.Generate(keys.MaskUser, rng); err != nil {
		log.Fatal(err, "generating key material")
	}

	var rawAuth [96]byte
	cache.RawExportAuth(rawAuth[:])
	chaResponse, err := netpacket.BuildRegisterChaResponse(rawAuth, *machine, registerKey[:])
	if err != nil {
		log.Fatal(err, "building REGISTER_CHA_RESPONSE")
	}

	if err := conn.WritePacket(netpacket.RegisterChaResponse, chaResponse); err != nil {
		log.Fatal(err, "sending REGISTER_CHA_RESPONSE")
	}
	typ, payload, err = conn.ReadPacket()
	if err != nil {
		log.Fatal(err, "reading REGISTER_RESPONSE")
	}
	if typ != netpacket.RegisterResponse {
		log.Fatal(fmt.Errorf("unexpected packet type 0x%02x", typ), "expected REGISTER_RESPONSE")
	}
	machinenum, status, err := netpacket.ParseRegisterResponse(registerKey[:], payload)
	if err != nil {
		log.Fatal(err, "verifying REGISTER_RESPONSE")
	}
	switch status {
	case netpacket.RegStatusOK:
	case netpacket.RegStatusNoSuchUser:
		log.Fatal(fmt.Errorf("no such user"), "registration rejected")
	case netpacket.RegStatusBadPassword:
		log.Fatal(fmt.Errorf("bad password"), "registration rejected")
	case netpacket.RegStatusNegativeBalance:
		log.Fatal(fmt.Errorf("account balance is negative"), "registration rejected")
	default:
		log.Fatal(fmt.Errorf("unknown status %d", status), "registration rejected")
	}

	var wrapPasswd []byte
	if *passphrase {
		wrapPasswd, err = promptConfirmedPassword("Keyfile passphrase: ")
		if err != nil {
			log.Fatal(err, "reading keyfile passphrase")
		}
	}
	if err := keyfileio.Save(*keyfile, machinenum, cache, keys.MaskUser, wrapPasswd); err != nil {
		log.Fatal(err, "saving keyfile")
	}

	fmt.Printf("re-registered machine %q as #%d (was #%d); new keyfile written to %s\n",
		*machine, machinenum, oldKF.MachineNum, *keyfile)
}

func promptPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	return pw, nil
}

func promptConfirmedPassword(prompt string) ([]byte, error) {
	pw, err := promptPassword(prompt)
	if err != nil {
		return nil, err
	}
	confirm, err := promptPassword("Confirm: ")
	if err != nil {
		return nil, err
	}
	if string(pw) != string(confirm) {
		return nil, fmt.Errorf("keyregen: passphrases do not match")
	}
	return pw, nil
}
