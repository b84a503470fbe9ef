// Command keymgmt merges one or more keyfiles together and/or
// restricts the result to a read-only, write-only, or delete-only
// subset, implementing spec.md §6's "keymgmt --outkeyfile NEW [-r|-w|-d]
// keyfile…".
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/quantarax/tarsnap-core/internal/keyfileio"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/observability"
	"github.com/quantarax/tarsnap-core/internal/serverkey"
)

func main() {
	var (
		outKeyfile = flag.String("outkeyfile", "", "path to write the merged/restricted keyfile (required)")
		readOnly   = flag.Bool("r", false, "include read-capable keys")
		writeOnly  = flag.Bool("w", false, "include write-capable keys")
		deleteOnly = flag.Bool("d", false, "include the delete-capable key")
	)
	flag.Parse()

	if *outKeyfile == "" || flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: keymgmt -outkeyfile NEW [-r] [-w] [-d] keyfile...")
		os.Exit(2)
	}

	log := observability.NewLogger("keymgmt", "1", os.Stderr)
	rootPub := serverkey.RootPub()

	restricted := *readOnly || *writeOnly || *deleteOnly
	outMask := keys.MaskUser
	if restricted {
		outMask = 0
		if *readOnly {
			outMask |= keys.MaskRead
		}
		if *writeOnly {
			outMask |= keys.MaskWrite
		}
		if *deleteOnly {
			outMask |= keys.Bit(keys.AuthDelete)
		}
	}

	merged := keys.New(rootPub)
	defer merged.Wipe()
	var machinenum uint64
	haveMachinenum := false

	for _, path := range flag.Args() {
		kf, err := keyfileio.Load(path, rootPub, keys.MaskUser)
		if err != nil {
			log.Fatal(err, "loading input keyfile")
		}
		if !haveMachinenum {
			machinenum = kf.MachineNum
			haveMachinenum = true
		} else if kf.MachineNum != machinenum {
			log.Fatal(fmt.Errorf("machine number %d in %s does not match %d", kf.MachineNum, path, machinenum),
				"keyfiles belong to different machines")
		}

		blobs, err := keys.Export(kf.Cache, keys.MaskUser)
		if err != nil {
			log.Fatal(err, "exporting input keyfile")
		}
		if err := keys.Import(merged, blobs, keys.MaskUser); err != nil {
			log.Fatal(err, "merging input keyfile")
		}
	}

	if restricted {
		if missing := merged.Missing(outMask); missing != "" {
			log.Fatal(fmt.Errorf("missing %s", missing), "requested capability not present in any input keyfile")
		}
	}

	if err := keyfileio.Save(*outKeyfile, machinenum, merged, outMask, nil); err != nil {
		log.Fatal(err, "writing merged keyfile")
	}

	fmt.Printf("wrote merged keyfile for machine #%d to %s\n", machinenum, *outKeyfile)
}
