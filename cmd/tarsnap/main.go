// Command tarsnap is the backup/restore/fsck/list/nuke CLI, matching
// spec.md §6's "tarsnap -c|-x|-t|-d|-r|--fsck|--list-archives|
// --print-stats|--nuke -f NAME --keyfile F --cachedir D". It drives
// internal/glue's orchestration over a real filesystem tree; tar entry
// semantics themselves are handled by this command's own minimal USTAR
// collaborator (tarformat.go), per spec.md §1's explicit scoping.
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quantarax/tarsnap-core/internal/archive"
	"github.com/quantarax/tarsnap-core/internal/chunks"
	"github.com/quantarax/tarsnap-core/internal/config"
	"github.com/quantarax/tarsnap-core/internal/cryptofile"
	"github.com/quantarax/tarsnap-core/internal/drbg"
	"github.com/quantarax/tarsnap-core/internal/glue"
	"github.com/quantarax/tarsnap-core/internal/keyfileio"
	"github.com/quantarax/tarsnap-core/internal/keys"
	"github.com/quantarax/tarsnap-core/internal/netpacket"
	"github.com/quantarax/tarsnap-core/internal/observability"
	"github.com/quantarax/tarsnap-core/internal/ratelimit"
	"github.com/quantarax/tarsnap-core/internal/serverkey"
	"github.com/quantarax/tarsnap-core/internal/storage"
	"github.com/quantarax/tarsnap-core/internal/validation"
)

func main() {
	cfg := config.DefaultConfig()

	var (
		create       = flag.Bool("c", false, "create a new archive")
		extract      = flag.Bool("x", false, "extract an archive")
		list         = flag.Bool("t", false, "list an archive's contents")
		del          = flag.Bool("d", false, "delete an archive")
		recover      = flag.Bool("r", false, "complete or cancel any transaction left pending by a prior run")
		fsck         = flag.Bool("fsck", false, "rebuild the local chunk directory from the server's authoritative state")
		listArchives = flag.Bool("list-archives", false, "list every archive name on the server")
		printStats   = flag.Bool("print-stats", false, "print an archive's size breakdown")
		nuke         = flag.Bool("nuke", false, "irrecoverably delete every archive on the server")

		archiveName = flag.String("f", "", "archive name")
		keyfilePath = flag.String("keyfile", cfg.KeyFile, "path to the keyfile")
		cacheDir    = flag.String("cachedir", cfg.CacheDir, "path to the local cache directory")
		chdir       = flag.String("C", ".", "change to this directory before create/extract")
		server      = flag.String("server", cfg.Server, "storage service host:port")
		useragent   = flag.String("useragent", cfg.UserAgent, "netproto handshake user agent")
		aggressive  = flag.Bool("aggressive-networking", cfg.Aggressive, "use up to netpacket.AggressiveConns parallel connections")
		maxBytesOut = flag.Uint64("maxbw-out", cfg.MaxBytesOut, "cap outgoing bytes/sec (0 = unlimited)")
		maxBytesIn  = flag.Uint64("maxbw-in", cfg.MaxBytesIn, "cap incoming bytes/sec (0 = unlimited)")

		totalBytesOut   = flag.Uint64("maxbytes-out", 0, "truncate and commit the archive after this many bytes sent (0 = unlimited)")
		checkpointBytes = flag.Uint64("checkpoint-bytes", 0, "create a server-side checkpoint every this many bytes sent (0 = never)")
		cacheLimit      = flag.Int("read-cache-limit", cfg.ReadCacheLimit, "bound on the in-memory file read cache, in bytes")
	)
	flag.Parse()

	modes := 0
	for _, m := range []bool{*create, *extract, *list, *del, *recover, *fsck, *listArchives, *printStats, *nuke} {
		if m {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "usage: tarsnap -c|-x|-t|-d|-r|--fsck|--list-archives|--print-stats|--nuke -f NAME --keyfile F --cachedir D [paths...]")
		os.Exit(2)
	}

	log := observability.NewLogger("tarsnap", "1", os.Stderr).WithRun(uuid.New().String())
	metrics := observability.NewMetrics()
	ctx := context.Background()

	shutdownTracing, err := observability.InitTracing(ctx, "tarsnap")
	if err != nil {
		log.Fatal(err, "initializing tracing")
	}
	defer shutdownTracing(ctx)

	needsArchiveName := *create || *extract || *list || *del || *printStats
	if needsArchiveName {
		if err := validation.ValidateArchiveName(*archiveName); err != nil {
			log.Fatal(err, "this mode requires an archive name (-f NAME)")
		}
	}
	if err := validation.ValidateFilePath(*keyfilePath, true); err != nil {
		log.Fatal(err, "checking -keyfile")
	}
	if err := validation.ValidateFilePath(*cacheDir, false); err != nil {
		log.Fatal(err, "checking -cachedir")
	}
	if err := validation.ValidateAddr(*server); err != nil {
		log.Fatal(err, "checking -server")
	}

	mask := keys.MaskRead
	switch {
	case *create:
		mask = keys.MaskWrite
	case *del, *fsck, *nuke:
		mask = keys.MaskUser
	}

	rootPub := serverkey.RootPub()
	kf, err := keyfileio.Load(*keyfilePath, rootPub, mask)
	if err != nil {
		log.Fatal(err, "loading keyfile")
	}
	defer kf.Cache.Wipe()

	if err := os.MkdirAll(*cacheDir, 0700); err != nil {
		log.Fatal(err, "creating cache directory")
	}

	rng, err := drbg.New(rand.Reader)
	if err != nil {
		log.Fatal(err, "seeding DRBG")
	}

	conn := netpacket.Open(*server, *useragent, rootPub, rng, *aggressive, metrics)
	defer conn.Close()
	log.ConnEstablished(*server, "primary")

	ledger, err := storage.OpenLedger(filepath.Join(*cacheDir, "sequence.db"))
	if err != nil {
		log.Fatal(err, "opening transaction ledger")
	}
	defer ledger.Close()

	client := &storage.Client{
		Cache:      kf.Cache,
		Conn:       conn,
		Ledger:     ledger,
		RNG:        rng,
		MachineNum: kf.MachineNum,
		Metrics:    metrics,
	}
	if *maxBytesOut > 0 {
		client.OutLimit = ratelimit.NewTokenBucket(float64(*maxBytesOut), int(*maxBytesOut)*2)
	}
	if *maxBytesIn > 0 {
		client.InLimit = ratelimit.NewTokenBucket(float64(*maxBytesIn), int(*maxBytesIn)*2)
	}
	if *totalBytesOut > 0 || *checkpointBytes > 0 {
		client.Watchdog = &storage.BandwidthWatchdog{
			MaxBytesOut:     *totalBytesOut,
			CheckpointBytes: *checkpointBytes,
		}
	}

	recovered, err := client.CleanState(ctx)
	if err != nil {
		log.Fatal(err, "cleaning up a prior pending transaction")
	}
	if recovered {
		log.Info("recovered a checkpointed transaction left pending by a prior run")
	}
	if *recover {
		if !recovered {
			fmt.Println("no pending transaction to recover")
		}
		return
	}

	codec := cryptofile.New(kf.Cache, rng)

	chunkDir, err := chunks.Open(filepath.Join(*cacheDir, "directory.bolt"), codec)
	if err != nil {
		log.Fatal(err, "opening local chunk directory")
	}
	chunkDir.WithMetrics(metrics)
	defer chunkDir.Close()

	env := &glue.Env{
		Cache:          kf.Cache,
		Codec:          codec,
		ChunkDir:       chunkDir,
		Client:         client,
		RNG:            rng,
		ReadCacheLimit: *cacheLimit,
	}

	switch {
	case *create:
		spanCtx, end := observability.StartArchiveOp(ctx, "create", *archiveName, kf.MachineNum)
		runCreate(spanCtx, env, log, metrics, *archiveName, *chdir, flag.Args())
		end()
	case *extract:
		spanCtx, end := observability.StartArchiveOp(ctx, "extract", *archiveName, kf.MachineNum)
		runExtract(spanCtx, env, log, *archiveName, *chdir)
		end()
	case *list:
		runList(ctx, env, *archiveName)
	case *del:
		spanCtx, end := observability.StartArchiveOp(ctx, "delete", *archiveName, kf.MachineNum)
		if err := glue.DeleteArchive(spanCtx, env, *archiveName); err != nil {
			end()
			log.Fatal(err, "deleting archive")
		}
		end()
		fmt.Printf("deleted archive %q\n", *archiveName)
	case *fsck:
		spanCtx, end := observability.StartArchiveOp(ctx, "fsck", "", kf.MachineNum)
		report, err := glue.Fsck(spanCtx, env)
		end()
		if err != nil {
			log.Fatal(err, "running fsck")
		}
		fmt.Printf("fsck: walked %d archives, rebuilt %d chunk refcounts, purged %d orphans\n",
			report.ArchivesWalked, report.ChunksRebuilt, report.OrphansPurged)
	case *listArchives:
		names, err := glue.ListArchives(ctx, env)
		if err != nil {
			log.Fatal(err, "listing archives")
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(n)
		}
	case *printStats:
		runPrintStats(ctx, env, *archiveName)
	case *nuke:
		runNuke(ctx, env, log)
	}
}

func runCreate(ctx context.Context, env *glue.Env, log *observability.Logger, metrics *observability.Metrics, name, chdir string, roots []string) {
	if len(roots) == 0 {
		log.Fatal(fmt.Errorf("no paths given"), "create requires at least one file or directory argument")
	}

	start := time.Now()
	log.ArchiveCreateStarted(name)
	metrics.RecordArchiveOpStart()

	w, err := glue.CreateArchive(ctx, env, name, time.Now().Unix(), os.Args, false)
	if err != nil {
		metrics.RecordArchiveOpComplete("create", false, time.Since(start).Seconds())
		log.Fatal(err, "opening archive for writing")
	}

	entries := 0
	var storedTotal int64
	for _, root := range roots {
		full := filepath.Join(chdir, root)
		err := filepath.Walk(full, func(path string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel, err := filepath.Rel(chdir, path)
			if err != nil {
				return err
			}

			var linkname string
			if fi.Mode()&os.ModeSymlink != 0 {
				linkname, err = os.Readlink(path)
				if err != nil {
					return err
				}
			}
			header, err := encodeUSTARHeader(rel, fi, linkname)
			if err != nil {
				return err
			}

			var body []glue.EntryDataChunk
			if fi.Mode().IsRegular() {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				body = []glue.EntryDataChunk{{Data: data}}
				storedTotal += int64(len(data))
			}

			if err := glue.CreateEntry(ctx, w, header, body); err != nil {
				return fmt.Errorf("entry %q: %w", rel, err)
			}
			entries++
			log.EntryStored(rel, fi.Size(), 1, 0)
			return nil
		})
		if errors.Is(err, storage.ErrBandwidthBudget) {
			log.Warn("outgoing bandwidth budget reached; truncating archive")
			finalName, stats, closeErr := glue.CloseArchive(ctx, w, true)
			if closeErr != nil {
				metrics.RecordArchiveOpComplete("create", false, time.Since(start).Seconds())
				log.Fatal(closeErr, "committing truncated archive")
			}
			metrics.RecordArchiveOpComplete("create", true, time.Since(start).Seconds())
			fmt.Printf("created truncated archive %q: %d entries, %d header bytes, %d chunk bytes, %d trailer bytes\n",
				finalName, entries, stats.HLen, stats.CLen, stats.TLen)
			return
		}
		if err != nil {
			_ = w.Free(ctx)
			metrics.RecordArchiveOpComplete("create", false, time.Since(start).Seconds())
			log.Fatal(err, "walking input tree")
		}
	}

	finalName, stats, err := glue.CloseArchive(ctx, w, false)
	if err != nil {
		metrics.RecordArchiveOpComplete("create", false, time.Since(start).Seconds())
		log.Fatal(err, "closing archive")
	}
	metrics.RecordArchiveOpComplete("create", true, time.Since(start).Seconds())
	metrics.RecordEntryStored(storedTotal, int64(stats.CLen+stats.TLen))
	log.ArchiveCreateCompleted(finalName, entries, int64(stats.CLen+stats.TLen), time.Since(start))

	fmt.Printf("created archive %q: %d entries, %d header bytes, %d chunk bytes, %d trailer bytes\n",
		finalName, entries, stats.HLen, stats.CLen, stats.TLen)
}

func runExtract(ctx context.Context, env *glue.Env, log *observability.Logger, name, destDir string) {
	if err := glue.ExtractArchive(ctx, env, name, func(e glue.ExtractedEntry) error {
		hdr, err := decodeUSTARHeader(e.Header)
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.Clean(hdr.Name))

		switch hdr.Typeflag {
		case tarTypeDirectory:
			return os.MkdirAll(target, hdr.Mode.Perm()|0700)
		case tarTypeSymlink:
			_ = os.Remove(target)
			return os.Symlink(hdr.Linkname, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, hdr.Mode.Perm()|0600)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := f.Write(e.Body); err != nil {
				return err
			}
			_, err = f.Write(e.Trailer)
			return err
		}
	}); err != nil {
		log.Fatal(err, "extracting archive")
	}
}

func runList(ctx context.Context, env *glue.Env, name string) {
	if err := glue.ExtractArchive(ctx, env, name, func(e glue.ExtractedEntry) error {
		hdr, err := decodeUSTARHeader(e.Header)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\t%s\n", hdr.ModTime.Format(time.RFC3339), hdr.Size, hdr.Name)
		return nil
	}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPrintStats(ctx context.Context, env *glue.Env, name string) {
	reader := storage.NewReader(env.Client, env.Codec)
	arc, err := archive.Load(ctx, reader, env.Cache, name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var rawTotal, storedTotal uint64
	for _, h := range arc.Metaindex.CIndex {
		rawTotal += uint64(h.Len)
		storedTotal += uint64(h.ZLen)
	}
	fmt.Printf("archive %q: ctime=%d index-chunks=%d raw-bytes=%d stored-bytes=%d\n",
		arc.Metadata.Name, arc.Metadata.CTime, len(arc.Metaindex.CIndex), rawTotal, storedTotal)
}

func runNuke(ctx context.Context, env *glue.Env, log *observability.Logger) {
	names, err := glue.ListArchives(ctx, env)
	if err != nil {
		log.Fatal(err, "listing archives before nuke")
	}
	if len(names) == 0 {
		fmt.Println("no archives to delete")
		return
	}

	fmt.Printf("This will irrecoverably delete all %d archives on this account.\n", len(names))
	fmt.Print("Type 'No Tomorrow' to confirm: ")
	line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if strings.TrimSpace(line) != "No Tomorrow" {
		fmt.Println("nuke aborted")
		return
	}

	for _, name := range names {
		if err := glue.DeleteArchive(ctx, env, name); err != nil {
			log.Fatal(err, fmt.Sprintf("deleting archive %q during nuke", name))
		}
	}
	fmt.Printf("deleted all %d archives\n", len(names))
}
