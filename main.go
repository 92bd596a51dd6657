// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// fbd is a userspace daemon using BUSE for creating a block device
// backed by a repository: a directory of chunk files created on
// demand as the device is written to. A device of an arbitrary
// declared size therefore consumes disk space only for the regions
// actually written.
//
// Project structure is following:
//
// - internal contains all packages used by this program. The name "internal"
// is reserved by go compiler and disallows its imports from different
// projects. Since we don't provide any reusable packages, we use internal
// directory.
//
// - internal/fbd contains all packages related only to the fbd
// implementation: the repository store, the chunk allocation engine, the
// I/O dispatcher and the recovery manager. See the package descriptions in
// the source code for more details.
//
// - internal/null contains trivial implementation of block device which does
// nothing but correctly. It can be used for benchmarking underlying buse
// library and kernel module. The null implementation is part of fbd because
// it shares configuration and makes benchmarking easier and without code
// duplication.
//
// - internal/config contains configuration package which is common for both,
// fbd and null implementations.
package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/asch/buse/lib/go/buse"

	"github.com/asch/fbd/internal/config"
	"github.com/asch/fbd/internal/fbd"
	"github.com/asch/fbd/internal/fbd/repo"
	"github.com/asch/fbd/internal/null"
)

const version = "0.2.0"

// Chunk handles are kept open for the whole session, which can mean a
// lot of descriptors for huge devices with small chunks.
const wantedNofileLimit = 400_000

const usage = `fbd creates virtual block devices backed by on demand created
chunk-sized files.

Usage:
    fbd [-c config] <command> [flags]

Available commands:

    init        Initialize a new repository: -r <path> -size <bytes>
                [-chunk-size <bytes>] [-major <n>]. Size suffixes
                K, M, G and T are supported.

    start       Start serving the device of the repository at -r <path>
                until SIGINT or SIGTERM.

    expand      Grow the device of the repository at -r <path> by
                -bytes <n>, rounded up to a multiple of the chunk
                size. Takes effect on the next start.

    version     Print the version and exit.
`

// Parse the global flags and the command, load the configuration and
// hand over to the command. Only configuration and metadata errors
// are fatal here; everything operation-scoped is handled inside the
// device session.
func main() {
	f := flag.NewFlagSet("fbd", flag.ExitOnError)
	configPath := f.String("c", config.DefaultConfig, "Path to configuration file")
	f.Usage = cleanenv.FUsage(f.Output(), &config.Cfg, nil, func() {
		fmt.Fprint(f.Output(), usage)
		f.PrintDefaults()
	})
	f.Parse(os.Args[1:])

	if err := config.Configure(*configPath); err != nil {
		log.Fatal().Err(err).Send()
	}

	loggerSetup(config.Cfg.Log.Pretty, config.Cfg.Log.Level)

	args := f.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch args[0] {
	case "init":
		runInit(args[1:])
	case "start":
		runStart(args[1:])
	case "expand":
		runExpand(args[1:])
	case "version":
		fmt.Println("fbd", version)
	case "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n\n%s", args[0], usage)
		os.Exit(2)
	}
}

// Provision a new repository. Nothing is created when the parameters
// are invalid or the path already holds one.
func runInit(args []string) {
	f := flag.NewFlagSet("fbd init", flag.ExitOnError)
	root := f.String("r", "", "Path to the repository")
	size := f.String("size", "", "Logical size of the device")
	chunkSize := f.String("chunk-size", "512M", "Size of one chunk file")
	major := f.Int("major", 0, "Device major. Decimal part of /dev/buse%d.")
	f.Parse(args)

	if *root == "" {
		log.Fatal().Msg("A repository path is required (-r)")
	}

	sizeBytes, err := parseSize(*size)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -size")
	}

	chunkBytes, err := parseSize(*chunkSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -chunk-size")
	}

	r, err := repo.Create(*root, repo.Params{
		Major:     *major,
		Size:      sizeBytes,
		ChunkSize: chunkBytes,
	})
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	log.Info().
		Str("repository", r.Root()).
		Int64("size", r.Params().Size).
		Int64("chunk_size", r.Params().ChunkSize).
		Int64("chunks", r.Params().Chunks()).
		Msg("Created a new repository")
}

// Open a device session over an existing repository, register the
// BUSE device and serve I/O until signaled to stop.
func runStart(args []string) {
	f := flag.NewFlagSet("fbd start", flag.ExitOnError)
	root := f.String("r", "", "Path to the repository")
	f.Parse(args)

	if *root == "" {
		log.Fatal().Msg("A repository path is required (-r)")
	}

	if config.Cfg.Profiler {
		runProfiler(config.Cfg.ProfilerPort)
	}

	raiseNofileLimit()

	buseReadWriter, params, err := getBuseReadWriter(*root, config.Cfg.Null)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	b, err := buse.New(buseReadWriter, buse.Options{
		Durable:        config.Cfg.Write.Durable,
		WriteChunkSize: int64(config.Cfg.Write.ChunkSize),
		BlockSize:      int64(config.Cfg.BlockSize),
		Threads:        threads(),
		Major:          int64(params.Major),
		WriteShmSize:   int64(config.Cfg.Write.BufSize),
		ReadShmSize:    int64(config.Cfg.Read.BufSize),
		Size:           params.Size,
		CollisionArea:  int64(config.Cfg.Write.CollisionSize),
		QueueDepth:     int64(config.Cfg.QueueDepth),
		Scheduler:      config.Cfg.Scheduler,
	})
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	log.Info().Msgf("BUSE device %d registered!", params.Major)

	registerSigHandlers(b, params.Major)

	b.Run()

	log.Info().Msgf("Removing buse%d", params.Major)
	b.RemoveDevice()
}

// Grow the device offline. The server has to be restarted for the new
// size to take effect.
func runExpand(args []string) {
	f := flag.NewFlagSet("fbd expand", flag.ExitOnError)
	root := f.String("r", "", "Path to the repository")
	bytes := f.String("bytes", "", "Number of bytes to grow the device by")
	f.Parse(args)

	if *root == "" {
		log.Fatal().Msg("A repository path is required (-r)")
	}

	byBytes, err := parseSize(*bytes)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid -bytes")
	}

	r, _, err := repo.Load(*root)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	size, err := r.Expand(byBytes)
	if err != nil {
		log.Fatal().Err(err).Send()
	}

	log.Info().Int64("size", size).
		Msg("Expanded the device. Restart the server to take effect.")
}

// Return null device if user wants it, otherwise returns the fbd
// device session, which is default. Both need the repository metadata
// for the device geometry.
func getBuseReadWriter(root string, wantNullDevice bool) (buse.BuseReadWriter, repo.Params, error) {
	if wantNullDevice {
		r, _, err := repo.Load(root)
		if err != nil {
			return nil, repo.Params{}, err
		}
		return null.NewNull(), r.Params(), nil
	}

	d, err := fbd.Open(root)
	if err != nil {
		return nil, repo.Params{}, err
	}

	return d, d.Params(), nil
}

// Register handler for graceful stop when SIGINT or SIGTERM came in.
func registerSigHandlers(b buse.Buse, major int) {
	stopChan := make(chan os.Signal, 1)
	signal.Notify(stopChan, os.Interrupt)
	signal.Notify(stopChan, syscall.SIGTERM)
	go func() {
		<-stopChan
		log.Info().Msgf("Received interrupt, stopping buse%d device!", major)
		b.StopDevice()
	}()
}

func threads() int {
	if config.Cfg.Threads > 0 {
		return config.Cfg.Threads
	}
	return runtime.NumCPU()
}

// Best effort bump of the open file limit. One descriptor per touched
// chunk is kept for the whole session.
func raiseNofileLimit() {
	var lim unix.Rlimit

	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Warn().Err(err).Msg("Cannot read the open file limit")
		return
	}

	if lim.Cur >= wantedNofileLimit {
		return
	}

	lim.Cur = wantedNofileLimit
	if lim.Max < wantedNofileLimit {
		lim.Max = wantedNofileLimit
	}

	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		log.Warn().Err(err).
			Msg("Cannot raise the open file limit, devices with many chunks may run out of descriptors")
	}
}

func loggerSetup(pretty bool, level int) {
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// Enables remote profiling support. Useful for perfomance debugging.
func runProfiler(port int) {
	go func() {
		log.Info().Err(http.ListenAndServe(fmt.Sprintf("localhost:%d", port), nil)).Send()
	}()
}

// Parses a size with an optional K, M, G or T suffix.
func parseSize(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("a size is required")
	}

	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult = 1 << 10
	case strings.HasSuffix(s, "M"):
		mult = 1 << 20
	case strings.HasSuffix(s, "G"):
		mult = 1 << 30
	case strings.HasSuffix(s, "T"):
		mult = 1 << 40
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", n)
	}
	if n > (1<<63-1)/mult {
		return 0, fmt.Errorf("size %q overflows", s)
	}

	return n * mult, nil
}
