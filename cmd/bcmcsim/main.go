// Command bcmcsim drives a block cache with the access pattern of an
// isosurface sweep over a synthetic volume of compressed blocks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/time/rate"

	blockcache "github.com/Twinklebear/webgpu-bcmc-sub000"
	"github.com/Twinklebear/webgpu-bcmc-sub000/codec"
	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

// block value range of the synthetic volume
type valueRange struct {
	lo, hi uint8
}

type options struct {
	blocks      int
	blockSize   int
	initial     int
	maxCache    int
	frames      int
	fps         float64
	compression string
	memory      string
	memoryDir   string
	memoryLimit int64
	retention   uint
	strict      bool
	seed        int64
	jsonLog     bool
	verbose     bool
}

func main() {
	var opts options
	flag.IntVar(&opts.blocks, "blocks", 1<<16, "number of blocks in the volume")
	flag.IntVar(&opts.blockSize, "block-size", 512, "decompressed block size in bytes")
	flag.IntVar(&opts.initial, "cache", 1024, "initial cache size in blocks")
	flag.IntVar(&opts.maxCache, "max-cache", 0, "cache size limit in blocks, 0 is unlimited")
	flag.IntVar(&opts.frames, "frames", 64, "frames to simulate")
	flag.Float64Var(&opts.fps, "fps", 60, "frame rate limit, 0 runs unthrottled")
	flag.StringVar(&opts.compression, "compression", "lz4", "block compression: none, lz4 or zstd")
	flag.StringVar(&opts.memory, "memory", "go", "device memory: go or mmap")
	flag.StringVar(&opts.memoryDir, "memory-dir", "", "directory of file backed mmap buffers")
	flag.Int64Var(&opts.memoryLimit, "memory-limit", 0, "device memory limit in MB, 0 is unlimited")
	flag.UintVar(&opts.retention, "retention", 2, "minimum retention age in frames")
	flag.BoolVar(&opts.strict, "strict-lru", false, "rank every available slot")
	flag.Int64Var(&opts.seed, "seed", 1, "volume seed")
	flag.BoolVar(&opts.jsonLog, "json", false, "log as JSON")
	flag.BoolVar(&opts.verbose, "v", false, "debug logging")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts); err != nil {
		fmt.Fprintln(os.Stderr, "bcmcsim:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := blockcache.NewTextLogger(level)
	if opts.jsonLog {
		logger = blockcache.NewJSONLogger(level)
	}

	compression, err := parseCompression(opts.compression)
	if err != nil {
		return err
	}
	memoryType := device.GO
	switch opts.memory {
	case "go":
	case "mmap":
		memoryType = device.MMAP
	default:
		return fmt.Errorf("unknown memory type %q", opts.memory)
	}

	start := time.Now()
	ranges, store, err := buildVolume(opts, compression)
	if err != nil {
		return err
	}
	logger.Info("volume ready",
		"blocks", opts.blocks,
		"compression", compression,
		"ratio", store.Ratio(),
		"elapsed", time.Since(start),
	)

	cfg := blockcache.DefaultConfig()
	cfg.ElementSize = opts.blockSize
	cfg.MaxCacheSize = opts.maxCache
	cfg.MinRetentionAge = uint32(opts.retention)
	cfg.StrictLRU = opts.strict
	cfg.Logger = logger
	cfg.Device.MemoryType = memoryType
	cfg.Device.MemoryDir = opts.memoryDir
	cfg.Device.MemoryLimitBytes = opts.memoryLimit * device.MB

	cache, err := blockcache.NewCache(opts.blocks, min(opts.initial, opts.blocks), cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.fps > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.fps), 1)
	}

	for frame := 0; frame < opts.frames; frame++ {
		if err = limiter.Wait(ctx); err != nil {
			return err
		}
		iso := uint8(frame * 256 / max(opts.frames, 1))
		needed := activeBlocks(ranges, iso)

		frameStart := time.Now()
		n, ids, err := cache.UpdateSet(ctx, needed)
		if err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		if err = cache.Fill(ctx, ids, store); err != nil {
			return fmt.Errorf("frame %d: %w", frame, err)
		}
		stats := cache.Stats()
		logger.Info("frame",
			"frame", frame,
			"isovalue", iso,
			"active", needed.GetCardinality(),
			"new_items", n,
			"cache_size", cache.Size(),
			"evictions", stats.Evictions,
			"memory_mb", cache.MemoryUsage()/device.MB,
			"elapsed", time.Since(frameStart),
		)
	}

	stats := cache.Stats()
	logger.Info("done",
		"updates", stats.Updates,
		"new_items", stats.NewItems,
		"evictions", stats.Evictions,
		"growths", stats.Growths,
		"cache_size", cache.Size(),
	)
	return nil
}

func parseCompression(s string) (codec.Compression, error) {
	switch s {
	case "none":
		return codec.None, nil
	case "lz4":
		return codec.LZ4, nil
	case "zstd":
		return codec.Zstd, nil
	}
	return 0, fmt.Errorf("unknown compression %q", s)
}

// buildVolume generates blocks of a smooth field: each block covers a narrow
// value range around a base that drifts along the block index.
func buildVolume(opts options, c codec.Compression) ([]valueRange, *codec.Store, error) {
	rng := rand.New(rand.NewSource(opts.seed))
	ranges := make([]valueRange, opts.blocks)
	store := codec.NewStore(c)
	data := make([]byte, opts.blockSize)
	for id := range ranges {
		base := (id*7 + rng.Intn(32)) % 224
		width := 1 + rng.Intn(32)
		r := valueRange{lo: uint8(base), hi: uint8(base + width)}
		ranges[id] = r
		for i := range data {
			data[i] = r.lo + uint8(i*int(r.hi-r.lo)/len(data))
		}
		if err := store.Put(uint32(id), data); err != nil {
			return nil, nil, err
		}
	}
	return ranges, store, nil
}

func activeBlocks(ranges []valueRange, iso uint8) *roaring.Bitmap {
	rb := roaring.New()
	for id, r := range ranges {
		if r.lo <= iso && iso <= r.hi {
			rb.Add(uint32(id))
		}
	}
	return rb
}
