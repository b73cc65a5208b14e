// Package device emulates a compute device on the host: workgroups run on a
// bounded pool of goroutines, buffers come out of a memory budget and work is
// submitted through ordered queues.
package device

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxWorkgroupsPerDispatch mirrors the per-dimension workgroup limit
// of common GPU APIs.
const DefaultMaxWorkgroupsPerDispatch = 65535

type Config struct {
	// Workers number of workgroups executing at the same time
	Workers int
	// MaxWorkgroupsPerDispatch breadth ceiling of a single dispatch
	MaxWorkgroupsPerDispatch int
	// MemoryLimitBytes hard limit on buffer memory, 0 is unlimited
	MemoryLimitBytes int64
	// MemoryType backing memory of buffers, GO or MMAP
	MemoryType MemoryType
	// MemoryDir directory of file backed MMAP buffers, empty maps anonymous memory
	MemoryDir string
}

func DefaultConfig() Config {
	return Config{
		Workers:                  runtime.NumCPU(),
		MaxWorkgroupsPerDispatch: DefaultMaxWorkgroupsPerDispatch,
		MemoryType:               GO,
	}
}

func mergeConfig(c Config) Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.MaxWorkgroupsPerDispatch <= 0 {
		c.MaxWorkgroupsPerDispatch = def.MaxWorkgroupsPerDispatch
	}
	if c.MemoryType == 0 {
		c.MemoryType = def.MemoryType
	}
	return c
}

// Kernel is executed once per workgroup of a dispatch.
type Kernel func(workgroup int) error

type Device struct {
	cfg    Config
	budget *budget
	seq    atomic.Uint64
}

func New(cfg Config) *Device {
	cfg = mergeConfig(cfg)
	return &Device{
		cfg:    cfg,
		budget: newBudget(cfg.MemoryLimitBytes),
	}
}

func (d *Device) Config() Config {
	return d.cfg
}

// MemoryUsage bytes currently held by live buffers.
func (d *Device) MemoryUsage() int64 {
	return d.budget.used.Load()
}

// CreateBuffer allocates a zeroed buffer of size bytes. It returns
// ErrOutOfMemory when the allocation would exceed the memory limit.
func (d *Device) CreateBuffer(label string, size uint64) (*Buffer, error) {
	alloc := size
	if alloc < minAllocSize {
		alloc = minAllocSize
	}
	if err := d.budget.acquire(int64(alloc)); err != nil {
		return nil, fmt.Errorf("create buffer %q: %w", label, err)
	}

	name := fmt.Sprintf("%s-%d.buf", label, d.seq.Add(1))
	mem, err := newMemory(d.cfg, name, alloc)
	if err != nil {
		d.budget.release(int64(alloc))
		return nil, err
	}
	if err = mem.Attach(); err != nil {
		d.budget.release(int64(alloc))
		return nil, fmt.Errorf("create buffer %q: %w: %w", label, ErrOutOfMemory, err)
	}

	return &Buffer{dev: d, label: label, mem: mem, size: size, alloc: alloc}, nil
}

// Dispatch runs kernel for workgroups [0, workgroups) and blocks until all of
// them finished. The first kernel error stops workgroups that have not started.
func (d *Device) Dispatch(ctx context.Context, workgroups int, kernel Kernel) error {
	if workgroups <= 0 {
		return nil
	}
	if workgroups > d.cfg.MaxWorkgroupsPerDispatch {
		return fmt.Errorf("%w: %d > %d", ErrDispatchTooLarge, workgroups, d.cfg.MaxWorkgroupsPerDispatch)
	}
	if workgroups == 1 {
		return kernel(0)
	}

	workers := min(d.cfg.Workers, workgroups)
	var next atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				wg := int(next.Add(1) - 1)
				if wg >= workgroups {
					return nil
				}
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := kernel(wg); err != nil {
					return fmt.Errorf("workgroup %d: %w", wg, err)
				}
			}
		})
	}
	return g.Wait()
}

// DispatchChunked splits workgroups into dispatches no wider than the breadth
// ceiling. Workgroup ids seen by kernel stay global.
func (d *Device) DispatchChunked(ctx context.Context, workgroups int, kernel Kernel) error {
	limit := d.cfg.MaxWorkgroupsPerDispatch
	for base := 0; base < workgroups; base += limit {
		n := min(limit, workgroups-base)
		if err := d.Dispatch(ctx, n, offsetKernel(kernel, base)); err != nil {
			return err
		}
	}
	return nil
}

func offsetKernel(kernel Kernel, base int) Kernel {
	if base == 0 {
		return kernel
	}
	return func(wg int) error {
		return kernel(base + wg)
	}
}
