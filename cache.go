package blockcache

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
	"github.com/Twinklebear/webgpu-bcmc-sub000/parallel"
)

// EmptySlot is the occupant of a slot holding no block.
const EmptySlot = ^uint32(0)

var sizeOfSlot = uint64(unsafe.Sizeof(Slot{}))

// Slot is the record kept for every cache slot.
type Slot struct {
	// updates since the occupant was last needed
	Age uint32
	// 1 when the slot may be handed to a new block
	Available uint32
	// cached block id or EmptySlot
	Occupant uint32
}

// Decompressor produces the payload of a block. It is called concurrently for
// different blocks.
type Decompressor interface {
	// DecompressBlock writes the decompressed payload of block id into dst,
	// which is exactly one cache slot long.
	DecompressBlock(id uint32, dst []byte) error
}

type Stats struct {
	Updates   uint64
	NewItems  uint64
	Evictions uint64
	Growths   uint64
}

// Cache maps the blocks of a large logical address space onto a growable set
// of payload slots, evicting the least recently needed blocks first.
//
// Update, Reset and Fill must not be called concurrently on one cache; doing
// so panics. The accessors reading cache state must not run concurrently with
// them either.
type Cache struct {
	config    *Config
	logger    *Logger
	dev       *device.Device
	queue     *device.Queue
	scanner   *parallel.ScanPipeline
	compactor *parallel.StreamCompactor
	sorter    *parallel.RadixSorter

	totalElements int
	cacheSize     int

	slots           *device.Buffer // cacheSize Slot records
	storage         *device.Buffer // cacheSize payloads of ElementSize bytes
	cachedItemSlots *device.Buffer // totalElements int32, slot of each block or -1

	busy   atomic.Bool
	closed atomic.Bool
	stats  struct {
		updates   atomic.Uint64
		newItems  atomic.Uint64
		evictions atomic.Uint64
		growths   atomic.Uint64
	}
}

// NewCache creates a cache over totalElements blocks with room for cacheSize
// of them. A nil config uses DefaultConfig.
func NewCache(totalElements, cacheSize int, c *Config) (*Cache, error) {
	if totalElements <= 0 || totalElements > math.MaxInt32 {
		return nil, fmt.Errorf("%w: totalElements %d", ErrInvalidSize, totalElements)
	}
	if cacheSize <= 0 || cacheSize > totalElements {
		return nil, fmt.Errorf("%w: cacheSize %d of %d elements", ErrInvalidSize, cacheSize, totalElements)
	}

	config := mergeConfig(c)
	dev := device.New(config.Device)
	cache := &Cache{
		config:        config,
		logger:        config.Logger,
		dev:           dev,
		queue:         device.NewQueue(dev),
		scanner:       parallel.NewScanPipeline(dev),
		compactor:     parallel.NewStreamCompactor(dev),
		sorter:        parallel.NewRadixSorter(dev),
		totalElements: totalElements,
		cacheSize:     cacheSize,
	}

	var err error
	if cache.slots, err = dev.CreateBuffer("lru.slots", uint64(cacheSize)*sizeOfSlot); err != nil {
		_ = cache.Close()
		return nil, err
	}
	if cache.storage, err = dev.CreateBuffer("lru.storage", uint64(cacheSize)*uint64(config.ElementSize)); err != nil {
		_ = cache.Close()
		return nil, err
	}
	if cache.cachedItemSlots, err = dev.CreateBuffer("lru.cachedItemSlots", uint64(totalElements)*4); err != nil {
		_ = cache.Close()
		return nil, err
	}
	if err = cache.reset(context.Background()); err != nil {
		_ = cache.Close()
		return nil, err
	}
	return cache, nil
}

// Update makes the blocks set in neededMask resident. It returns the number of
// blocks that were not cached before and their ids; the caller must write
// their payloads, for example with Fill, before using them.
//
// neededMask holds one entry per block, non-zero entries mark needed blocks.
// When the free capacity does not suffice the cache grows; a growth that is
// refused returns an error matching ErrCacheGrowthFailed and assigns nothing.
func (c *Cache) Update(ctx context.Context, neededMask []uint32) (int, []uint32, error) {
	if c.closed.Load() {
		return 0, nil, ErrCacheClosed
	}
	if len(neededMask) != c.totalElements {
		return 0, nil, fmt.Errorf("%w: got %d entries, want %d", ErrMaskSize, len(neededMask), c.totalElements)
	}
	c.acquire("Update")
	defer c.release()

	c.stats.updates.Add(1)
	n, ids, err := c.update(ctx, neededMask)
	c.logger.LogUpdate(ctx, n, c.cacheSize, err)
	return n, ids, err
}

// UpdateSet is Update with the needed blocks given as a bitmap of block ids.
func (c *Cache) UpdateSet(ctx context.Context, needed *roaring.Bitmap) (int, []uint32, error) {
	mask := make([]uint32, c.totalElements)
	if needed != nil && !needed.IsEmpty() {
		if last := needed.Maximum(); uint64(last) >= uint64(c.totalElements) {
			return 0, nil, fmt.Errorf("%w: %d >= %d", ErrBlockOutOfRange, last, c.totalElements)
		}
		it := needed.Iterator()
		for it.HasNext() {
			mask[it.Next()] = 1
		}
	}
	return c.Update(ctx, mask)
}

// Reset empties every slot and unmaps every block. The capacity is kept.
func (c *Cache) Reset(ctx context.Context) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	c.acquire("Reset")
	defer c.release()

	if err := c.reset(ctx); err != nil {
		return err
	}
	c.logger.LogReset(ctx, c.cacheSize)
	return nil
}

func (c *Cache) reset(ctx context.Context) error {
	c.initSlots(device.View[Slot](c.slots)[:c.cacheSize])
	parallel.Fill(c.queue, "lru.unmapAll", device.Uint32s(c.cachedItemSlots), ^uint32(0))
	return c.queue.Wait(ctx)
}

// Fill decompresses the blocks ids into their slots, one workgroup per block.
// Every id must be cached, typically ids is the result of the last Update.
func (c *Cache) Fill(ctx context.Context, ids []uint32, d Decompressor) error {
	if c.closed.Load() {
		return ErrCacheClosed
	}
	c.acquire("Fill")
	defer c.release()

	if err := c.queue.Wait(ctx); err != nil {
		return err
	}
	items := device.View[int32](c.cachedItemSlots)
	storage := c.storage.Bytes()
	elem := c.config.ElementSize
	return c.dev.DispatchChunked(ctx, len(ids), func(wg int) error {
		id := ids[wg]
		if uint64(id) >= uint64(c.totalElements) {
			return fmt.Errorf("%w: %d", ErrBlockOutOfRange, id)
		}
		slot := items[id]
		if slot < 0 {
			return fmt.Errorf("%w: %d", ErrBlockNotCached, id)
		}
		offset := int(slot) * elem
		if err := d.DecompressBlock(id, storage[offset:offset+elem:offset+elem]); err != nil {
			return fmt.Errorf("decompress block %d: %w", id, err)
		}
		return nil
	})
}

// Slot of block id, -1 when the block is not cached or out of range.
func (c *Cache) Slot(id uint32) int32 {
	if c.closed.Load() || uint64(id) >= uint64(c.totalElements) {
		return -1
	}
	return device.View[int32](c.cachedItemSlots)[id]
}

// CachedItemSlots copy of the block to slot mapping.
func (c *Cache) CachedItemSlots() []int32 {
	if c.closed.Load() {
		return nil
	}
	return append([]int32(nil), device.View[int32](c.cachedItemSlots)...)
}

// Slots copy of the slot records.
func (c *Cache) Slots() []Slot {
	if c.closed.Load() {
		return nil
	}
	return append([]Slot(nil), device.View[Slot](c.slots)[:c.cacheSize]...)
}

// Payload of block id, nil when it is not cached. The slice aliases the cache
// storage and is invalidated by the next Update that grows the cache.
func (c *Cache) Payload(id uint32) []byte {
	slot := c.Slot(id)
	if slot < 0 {
		return nil
	}
	elem := c.config.ElementSize
	offset := int(slot) * elem
	return c.storage.Bytes()[offset : offset+elem : offset+elem]
}

// Resident set of cached block ids.
func (c *Cache) Resident() *roaring.Bitmap {
	rb := roaring.New()
	if c.closed.Load() {
		return rb
	}
	for _, s := range device.View[Slot](c.slots)[:c.cacheSize] {
		if s.Occupant != EmptySlot {
			rb.Add(s.Occupant)
		}
	}
	return rb
}

// Size number of slots.
func (c *Cache) Size() int {
	return c.cacheSize
}

func (c *Cache) TotalElements() int {
	return c.totalElements
}

func (c *Cache) ElementSize() int {
	return c.config.ElementSize
}

// MemoryUsage bytes of device memory held by the cache.
func (c *Cache) MemoryUsage() int64 {
	return c.dev.MemoryUsage()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Updates:   c.stats.updates.Load(),
		NewItems:  c.stats.newItems.Load(),
		Evictions: c.stats.evictions.Load(),
		Growths:   c.stats.growths.Load(),
	}
}

// Close stops the queue and frees the cache storage.
func (c *Cache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.queue.Close()
	for _, b := range []*device.Buffer{c.slots, c.storage, c.cachedItemSlots} {
		if b != nil {
			err = errors.Join(err, b.Release())
		}
	}
	return err
}

func (c *Cache) acquire(op string) {
	if !c.busy.CompareAndSwap(false, true) {
		panic("blockcache: " + op + " called while another operation is in flight")
	}
}

func (c *Cache) release() {
	c.busy.Store(false)
}
