package blockcache

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
	"github.com/Twinklebear/webgpu-bcmc-sub000/parallel"
)

const (
	// growthAlignment granularity of the cache size
	growthAlignment = 32
	maxAge          = math.MaxUint32 - 1
)

// update runs one admission round. Every stage is submitted to the cache
// queue in order; the host only waits where it needs a count back and before
// the storage is reallocated.
func (c *Cache) update(ctx context.Context, mask []uint32) (numNewItems int, newItems []uint32, err error) {
	q := c.queue
	total := c.totalElements
	alignedTotal := c.scanner.AlignedSize(total)

	var transient []*device.Buffer
	defer func() { q.ReleaseAfter(err, transient...) }()
	create := func(label string, elems int) (*device.Buffer, error) {
		b, err := c.dev.CreateBuffer(label, uint64(elems)*4)
		if err == nil {
			transient = append(transient, b)
		}
		return b, err
	}

	needed, err := create("lru.needed", total)
	if err != nil {
		return 0, nil, err
	}
	needsCaching, err := create("lru.needsCaching", alignedTotal)
	if err != nil {
		return 0, nil, err
	}
	needsCachingOffsets, err := create("lru.needsCachingOffsets", alignedTotal)
	if err != nil {
		return 0, nil, err
	}
	q.WriteBuffer(needed, 0, device.AsBytes(mask))

	c.age()
	c.mark(device.Uint32s(needed), device.Uint32s(needsCaching))
	flags, flagOffsets, err := c.extractAvailable(create)
	if err != nil {
		return 0, nil, err
	}

	q.CopyBuffer(needsCaching, 0, needsCachingOffsets, 0, uint64(alignedTotal)*4)
	scanned, err := c.scanner.Scan(ctx, q, needsCachingOffsets, total)
	if err != nil {
		return 0, nil, err
	}
	numNewItems = int(scanned)
	if numNewItems == 0 {
		return 0, nil, nil
	}

	newItemIDs, err := create("lru.newItemIDs", numNewItems)
	if err != nil {
		return 0, nil, err
	}
	if err = c.compactor.Compact(q, needsCaching, needsCachingOffsets, total, newItemIDs); err != nil {
		return 0, nil, err
	}

	numSlotsAvailable, err := c.countAvailable(ctx, flags, flagOffsets)
	if err != nil {
		return 0, nil, err
	}
	if numSlotsAvailable < numNewItems {
		if err = c.grow(ctx, numNewItems, numSlotsAvailable); err != nil {
			return 0, nil, err
		}
		if flags, flagOffsets, err = c.extractAvailable(create); err != nil {
			return 0, nil, err
		}
		if numSlotsAvailable, err = c.countAvailable(ctx, flags, flagOffsets); err != nil {
			return 0, nil, err
		}
	}

	rankCapacity := c.sorter.AlignedSize(numSlotsAvailable)
	availableSlotIDs, err := create("lru.availableSlotIDs", rankCapacity)
	if err != nil {
		return 0, nil, err
	}
	slotAges, err := create("lru.slotAges", rankCapacity)
	if err != nil {
		return 0, nil, err
	}
	if err = c.compactor.Compact(q, flags, flagOffsets, c.cacheSize, availableSlotIDs); err != nil {
		return 0, nil, err
	}

	// Ranking only a demand sized window of the available slots bounds the
	// sort cost; slots outside the window are not considered, which makes the
	// eviction order approximate.
	rankCount := numSlotsAvailable
	if !c.config.StrictLRU {
		rankCount = min(numSlotsAvailable, c.sorter.AlignedSize(numNewItems))
	}
	c.gatherAges(device.Uint32s(availableSlotIDs), device.Uint32s(slotAges), rankCount)
	if err = c.sorter.Sort(q, slotAges, availableSlotIDs, rankCount, true); err != nil {
		return 0, nil, err
	}
	c.assign(device.Uint32s(newItemIDs), device.Uint32s(availableSlotIDs), numNewItems)

	if err = q.Wait(ctx); err != nil {
		return 0, nil, err
	}
	newItems = append([]uint32(nil), device.Uint32s(newItemIDs)[:numNewItems]...)
	c.stats.newItems.Add(uint64(numNewItems))
	return numNewItems, newItems, nil
}

// age makes every slot in use one update older.
func (c *Cache) age() {
	slots := device.View[Slot](c.slots)[:c.cacheSize]
	c.queue.DispatchChunked("lru.age", workgroups(len(slots)), func(wg int) error {
		lo, hi := workgroupRange(wg, len(slots))
		for i := lo; i < hi; i++ {
			s := &slots[i]
			if (s.Occupant != EmptySlot || s.Available != 0) && s.Age < maxAge {
				s.Age++
			}
		}
		return nil
	})
}

// mark flags needed blocks that are not cached, keeps needed cached blocks hot
// and releases cached blocks that are no longer needed once they are older
// than the retention age. cachedItemSlots is injective so no two invocations
// touch the same slot.
func (c *Cache) mark(needed, needsCaching []uint32) {
	slots := device.View[Slot](c.slots)
	items := device.View[int32](c.cachedItemSlots)
	retention := c.config.MinRetentionAge
	c.queue.DispatchChunked("lru.mark", workgroups(len(items)), func(wg int) error {
		lo, hi := workgroupRange(wg, len(items))
		for b := lo; b < hi; b++ {
			slot := items[b]
			switch {
			case needed[b] != 0 && slot < 0:
				needsCaching[b] = 1
			case needed[b] != 0:
				s := &slots[slot]
				s.Age = 0
				s.Available = 0
			case slot >= 0 && slots[slot].Age > retention:
				slots[slot].Available = 1
			}
		}
		return nil
	})
}

// extractAvailable projects the Available field of every slot into a flags
// buffer padded for the scan, plus a second buffer for its offsets.
func (c *Cache) extractAvailable(create func(string, int) (*device.Buffer, error)) (flags, offsets *device.Buffer, err error) {
	aligned := c.scanner.AlignedSize(c.cacheSize)
	if flags, err = create("lru.slotAvailable", aligned); err != nil {
		return nil, nil, err
	}
	if offsets, err = create("lru.slotAvailableOffsets", aligned); err != nil {
		return nil, nil, err
	}
	slots := device.View[Slot](c.slots)[:c.cacheSize]
	out := device.Uint32s(flags)
	c.queue.DispatchChunked("lru.extractAvailable", workgroups(len(slots)), func(wg int) error {
		lo, hi := workgroupRange(wg, len(slots))
		for i := lo; i < hi; i++ {
			out[i] = slots[i].Available
		}
		return nil
	})
	return flags, offsets, nil
}

func (c *Cache) countAvailable(ctx context.Context, flags, offsets *device.Buffer) (int, error) {
	c.queue.CopyBuffer(flags, 0, offsets, 0, flags.Size())
	n, err := c.scanner.Scan(ctx, c.queue, offsets, c.cacheSize)
	return int(n), err
}

func (c *Cache) gatherAges(slotIDs, ages []uint32, n int) {
	slots := device.View[Slot](c.slots)
	c.queue.DispatchChunked("lru.gatherAges", workgroups(n), func(wg int) error {
		lo, hi := workgroupRange(wg, n)
		for i := lo; i < hi; i++ {
			ages[i] = slots[slotIDs[i]].Age
		}
		return nil
	})
}

// assign hands the k-th ranked slot to the k-th new block, unmapping the
// block it evicts. Ranked slots are distinct and so are their occupants.
func (c *Cache) assign(newItemIDs, rankedSlots []uint32, n int) {
	slots := device.View[Slot](c.slots)
	items := device.View[int32](c.cachedItemSlots)
	c.queue.DispatchChunked("lru.assign", workgroups(n), func(wg int) error {
		lo, hi := workgroupRange(wg, n)
		var evicted uint64
		for k := lo; k < hi; k++ {
			id, slot := newItemIDs[k], rankedSlots[k]
			s := &slots[slot]
			if s.Occupant != EmptySlot {
				items[s.Occupant] = -1
				evicted++
			}
			items[id] = int32(slot)
			*s = Slot{Occupant: id}
		}
		if evicted > 0 {
			c.stats.evictions.Add(evicted)
		}
		return nil
	})
}

// initSlots marks slots empty and immediately available. Age zero ranks them
// after every older available slot.
func (c *Cache) initSlots(slots []Slot) {
	c.queue.DispatchChunked("lru.initSlots", workgroups(len(slots)), func(wg int) error {
		lo, hi := workgroupRange(wg, len(slots))
		for i := lo; i < hi; i++ {
			slots[i] = Slot{Available: 1, Occupant: EmptySlot}
		}
		return nil
	})
}

// grow enlarges the cache so at least numNewItems slots are available. The
// new storage is filled with a copy of the old one and only then swapped in
// and the old storage freed.
func (c *Cache) grow(ctx context.Context, numNewItems, numSlotsAvailable int) error {
	limit := c.sizeLimit()
	deficit := numNewItems - numSlotsAvailable
	newSize := min(limit, alignUp(c.cacheSize+(3*deficit+1)/2, growthAlignment))
	if newSize-c.cacheSize < deficit {
		return c.growthFailed(ctx, c.cacheSize+deficit, limit, ErrGrowthLimit)
	}

	if err := c.queue.Wait(ctx); err != nil {
		return err
	}
	slots, err := c.dev.CreateBuffer("lru.slots", uint64(newSize)*sizeOfSlot)
	if err != nil {
		return c.growthFailed(ctx, newSize, limit, err)
	}
	storage, err := c.dev.CreateBuffer("lru.storage", uint64(newSize)*uint64(c.config.ElementSize))
	if err != nil {
		_ = slots.Release()
		return c.growthFailed(ctx, newSize, limit, err)
	}

	c.queue.CopyBuffer(c.slots, 0, slots, 0, uint64(c.cacheSize)*sizeOfSlot)
	c.queue.CopyBuffer(c.storage, 0, storage, 0, uint64(c.cacheSize)*uint64(c.config.ElementSize))
	c.initSlots(device.View[Slot](slots)[c.cacheSize:newSize])
	if err = c.queue.Wait(ctx); err != nil {
		c.queue.Release(slots, storage)
		return err
	}

	err = errors.Join(c.slots.Release(), c.storage.Release())
	from := c.cacheSize
	c.slots, c.storage, c.cacheSize = slots, storage, newSize
	c.stats.growths.Add(1)
	c.logger.LogGrowth(ctx, from, newSize, numNewItems, numSlotsAvailable)
	if err != nil {
		return fmt.Errorf("free old cache storage: %w", err)
	}
	return nil
}

func (c *Cache) growthFailed(ctx context.Context, requested, limit int, cause error) error {
	err := &GrowthError{From: c.cacheSize, Requested: requested, Limit: limit, cause: cause}
	c.logger.LogGrowthFailed(ctx, err)
	return err
}

func (c *Cache) sizeLimit() int {
	limit := c.totalElements
	if c.config.MaxCacheSize > 0 && c.config.MaxCacheSize < limit {
		limit = max(c.config.MaxCacheSize, c.cacheSize)
	}
	return limit
}

func workgroups(n int) int {
	return (n + parallel.WorkgroupSize - 1) / parallel.WorkgroupSize
}

func workgroupRange(wg, n int) (lo, hi int) {
	lo = wg * parallel.WorkgroupSize
	return lo, min(lo+parallel.WorkgroupSize, n)
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
