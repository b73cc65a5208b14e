package parallel

import (
	"fmt"
	"sort"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

const (
	// SortChunkSize elements radix sorted by a single workgroup.
	SortChunkSize = 512
	// SentinelKey pads sort buffers, it orders after every real key.
	SentinelKey = ^uint32(0)

	radixBits   = 8
	radixDigits = 1 << radixBits
	radixPasses = 32 / radixBits
)

// RadixSorter sorts uint32 key/value pairs by key.
type RadixSorter struct {
	dev *device.Device
}

func NewRadixSorter(dev *device.Device) *RadixSorter {
	return &RadixSorter{dev: dev}
}

// AlignedSize SortChunkSize times the next power of two chunk count covering n.
func (s *RadixSorter) AlignedSize(n int) int {
	if n <= 0 {
		return 0
	}
	return SortChunkSize * nextPow2(ceilDiv(n, SortChunkSize))
}

// Sort submits a stable sort of the first logicalSize pairs of keys and values
// by key, ascending or descending. keys and values must hold
// AlignedSize(logicalSize) elements; keys in [logicalSize, AlignedSize) are
// overwritten with SentinelKey. Only the first logicalSize pairs are valid
// afterwards.
//
// Every chunk is radix sorted on its own, then sorted runs are merged pairwise
// in log2(chunks) passes that ping-pong between the caller's buffers and a
// scratch pair. Descending order reverses the ascending result.
func (s *RadixSorter) Sort(q *device.Queue, keys, values *device.Buffer, logicalSize int, descending bool) error {
	aligned := s.AlignedSize(logicalSize)
	if n := device.Len[uint32](keys); n < aligned {
		return fmt.Errorf("%w: sort of %d elements needs %d, %s holds %d", ErrBufferTooSmall, logicalSize, aligned, keys.Label(), n)
	}
	if n := device.Len[uint32](values); n < aligned {
		return fmt.Errorf("%w: sort of %d elements needs %d, %s holds %d", ErrBufferTooSmall, logicalSize, aligned, values.Label(), n)
	}
	if logicalSize <= 1 {
		return nil
	}

	k := device.Uint32s(keys)[:aligned]
	v := device.Uint32s(values)[:aligned]
	if aligned > logicalSize {
		Fill(q, "sort.pad", k[logicalSize:], SentinelKey)
	}

	chunks := aligned / SortChunkSize
	q.DispatchChunked("sort.chunks", chunks, func(wg int) error {
		lo, hi := wg*SortChunkSize, (wg+1)*SortChunkSize
		radixSortChunk(k[lo:hi], v[lo:hi])
		return nil
	})

	if chunks > 1 {
		scratchKeys, err := s.dev.CreateBuffer("sort.scratchKeys", uint64(aligned)*4)
		if err != nil {
			return err
		}
		scratchValues, err := s.dev.CreateBuffer("sort.scratchValues", uint64(aligned)*4)
		if err != nil {
			q.Release(scratchKeys)
			return err
		}

		srcK, srcV := k, v
		dstK, dstV := device.Uint32s(scratchKeys), device.Uint32s(scratchValues)
		for run := SortChunkSize; run < aligned; run *= 2 {
			q.DispatchChunked("sort.merge", aligned/WorkgroupSize, mergeKernel(srcK, srcV, dstK, dstV, run))
			srcK, dstK = dstK, srcK
			srcV, dstV = dstV, srcV
		}
		if &srcK[0] != &k[0] {
			q.CopyBuffer(scratchKeys, 0, keys, 0, uint64(logicalSize)*4)
			q.CopyBuffer(scratchValues, 0, values, 0, uint64(logicalSize)*4)
		}
		q.Release(scratchKeys, scratchValues)
	}

	if descending {
		half := logicalSize / 2
		q.DispatchChunked("sort.reverse", ceilDiv(half, WorkgroupSize), func(wg int) error {
			lo := wg * WorkgroupSize
			hi := min(lo+WorkgroupSize, half)
			for i := lo; i < hi; i++ {
				j := logicalSize - 1 - i
				k[i], k[j] = k[j], k[i]
				v[i], v[j] = v[j], v[i]
			}
			return nil
		})
	}
	return nil
}

// radixSortChunk LSD radix sort, stable per digit.
func radixSortChunk(keys, values []uint32) {
	n := len(keys)
	tmpKeys := make([]uint32, n)
	tmpValues := make([]uint32, n)
	var counts [radixDigits]int

	for pass := 0; pass < radixPasses; pass++ {
		shift := uint(pass * radixBits)
		clear(counts[:])
		for _, key := range keys {
			counts[(key>>shift)&(radixDigits-1)]++
		}
		// all keys share this digit
		if counts[(keys[0]>>shift)&(radixDigits-1)] == n {
			continue
		}
		sum := 0
		for d := range counts {
			c := counts[d]
			counts[d] = sum
			sum += c
		}
		for i, key := range keys {
			d := (key >> shift) & (radixDigits - 1)
			tmpKeys[counts[d]] = key
			tmpValues[counts[d]] = values[i]
			counts[d]++
		}
		copy(keys, tmpKeys)
		copy(values, tmpValues)
	}
}

// mergeKernel merges adjacent sorted runs of length run. Every element finds
// its output slot by counting the elements of the sibling run ordered before
// it: strictly smaller keys for the left run, smaller or equal keys for the
// right run, which keeps equal keys in input order.
func mergeKernel(srcK, srcV, dstK, dstV []uint32, run int) device.Kernel {
	return func(wg int) error {
		lo := wg * WorkgroupSize
		hi := min(lo+WorkgroupSize, len(srcK))
		for i := lo; i < hi; i++ {
			pair := i / (2 * run) * (2 * run)
			key := srcK[i]
			var pos int
			if i < pair+run {
				right := srcK[pair+run : pair+2*run]
				pos = pair + (i - pair) + sort.Search(run, func(j int) bool { return right[j] >= key })
			} else {
				left := srcK[pair : pair+run]
				pos = pair + (i - pair - run) + sort.Search(run, func(j int) bool { return left[j] > key })
			}
			dstK[pos] = key
			dstV[pos] = srcV[i]
		}
		return nil
	}
}
