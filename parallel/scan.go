// Package parallel implements the data parallel building blocks of the block
// cache on top of a device queue: exclusive scan, stream compaction and a
// key/value radix sort.
package parallel

import (
	"context"
	"fmt"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

const (
	// ScanBlockSize elements scanned by one workgroup.
	ScanBlockSize = 512
	// scanBatchSize elements covered by one pass of block sums.
	scanBatchSize = ScanBlockSize * ScanBlockSize
)

// ScanPipeline computes exclusive prefix sums of uint32 buffers.
type ScanPipeline struct {
	dev *device.Device
}

func NewScanPipeline(dev *device.Device) *ScanPipeline {
	return &ScanPipeline{dev: dev}
}

// AlignedSize smallest multiple of ScanBlockSize not less than n.
func (p *ScanPipeline) AlignedSize(n int) int {
	return alignUp(n, ScanBlockSize)
}

// Scan replaces the first logicalSize elements of buf with their exclusive
// prefix sum and returns the total. buf must hold AlignedSize(logicalSize)
// elements; the padding is zeroed before scanning.
//
// Batches of ScanBlockSize*ScanBlockSize elements are scanned one after the
// other, a carry holding the running total from batch to batch. Scan waits for
// the queue to drain before reading the carry back.
func (p *ScanPipeline) Scan(ctx context.Context, q *device.Queue, buf *device.Buffer, logicalSize int) (total uint32, err error) {
	if logicalSize < 0 {
		return 0, fmt.Errorf("%w: negative scan size %d", ErrBufferTooSmall, logicalSize)
	}
	aligned := p.AlignedSize(logicalSize)
	if n := device.Len[uint32](buf); n < aligned {
		return 0, fmt.Errorf("%w: scan of %d elements needs %d, %s holds %d", ErrBufferTooSmall, logicalSize, aligned, buf.Label(), n)
	}
	if logicalSize == 0 {
		return 0, nil
	}

	blockSums, err := p.dev.CreateBuffer("scan.blockSums", ScanBlockSize*4)
	if err != nil {
		return 0, err
	}
	carry, err := p.dev.CreateBuffer("scan.carry", 4)
	if err != nil {
		_ = blockSums.Release()
		return 0, err
	}
	defer func() { q.ReleaseAfter(err, blockSums, carry) }()

	if aligned > logicalSize {
		q.ClearBuffer(buf, uint64(logicalSize)*4, uint64(aligned-logicalSize)*4)
	}

	data := device.Uint32s(buf)[:aligned]
	sums := device.Uint32s(blockSums)
	carried := device.Uint32s(carry)
	for start := 0; start < aligned; start += scanBatchSize {
		batch := data[start:min(start+scanBatchSize, aligned)]
		blocks := len(batch) / ScanBlockSize

		q.DispatchChunked("scan.blocks", blocks, func(wg int) error {
			sums[wg] = exclusiveScan(batch[wg*ScanBlockSize : (wg+1)*ScanBlockSize])
			return nil
		})
		q.Dispatch("scan.blockSums", 1, func(int) error {
			total := exclusiveScan(sums[:blocks])
			c := carried[0]
			for i := range sums[:blocks] {
				sums[i] += c
			}
			carried[0] = c + total
			return nil
		})
		q.DispatchChunked("scan.addBlockSums", blocks, func(wg int) error {
			offset := sums[wg]
			block := batch[wg*ScanBlockSize : (wg+1)*ScanBlockSize]
			for i := range block {
				block[i] += offset
			}
			return nil
		})
	}

	if err = q.Wait(ctx); err != nil {
		return 0, err
	}
	return carried[0], nil
}

// exclusiveScan scans data in place and returns its sum.
func exclusiveScan(data []uint32) uint32 {
	var sum uint32
	for i, v := range data {
		data[i] = sum
		sum += v
	}
	return sum
}
