package parallel

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Twinklebear/webgpu-bcmc-sub000/device"
)

func TestScanAlignedSize(t *testing.T) {
	p := NewScanPipeline(device.New(device.Config{}))
	assert.Equal(t, 0, p.AlignedSize(0))
	assert.Equal(t, 512, p.AlignedSize(1))
	assert.Equal(t, 512, p.AlignedSize(512))
	assert.Equal(t, 1024, p.AlignedSize(513))
}

func TestScanOnes(t *testing.T) {
	dev, q := newTestQueue(t, 16)
	p := NewScanPipeline(dev)

	buf := uploadBuffer(t, dev, "ones", []uint32{1, 1, 1, 1, 1, 1, 1, 1}, p.AlignedSize(8))
	total, err := p.Scan(context.Background(), q, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), total)
	assert.Equal(t, []uint32{0, 1, 2, 3, 4, 5, 6, 7}, device.Uint32s(buf)[:8])
}

func TestScanPaddingIgnored(t *testing.T) {
	dev, q := newTestQueue(t, 16)
	p := NewScanPipeline(dev)

	data := make([]uint32, 512)
	for i := range data {
		data[i] = 9
	}
	buf := uploadBuffer(t, dev, "padded", data, 512)
	total, err := p.Scan(context.Background(), q, buf, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(27), total)
	assert.Equal(t, []uint32{0, 9, 18}, device.Uint32s(buf)[:3])
}

func TestScanSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sizes := []int{1, 511, 512, 513, 4096, scanBatchSize, scanBatchSize + 1, 2*scanBatchSize + 777}
	for _, n := range sizes {
		dev, q := newTestQueue(t, 64)
		p := NewScanPipeline(dev)

		data := make([]uint32, n)
		for i := range data {
			data[i] = uint32(rng.Intn(4))
		}
		buf := uploadBuffer(t, dev, "scan", data, p.AlignedSize(n))

		total, err := p.Scan(context.Background(), q, buf, n)
		require.NoError(t, err, "size %d", n)

		var sum uint32
		out := device.Uint32s(buf)
		for i, v := range data {
			require.Equal(t, sum, out[i], "size %d index %d", n, i)
			sum += v
		}
		assert.Equal(t, sum, total, "size %d", n)
		assert.Equal(t, int64(buf.Size()), dev.MemoryUsage(), "size %d: scan buffers leaked", n)
	}
}

func TestScanEmpty(t *testing.T) {
	dev, q := newTestQueue(t, 16)
	p := NewScanPipeline(dev)
	buf := uploadBuffer(t, dev, "empty", nil, 0)

	total, err := p.Scan(context.Background(), q, buf, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestScanBufferTooSmall(t *testing.T) {
	dev, q := newTestQueue(t, 16)
	p := NewScanPipeline(dev)
	buf := uploadBuffer(t, dev, "small", nil, 100)

	_, err := p.Scan(context.Background(), q, buf, 100)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}
