package device

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch(t *testing.T) {
	dev := New(Config{Workers: 4})

	hits := make([]int32, 1000)
	require.NoError(t, dev.Dispatch(context.Background(), len(hits), func(wg int) error {
		atomic.AddInt32(&hits[wg], 1)
		return nil
	}))
	for i, h := range hits {
		assert.Equal(t, int32(1), h, "workgroup %d", i)
	}

	assert.NoError(t, dev.Dispatch(context.Background(), 0, func(int) error {
		t.Fatal("kernel of an empty dispatch ran")
		return nil
	}))
}

func TestDispatchError(t *testing.T) {
	dev := New(Config{Workers: 4})
	boom := errors.New("boom")
	err := dev.Dispatch(context.Background(), 100, func(wg int) error {
		if wg == 42 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
}

func TestDispatchCeiling(t *testing.T) {
	dev := New(Config{Workers: 2, MaxWorkgroupsPerDispatch: 8})

	err := dev.Dispatch(context.Background(), 9, func(int) error { return nil })
	assert.ErrorIs(t, err, ErrDispatchTooLarge)

	var seen [20]atomic.Int32
	require.NoError(t, dev.DispatchChunked(context.Background(), len(seen), func(wg int) error {
		seen[wg].Add(1)
		return nil
	}))
	for i := range seen {
		assert.Equal(t, int32(1), seen[i].Load(), "workgroup %d", i)
	}
}

func TestDeviceDefaults(t *testing.T) {
	cfg := New(Config{}).Config()
	assert.Equal(t, DefaultMaxWorkgroupsPerDispatch, cfg.MaxWorkgroupsPerDispatch)
	assert.Equal(t, GO, cfg.MemoryType)
	assert.Positive(t, cfg.Workers)
}

func TestBuffer(t *testing.T) {
	dev := New(Config{})

	buf, err := dev.CreateBuffer("test", 64)
	require.NoError(t, err)
	assert.Equal(t, "test", buf.Label())
	assert.Equal(t, uint64(64), buf.Size())
	assert.Equal(t, 16, Len[uint32](buf))
	assert.Equal(t, int64(64), dev.MemoryUsage())

	u := Uint32s(buf)
	u[3] = 0xdeadbeef
	assert.Equal(t, []byte{0xef, 0xbe, 0xad, 0xde}, buf.Bytes()[12:16])
	assert.Equal(t, buf.Bytes()[12:16], AsBytes(u[3:4]))

	require.NoError(t, buf.Release())
	require.NoError(t, buf.Release())
	assert.True(t, buf.Released())
	assert.Nil(t, buf.Bytes())
	assert.Nil(t, Uint32s(buf))
	assert.Zero(t, dev.MemoryUsage())

	empty, err := dev.CreateBuffer("empty", 0)
	require.NoError(t, err)
	assert.Empty(t, Uint32s(empty))
	assert.Equal(t, int64(minAllocSize), dev.MemoryUsage())
	require.NoError(t, empty.Release())
}

func TestBudget(t *testing.T) {
	dev := New(Config{MemoryLimitBytes: 1024})

	a, err := dev.CreateBuffer("a", 768)
	require.NoError(t, err)

	_, err = dev.CreateBuffer("b", 512)
	assert.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, int64(768), dev.MemoryUsage())

	require.NoError(t, a.Release())
	b, err := dev.CreateBuffer("b", 1024)
	require.NoError(t, err)
	require.NoError(t, b.Release())
}

func TestQueueOrder(t *testing.T) {
	q := NewQueue(New(Config{}))
	defer q.Close()

	var order []int
	for i := 0; i < 100; i++ {
		i := i
		q.Submit("append", func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	require.NoError(t, q.Wait(context.Background()))
	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestQueueBufferCommands(t *testing.T) {
	dev := New(Config{})
	q := NewQueue(dev)
	defer q.Close()

	src, err := dev.CreateBuffer("src", 16)
	require.NoError(t, err)
	dst, err := dev.CreateBuffer("dst", 16)
	require.NoError(t, err)

	data := []uint32{1, 2, 3, 4}
	q.WriteBuffer(src, 0, AsBytes(data))
	data[0] = 99
	q.CopyBuffer(src, 4, dst, 0, 12)
	q.ClearBuffer(src, 8, 8)
	require.NoError(t, q.Wait(context.Background()))

	assert.Equal(t, []uint32{1, 2, 0, 0}, Uint32s(src))
	assert.Equal(t, []uint32{2, 3, 4, 0}, Uint32s(dst))

	q.Release(src, dst)
	require.NoError(t, q.Wait(context.Background()))
	assert.True(t, src.Released())
	assert.True(t, dst.Released())
	assert.Zero(t, dev.MemoryUsage())
}

func TestQueueLost(t *testing.T) {
	dev := New(Config{})
	q := NewQueue(dev)
	defer q.Close()

	buf, err := dev.CreateBuffer("small", 8)
	require.NoError(t, err)

	ran := false
	q.ClearBuffer(buf, 0, 64)
	q.Submit("after", func(context.Context) error {
		ran = true
		return nil
	})
	q.Release(buf)

	err = q.Wait(context.Background())
	assert.ErrorIs(t, err, ErrDeviceLost)
	assert.ErrorIs(t, err, ErrOutOfBounds)
	assert.False(t, ran)
	assert.True(t, buf.Released())

	// the queue stays lost
	q.Submit("later", func(context.Context) error { return nil })
	assert.ErrorIs(t, q.Wait(context.Background()), ErrDeviceLost)
	assert.ErrorIs(t, q.Err(), ErrOutOfBounds)
}

func TestQueueDispatchTooLarge(t *testing.T) {
	q := NewQueue(New(Config{MaxWorkgroupsPerDispatch: 4}))
	defer q.Close()

	var n atomic.Int32
	q.DispatchChunked("chunked", 10, func(int) error {
		n.Add(1)
		return nil
	})
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, int32(10), n.Load())

	q.Dispatch("wide", 5, func(int) error { return nil })
	assert.ErrorIs(t, q.Wait(context.Background()), ErrDispatchTooLarge)
}

func TestQueueWaitContext(t *testing.T) {
	q := NewQueue(New(Config{}))

	release := make(chan struct{})
	q.Submit("block", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Wait(ctx), context.DeadlineExceeded)

	close(release)
	assert.NoError(t, q.Wait(context.Background()))
	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Wait(context.Background()), ErrQueueClosed)
}

func TestQueueReleaseAfter(t *testing.T) {
	dev := New(Config{})
	q := NewQueue(dev)
	defer q.Close()

	a, err := dev.CreateBuffer("a", 16)
	require.NoError(t, err)
	q.ReleaseAfter(nil, a, nil)
	assert.True(t, a.Released())

	b, err := dev.CreateBuffer("b", 16)
	require.NoError(t, err)
	gate := make(chan struct{})
	q.Submit("gate", func(context.Context) error {
		<-gate
		return nil
	})
	q.ReleaseAfter(errors.New("abandoned"), b)
	assert.False(t, b.Released())
	close(gate)
	require.NoError(t, q.Wait(context.Background()))
	assert.True(t, b.Released())
}
