package device

import (
	"context"
	"fmt"
	"sync"
)

type command struct {
	label string
	run   func(ctx context.Context) error
	done  chan struct{}
	// always runs even on a lost queue
	always bool
}

// Queue executes submitted commands one after another in submission order.
// Submitting never blocks; Wait is the only synchronization point with the
// host. There is no cancellation: once submitted, a command runs.
//
// The first failing command loses the queue. Every later command is skipped
// and Wait reports an error wrapping ErrDeviceLost.
type Queue struct {
	dev     *Device
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	cond    *sync.Cond
	pending []command
	closed  bool
	err     error
	stopped chan struct{}
}

func NewQueue(dev *Device) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		dev:     dev,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

func (q *Queue) Device() *Device {
	return q.dev
}

func (q *Queue) loop() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		cmd := q.pending[0]
		q.pending[0] = command{}
		q.pending = q.pending[1:]
		lost := q.err != nil
		q.mu.Unlock()

		if cmd.run != nil && (!lost || cmd.always) {
			if err := cmd.run(q.ctx); err != nil {
				q.mu.Lock()
				if q.err == nil {
					q.err = fmt.Errorf("%w: %s: %w", ErrDeviceLost, cmd.label, err)
				}
				q.mu.Unlock()
			}
		}
		if cmd.done != nil {
			close(cmd.done)
		}
	}
}

func (q *Queue) enqueue(cmd command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.pending = append(q.pending, cmd)
	q.cond.Signal()
	return true
}

// Submit appends a command to the queue. Commands submitted after Close are
// dropped.
func (q *Queue) Submit(label string, run func(ctx context.Context) error) {
	q.enqueue(command{label: label, run: run})
}

// Wait blocks until every command submitted before it has executed and
// returns the queue error, if any. A done ctx only abandons the wait.
func (q *Queue) Wait(ctx context.Context) error {
	done := make(chan struct{})
	if !q.enqueue(command{label: "wait", done: done}) {
		return ErrQueueClosed
	}
	select {
	case <-done:
		return q.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err the error that lost the queue, nil while the queue is healthy.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Close drains the queue and stops its goroutine.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return nil
	}
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.stopped
	q.cancel()
	return nil
}

// Dispatch submits a single dispatch, rejected at execution time when it
// is wider than the breadth ceiling.
func (q *Queue) Dispatch(label string, workgroups int, kernel Kernel) {
	q.Submit(label, func(ctx context.Context) error {
		return q.dev.Dispatch(ctx, workgroups, kernel)
	})
}

// DispatchChunked submits one dispatch per window of at most
// MaxWorkgroupsPerDispatch workgroups. Windows write disjoint ranges so their
// order does not matter.
func (q *Queue) DispatchChunked(label string, workgroups int, kernel Kernel) {
	limit := q.dev.cfg.MaxWorkgroupsPerDispatch
	for base := 0; base < workgroups; base += limit {
		q.Dispatch(label, min(limit, workgroups-base), offsetKernel(kernel, base))
	}
}

// CopyBuffer copies size bytes from src at srcOffset into dst at dstOffset.
func (q *Queue) CopyBuffer(src *Buffer, srcOffset uint64, dst *Buffer, dstOffset, size uint64) {
	q.Submit("copy "+src.label+" -> "+dst.label, func(context.Context) error {
		if srcOffset+size > src.size || dstOffset+size > dst.size {
			return fmt.Errorf("%w: copy %d bytes from %s[%d:%d] to %s[%d:%d]", ErrOutOfBounds,
				size, src.label, srcOffset, src.size, dst.label, dstOffset, dst.size)
		}
		s, d := src.Bytes(), dst.Bytes()
		if s == nil || d == nil {
			return ErrBufferReleased
		}
		copy(d[dstOffset:dstOffset+size], s[srcOffset:srcOffset+size])
		return nil
	})
}

// ClearBuffer zeroes size bytes of b starting at offset.
func (q *Queue) ClearBuffer(b *Buffer, offset, size uint64) {
	q.Submit("clear "+b.label, func(context.Context) error {
		if offset+size > b.size {
			return fmt.Errorf("%w: clear %s[%d:%d] of %d bytes", ErrOutOfBounds, b.label, offset, offset+size, b.size)
		}
		data := b.Bytes()
		if data == nil {
			return ErrBufferReleased
		}
		clear(data[offset : offset+size])
		return nil
	})
}

// WriteBuffer copies data now and writes it into b when the command runs.
func (q *Queue) WriteBuffer(b *Buffer, offset uint64, data []byte) {
	staged := make([]byte, len(data))
	copy(staged, data)
	q.Submit("write "+b.label, func(context.Context) error {
		if offset+uint64(len(staged)) > b.size {
			return fmt.Errorf("%w: write %d bytes at %d into %s of %d bytes", ErrOutOfBounds, len(staged), offset, b.label, b.size)
		}
		dst := b.Bytes()
		if dst == nil {
			return ErrBufferReleased
		}
		copy(dst[offset:], staged)
		return nil
	})
}

// Release frees buffers after every previously submitted command has run,
// including on a lost queue.
func (q *Queue) Release(bufs ...*Buffer) {
	pending := make([]*Buffer, 0, len(bufs))
	for _, b := range bufs {
		if b != nil {
			pending = append(pending, b)
		}
	}
	if len(pending) == 0 {
		return
	}
	release := func(context.Context) error {
		for _, b := range pending {
			_ = b.Release()
		}
		return nil
	}
	if !q.enqueue(command{label: "release", run: release, always: true}) {
		_ = release(context.Background())
	}
}

// ReleaseAfter frees call private buffers at the end of a call. A nil err
// means the call drained the queue and the buffers are freed right away,
// otherwise the release is queued behind work that may still use them.
func (q *Queue) ReleaseAfter(err error, bufs ...*Buffer) {
	if err != nil {
		q.Release(bufs...)
		return
	}
	for _, b := range bufs {
		if b != nil {
			_ = b.Release()
		}
	}
}
