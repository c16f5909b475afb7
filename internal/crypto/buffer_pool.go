package crypto

import (
	"context"
	"sync"
	"sync/atomic"
)

// blockSize is the size of one plaintext encryption block. Chunks are
// encrypted and decrypted one block at a time so memory use stays flat
// regardless of file size.
const blockSize = 16 * 1024 * 1024

// blockOverhead is the GCM tag appended to every sealed block.
const blockOverhead = 16

// BufferPool provides thread-safe pooling of byte buffers to reduce allocations.
// Buffers are zeroized before returning to pools to prevent data leakage.
type BufferPool struct {
	pool4     *sync.Pool // 4-byte buffers (manifest record length prefixes)
	pool16    *sync.Pool // 16-byte buffers (GCM nonces, salts, AES-128 keys)
	pool32    *sync.Pool // 32-byte buffers (SHA-256 hashes)
	poolBlock *sync.Pool // blockSize+overhead buffers (streaming cipher blocks)

	// Metrics for monitoring pool performance
	hits4, misses4         int64
	hits16, misses16       int64
	hits32, misses32       int64
	hitsBlock, missesBlock int64
}

// Global buffer pool instance
var globalBufferPool = &BufferPool{
	pool4: &sync.Pool{
		New: func() interface{} { return make([]byte, 4) },
	},
	pool16: &sync.Pool{
		New: func() interface{} { return make([]byte, 16) },
	},
	pool32: &sync.Pool{
		New: func() interface{} { return make([]byte, 32) },
	},
	poolBlock: &sync.Pool{
		New: func() interface{} { return make([]byte, blockSize+blockOverhead) },
	},
}

// GetGlobalBufferPool returns the global buffer pool instance.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// Get returns a buffer of the requested size from the appropriate pool if available.
// If no pool matches the size, a new buffer is allocated.
func (p *BufferPool) Get(size int) []byte {
	switch size {
	case 32:
		return p.Get32()
	case 16:
		return p.Get16()
	case 4:
		return p.Get4()
	}

	if size <= blockSize+blockOverhead && size > 32 {
		buf := p.GetBlock()
		if cap(buf) >= size {
			return buf[:size]
		}
	}

	return make([]byte, size)
}

// Put returns a buffer to the appropriate pool if it matches a pool size.
// The buffer is zeroized before being returned to the pool.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	if c >= blockSize && c <= blockSize+blockOverhead {
		p.PutBlock(buf)
		return
	}
	if c == 32 {
		p.Put32(buf)
		return
	}
	if c == 16 {
		p.Put16(buf)
		return
	}
	if c == 4 {
		p.Put4(buf)
		return
	}
	// If size doesn't match any pool, let GC handle it
}

// Get4 returns a 4-byte buffer from the pool.
func (p *BufferPool) Get4() []byte {
	if buf := p.pool4.Get(); buf != nil {
		atomic.AddInt64(&p.hits4, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses4, 1)
	return make([]byte, 4)
}

// Put4 returns a 4-byte buffer to the pool after zeroizing it.
func (p *BufferPool) Put4(buf []byte) {
	if cap(buf) != 4 {
		return // Don't pool incorrectly sized buffers
	}
	for i := range buf {
		buf[i] = 0
	}
	p.pool4.Put(buf)
}

// Get16 returns a 16-byte buffer from the pool.
func (p *BufferPool) Get16() []byte {
	if buf := p.pool16.Get(); buf != nil {
		atomic.AddInt64(&p.hits16, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses16, 1)
	return make([]byte, 16)
}

// Put16 returns a 16-byte buffer to the pool after zeroizing it.
func (p *BufferPool) Put16(buf []byte) {
	if cap(buf) != 16 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.pool16.Put(buf)
}

// Get32 returns a 32-byte buffer from the pool.
func (p *BufferPool) Get32() []byte {
	if buf := p.pool32.Get(); buf != nil {
		atomic.AddInt64(&p.hits32, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses32, 1)
	return make([]byte, 32)
}

// Put32 returns a 32-byte buffer to the pool after zeroizing it.
func (p *BufferPool) Put32(buf []byte) {
	if cap(buf) != 32 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.pool32.Put(buf)
}

// GetBlock returns a blockSize-class buffer from the pool.
func (p *BufferPool) GetBlock() []byte {
	if buf := p.poolBlock.Get(); buf != nil {
		atomic.AddInt64(&p.hitsBlock, 1)
		return buf.([]byte)
	}
	atomic.AddInt64(&p.missesBlock, 1)
	return make([]byte, blockSize+blockOverhead)
}

// PutBlock returns a blockSize-class buffer to the pool after zeroizing it.
func (p *BufferPool) PutBlock(buf []byte) {
	if cap(buf) < blockSize {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	p.poolBlock.Put(buf)
}

// GetMetrics returns current pool metrics.
func (p *BufferPool) GetMetrics() BufferPoolMetrics {
	return BufferPoolMetrics{
		Hits4:       atomic.LoadInt64(&p.hits4),
		Misses4:     atomic.LoadInt64(&p.misses4),
		Hits16:      atomic.LoadInt64(&p.hits16),
		Misses16:    atomic.LoadInt64(&p.misses16),
		Hits32:      atomic.LoadInt64(&p.hits32),
		Misses32:    atomic.LoadInt64(&p.misses32),
		HitsBlock:   atomic.LoadInt64(&p.hitsBlock),
		MissesBlock: atomic.LoadInt64(&p.missesBlock),
	}
}

// BufferPoolMetrics contains pool performance metrics.
type BufferPoolMetrics struct {
	Hits4, Misses4         int64
	Hits16, Misses16       int64
	Hits32, Misses32       int64
	HitsBlock, MissesBlock int64
}

// HitRate4 returns the hit rate for 4-byte buffers.
func (m BufferPoolMetrics) HitRate4() float64 {
	total := m.Hits4 + m.Misses4
	if total == 0 {
		return 0
	}
	return float64(m.Hits4) / float64(total)
}

// HitRate16 returns the hit rate for 16-byte buffers.
func (m BufferPoolMetrics) HitRate16() float64 {
	total := m.Hits16 + m.Misses16
	if total == 0 {
		return 0
	}
	return float64(m.Hits16) / float64(total)
}

// HitRate32 returns the hit rate for 32-byte buffers.
func (m BufferPoolMetrics) HitRate32() float64 {
	total := m.Hits32 + m.Misses32
	if total == 0 {
		return 0
	}
	return float64(m.Hits32) / float64(total)
}

// HitRateBlock returns the hit rate for blockSize-class buffers.
func (m BufferPoolMetrics) HitRateBlock() float64 {
	total := m.HitsBlock + m.MissesBlock
	if total == 0 {
		return 0
	}
	return float64(m.HitsBlock) / float64(total)
}

// Reset resets all metrics counters to zero.
func (p *BufferPool) Reset() {
	atomic.StoreInt64(&p.hits4, 0)
	atomic.StoreInt64(&p.misses4, 0)
	atomic.StoreInt64(&p.hits16, 0)
	atomic.StoreInt64(&p.misses16, 0)
	atomic.StoreInt64(&p.hits32, 0)
	atomic.StoreInt64(&p.misses32, 0)
	atomic.StoreInt64(&p.hitsBlock, 0)
	atomic.StoreInt64(&p.missesBlock, 0)
}

// BoundedQueue provides a bounded queue for streaming data with backpressure.
// It supports context-aware cancellation and blocking/non-blocking operations.
type BoundedQueue struct {
	buffer   []byte
	size     int
	maxSize  int
	pos      int
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBoundedQueue creates a new bounded queue with the specified maximum size.
func NewBoundedQueue(maxSize int) *BoundedQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &BoundedQueue{
		buffer:  make([]byte, maxSize),
		maxSize: maxSize,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// NewBoundedQueueWithContext creates a new bounded queue with context support.
func NewBoundedQueueWithContext(ctx context.Context, maxSize int) *BoundedQueue {
	ctx, cancel := context.WithCancel(ctx)
	q := &BoundedQueue{
		buffer:  make([]byte, maxSize),
		maxSize: maxSize,
		ctx:     ctx,
		cancel:  cancel,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Write adds data to the queue, blocking if the queue is full.
// Returns the number of bytes written and any error.
func (q *BoundedQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	totalWritten := 0

	for len(p) > 0 {
		for q.size == q.maxSize && !q.closed {
			select {
			case <-q.ctx.Done():
				return totalWritten, q.ctx.Err()
			default:
				q.notFull.Wait()
			}
		}

		if q.closed {
			return totalWritten, context.Canceled
		}

		available := q.maxSize - q.size
		if available == 0 {
			continue
		}

		toWrite := len(p)
		if toWrite > available {
			toWrite = available
		}

		endPos := (q.pos + q.size) % q.maxSize
		copyLen := toWrite
		if endPos+copyLen > q.maxSize {
			copyLen = q.maxSize - endPos
		}

		copy(q.buffer[endPos:], p[:copyLen])
		q.size += copyLen
		totalWritten += copyLen
		p = p[copyLen:]

		q.notEmpty.Signal()
	}

	return totalWritten, nil
}

// Read reads data from the queue, blocking if the queue is empty.
// Returns the number of bytes read and any error.
func (q *BoundedQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	totalRead := 0

	for len(p) > 0 {
		for q.size == 0 && !q.closed {
			select {
			case <-q.ctx.Done():
				return totalRead, q.ctx.Err()
			default:
				q.notEmpty.Wait()
			}
		}

		if q.closed && q.size == 0 {
			return totalRead, context.Canceled
		}

		toRead := len(p)
		if toRead > q.size {
			toRead = q.size
		}

		if toRead == 0 {
			break
		}

		copyLen := toRead
		if q.pos+copyLen > q.maxSize {
			copyLen = q.maxSize - q.pos
		}

		copy(p[:copyLen], q.buffer[q.pos:])
		q.pos = (q.pos + copyLen) % q.maxSize
		q.size -= copyLen
		totalRead += copyLen
		p = p[copyLen:]

		q.notFull.Signal()
	}

	return totalRead, nil
}

// Close closes the queue, unblocking all waiting operations.
func (q *BoundedQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cancel()
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// Size returns the current number of bytes in the queue.
func (q *BoundedQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// IsClosed returns true if the queue is closed.
func (q *BoundedQueue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
