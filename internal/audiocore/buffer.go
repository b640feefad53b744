package audiocore

import (
	"sync"
	"sync/atomic"

	"github.com/tphakala/audiomixer/internal/errors"
)

// Pool tier names used for stats and metrics labels
const (
	TierSmall  = "small"
	TierMedium = "medium"
	TierLarge  = "large"
	TierCustom = "custom"
)

// pooledBuffer is a byte buffer handed out by a bufferPool. It belongs to
// one goroutine between Get and the final Release.
type pooledBuffer struct {
	data     []byte
	length   int
	refCount atomic.Int32
	tier     *poolTier
	reused   bool
	pool     *bufferPool
}

func (b *pooledBuffer) Data() []byte { return b.data[:b.length] }
func (b *pooledBuffer) Len() int     { return b.length }
func (b *pooledBuffer) Cap() int     { return cap(b.data) }
func (b *pooledBuffer) Reset()       { b.length = 0 }

// Resize sets the valid length, growing the backing array when needed.
// Existing contents are kept.
func (b *pooledBuffer) Resize(newSize int) error {
	if newSize < 0 {
		return errors.Newf("negative buffer size").
			Component(ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("operation", "buffer_resize").
			Context("new_size", newSize).
			Build()
	}
	if newSize > cap(b.data) {
		grown := make([]byte, newSize)
		copy(grown, b.data[:b.length])
		b.data = grown
	}
	b.data = b.data[:cap(b.data)]
	b.length = newSize
	return nil
}

// Slice returns data[start:end] of the valid region.
func (b *pooledBuffer) Slice(start, end int) ([]byte, error) {
	if start < 0 || start > end || end > b.length {
		return nil, errors.Newf("invalid slice bounds").
			Component(ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("operation", "buffer_slice").
			Context("start", start).
			Context("end", end).
			Context("length", b.length).
			Build()
	}
	return b.data[start:end], nil
}

func (b *pooledBuffer) Acquire() {
	b.refCount.Add(1)
}

// Release returns the buffer to its pool once the last reference is gone.
func (b *pooledBuffer) Release() {
	if b.refCount.Add(-1) == 0 && b.pool != nil {
		b.pool.Put(b)
	}
}

// poolTier serves every request up to size. The custom tier has size 0
// and allocates exact-size buffers that are never pooled.
type poolTier struct {
	name string
	size int
	free sync.Pool

	// guarded by bufferPool.statsMu
	total, active, hits int
	bytes               int64
}

func (t *poolTier) snapshot() BufferPoolStats {
	stats := BufferPoolStats{
		TotalBuffers:   t.total,
		ActiveBuffers:  t.active,
		TotalAllocated: t.bytes,
	}
	if t.total > 0 {
		stats.HitRate = float64(t.hits) / float64(t.total)
	}
	return stats
}

// bufferPool hands out tick read buffers from size tiers.
type bufferPool struct {
	tiers         []*poolTier // ascending size, custom last
	enableMetrics bool
	statsMu       sync.Mutex
}

// NewBufferPool creates a pool with the small, medium and large tiers of
// config plus an unpooled custom tier for anything bigger.
func NewBufferPool(config BufferPoolConfig) BufferPool {
	p := &bufferPool{enableMetrics: config.EnableMetrics}
	for _, tier := range []struct {
		name string
		size int
	}{
		{TierSmall, config.SmallBufferSize},
		{TierMedium, config.MediumBufferSize},
		{TierLarge, config.LargeBufferSize},
		{TierCustom, 0},
	} {
		p.tiers = append(p.tiers, &poolTier{name: tier.name, size: tier.size})
	}
	return p
}

// tierFor must return the custom tier for requests above the large size.
func (p *bufferPool) tierFor(size int) *poolTier {
	for _, t := range p.tiers[:len(p.tiers)-1] {
		if size <= t.size {
			return t
		}
	}
	return p.tiers[len(p.tiers)-1]
}

// Get returns a buffer whose Len is size.
func (p *bufferPool) Get(size int) AudioBuffer {
	size = max(size, 0)
	tier := p.tierFor(size)

	var buf *pooledBuffer
	if tier.size > 0 {
		if v, ok := tier.free.Get().(*pooledBuffer); ok {
			buf = v
			buf.reused = true
		}
	}
	if buf == nil {
		buf = &pooledBuffer{data: make([]byte, max(size, tier.size)), tier: tier, pool: p}
	}
	buf.data = buf.data[:cap(buf.data)]
	buf.length = size
	buf.refCount.Store(1)

	p.statsMu.Lock()
	tier.total++
	tier.active++
	if buf.reused {
		tier.hits++
	} else {
		tier.bytes += int64(cap(buf.data))
	}
	p.statsMu.Unlock()

	if p.enableMetrics {
		GetMetrics().RecordBufferAllocation(tier.name, buf.reused)
	}
	return buf
}

// Put returns a buffer to its tier. Buffers from other pools are ignored.
func (p *bufferPool) Put(buffer AudioBuffer) {
	buf, ok := buffer.(*pooledBuffer)
	if !ok || buf.pool != p {
		return
	}

	p.statsMu.Lock()
	buf.tier.active--
	p.statsMu.Unlock()

	buf.length = 0
	buf.refCount.Store(0)
	if buf.tier.size > 0 {
		buf.tier.free.Put(buf)
	}
}

// Stats sums the counters of every tier.
func (p *bufferPool) Stats() BufferPoolStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	var sum poolTier
	for _, t := range p.tiers {
		sum.total += t.total
		sum.active += t.active
		sum.hits += t.hits
		sum.bytes += t.bytes
	}
	return sum.snapshot()
}

func (p *bufferPool) TierStats(tier string) (BufferPoolStats, bool) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	for _, t := range p.tiers {
		if t.name == tier {
			return t.snapshot(), true
		}
	}
	return BufferPoolStats{}, false
}

// ReportMetrics publishes per-tier stats to the metrics collector.
func (p *bufferPool) ReportMetrics() {
	mc := GetMetrics()
	for _, t := range p.tiers {
		if stats, ok := p.TierStats(t.name); ok {
			mc.RecordBufferPoolStats(t.name, stats)
		}
	}
}
