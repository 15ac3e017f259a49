// Package seqcache implements the per-sequence paged KV cache (spec §4.2).
//
// Where the teacher's kvcache.Causal keeps one big cell arena shared by all
// sequences (cellRanges keyed by sequence id, shift() for RoPE
// renumbering), our paged model gives each sequence its own ordered list
// of pages and never renumbers positions — growth is always append-only
// via AcquireOne, matching spec §4.2 exactly. The Ptrs vector plays the
// same role the teacher's CopyPrefix/Remove machinery plays against
// cells: it is the device-resident view the attention kernels consume.
package seqcache

import (
	"fmt"

	"github.com/pagedlora/batchengine/pagepool"
)

// Cache is one sequence's paged KV state: an ordered list of pages plus a
// logical token length.
type Cache struct {
	pool   *pagepool.Pool
	pages  []*pagepool.Page
	seqlen int32
}

// New allocates ⌈initLen/pageLen⌉ pages and sets seqlen to initLen.
func New(pool *pagepool.Pool, initLen int32) (*Cache, error) {
	c := &Cache{pool: pool}
	pageLen := int32(pool.Shape().PageLen)

	numPages := 0
	if initLen > 0 {
		numPages = int((initLen + pageLen - 1) / pageLen)
	}

	for i := 0; i < numPages; i++ {
		pg, err := pool.Alloc()
		if err != nil {
			c.Release()
			return nil, fmt.Errorf("seqcache: new: %w", err)
		}
		c.pages = append(c.pages, pg)
	}
	c.seqlen = initLen
	return c, nil
}

// Seqlen returns the current logical token length.
func (c *Cache) Seqlen() int32 { return c.seqlen }

// NumPages returns the number of pages currently held.
func (c *Cache) NumPages() int { return len(c.pages) }

// LastPageOffset returns ((seqlen-1) mod page_len) + 1 when seqlen > 0,
// and 0 when the sequence is empty (spec §3).
func (c *Cache) LastPageOffset() int32 {
	if c.seqlen == 0 {
		return 0
	}
	pageLen := int32(c.pool.Shape().PageLen)
	return (c.seqlen-1)%pageLen + 1
}

// Ptrs returns the device-resident page address vector in page order, the
// form the Model Executor requires (spec §4.2).
func (c *Cache) Ptrs() []uint64 {
	ptrs := make([]uint64, len(c.pages))
	for i, pg := range c.pages {
		ptrs[i] = pg.Addr
	}
	return ptrs
}

// AcquireOne grows capacity for one more token, allocating a new page
// from the pool only when the current last page is already full (spec
// §4.2). Always increments seqlen by one on success.
func (c *Cache) AcquireOne() error {
	pageLen := int32(c.pool.Shape().PageLen)
	if c.seqlen == 0 || c.LastPageOffset() == pageLen {
		pg, err := c.pool.Alloc()
		if err != nil {
			return fmt.Errorf("seqcache: acquire one: %w", err)
		}
		c.pages = append(c.pages, pg)
	}
	c.seqlen++
	return nil
}

// NeedsNewPage reports whether the next AcquireOne call would need to
// allocate a fresh page from the pool, without mutating any state. The
// Step Loop uses this to decide, before planning, how many decode
// requests can safely proceed this step (spec §4.8 backpressure).
func (c *Cache) NeedsNewPage() bool {
	pageLen := int32(c.pool.Shape().PageLen)
	return c.seqlen == 0 || c.LastPageOffset() == pageLen
}

// Release frees every page back to the pool and clears the cache. Safe
// to call more than once; the second call is a no-op.
func (c *Cache) Release() {
	for _, pg := range c.pages {
		// The pool only reports ErrInvalidPage on a logic error upstream
		// (double free, foreign page) — never expected here since this
		// cache is the page's sole owner (spec §3 Page ownership).
		_ = c.pool.Free(pg)
	}
	c.pages = nil
	c.seqlen = 0
}

// Pool returns the pool this cache draws pages from, so callers (the
// Batch Planner) can verify batched views share one pool (spec §4.3).
func (c *Cache) Pool() *pagepool.Pool { return c.pool }
