// Package pagepool implements the fixed-shape KV page allocator (spec §4.1).
//
// A Pool owns a set of identically-shaped Pages tied to one device/dtype.
// Pages are never returned to the OS until the pool itself is destroyed;
// freed pages go back onto an internal free list for reuse. This mirrors
// the teacher's backend-memory model (ml.Backend / kvcache.Causal.Init,
// which pre-sizes one big cell arena rather than allocating per request)
// adapted to page granularity instead of per-token cells.
package pagepool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/v2/lists/arraylist"
)

// Shape describes the fixed tensor shape every page in a pool carries:
// all transformer layers, both K and V, all heads, head dim, for PageLen
// token positions (spec §3 Page).
type Shape struct {
	NumLayers int
	NumHeads  int
	HeadDim   int
	PageLen   int
}

// NumElements is the element count of one page's backing storage
// (num_layers * 2 (K,V) * num_heads * page_len * head_dim).
func (s Shape) NumElements() int {
	return s.NumLayers * 2 * s.NumHeads * s.PageLen * s.HeadDim
}

// Page is one fixed-shape slab of device memory. Addr is the page's
// identity — the spec requires using the raw device address as identity
// (§9 design note) because attention kernels consume a device-resident
// vector of addresses, not host structures. We simulate "device memory"
// with a host-resident float32 slice; a real backend would substitute an
// opaque device pointer here without changing anything above this package.
type Page struct {
	Addr    uint64
	Storage []float32
}

var (
	// ErrPoolExhausted is returned when alloc cannot produce a page.
	ErrPoolExhausted = errors.New("pagepool: exhausted")
	// ErrInvalidPage is returned by Free on an unknown or already-freed page.
	ErrInvalidPage = errors.New("pagepool: invalid page")
)

// Pool is a fixed-capacity set of pages for one device/dtype.
type Pool struct {
	shape Shape

	mu       sync.Mutex
	free     *arraylist.List[*Page]
	live     map[uint64]*Page
	nextAddr uint64
}

// New creates a pool with numPages pages of the given shape, all
// pre-allocated up front (spec §3: "created at engine start").
func New(numPages int, shape Shape) *Pool {
	p := &Pool{
		shape: shape,
		free:  arraylist.New[*Page](),
		live:  make(map[uint64]*Page, numPages),
	}
	for i := 0; i < numPages; i++ {
		p.nextAddr++
		p.free.Add(&Page{Addr: p.nextAddr, Storage: make([]float32, shape.NumElements())})
	}
	return p
}

// Shape reports the fixed page shape for this pool.
func (p *Pool) Shape() Shape { return p.shape }

// NumPages reports the pool's total capacity.
func (p *Pool) NumPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Size() + len(p.live)
}

// Alloc returns one page from the free list, moving it into the pool's
// live set. Returns ErrPoolExhausted when none remain.
func (p *Pool) Alloc() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.free.Size()
	if n == 0 {
		return nil, ErrPoolExhausted
	}

	pg, _ := p.free.Get(n - 1)
	p.free.Remove(n - 1)
	p.live[pg.Addr] = pg
	return pg, nil
}

// Free returns a page to the pool. Calling Free on a page not currently
// live (unknown address, or double free) fails with ErrInvalidPage; this
// is a diagnostic-only condition per spec §4.1, never user-visible.
func (p *Pool) Free(pg *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.live[pg.Addr]; !ok {
		return fmt.Errorf("%w: addr=%d", ErrInvalidPage, pg.Addr)
	}
	delete(p.live, pg.Addr)
	p.free.Add(pg)
	return nil
}

// LiveCount reports how many pages are currently allocated out of the pool.
func (p *Pool) LiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

// FreePages reports how many pages are available for allocation right
// now. The Step Loop uses this to decide how many decode requests can
// safely acquire a new page before planning (spec §4.8 backpressure).
func (p *Pool) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Size()
}
