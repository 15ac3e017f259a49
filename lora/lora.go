// Package lora implements the Adapter Registry (spec §4.4): a bounded-
// residency, LRU-evicted store of LoRA weight sets keyed by adapter id,
// with a reserved "empty" entry that is never evicted.
//
// The teacher has no working LoRA inference path (runner_model.go:
// "loras are not yet implemented"), so this package has no direct
// teacher file to adapt. It is grounded instead on the shape the
// teacher's own design notes ask for — an ordered map for LRU residency
// (spec §9) — using the same github.com/wk8/go-ordered-map/v2 the
// teacher's api/types_tools.go wraps for its own insertion-ordered map
// (there via an internal/orderedmap shim this pack didn't retrieve), and
// on convert/convert_adapter.go's tensor-dictionary-keyed-by-projection
// loading shape for the Load contract.
package lora

import (
	"errors"
	"fmt"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// AdapterID identifies a LoRA adapter. Empty is the reserved id denoting
// "no adapter"; it always resides and is never evicted.
type AdapterID string

// Empty is the reserved adapter id meaning "no adapter" (spec §3).
const Empty AdapterID = "empty"

// Projection names a linear layer a LoRA can attach to (spec §6).
type Projection string

const (
	ProjQ    Projection = "q"
	ProjK    Projection = "k"
	ProjV    Projection = "v"
	ProjO    Projection = "o"
	ProjGate Projection = "gate"
	ProjUp   Projection = "up"
	ProjDown Projection = "down"
)

// AllProjections enumerates every projection a weight set must cover.
var AllProjections = []Projection{ProjQ, ProjK, ProjV, ProjO, ProjGate, ProjUp, ProjDown}

// Matrix is one rank-r slab for one layer: row-major []float32 of the
// given shape. For an A matrix shape is (r, in); for B, (out, r)
// (spec §6, column-major on the wire, normalized to row-major here).
type Matrix struct {
	Rows, Cols int
	Data       []float32
}

// LayerWeights holds the A and B matrices for one layer of one
// projection.
type LayerWeights struct {
	A, B Matrix
}

// RawTensors is the adapter file's tensor dictionary: one []LayerWeights
// per projection, indexed by layer (spec §6: "{q,k,v,o,gate,up,down}.{A,B}"
// each shaped (num_layers, r, in) or (num_layers, out, r)).
type RawTensors struct {
	Rank        int
	Projections map[Projection][]LayerWeights
}

// WeightSet is a fully-loaded, resident LoRA: rank-r A/B matrices for
// every projection, across all layers, all sharing rank r (spec §3).
type WeightSet struct {
	Rank        int
	Projections map[Projection][]LayerWeights
}

var (
	// ErrAdapterNotFound is returned by EnsureResident/Resolve/Remove when
	// the id is not resident.
	ErrAdapterNotFound = errors.New("lora: adapter not found")
	// ErrAdapterShapeMismatch is returned when a projection's matrices
	// disagree in rank or are missing entirely.
	ErrAdapterShapeMismatch = errors.New("lora: adapter shape mismatch")
	// ErrBackpressure is returned when loading would exceed capacity and
	// no evictable (non-empty, unpinned) entry exists.
	ErrBackpressure = errors.New("lora: registry at capacity, nothing evictable")
)

type resident struct {
	id           AdapterID
	weights      *WeightSet
	pins         int
	lastUsedStep int64
}

// Registry is the bounded LRU store of resident LoRA weight sets.
type Registry struct {
	mu          sync.Mutex
	minRank     int
	capacityFn  func() uint
	entries     *orderedmap.OrderedMap[AdapterID, *resident]
	currentStep int64
}

// New creates a registry with the empty adapter already resident at
// rank r0 = minRank (spec §4.4). capacityFn reports the user-set
// capacity floor; the registry grows it transiently to
// max(capacityFn(), in-use-this-step+2) per spec §4.4.
func New(minRank int, capacityFn func() uint) *Registry {
	r := &Registry{
		minRank:    minRank,
		capacityFn: capacityFn,
		entries:    orderedmap.New[AdapterID, *resident](),
	}
	r.entries.Set(Empty, &resident{id: Empty, weights: emptyWeightSet(minRank), pins: 1})
	return r
}

// emptyWeightSet builds the reserved "empty" adapter: all-zero A/B
// matrices at rank r0 for every projection/layer, so it is a harmless
// no-op when batched alongside real adapters (spec §4.4).
func emptyWeightSet(r0 int) *WeightSet {
	projs := make(map[Projection][]LayerWeights, len(AllProjections))
	for _, p := range AllProjections {
		projs[p] = []LayerWeights{{
			A: Matrix{Rows: r0, Cols: 1, Data: make([]float32, r0)},
			B: Matrix{Rows: 1, Cols: r0, Data: make([]float32, r0)},
		}}
	}
	return &WeightSet{Rank: r0, Projections: projs}
}

// pinnedCount returns how many distinct adapters currently hold a pin,
// used to compute the dynamic capacity floor (spec §4.4).
func (r *Registry) pinnedCount() int {
	n := 0
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.pins > 0 {
			n++
		}
	}
	return n
}

// effectiveCapacity is max(user-set, in-use-this-step+2).
func (r *Registry) effectiveCapacity() int {
	capacity := int(r.capacityFn())
	if floor := r.pinnedCount() + 2; floor > capacity {
		capacity = floor
	}
	return capacity
}

// evictOne removes the single least-recently-used non-empty, unpinned
// entry. Returns false if none exists.
func (r *Registry) evictOne() bool {
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		e := pair.Value
		if e.id == Empty || e.pins > 0 {
			continue
		}
		r.entries.Delete(e.id)
		return true
	}
	return false
}

// promote moves id to the most-recently-used position by re-inserting
// it at the back of the ordered map (Oldest() walks LRU-to-MRU).
func (r *Registry) promote(e *resident) {
	r.entries.Delete(e.id)
	r.entries.Set(e.id, e)
}

// padToMinRank zero-pads A/B matrices from rank r up to rank 2*r when
// r < r0, preserving function (the padded rows/columns are zero, so the
// low-rank update they contribute is unchanged) — spec §4.4.
func padToMinRank(raw *RawTensors, r0 int) (*WeightSet, error) {
	rank := raw.Rank
	targetRank := rank
	if rank < r0 {
		targetRank = 2 * rank
	}

	projs := make(map[Projection][]LayerWeights, len(AllProjections))
	for _, p := range AllProjections {
		layers, ok := raw.Projections[p]
		if !ok || len(layers) == 0 {
			return nil, fmt.Errorf("%w: projection %q missing", ErrAdapterShapeMismatch, p)
		}

		padded := make([]LayerWeights, len(layers))
		for i, lw := range layers {
			if lw.A.Rows != rank || lw.B.Cols != rank {
				return nil, fmt.Errorf("%w: projection %q layer %d rank %d does not match adapter rank %d", ErrAdapterShapeMismatch, p, i, lw.A.Rows, rank)
			}
			if targetRank == rank {
				padded[i] = lw
				continue
			}
			padded[i] = LayerWeights{
				A: padRank(lw.A, targetRank, true),
				B: padRank(lw.B, targetRank, false),
			}
		}
		projs[p] = padded
	}

	return &WeightSet{Rank: targetRank, Projections: projs}, nil
}

// padRank zero-extends a matrix's rank dimension (rows for A, cols for
// B) from its current rank to targetRank.
func padRank(m Matrix, targetRank int, isA bool) Matrix {
	if isA {
		out := Matrix{Rows: targetRank, Cols: m.Cols, Data: make([]float32, targetRank*m.Cols)}
		copy(out.Data, m.Data)
		return out
	}
	out := Matrix{Rows: m.Rows, Cols: targetRank, Data: make([]float32, m.Rows*targetRank)}
	for row := 0; row < m.Rows; row++ {
		copy(out.Data[row*targetRank:row*targetRank+m.Cols], m.Data[row*m.Cols:(row+1)*m.Cols])
	}
	return out
}

// Load installs an adapter's weights, padding its rank if needed and
// evicting LRU residents to make room. Reloading an id that is already
// resident replaces its weights in place, keeping its pins and LRU
// position.
func (r *Registry) Load(id AdapterID, raw *RawTensors) error {
	if id == Empty {
		return fmt.Errorf("%w: %q is reserved", ErrAdapterShapeMismatch, Empty)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	weights, err := padToMinRank(raw, r.minRank)
	if err != nil {
		return err
	}

	if existing, exists := r.entries.Get(id); exists {
		existing.weights = weights
		return nil
	}
	for r.entries.Len() >= r.effectiveCapacity() {
		if !r.evictOne() {
			return fmt.Errorf("%w: loading %q", ErrBackpressure, id)
		}
	}

	e := &resident{id: id, weights: weights, lastUsedStep: r.currentStep}
	r.entries.Set(id, e)
	return nil
}

// EnsureResident pins id so it survives eviction for the remainder of
// the current step, promoting it to most-recently-used. It returns
// ErrAdapterNotFound if id was never loaded (the registry never
// auto-reloads from an external source — admission must Load first).
func (r *Registry) EnsureResident(id AdapterID, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries.Get(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrAdapterNotFound, id)
	}
	e.pins++
	e.lastUsedStep = step
	r.promote(e)
	return nil
}

// Unpin releases one pin taken by EnsureResident for this step. The
// empty adapter's eternal pin is never decremented below 1.
func (r *Registry) Unpin(id AdapterID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries.Get(id)
	if !ok {
		return
	}
	if id == Empty {
		return
	}
	if e.pins > 0 {
		e.pins--
	}
}

// Resolve returns the weight set for id without altering its pin or
// LRU position — used by the Step Loop after planning, once every
// referenced adapter is already pinned.
func (r *Registry) Resolve(id AdapterID) (*WeightSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAdapterNotFound, id)
	}
	return e.weights, nil
}

// Remove evicts a single adapter. Removing Empty is rejected; it is
// never evictable (spec §4.4).
func (r *Registry) Remove(id AdapterID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == Empty {
		return fmt.Errorf("%w: %q is reserved", ErrAdapterShapeMismatch, Empty)
	}
	if _, ok := r.entries.Get(id); !ok {
		return fmt.Errorf("%w: %q", ErrAdapterNotFound, id)
	}
	r.entries.Delete(id)
	return nil
}

// RemoveAll purges every adapter except Empty (spec §4.4).
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var toDelete []AdapterID
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Key != Empty {
			toDelete = append(toDelete, pair.Key)
		}
	}
	for _, id := range toDelete {
		r.entries.Delete(id)
	}
}

// Status is one (id, rank, last_used_step) triple (spec §4.4).
type Status struct {
	ID           AdapterID
	Rank         int
	LastUsedStep int64
}

// Status reports every resident adapter.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Status, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, Status{ID: pair.Value.id, Rank: pair.Value.weights.Rank, LastUsedStep: pair.Value.lastUsedStep})
	}
	return out
}

// IsResident reports whether id currently resides in the registry.
func (r *Registry) IsResident(id AdapterID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries.Get(id)
	return ok
}
