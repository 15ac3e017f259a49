// Package batchview builds the read-only, single-step snapshot over a
// set of sequence caches that the Model Executor consumes (spec §4.3).
//
// It plays the role the teacher's forwardBatch plays when it builds
// batch.Positions/batch.Sequences out of per-sequence cache state each
// step (runner_batch.go) — except ours is an explicit, immutable value
// type rather than fields accumulated into input.Batch, since the paged
// model's attention kernels want a flattened page-pointer table instead
// of per-token positions.
package batchview

import (
	"errors"
	"fmt"

	"github.com/pagedlora/batchengine/seqcache"
)

// ErrEmpty is returned when constructing a view over zero sequences; the
// spec requires the input list to be non-empty (§4.3), callers represent
// "no sequences this step" as a nil *View instead.
var ErrEmpty = errors.New("batchview: sequence list must be non-empty")

// ErrMixedPools is returned when the given caches don't all draw from
// the same page pool (spec §4.3 invariant).
var ErrMixedPools = errors.New("batchview: sequences span more than one pool")

// View is the flattened, device-resident snapshot over N sequence
// caches for one model step. It does not own any pages; it is rebuilt
// fresh every step (spec §3).
type View struct {
	Ptrs           []uint64
	Indptr         []int32
	LastPageOffset []int32
}

// New builds a View over the given ordered, non-empty list of sequence
// caches, which must all share one pool.
func New(caches []*seqcache.Cache) (*View, error) {
	if len(caches) == 0 {
		return nil, ErrEmpty
	}

	pool := caches[0].Pool()
	v := &View{
		Indptr:         make([]int32, len(caches)+1),
		LastPageOffset: make([]int32, len(caches)),
	}

	for i, c := range caches {
		if c.Pool() != pool {
			return nil, fmt.Errorf("%w: sequence %d", ErrMixedPools, i)
		}
		v.Ptrs = append(v.Ptrs, c.Ptrs()...)
		v.Indptr[i+1] = v.Indptr[i] + int32(c.NumPages())
		v.LastPageOffset[i] = c.LastPageOffset()
	}

	return v, nil
}

// NumSequences reports how many sequences this view covers.
func (v *View) NumSequences() int {
	if v == nil {
		return 0
	}
	return len(v.LastPageOffset)
}

// PageCount reports the page count of sequence i (indptr[i+1]-indptr[i]).
func (v *View) PageCount(i int) int32 {
	return v.Indptr[i+1] - v.Indptr[i]
}
