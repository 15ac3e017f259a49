// Package planner implements the Batch Planner (C7, spec §4.7): it
// partitions active requests into prefill/decode groups, stable-sorts
// each partition by adapter id, and assembles the flat input-id vector,
// prefill length prefix-sum, batched cache views, and the adapter
// run-length encoding the Model Executor consumes.
//
// Grounded on the teacher's forwardBatch assembly loop
// (runner/ollamarunner/runner_batch.go): a single pass over active
// sequences building parallel batchInputs/batch.Positions/
// batch.Sequences slices, with logutil.Trace calls at the same points
// the teacher traces (slot index assignment, empty-batch short-circuit)
// — generalized here to emit the paged-view/adapter-RLE shape spec §4.7
// requires instead of the teacher's single flat ml.Tensor batch.
package planner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/pagedlora/batchengine/batchview"
	"github.com/pagedlora/batchengine/executor"
	"github.com/pagedlora/batchengine/internal/logutil"
	"github.com/pagedlora/batchengine/lora"
	"github.com/pagedlora/batchengine/request"
	"github.com/pagedlora/batchengine/seqcache"
)

// ErrNoActiveRequests is returned by Plan when given an empty slice. The
// Step Loop (spec §4.8) parks while its active table is empty, but it
// still calls Plan with an empty batch when every active request was
// deferred for lack of pages, and then skips that step.
var ErrNoActiveRequests = errors.New("planner: no active requests")

// Slot records which request occupies batch position i and its phase,
// the Batch Plan's (d) component (spec §3).
type Slot struct {
	Request *request.Request
	Phase   request.Phase
}

// Plan is the per-step Batch Plan (spec §3, §4.7).
type Plan struct {
	Slots        []Slot
	InputIDs     []int32
	PrefillLens  []int32
	Indptr       []int32
	Doff         int
	PrefillView  *batchview.View
	DecodeView   *batchview.View
	AdapterRuns  executor.AdapterRuns
	PrefillCount int
	DecodeCount  int
}

// BatchLengths projects the plan's length bookkeeping into the shape
// the Executor contract expects (spec §6).
func (p *Plan) BatchLengths() executor.BatchLengths {
	return executor.BatchLengths{
		PrefillLens: p.PrefillLens,
		Decode:      p.DecodeCount,
		Indptr:      p.Indptr,
		Doff:        p.Doff,
	}
}

// Registry is the subset of lora.Registry the planner needs: resolving
// an adapter's weight set for the run-length descriptor.
type Registry interface {
	Resolve(id lora.AdapterID) (*lora.WeightSet, error)
}

// Plan partitions active into prefill/decode, stable-sorts each
// partition by adapter id, and builds the full Batch Plan (spec §4.7).
// Every request in active must already have its adapter pinned by the
// caller (spec §4.8 step 2) before Plan is called.
func Plan(active []*request.Request, reg Registry, minRank int) (*Plan, error) {
	if len(active) == 0 {
		return nil, ErrNoActiveRequests
	}

	var prefill, decode []*request.Request
	for _, r := range active {
		if r.Phase() == request.Prefill {
			prefill = append(prefill, r)
		} else {
			decode = append(decode, r)
		}
	}

	sort.SliceStable(prefill, func(i, j int) bool { return prefill[i].AdapterID < prefill[j].AdapterID })
	sort.SliceStable(decode, func(i, j int) bool { return decode[i].AdapterID < decode[j].AdapterID })

	plan := &Plan{
		PrefillCount: len(prefill),
		DecodeCount:  len(decode),
	}
	plan.Indptr = make([]int32, len(prefill)+1)

	for i, r := range prefill {
		plan.InputIDs = append(plan.InputIDs, r.PromptTokenIDs...)
		plan.PrefillLens = append(plan.PrefillLens, int32(len(r.PromptTokenIDs)))
		plan.Indptr[i+1] = plan.Indptr[i] + int32(len(r.PromptTokenIDs))
		plan.Slots = append(plan.Slots, Slot{Request: r, Phase: request.Prefill})
	}
	plan.Doff = int(plan.Indptr[len(prefill)])

	for _, r := range decode {
		if err := r.Cache.AcquireOne(); err != nil {
			return nil, fmt.Errorf("planner: acquiring decode page for %s: %w", r.ID, err)
		}
		lastID := r.OutputTokenIDs[len(r.OutputTokenIDs)-1]
		plan.InputIDs = append(plan.InputIDs, lastID)
		plan.Slots = append(plan.Slots, Slot{Request: r, Phase: request.Decode})
	}

	if len(prefill) > 0 {
		view, err := batchview.New(cachesOf(prefill))
		if err != nil {
			return nil, fmt.Errorf("planner: building prefill view: %w", err)
		}
		plan.PrefillView = view
	}
	if len(decode) > 0 {
		view, err := batchview.New(cachesOf(decode))
		if err != nil {
			return nil, fmt.Errorf("planner: building decode view: %w", err)
		}
		plan.DecodeView = view
	}

	runs, err := buildAdapterRuns(plan.Slots, reg, minRank)
	if err != nil {
		return nil, err
	}
	plan.AdapterRuns = runs

	logutil.Trace("planner.Plan", "prefill", len(prefill), "decode", len(decode), "doff", plan.Doff, "total_input_ids", len(plan.InputIDs))

	return plan, nil
}

// cachesOf projects a request slice into its sequence-cache slice, the
// shape batchview.New wants.
func cachesOf(reqs []*request.Request) []*seqcache.Cache {
	caches := make([]*seqcache.Cache, len(reqs))
	for i, r := range reqs {
		caches[i] = r.Cache
	}
	return caches
}

// buildAdapterRuns computes the run-length encoding of adapter ids
// across the full slot sequence (spec §4.7, §9): consecutive slots
// sharing an adapter id collapse into one (id, count) pair, and Segment
// is its prefix sum.
func buildAdapterRuns(slots []Slot, reg Registry, minRank int) (executor.AdapterRuns, error) {
	runs := executor.AdapterRuns{Rank: minRank}
	if len(slots) == 0 {
		return runs, nil
	}

	currentID := slots[0].Request.AdapterID
	count := int32(0)
	flush := func() error {
		weights, err := reg.Resolve(currentID)
		if err != nil {
			return fmt.Errorf("planner: resolving adapter %q: %w", currentID, err)
		}
		runs.IDs = append(runs.IDs, currentID)
		runs.Lens = append(runs.Lens, count)
		runs.Weights = append(runs.Weights, weights)
		return nil
	}

	for _, s := range slots {
		if s.Request.AdapterID != currentID {
			if err := flush(); err != nil {
				return executor.AdapterRuns{}, err
			}
			currentID = s.Request.AdapterID
			count = 0
		}
		count++
	}
	if err := flush(); err != nil {
		return executor.AdapterRuns{}, err
	}

	runs.Segment = make([]int32, len(runs.Lens)+1)
	for i, l := range runs.Lens {
		runs.Segment[i+1] = runs.Segment[i] + l
	}

	return runs, nil
}
