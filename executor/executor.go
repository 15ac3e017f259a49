// Package executor defines the opaque Model Executor boundary (spec §6):
// the transformer forward pass, attention kernels, LoRA grouped GEMM,
// RMSNorm, and KV-write kernels are all out of scope — the engine only
// ever calls Forward once per step and consumes its logits.
//
// Grounded on the teacher's forwardBatch/computeBatch split
// (runner/ollamarunner/runner_batch.go, runner_compute.go), which
// invokes the ml.Context compute graph once per step and returns a
// logits tensor; this package generalizes that single call boundary to
// the paged/LoRA-aware contract spec §6 specifies instead of the
// teacher's ml.Tensor-shaped return.
package executor

import (
	"context"
	"errors"

	"github.com/pagedlora/batchengine/batchview"
	"github.com/pagedlora/batchengine/lora"
)

// ErrExecutorFailure is a sentinel an Executor may wrap its Forward
// errors in. The Step Loop treats every Forward error as spec §7's
// ExecutorFailure, whether or not it wraps this value.
var ErrExecutorFailure = errors.New("executor: forward pass failed")

// BatchLengths is the `blen` argument of the Model Executor contract
// (spec §6): prefill lengths, the decode slot count, their prefix-sum
// indptr, and doff, the index of the first decode slot in input_ids.
type BatchLengths struct {
	PrefillLens []int32
	Decode      int
	Indptr      []int32
	Doff        int
}

// AdapterRuns is the run-length encoding of adapter ids across the
// whole slot sequence (spec §6, §9): Segment[i+1]-Segment[i] == Lens[i].
type AdapterRuns struct {
	IDs     []lora.AdapterID
	Lens    []int32
	Segment []int32
	Weights []*lora.WeightSet
	Rank    int
}

// Executor is the Model Executor boundary (spec §6). Forward must
// return a logits tensor of shape (doff+decode, vocab); either view may
// be nil when its group (prefill or decode) is empty for this step.
type Executor interface {
	Forward(ctx context.Context, inputIDs []int32, blen BatchLengths, prefillView, decodeView *batchview.View, runs AdapterRuns) ([]float32, error)
	VocabSize() int
	// SupportsAsync reports whether this executor can overlap host-side
	// planning for step N+1 with device compute for step N (spec §5,
	// §9's async-overlap note). A synchronous reference executor (or a
	// fake one used in tests) reports false.
	SupportsAsync() bool
}
