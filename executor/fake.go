package executor

import (
	"context"

	"github.com/x448/float16"

	"github.com/pagedlora/batchengine/batchview"
)

// Fake is a deterministic, GPU-free Executor for tests: it produces
// logits that put all mass on a token derived from the last input id of
// each slot, so planner/sampler/step-loop tests can assert exact output
// sequences without a real model.
//
// Logits are round-tripped through float16 (Fromfloat32/Float32, same
// API the teacher's mlx backend uses to move tensors on and off the
// device, x/ml/backend/mlx/array.go) to exercise the precision-loss
// path a real device executor would also have, even though this fake
// never leaves host memory.
type Fake struct {
	vocab int
}

// NewFake builds a Fake executor with the given vocabulary size.
func NewFake(vocab int) *Fake {
	return &Fake{vocab: vocab}
}

func (f *Fake) VocabSize() int { return f.vocab }

func (f *Fake) SupportsAsync() bool { return false }

// Forward assigns slot i's predicted next-token id as
// (lastInputIDOfSlot(i) + 1) mod vocab, with a sharp one-hot logit
// distribution so greedy sampling always reproduces it exactly.
func (f *Fake) Forward(_ context.Context, inputIDs []int32, blen BatchLengths, _, _ *batchview.View, _ AdapterRuns) ([]float32, error) {
	total := blen.Doff + blen.Decode
	logits := make([]float32, total*f.vocab)

	slot := 0
	for i := 0; i < len(blen.PrefillLens); i++ {
		lastIdx := int(blen.Indptr[i+1]) - 1
		f.writeOneHot(logits, slot, lastInputID(inputIDs, lastIdx))
		slot++
	}
	for j := 0; j < blen.Decode; j++ {
		idx := blen.Doff + j
		f.writeOneHot(logits, slot, lastInputID(inputIDs, idx))
		slot++
	}
	return logits, nil
}

func lastInputID(inputIDs []int32, idx int) int32 {
	if idx < 0 || idx >= len(inputIDs) {
		return 0
	}
	return inputIDs[idx]
}

func (f *Fake) writeOneHot(logits []float32, slot int, lastID int32) {
	predicted := (int(lastID) + 1) % f.vocab
	row := logits[slot*f.vocab : (slot+1)*f.vocab]
	for i := range row {
		row[i] = roundTripFloat16(-10)
	}
	row[predicted] = roundTripFloat16(10)
}

// roundTripFloat16 forces a value through the float16 encoding the
// teacher's device-memory path uses, surfacing any precision loss in
// test assertions rather than hiding it behind pure float32 math.
func roundTripFloat16(v float32) float32 {
	return float16.Fromfloat32(v).Float32()
}
