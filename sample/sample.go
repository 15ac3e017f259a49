// Package sample implements the Sampler (C6, spec §4.6): repetition
// penalty, temperature scaling, nucleus (top-p) and top-k filtering,
// then either greedy argmax or multinomial sampling, with a
// deterministic lowest-token-id tie-break on argmax.
//
// Field naming is grounded on the teacher's api.Options
// (Temperature/TopK/TopP/RepeatPenalty, api/types_options.go); the
// filtering algorithm itself has no teacher equivalent (the teacher
// delegates sampling to a cgo llama.cpp sampler, llama/llama_sampling.go)
// so the nucleus/top-k math here is rebuilt in pure Go, using
// gonum.org/v1/gonum/stat for the cumulative sum behind the nucleus
// cutoff (softmax itself is computed directly), the idiomatic
// choice given the teacher's dependency pack already carries gonum
// for numeric routines elsewhere in the module.
package sample

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ErrInvalidParams is returned by Params.Validate.
var ErrInvalidParams = errors.New("sample: invalid sampler params")

// Params is one request's sampling configuration (spec §4.6).
type Params struct {
	Temperature       float32
	TopK              int
	TopP              float32
	RepetitionPenalty float32
	Seed              uint64
}

// Validate rejects negative/NaN configuration that would make sampling
// ill-defined; it does not reject temperature<=0 or top_p<=0 since those
// are meaningful "go greedy" signals (spec §4.6), nor top_k<=0 (meaning
// "no top-k filter").
func (p Params) Validate() error {
	if math.IsNaN(float64(p.Temperature)) {
		return fmt.Errorf("%w: temperature is NaN", ErrInvalidParams)
	}
	if math.IsNaN(float64(p.TopP)) {
		return fmt.Errorf("%w: top_p is NaN", ErrInvalidParams)
	}
	if p.TopP > 1 {
		return fmt.Errorf("%w: top_p %f exceeds 1", ErrInvalidParams, p.TopP)
	}
	if p.RepetitionPenalty < 0 {
		return fmt.Errorf("%w: repetition_penalty %f is negative", ErrInvalidParams, p.RepetitionPenalty)
	}
	return nil
}

// Sampler turns a logit vector into one token id, per spec §4.6.
type Sampler struct {
	rng *rand.Rand
}

// New creates a Sampler. seed fixes the multinomial draw for
// reproducible tests; production callers may seed from crypto/rand
// output folded into an int64.
func New(seed int64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewSource(seed))}
}

// Sample selects one token id from logits given params and the
// request's prior output token ids (for repetition penalty), alongside
// the log-probability of that token within the same restricted
// (top-p/top-k) distribution it was drawn from. Grounded on the
// teacher's calculateLogprobs (runner_batch.go), which reports the
// sampled token's logprob off a top-K-restricted distribution rather
// than leaving it a stub (spec §8's stream event shape's logprob?).
func (s *Sampler) Sample(logits []float32, outputTokenIDs []int32, params Params) (int32, float32, error) {
	if len(logits) == 0 {
		return 0, 0, fmt.Errorf("sample: empty logit vector")
	}

	working := append([]float32(nil), logits...)

	if params.RepetitionPenalty > 1 {
		applyRepetitionPenalty(working, outputTokenIDs, params.RepetitionPenalty)
	}

	greedy := params.Temperature <= 0 || params.TopP <= 0

	if !greedy && params.Temperature != 1 {
		applyTemperature(working, params.Temperature)
	}

	if greedy {
		keep := allIndices(len(working))
		if params.TopK > 0 {
			keep = topKFilter(working, keep, params.TopK)
		}
		tokenID := argmaxLowestID(working)
		return tokenID, logprobOf(working, keep, tokenID), nil
	}

	keep := allIndices(len(working))
	if params.TopP > 0 && params.TopP < 1 {
		keep = topPFilter(working, keep, params.TopP)
	}
	if params.TopK > 0 {
		keep = topKFilter(working, keep, params.TopK)
	}

	tokenID := s.sampleFromSubset(working, keep)
	return tokenID, logprobOf(working, keep, tokenID), nil
}

// logprobOf returns the natural-log probability of tokenID under the
// softmax distribution restricted to idx, the same subset Sample drew
// from. tokenID is always a member of idx by construction.
func logprobOf(logits []float32, idx []int, tokenID int32) float32 {
	probs := softmaxOver(logits, idx)
	for i, ix := range idx {
		if int32(ix) == tokenID {
			return float32(math.Log(probs[i]))
		}
	}
	return float32(math.Inf(-1))
}

// applyRepetitionPenalty divides positive logits and multiplies
// negative logits of previously-seen tokens by penalty (canonical
// formulation, spec §4.6).
func applyRepetitionPenalty(logits []float32, outputTokenIDs []int32, penalty float32) {
	seen := make(map[int32]bool, len(outputTokenIDs))
	for _, id := range outputTokenIDs {
		seen[id] = true
	}
	for id := range seen {
		if int(id) < 0 || int(id) >= len(logits) {
			continue
		}
		if logits[id] > 0 {
			logits[id] /= penalty
		} else {
			logits[id] *= penalty
		}
	}
}

func applyTemperature(logits []float32, temperature float32) {
	for i := range logits {
		logits[i] /= temperature
	}
}

// argmaxLowestID returns the index of the maximum logit, breaking ties
// by lowest index (spec §4.6 determinism requirement).
func argmaxLowestID(logits []float32) int32 {
	bestIdx := 0
	bestVal := logits[0]
	for i, v := range logits[1:] {
		idx := i + 1
		if v > bestVal {
			bestVal = v
			bestIdx = idx
		}
	}
	return int32(bestIdx)
}

func allIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// softmaxOver computes softmax probabilities restricted to the given
// indices (gonum's stat.CumulativeSum drives the nucleus cutoff below).
func softmaxOver(logits []float32, idx []int) []float64 {
	vals := make([]float64, len(idx))
	maxV := math.Inf(-1)
	for i, ix := range idx {
		v := float64(logits[ix])
		vals[i] = v
		if v > maxV {
			maxV = v
		}
	}
	sum := 0.0
	for i, v := range vals {
		e := math.Exp(v - maxV)
		vals[i] = e
		sum += e
	}
	for i := range vals {
		vals[i] /= sum
	}
	return vals
}

// topPFilter keeps the smallest set of tokens (ordered by descending
// probability) whose cumulative softmax mass reaches topP (spec §4.6).
func topPFilter(logits []float32, idx []int, topP float32) []int {
	probs := softmaxOver(logits, idx)

	order := make([]int, len(idx))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return probs[order[a]] > probs[order[b]] })

	sorted := make([]float64, len(order))
	for i, o := range order {
		sorted[i] = probs[o]
	}
	cum := make([]float64, len(sorted))
	stat.CumulativeSum(cum, sorted)

	cutoff := len(order)
	for i, c := range cum {
		if c >= float64(topP) {
			cutoff = i + 1
			break
		}
	}

	kept := make([]int, cutoff)
	for i := 0; i < cutoff; i++ {
		kept[i] = idx[order[i]]
	}
	return kept
}

// topKFilter keeps the k indices (from idx) with the highest logits.
func topKFilter(logits []float32, idx []int, k int) []int {
	if k >= len(idx) {
		return idx
	}
	ordered := append([]int(nil), idx...)
	sort.Slice(ordered, func(a, b int) bool { return logits[ordered[a]] > logits[ordered[b]] })
	return ordered[:k]
}

// sampleFromSubset draws one token id from the softmax distribution
// restricted to idx.
func (s *Sampler) sampleFromSubset(logits []float32, idx []int) int32 {
	if len(idx) == 1 {
		return int32(idx[0])
	}
	probs := softmaxOver(logits, idx)
	r := s.rng.Float64()
	cum := 0.0
	for i, p := range probs {
		cum += p
		if r <= cum {
			return int32(idx[i])
		}
	}
	return int32(idx[len(idx)-1])
}
