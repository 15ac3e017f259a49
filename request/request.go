// Package request implements Request State (C5, spec §4.5): the
// per-request prompt, output ids, sampler config, cache handle, and
// incremental-decode offsets, plus the append/stop-check discipline the
// Step Loop drives.
//
// Grounded on the teacher's runner_sequence.go (Sequence struct: prompt
// tokens, generated outputs, a cache, and a stop-condition check run
// after every appended token), generalized to carry a page-granularity
// sequence cache and the (prefix_offset, read_offset) incremental
// decode window spec §4.6 requires instead of the teacher's full-buffer
// re-decode.
package request

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pagedlora/batchengine/lora"
	"github.com/pagedlora/batchengine/sample"
	"github.com/pagedlora/batchengine/seqcache"
	"github.com/pagedlora/batchengine/tokenizer"
)

// Phase is a request's position in the prefill/decode lifecycle.
type Phase int

const (
	// Prefill means no output tokens have been produced yet: the next
	// step consumes the whole prompt.
	Prefill Phase = iota
	// Decode means at least one output token exists: the next step
	// consumes exactly one new token.
	Decode
)

func (p Phase) String() string {
	if p == Prefill {
		return "prefill"
	}
	return "decode"
}

// FinishReason is why a request retired.
type FinishReason string

const (
	FinishNone            FinishReason = ""
	FinishStopToken       FinishReason = "StopTokenReached"
	FinishMaxTokens       FinishReason = "MaxTokens"
	FinishCanceled        FinishReason = "Canceled"
	FinishExecutorFailure FinishReason = "ExecutorFailure"
)

var (
	// ErrInvalidSamplerParams rejects admission with malformed sampler config.
	ErrInvalidSamplerParams = errors.New("request: invalid sampler params")
	// ErrSequenceTooLong rejects admission whose prompt exceeds the configured limit.
	ErrSequenceTooLong = errors.New("request: prompt exceeds maximum sequence length")
)

// StoppingParams bounds generation length and optional wall-clock time.
type StoppingParams struct {
	MaxNewTokens int32
	StopTokenID  int32
	IgnoreEOS    bool
	Timeout      time.Duration
}

// Event is one streamed unit of output (spec §4.9).
type Event struct {
	TokenID      int32
	Text         string
	Logprob      *float32
	IsFinished   bool
	FinishReason FinishReason
}

// Request is one admitted generation in flight. The Step Loop is the
// only writer of OutputTokenIDs, PrefixOffset, and ReadOffset; all other
// fields are fixed at admission.
type Request struct {
	ID             string
	PromptTokenIDs []int32
	OutputTokenIDs []int32
	SamplerParams  sample.Params
	AdapterID      lora.AdapterID
	Cache          *seqcache.Cache
	PrefixOffset   int
	ReadOffset     int
	Stopping       StoppingParams
	AdmittedAt     time.Time

	Canceled bool
	Events   chan Event
}

// New admits a request. promptIDs must already be tokenized; adapterID
// must have been resolved against the registry by the caller (admission
// validates residency, per spec §4.9). eventBuf sizes the bounded output
// channel the driver writes to (spec §5).
func New(promptIDs []int32, params sample.Params, adapterID lora.AdapterID, cache *seqcache.Cache, stopping StoppingParams, eventBuf int) (*Request, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSamplerParams, err)
	}

	r := &Request{
		ID:             uuid.NewString(),
		PromptTokenIDs: append([]int32(nil), promptIDs...),
		OutputTokenIDs: append([]int32(nil), promptIDs...),
		SamplerParams:  params,
		AdapterID:      adapterID,
		Cache:          cache,
		Stopping:       stopping,
		AdmittedAt:     time.Now(),
		Events:         make(chan Event, eventBuf),
	}
	return r, nil
}

// Phase reports prefill (output == prompt) or decode (invariant spec §4.5).
func (r *Request) Phase() Phase {
	if len(r.OutputTokenIDs) == len(r.PromptTokenIDs) {
		return Prefill
	}
	return Decode
}

// AppendToken writes one sampled token (Step Loop only) and returns the
// finish reason if the request should retire this step, else FinishNone.
func (r *Request) AppendToken(tokenID int32) FinishReason {
	r.OutputTokenIDs = append(r.OutputTokenIDs, tokenID)

	if !r.Stopping.IgnoreEOS && tokenID == r.Stopping.StopTokenID {
		return FinishStopToken
	}
	generated := int32(len(r.OutputTokenIDs) - len(r.PromptTokenIDs))
	if generated >= r.Stopping.MaxNewTokens {
		return FinishMaxTokens
	}
	// A wall-clock Timeout ends generation the same way MaxNewTokens does.
	if r.Stopping.Timeout > 0 && time.Since(r.AdmittedAt) >= r.Stopping.Timeout {
		return FinishMaxTokens
	}
	return FinishNone
}

// EmitIncremental runs the decoder's Step over this request's current
// id window and advances PrefixOffset/ReadOffset in place.
func (r *Request) EmitIncremental(dec *tokenizer.IncrementalDecoder) (string, error) {
	text, nextPrefix, nextRead, err := dec.Step(r.OutputTokenIDs, r.PrefixOffset, r.ReadOffset)
	if err != nil {
		return "", err
	}
	r.PrefixOffset = nextPrefix
	r.ReadOffset = nextRead
	return text, nil
}

// Cancel marks the request canceled; the driver honors it no later than
// the end of the step currently in flight (spec §5).
func (r *Request) Cancel() {
	r.Canceled = true
}

// Retire releases the sequence cache and closes the event channel. It is
// safe to call at most once per request; the Step Loop enforces this by
// removing retired requests from the active set immediately.
func (r *Request) Retire(reason FinishReason) {
	if r.Cache != nil {
		r.Cache.Release()
	}
	r.Events <- Event{IsFinished: true, FinishReason: reason}
	close(r.Events)
}
