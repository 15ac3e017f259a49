// Package api defines the wire DTOs for the control surface (spec §6):
// admission requests, sampler/stopping parameters, streamed generation
// events, and adapter control bodies, plus the struct-tag validation
// that backs the engine's admission error kinds (spec §7).
//
// Grounded on the teacher's api package (api/types_options.go,
// api/types_tools.go) for field naming and on its use of
// github.com/go-playground/validator/v10-style struct tags elsewhere in
// the module's request DTOs.
package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pagedlora/batchengine/lora"
	"github.com/pagedlora/batchengine/request"
	"github.com/pagedlora/batchengine/sample"
)

var validate = validator.New()

// SamplerParams is the wire shape of sample.Params (spec §4.6).
type SamplerParams struct {
	Temperature       float32 `json:"temperature"`
	TopK              int     `json:"top_k" validate:"gte=0"`
	TopP              float32 `json:"top_p" validate:"gte=0,lte=1"`
	RepetitionPenalty float32 `json:"repetition_penalty" validate:"gte=0"`
	Seed              uint64  `json:"seed"`
}

// ToDomain converts the wire DTO into sample.Params.
func (p SamplerParams) ToDomain() sample.Params {
	return sample.Params{
		Temperature:       p.Temperature,
		TopK:              p.TopK,
		TopP:              p.TopP,
		RepetitionPenalty: p.RepetitionPenalty,
		Seed:              p.Seed,
	}
}

// StoppingParams is the wire shape of request.StoppingParams.
type StoppingParams struct {
	MaxNewTokens int32 `json:"max_new_tokens" validate:"required,gt=0"`
	StopTokenID  int32 `json:"stop_token_id"`
	IgnoreEOS    bool  `json:"ignore_eos"`
	TimeoutMS    int64 `json:"timeout_ms" validate:"gte=0"`
}

// ToDomain converts the wire DTO into request.StoppingParams.
func (p StoppingParams) ToDomain() request.StoppingParams {
	return request.StoppingParams{
		MaxNewTokens: p.MaxNewTokens,
		StopTokenID:  p.StopTokenID,
		IgnoreEOS:    p.IgnoreEOS,
		Timeout:      time.Duration(p.TimeoutMS) * time.Millisecond,
	}
}

// AdmissionRequest is the body accepted by the admission endpoints
// (spec §4.9): a tokenized prompt, an adapter id, and sampler/stopping
// configuration.
type AdmissionRequest struct {
	PromptTokenIDs []int32        `json:"prompt_token_ids" validate:"required,min=1"`
	AdapterID      string         `json:"adapter_id"`
	Sampler        SamplerParams  `json:"sampler_params" validate:"required"`
	Stopping       StoppingParams `json:"stopping_params" validate:"required"`
}

// Validate runs struct-tag validation, returning ErrInvalidRequest on
// failure (spec §7's InvalidSamplerParams, at the wire boundary).
func (r AdmissionRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// ErrInvalidRequest is returned by DTO validation before any domain
// object is constructed.
var ErrInvalidRequest = errors.New("api: invalid request body")

// StreamEvent is one unit of a generation stream (spec §4.9): exactly
// one per step the request participates in, plus one terminal event
// carrying IsFinished and FinishReason.
type StreamEvent struct {
	RequestID    string   `json:"request_id"`
	TokenID      int32    `json:"token_id"`
	Text         string   `json:"text"`
	Logprob      *float32 `json:"logprob,omitempty"`
	IsFinished   bool     `json:"is_finished"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

// FromDomain projects a request.Event into its wire shape.
func FromDomain(requestID string, ev request.Event) StreamEvent {
	return StreamEvent{
		RequestID:    requestID,
		TokenID:      ev.TokenID,
		Text:         ev.Text,
		Logprob:      ev.Logprob,
		IsFinished:   ev.IsFinished,
		FinishReason: string(ev.FinishReason),
	}
}

// InfoResponse answers the Info() control RPC (spec §6).
type InfoResponse struct {
	EngineName       string          `json:"engine_name"`
	ModelID          string          `json:"model_id"`
	ResidentAdapters []AdapterStatus `json:"resident_adapters"`
	PoolCapacityPage int             `json:"pool_capacity_pages"`
	PoolFreePages    int             `json:"pool_free_pages"`
	ActiveRequests   int             `json:"active_requests"`
}

// AdapterStatus is one resident adapter's (id, rank, last_used_step)
// triple, the wire shape of lora.Status.
type AdapterStatus struct {
	ID           string `json:"id"`
	Rank         int    `json:"rank"`
	LastUsedStep int64  `json:"last_used_step"`
}

// FromLoRAStatus projects a lora.Status slice into wire form.
func FromLoRAStatus(statuses []lora.Status) []AdapterStatus {
	out := make([]AdapterStatus, len(statuses))
	for i, s := range statuses {
		out[i] = AdapterStatus{ID: string(s.ID), Rank: s.Rank, LastUsedStep: s.LastUsedStep}
	}
	return out
}

// WarmupRequest dry-runs cache allocation for a batch of prompt lengths
// without admitting real requests (spec §6 Warmup(batch, limits)).
type WarmupRequest struct {
	PromptLens   []int32 `json:"prompt_lens" validate:"required,min=1"`
	MaxNewTokens int32   `json:"max_new_tokens" validate:"gte=0"`
}

// WarmupResponse reports how many pages the dry run touched.
type WarmupResponse struct {
	PagesTouched int  `json:"pages_touched"`
	OK           bool `json:"ok"`
}

// AdapterControlOp is one of the AdapterControl RPC's operations
// (spec §6: op ∈ {load, remove, status}).
type AdapterControlOp string

const (
	AdapterOpLoad   AdapterControlOp = "load"
	AdapterOpRemove AdapterControlOp = "remove"
	AdapterOpStatus AdapterControlOp = "status"
)

// AdapterControlRequest is the body of the AdapterControl RPC.
type AdapterControlRequest struct {
	IDs    []string         `json:"ids"`
	Op     AdapterControlOp `json:"op" validate:"required,oneof=load remove status"`
	Tensor *AdapterTensor   `json:"tensor,omitempty"`
}

// AdapterTensor carries a raw adapter tensor dictionary over the wire
// for the "load" op, matching lora.RawTensors's projection-keyed shape
// (spec §6: an opaque tensor dictionary with {q,k,v,o,gate,up,down}.{A,B}).
type AdapterTensor struct {
	Rank        int                           `json:"rank" validate:"required,gt=0"`
	Projections map[string][]AdapterLayerPair `json:"projections" validate:"required"`
}

// AdapterLayerPair is one layer's A/B matrix pair.
type AdapterLayerPair struct {
	A AdapterMatrix `json:"a"`
	B AdapterMatrix `json:"b"`
}

// AdapterMatrix is a row-major float matrix, the wire shape of lora.Matrix.
type AdapterMatrix struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float32 `json:"data"`
}

// ToDomain converts the wire tensor dictionary into lora.RawTensors.
func (t AdapterTensor) ToDomain() *lora.RawTensors {
	projs := make(map[lora.Projection][]lora.LayerWeights, len(t.Projections))
	for name, layers := range t.Projections {
		out := make([]lora.LayerWeights, len(layers))
		for i, l := range layers {
			out[i] = lora.LayerWeights{
				A: lora.Matrix{Rows: l.A.Rows, Cols: l.A.Cols, Data: l.A.Data},
				B: lora.Matrix{Rows: l.B.Rows, Cols: l.B.Cols, Data: l.B.Data},
			}
		}
		projs[lora.Projection(name)] = out
	}
	return &lora.RawTensors{Rank: t.Rank, Projections: projs}
}

// AdapterControlResponse answers the AdapterControl RPC.
type AdapterControlResponse struct {
	Statuses []AdapterStatus `json:"statuses,omitempty"`
	OK       bool            `json:"ok"`
}
