package api

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validAdmission() AdmissionRequest {
	return AdmissionRequest{
		PromptTokenIDs: []int32{1, 2, 3},
		AdapterID:      "empty",
		Sampler:        SamplerParams{Temperature: 0, TopP: 1},
		Stopping:       StoppingParams{MaxNewTokens: 10},
	}
}

func TestValidateAcceptsWellFormedAdmission(t *testing.T) {
	require.NoError(t, validAdmission().Validate())
}

func TestValidateRejectsEmptyPrompt(t *testing.T) {
	req := validAdmission()
	req.PromptTokenIDs = nil
	require.ErrorIs(t, req.Validate(), ErrInvalidRequest)
}

func TestValidateRejectsZeroMaxNewTokens(t *testing.T) {
	req := validAdmission()
	req.Stopping.MaxNewTokens = 0
	require.ErrorIs(t, req.Validate(), ErrInvalidRequest)
}

func TestValidateRejectsOutOfRangeTopP(t *testing.T) {
	req := validAdmission()
	req.Sampler.TopP = 1.5
	require.ErrorIs(t, req.Validate(), ErrInvalidRequest)
}

func TestSamplerParamsToDomainRoundTrip(t *testing.T) {
	p := SamplerParams{Temperature: 0.7, TopK: 40, TopP: 0.9, RepetitionPenalty: 1.1, Seed: 42}
	d := p.ToDomain()
	require.Equal(t, p.Temperature, d.Temperature)
	require.Equal(t, p.TopK, d.TopK)
	require.Equal(t, p.TopP, d.TopP)
	require.Equal(t, p.RepetitionPenalty, d.RepetitionPenalty)
	require.Equal(t, p.Seed, d.Seed)
}

func TestStoppingParamsToDomainConvertsTimeout(t *testing.T) {
	p := StoppingParams{MaxNewTokens: 5, StopTokenID: 2, TimeoutMS: 1500}
	d := p.ToDomain()
	require.Equal(t, int32(5), d.MaxNewTokens)
	require.Equal(t, int32(2), d.StopTokenID)
	require.Equal(t, int64(1_500_000_000), d.Timeout.Nanoseconds())
}

func TestAdapterTensorToDomainPreservesShapes(t *testing.T) {
	tensor := AdapterTensor{
		Rank: 8,
		Projections: map[string][]AdapterLayerPair{
			"q": {{
				A: AdapterMatrix{Rows: 8, Cols: 4, Data: make([]float32, 32)},
				B: AdapterMatrix{Rows: 4, Cols: 8, Data: make([]float32, 32)},
			}},
		},
	}
	raw := tensor.ToDomain()
	require.Equal(t, 8, raw.Rank)
	require.Len(t, raw.Projections["q"], 1)
	require.Equal(t, 8, raw.Projections["q"][0].A.Rows)
}
