package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeForwardProducesOneHotLogitsPerSlot(t *testing.T) {
	f := NewFake(16)
	inputIDs := []int32{1, 2, 3, 9} // one prefill of length 3, one decode token
	blen := BatchLengths{
		PrefillLens: []int32{3},
		Indptr:      []int32{0, 3},
		Decode:      1,
		Doff:        3,
	}

	logits, err := f.Forward(context.Background(), inputIDs, blen, nil, nil, AdapterRuns{})
	require.NoError(t, err)
	require.Len(t, logits, 2*16)

	prefillRow := logits[0:16]
	decodeRow := logits[16:32]

	argmax := func(row []float32) int {
		best := 0
		for i, v := range row {
			if v > row[best] {
				best = i
			}
		}
		return best
	}

	require.Equal(t, 4, argmax(prefillRow), "last prefill input id 3 -> predicted 4")
	require.Equal(t, 10, argmax(decodeRow), "decode input id 9 -> predicted 10")
}
