package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFakeEncodeDecodeRoundTrip(t *testing.T) {
	f := NewFake(map[string]int32{"hi": 1, "there": 2})
	ids, err := f.Encode("hi there")
	require.NoError(t, err)
	require.Equal(t, []int32{1, 2}, ids)

	text, err := f.Decode(ids)
	require.NoError(t, err)
	require.Equal(t, "hi there", text)
}

func TestFakeEncodeMintsIDsForUnknownWords(t *testing.T) {
	f := NewFake(nil)
	ids, err := f.Encode("alpha beta alpha")
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, ids[0], ids[2], "repeated word must get the same id")
	require.NotEqual(t, ids[0], ids[1])
}

func TestIncrementalDecoderEmitsOnGrowth(t *testing.T) {
	f := NewFake(map[string]int32{"hi": 1, "there": 2, "friend": 3})
	d := NewIncrementalDecoder(f)

	ids := []int32{1}
	emit, prefixOffset, readOffset, err := d.Step(ids, 0, 0)
	require.NoError(t, err)
	require.Equal(t, "hi", emit)
	require.Equal(t, 0, prefixOffset)
	require.Equal(t, 1, readOffset)

	ids = append(ids, 2)
	emit, prefixOffset, readOffset, err = d.Step(ids, prefixOffset, readOffset)
	require.NoError(t, err)
	require.Equal(t, " there", emit)
	require.Equal(t, 1, prefixOffset)
	require.Equal(t, 2, readOffset)
}

// partialRuneTokenizer simulates a BPE token whose first half decodes to
// an incomplete UTF-8 sequence until a second token completes it, per
// spec §8's "multi-byte token decoded across two steps" boundary case.
type partialRuneTokenizer struct{}

func (partialRuneTokenizer) Encode(string) ([]int32, error) { return nil, nil }

func (partialRuneTokenizer) Decode(ids []int32) (string, error) {
	switch len(ids) {
	case 0:
		return "", nil
	case 1:
		return "\xe2\x82", nil // incomplete 3-byte sequence (would be '€')
	default:
		return "\xe2\x82\xac", nil // complete '€'
	}
}

func TestIncrementalDecoderWithholdsIncompleteMultibyte(t *testing.T) {
	d := NewIncrementalDecoder(partialRuneTokenizer{})

	ids := []int32{7}
	emit, prefixOffset, readOffset, err := d.Step(ids, 0, 0)
	require.NoError(t, err)
	require.Empty(t, emit, "partial multi-byte sequence must not be emitted yet")
	require.Equal(t, 0, prefixOffset)
	require.Equal(t, 0, readOffset)

	ids = append(ids, 8)
	emit, prefixOffset, readOffset, err = d.Step(ids, prefixOffset, readOffset)
	require.NoError(t, err)
	require.Equal(t, "\xe2\x82\xac", emit)
	require.Equal(t, 0, prefixOffset)
	require.Equal(t, 2, readOffset)
}

func TestCleanNormalizesSentencePieceMarker(t *testing.T) {
	require.Equal(t, " hello", Clean("▁hello"))
}
