// Package tokenizer defines the opaque Tokenizer boundary (spec §1, §6):
// the engine treats encode/decode as an external collaborator and never
// reaches into BPE/vocabulary internals.
//
// The incremental decode contract is grounded on the teacher's
// utf8Streamer (x/imagegen/cmd/engine/utf8_streamer.go), which buffers
// partial multi-byte UTF-8 sequences rather than flushing them early;
// this package applies the same U+FFFD check but keyed off the
// (prefix_offset, read_offset) id-window discipline spec §4.6 requires
// instead of a raw byte buffer, since the engine re-decodes id windows
// rather than streaming raw model bytes.
package tokenizer

import (
	"strings"
	"unicode/utf8"
)

// Tokenizer is the opaque boundary to BPE/vocabulary internals (spec §6).
type Tokenizer interface {
	// Encode turns text into token ids.
	Encode(text string) ([]int32, error)
	// Decode renders a full id slice into text, skipping special tokens.
	Decode(ids []int32) (string, error)
}

// IncrementalDecoder applies the (prefix_offset, read_offset) discipline
// of spec §4.6 on top of a plain Tokenizer, so callers never see partial
// multi-byte characters mid-stream.
type IncrementalDecoder struct {
	tok Tokenizer
}

// NewIncrementalDecoder wraps tok for streaming output.
func NewIncrementalDecoder(tok Tokenizer) *IncrementalDecoder {
	return &IncrementalDecoder{tok: tok}
}

// Step computes the next chunk of emittable text given the full id
// sequence so far and the current (prefixOffset, readOffset) window. It
// returns the text to emit (possibly empty) and the offsets to carry
// into the next call.
//
// prefixText = decode(ids[prefixOffset:readOffset])
// newText    = decode(ids[prefixOffset:])
// If len(newText) > len(prefixText) and newText does not end in an
// incomplete multi-byte sequence (U+FFFD), emit the suffix and advance
// both offsets to (readOffset, len(ids)). Otherwise emit nothing and
// leave the offsets unchanged.
func (d *IncrementalDecoder) Step(ids []int32, prefixOffset, readOffset int) (emit string, nextPrefixOffset, nextReadOffset int, err error) {
	if readOffset > len(ids) {
		readOffset = len(ids)
	}
	if prefixOffset > readOffset {
		prefixOffset = readOffset
	}

	prefixText, err := d.tok.Decode(ids[prefixOffset:readOffset])
	if err != nil {
		return "", prefixOffset, readOffset, err
	}
	newText, err := d.tok.Decode(ids[prefixOffset:])
	if err != nil {
		return "", prefixOffset, readOffset, err
	}

	if len(newText) > len(prefixText) && !endsInIncompleteRune(newText) {
		suffix := newText[len(prefixText):]
		return suffix, readOffset, len(ids), nil
	}
	return "", prefixOffset, readOffset, nil
}

// endsInIncompleteRune reports whether s's final rune is the UTF-8
// replacement character produced by decoding a truncated multi-byte
// sequence at the very end of s (the single case that signals "the
// model emitted a token that is only half a character so far").
func endsInIncompleteRune(s string) bool {
	if s == "" {
		return false
	}
	r, size := utf8.DecodeLastRuneInString(s)
	return r == utf8.RuneError && size <= 1
}

// Clean strips tokenizer-internal sentinel markers that some BPE
// vocabularies use for whitespace (e.g. the SentencePiece "▁"),
// normalizing them to plain spaces for callers that want display text
// rather than raw detokenizer output. Fake/test tokenizers may skip
// this since they don't emit such markers.
func Clean(s string) string {
	return strings.ReplaceAll(s, "▁", " ")
}
