package tokenizer

import (
	"fmt"
	"strconv"
	"strings"
)

// Fake is a deterministic, whitespace-splitting Tokenizer used in tests.
// Every distinct word maps to a stable id via a seeded vocabulary;
// unknown words are assigned the next free id (counting up from 1000)
// and remembered, so Encode never fails.
type Fake struct {
	vocab    map[string]int32
	reverse  map[int32]string
	nextFree int32
}

// NewFake builds a Fake tokenizer seeded with vocab, a word-to-id table.
// Ids minted for unknown words start at 1000, so ids below that are
// only ever taken by the seeded vocabulary.
func NewFake(vocab map[string]int32) *Fake {
	f := &Fake{
		vocab:    make(map[string]int32, len(vocab)),
		reverse:  make(map[int32]string, len(vocab)),
		nextFree: 1000,
	}
	for w, id := range vocab {
		f.vocab[w] = id
		f.reverse[id] = w
	}
	return f
}

// Encode splits text on whitespace and maps each word to an id,
// minting a new id (1000 and up) for words outside the seeded vocabulary.
func (f *Fake) Encode(text string) ([]int32, error) {
	if text == "" {
		return nil, nil
	}
	words := strings.Fields(text)
	ids := make([]int32, 0, len(words))
	for _, w := range words {
		ids = append(ids, f.idFor(w))
	}
	return ids, nil
}

func (f *Fake) idFor(w string) int32 {
	if id, ok := f.vocab[w]; ok {
		return id
	}
	id := f.nextFree
	f.nextFree++
	f.vocab[w] = id
	f.reverse[id] = w
	return id
}

// Decode renders ids back to whitespace-joined words. Unknown ids
// render as "<id:N>" rather than failing, so callers can exercise
// streaming logic against ids produced outside the tokenizer (e.g. a
// synthetic stop token).
func (f *Fake) Decode(ids []int32) (string, error) {
	words := make([]string, len(ids))
	for i, id := range ids {
		if w, ok := f.reverse[id]; ok {
			words[i] = w
			continue
		}
		words[i] = fmt.Sprintf("<id:%s>", strconv.FormatInt(int64(id), 10))
	}
	return strings.Join(words, " "), nil
}
