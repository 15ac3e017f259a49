package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pagedlora/batchengine/executor"
	"github.com/pagedlora/batchengine/lora"
	"github.com/pagedlora/batchengine/pagepool"
	"github.com/pagedlora/batchengine/request"
	"github.com/pagedlora/batchengine/sample"
	"github.com/pagedlora/batchengine/seqcache"
	"github.com/pagedlora/batchengine/tokenizer"
)

func fixedCapacity(n uint) func() uint {
	return func() uint { return n }
}

// newTestEngine builds an Engine over the fake executor/tokenizer wired
// to a pool of the given shape, and starts its Step Loop in the
// background bound to the returned cancel func.
func newTestEngine(t *testing.T, numPages, pageLen, vocab int) (*Engine, context.CancelFunc) {
	t.Helper()
	pool := pagepool.New(numPages, pagepool.Shape{NumLayers: 1, NumHeads: 1, HeadDim: 4, PageLen: pageLen})
	reg := lora.New(4, fixedCapacity(4))
	eng := New(Config{
		Pool:         pool,
		Registry:     reg,
		Executor:     executor.NewFake(vocab),
		Tokenizer:    tokenizer.NewFake(map[string]int32{}),
		MinRank:      4,
		MaxParallel:  4,
		MaxSeqLen:    256,
		EventBufSize: 16,
		SampleSeed:   1,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go eng.Run(ctx)
	return eng, cancel
}

// drainEvent reads one event off r's channel or fails the test if none
// arrives within the deadline.
func drainEvent(t *testing.T, r *request.Request, timeout time.Duration) request.Event {
	t.Helper()
	select {
	case ev, ok := <-r.Events:
		require.True(t, ok, "events channel closed without a final event")
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for an event from request %s", r.ID)
		return request.Event{}
	}
}

// TestSingleGreedyRequestStopsAtMaxTokens exercises spec §8 scenario 1:
// a lone greedy request runs to its MaxNewTokens bound and retires.
func TestSingleGreedyRequestStopsAtMaxTokens(t *testing.T) {
	eng, cancel := newTestEngine(t, 8, 16, 50)
	defer cancel()

	ctx := context.Background()
	req, err := eng.Admit(ctx, []int32{5}, sample.Params{Temperature: 0}, lora.Empty,
		request.StoppingParams{MaxNewTokens: 3, StopTokenID: 999})
	require.NoError(t, err)

	var tokens []int32
	var final request.Event
	for {
		ev := drainEvent(t, req, 2*time.Second)
		if ev.IsFinished {
			final = ev
			break
		}
		tokens = append(tokens, ev.TokenID)
	}

	require.Equal(t, []int32{6, 7, 8}, tokens)
	require.Equal(t, request.FinishMaxTokens, final.FinishReason)
	require.Equal(t, 0, eng.ActiveCount())
}

// TestStopTokenRetiresRequest exercises spec §8 scenario 4: hitting the
// configured stop token ends generation immediately, without waiting
// for MaxNewTokens.
func TestStopTokenRetiresRequest(t *testing.T) {
	eng, cancel := newTestEngine(t, 8, 16, 50)
	defer cancel()

	ctx := context.Background()
	req, err := eng.Admit(ctx, []int32{5}, sample.Params{Temperature: 0}, lora.Empty,
		request.StoppingParams{MaxNewTokens: 100, StopTokenID: 6})
	require.NoError(t, err)

	var sawStopToken bool
	for {
		ev := drainEvent(t, req, 2*time.Second)
		if !ev.IsFinished {
			require.Equal(t, int32(6), ev.TokenID)
			sawStopToken = true
			continue
		}
		require.Equal(t, request.FinishStopToken, ev.FinishReason)
		break
	}
	require.True(t, sawStopToken, "expected the stop token itself to be delivered before the finish event")
}

// TestCancellationRetiresRequest exercises spec §8 scenario 5: a
// mid-flight cancellation is honored no later than the end of the step
// already in progress.
func TestCancellationRetiresRequest(t *testing.T) {
	eng, cancel := newTestEngine(t, 8, 16, 50)
	defer cancel()

	ctx := context.Background()
	req, err := eng.Admit(ctx, []int32{5}, sample.Params{Temperature: 0}, lora.Empty,
		request.StoppingParams{MaxNewTokens: 1000, StopTokenID: 999999})
	require.NoError(t, err)

	// let at least one token through before canceling.
	first := drainEvent(t, req, 2*time.Second)
	require.False(t, first.IsFinished)

	eng.Cancel(req.ID)

	for {
		ev := drainEvent(t, req, 2*time.Second)
		if ev.IsFinished {
			require.Equal(t, request.FinishCanceled, ev.FinishReason)
			break
		}
	}
	require.Equal(t, 0, eng.ActiveCount())
}

// TestBackpressureStallsWhenPoolIsExhausted exercises spec §8 scenario
// 6: a 4-page pool and a 64-token prompt (exactly 4 full pages, leaving
// zero free) admits and prefills fine, but the first decode step that
// would need a fresh page has nowhere to get one and is deferred
// indefinitely — the request stays active with no further tokens.
func TestBackpressureStallsWhenPoolIsExhausted(t *testing.T) {
	eng, cancel := newTestEngine(t, 4, 16, 50)
	defer cancel()

	prompt := make([]int32, 64)
	for i := range prompt {
		prompt[i] = int32(i % 50)
	}

	ctx := context.Background()
	req, err := eng.Admit(ctx, prompt, sample.Params{Temperature: 0}, lora.Empty,
		request.StoppingParams{MaxNewTokens: 100, StopTokenID: 999999})
	require.NoError(t, err)

	// the prefill step itself runs fine and emits exactly one token.
	first := drainEvent(t, req, 2*time.Second)
	require.False(t, first.IsFinished)

	// the pool is now fully consumed by this single sequence's 4 pages;
	// the decode step that would need a 5th page can never be planned.
	select {
	case ev, ok := <-req.Events:
		t.Fatalf("expected no further progress under backpressure, got %+v (open=%v)", ev, ok)
	case <-time.After(300 * time.Millisecond):
	}
	require.Equal(t, 1, eng.ActiveCount())
}

// TestAdmitRejectsUnknownAdapter exercises spec §4.9 admission
// validation: an adapter id that was never loaded is rejected up front.
func TestAdmitRejectsUnknownAdapter(t *testing.T) {
	eng, cancel := newTestEngine(t, 8, 16, 50)
	defer cancel()

	_, err := eng.Admit(context.Background(), []int32{1}, sample.Params{Temperature: 0}, "never-loaded",
		request.StoppingParams{MaxNewTokens: 1})
	require.ErrorIs(t, err, lora.ErrAdapterNotFound)
}

// TestAdmitRejectsOversizedPrompt exercises spec §4.9 admission
// validation against MaxSeqLen.
func TestAdmitRejectsOversizedPrompt(t *testing.T) {
	eng, cancel := newTestEngine(t, 8, 16, 50)
	defer cancel()

	prompt := make([]int32, 300)
	_, err := eng.Admit(context.Background(), prompt, sample.Params{Temperature: 0}, lora.Empty,
		request.StoppingParams{MaxNewTokens: 1})
	require.ErrorIs(t, err, request.ErrSequenceTooLong)
}

// decodeRequestNeedingPage builds a Decode-phase request whose cache's
// last page is exactly full, so NeedsNewPage reports true.
func decodeRequestNeedingPage(t *testing.T, pool *pagepool.Pool, pageLen int) *request.Request {
	t.Helper()
	cache, err := seqcache.New(pool, int32(pageLen))
	require.NoError(t, err)
	r, err := request.New([]int32{1}, sample.Params{Temperature: 0}, lora.Empty, cache,
		request.StoppingParams{MaxNewTokens: 10}, 4)
	require.NoError(t, err)
	r.AppendToken(2)
	return r
}

// TestSelectBatchRotatesScanStartEachStep exercises spec SUPPLEMENTAL
// FEATURES §2: the active snapshot scan starts at a rotating offset
// rather than index 0 every step, so a low-index request can't
// permanently starve later-admitted ones sharing the deferred slot.
func TestSelectBatchRotatesScanStartEachStep(t *testing.T) {
	// 5 total pages: building the three requests' caches below consumes
	// 3 of them (one each, since initLen == pageLen), leaving exactly 2
	// free — one short of the 3 a full decode step would need, so
	// exactly one request must be deferred regardless of scan order.
	pool := pagepool.New(5, pagepool.Shape{NumLayers: 1, NumHeads: 1, HeadDim: 4, PageLen: 4})
	eng := &Engine{pool: pool}

	r0 := decodeRequestNeedingPage(t, pool, 4)
	r1 := decodeRequestNeedingPage(t, pool, 4)
	r2 := decodeRequestNeedingPage(t, pool, 4)
	eng.active = []*request.Request{r0, r1, r2}

	batch1, deferred1 := eng.selectBatchLocked()
	require.Len(t, deferred1, 1)
	require.Same(t, r2, deferred1[0], "newest admitted request (highest index) is deferred first")
	require.Equal(t, []*request.Request{r0, r1}, batch1)
	require.Equal(t, 1, eng.nextSeq, "scan start must advance after a full pass")

	batch2, deferred2 := eng.selectBatchLocked()
	require.Len(t, deferred2, 1)
	require.Same(t, r2, deferred2[0], "deferral still keyed off admission order, not scan start")
	require.Equal(t, []*request.Request{r1, r0}, batch2, "scan order rotates to start at index 1")
	require.Equal(t, 2, eng.nextSeq)
}
