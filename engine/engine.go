// Package engine implements the Step Loop (C8, spec §4.8) and the
// Request Queue / admission surface (C9, spec §4.9): a single driver
// goroutine owns the Page Pool, Adapter Registry, and active request
// table, draining a thread-safe admission/cancellation queue between
// steps and writing to per-request bounded output channels.
//
// Grounded on the teacher's Server/run/forwardBatch/computeBatch split
// (runner/ollamarunner/runner_types.go, runner_batch.go,
// runner_compute.go): a sync.Cond-gated driver loop, a
// golang.org/x/sync/semaphore admission limiter
// (runner_model.go:s.seqsSem), and the inputsReadyCh/computeStartedCh/
// outputsReadyCh triple-channel handshake that lets host-side planning
// for step N+1 overlap device compute for step N when the executor
// supports it (spec §5, §9). Generalized here to drive the paged/LoRA
// planner instead of the teacher's single flat KV-cache batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/pagedlora/batchengine/executor"
	"github.com/pagedlora/batchengine/internal/logutil"
	"github.com/pagedlora/batchengine/lora"
	"github.com/pagedlora/batchengine/pagepool"
	"github.com/pagedlora/batchengine/planner"
	"github.com/pagedlora/batchengine/request"
	"github.com/pagedlora/batchengine/sample"
	"github.com/pagedlora/batchengine/seqcache"
	"github.com/pagedlora/batchengine/tokenizer"
)

// ErrBackpressure is returned by Admit when the page pool cannot satisfy
// even a single new request (spec §4.9, §7).
var ErrBackpressure = errors.New("engine: backpressure, cannot admit request")

// ErrShutdown is returned by Admit once the engine has stopped.
var ErrShutdown = errors.New("engine: shut down")

// Config bundles the engine's fixed resources, set once at construction.
type Config struct {
	Pool         *pagepool.Pool
	Registry     *lora.Registry
	Executor     executor.Executor
	Tokenizer    tokenizer.Tokenizer
	MinRank      int
	MaxParallel  uint
	MaxSeqLen    int
	EventBufSize int
	SampleSeed   int64
}

// Engine is the single driver that owns all mutable scheduler state.
type Engine struct {
	pool      *pagepool.Pool
	registry  *lora.Registry
	exec      executor.Executor
	decoder   *tokenizer.IncrementalDecoder
	sampler   *sample.Sampler
	minRank   int
	maxSeqLen int
	eventBuf  int

	admissionSem *semaphore.Weighted

	mu      sync.Mutex
	cond    *sync.Cond
	active  []*request.Request
	nextSeq int
	stepID  int64
	closed  bool

	admitCh  chan admitReq
	cancelCh chan string
}

type admitReq struct {
	promptIDs []int32
	params    sample.Params
	adapterID lora.AdapterID
	stopping  request.StoppingParams
	result    chan admitResult
}

type admitResult struct {
	req *request.Request
	err error
}

// New constructs an Engine from Config.
func New(cfg Config) *Engine {
	e := &Engine{
		pool:         cfg.Pool,
		registry:     cfg.Registry,
		exec:         cfg.Executor,
		decoder:      tokenizer.NewIncrementalDecoder(cfg.Tokenizer),
		sampler:      sample.New(cfg.SampleSeed),
		minRank:      cfg.MinRank,
		maxSeqLen:    cfg.MaxSeqLen,
		eventBuf:     cfg.EventBufSize,
		admissionSem: semaphore.NewWeighted(int64(cfg.MaxParallel)),
		admitCh:      make(chan admitReq, 64),
		cancelCh:     make(chan string, 64),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// Admit enqueues a new request for admission (spec §4.9). It blocks
// until the driver has processed it (accepted, into the active table,
// or rejected) so callers get a synchronous accept/reject decision while
// generation itself streams asynchronously via the returned Request's
// Events channel.
func (e *Engine) Admit(ctx context.Context, promptIDs []int32, params sample.Params, adapterID lora.AdapterID, stopping request.StoppingParams) (*request.Request, error) {
	if len(promptIDs) > e.maxSeqLen {
		return nil, fmt.Errorf("%w: %d tokens exceeds limit %d", request.ErrSequenceTooLong, len(promptIDs), e.maxSeqLen)
	}
	if !e.registry.IsResident(adapterID) {
		return nil, fmt.Errorf("%w: %q", lora.ErrAdapterNotFound, adapterID)
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrShutdown
	}

	if err := e.admissionSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	result := make(chan admitResult, 1)
	select {
	case e.admitCh <- admitReq{promptIDs: promptIDs, params: params, adapterID: adapterID, stopping: stopping, result: result}:
	case <-ctx.Done():
		e.admissionSem.Release(1)
		return nil, ctx.Err()
	}

	e.cond.Broadcast()

	select {
	case res := <-result:
		if res.err != nil {
			e.admissionSem.Release(1)
			return nil, res.err
		}
		return res.req, nil
	case <-ctx.Done():
		e.admissionSem.Release(1)
		return nil, ctx.Err()
	}
}

// Cancel marks id canceled (spec §5): honored no later than the end of
// the step currently in flight.
func (e *Engine) Cancel(id string) {
	select {
	case e.cancelCh <- id:
		e.cond.Broadcast()
	default:
	}
}

// releaseSlot is called once a request retires, freeing its admission
// semaphore slot.
func (e *Engine) releaseSlot() {
	e.admissionSem.Release(1)
}

// Run drives the Step Loop until ctx is canceled (spec §4.8). It is
// meant to run in its own goroutine; the engine is otherwise driven
// entirely through Admit/Cancel.
func (e *Engine) Run(ctx context.Context) {
	var previous *pendingStep
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return
		default:
		}

		next, ok := e.prepareStep(ctx, previous)
		if !ok {
			return
		}
		if next == nil {
			continue
		}

		if e.exec.SupportsAsync() {
			go e.computeStep(ctx, next)
		} else {
			e.computeStep(ctx, next)
		}
		previous = next
	}
}

type pendingStep struct {
	plan             *planner.Plan
	pinnedAdapterIDs []lora.AdapterID
	deferred         []*request.Request

	inputsReadyCh    chan struct{}
	computeStartedCh chan struct{}
	outputsReadyCh   chan struct{}
}

// prepareStep drains the admission/cancellation queues, snapshots the
// active set, pre-filters decode requests the page pool cannot
// currently satisfy (deferring the newest ones, spec §4.8), pins every
// referenced adapter, and builds the Batch Plan. When planning fails
// (e.g. every active request was deferred), the returned step carries a
// nil plan, which computeStep skips. A false result means ctx was
// canceled or the engine has shut down.
func (e *Engine) prepareStep(ctx context.Context, pending *pendingStep) (*pendingStep, bool) {
	next := &pendingStep{}

	if pending != nil {
		select {
		case <-pending.computeStartedCh:
		case <-ctx.Done():
			return nil, false
		}
		next.inputsReadyCh = pending.outputsReadyCh
	} else {
		next.inputsReadyCh = make(chan struct{}, 1)
		next.inputsReadyCh <- struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.drainQueuesLocked()
	for len(e.active) == 0 {
		if e.closed {
			return nil, false
		}
		e.cond.Wait()
		e.drainQueuesLocked()
	}

	e.stepID++
	stepID := e.stepID

	batch, deferred := e.selectBatchLocked()
	next.deferred = deferred

	distinctAdapters := distinctAdapterIDs(batch)
	for _, id := range distinctAdapters {
		if err := e.registry.EnsureResident(id, stepID); err != nil {
			logutil.Trace("engine.prepareStep: adapter pin failed", "adapter", id, "err", err)
		}
	}
	next.pinnedAdapterIDs = distinctAdapters

	plan, err := planner.Plan(batch, e.registry, e.minRank)
	if err != nil {
		for _, id := range distinctAdapters {
			e.registry.Unpin(id)
		}
		logutil.Trace("engine.prepareStep: plan failed", "err", err)
		next.plan = nil
		next.computeStartedCh = make(chan struct{}, 1)
		next.outputsReadyCh = make(chan struct{}, 1)
		return next, true
	}
	next.plan = plan
	next.computeStartedCh = make(chan struct{}, 1)
	next.outputsReadyCh = make(chan struct{}, 1)

	logutil.Trace("engine.prepareStep", "step", stepID, "slots", len(plan.Slots), "deferred", len(deferred))

	return next, true
}

// selectBatchLocked snapshots the active table in round-robin order
// starting at e.nextSeq, rather than index 0 every step, so a
// low-index request can never permanently starve later-admitted ones
// (spec SUPPLEMENTAL FEATURES §2, grounded on forwardBatch's
// s.nextSeq-rooted scan). It also defers the newest decode requests
// that would need a fresh page the pool cannot supply right now (spec
// §4.8: "defer the newest decode request(s)"), where "newest" is
// judged by admission order (index into e.active) regardless of where
// the round-robin scan started.
// Must be called with e.mu held.
func (e *Engine) selectBatchLocked() (batch []*request.Request, deferred []*request.Request) {
	n := len(e.active)
	if n == 0 {
		return nil, nil
	}
	free := e.pool.FreePages()

	var decodeIdx []int
	for i, r := range e.active {
		if r.Phase() == request.Decode && r.Cache.NeedsNewPage() {
			decodeIdx = append(decodeIdx, i)
		}
	}

	deferSet := make(map[int]bool)
	for len(decodeIdx) > free {
		newest := decodeIdx[len(decodeIdx)-1]
		decodeIdx = decodeIdx[:len(decodeIdx)-1]
		deferSet[newest] = true
	}

	start := e.nextSeq % n
	for k := 0; k < n; k++ {
		i := (start + k) % n
		if deferSet[i] {
			deferred = append(deferred, e.active[i])
			continue
		}
		batch = append(batch, e.active[i])
	}
	e.nextSeq = (start + 1) % n
	return batch, deferred
}

func distinctAdapterIDs(reqs []*request.Request) []lora.AdapterID {
	seen := make(map[lora.AdapterID]bool)
	var ids []lora.AdapterID
	for _, r := range reqs {
		if !seen[r.AdapterID] {
			seen[r.AdapterID] = true
			ids = append(ids, r.AdapterID)
		}
	}
	return ids
}

// drainQueuesLocked applies pending admissions/cancellations to the
// active table. Must be called with e.mu held.
func (e *Engine) drainQueuesLocked() {
admitLoop:
	for {
		select {
		case req := <-e.admitCh:
			e.admitLocked(req)
		default:
			break admitLoop
		}
	}

	for {
		select {
		case id := <-e.cancelCh:
			for _, r := range e.active {
				if r.ID == id {
					r.Cancel()
					break
				}
			}
		default:
			return
		}
	}
}

func (e *Engine) admitLocked(req admitReq) {
	cache, err := seqcache.New(e.pool, int32(len(req.promptIDs)))
	if err != nil {
		req.result <- admitResult{err: fmt.Errorf("%w: %v", ErrBackpressure, err)}
		return
	}
	r, err := request.New(req.promptIDs, req.params, req.adapterID, cache, req.stopping, e.eventBuf)
	if err != nil {
		cache.Release()
		req.result <- admitResult{err: err}
		return
	}
	e.active = append(e.active, r)
	req.result <- admitResult{req: r}
}

// computeStep runs the Model Executor for next's plan and applies its
// results (spec §4.8 steps 3-7). It signals computeStartedCh as soon as
// the forward call has been dispatched, mirroring the teacher's
// ComputeWithNotify callback (runner_compute.go), so a SupportsAsync
// executor lets the driver begin preparing the following step
// concurrently.
func (e *Engine) computeStep(ctx context.Context, next *pendingStep) {
	select {
	case <-next.inputsReadyCh:
	case <-ctx.Done():
	}
	defer func() { next.outputsReadyCh <- struct{}{} }()

	if next.plan == nil {
		next.computeStartedCh <- struct{}{}
		return
	}

	logits, err := e.exec.Forward(ctx, next.plan.InputIDs, next.plan.BatchLengths(), next.plan.PrefillView, next.plan.DecodeView, next.plan.AdapterRuns)
	next.computeStartedCh <- struct{}{}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range next.pinnedAdapterIDs {
		e.registry.Unpin(id)
	}

	if err != nil {
		e.failStepLocked(next.plan, err)
		return
	}
	e.finishStepLocked(next.plan, logits)
}

func (e *Engine) failStepLocked(plan *planner.Plan, err error) {
	logutil.Trace("engine.computeStep: executor failure", "err", err)
	for _, slot := range plan.Slots {
		e.retireLocked(slot.Request, request.FinishExecutorFailure)
	}
}

func (e *Engine) finishStepLocked(plan *planner.Plan, logits []float32) {
	vocab := e.exec.VocabSize()
	decodeIdx := 0

	for i, slot := range plan.Slots {
		var row []float32
		if slot.Phase == request.Prefill {
			row = sliceRow(logits, vocab, int(plan.Indptr[i+1])-1)
		} else {
			row = sliceRow(logits, vocab, plan.Doff+decodeIdx)
			decodeIdx++
		}

		tokenID, logprob, err := e.sampler.Sample(row, slot.Request.OutputTokenIDs, slot.Request.SamplerParams)
		if err != nil {
			e.retireLocked(slot.Request, request.FinishExecutorFailure)
			continue
		}

		finish := slot.Request.AppendToken(tokenID)
		text, decErr := slot.Request.EmitIncremental(e.decoder)
		if decErr != nil {
			text = ""
		}

		// A cancellation that lands mid-step still lets the already-planned
		// token get sampled, but the token itself is produced and discarded
		// rather than streamed (spec §5) — only the terminal Canceled event
		// reaches the caller. A finish reason already decided by AppendToken
		// (MaxTokens/StopToken) is a normal termination and keeps its token.
		canceledThisStep := slot.Request.Canceled && finish == request.FinishNone
		if canceledThisStep {
			finish = request.FinishCanceled
		} else {
			select {
			case slot.Request.Events <- request.Event{TokenID: tokenID, Text: text, Logprob: &logprob}:
			default:
				logutil.Trace("engine.finishStep: event channel full, dropping token event", "request", slot.Request.ID)
			}
		}

		if finish != request.FinishNone {
			e.retireLocked(slot.Request, finish)
		}
	}
}

func sliceRow(logits []float32, vocab, row int) []float32 {
	return logits[row*vocab : (row+1)*vocab]
}

// retireLocked releases a request's cache, removes it from the active
// table, and emits its terminal event. Must be called with e.mu held.
func (e *Engine) retireLocked(r *request.Request, reason request.FinishReason) {
	for i, active := range e.active {
		if active == r {
			e.active = append(e.active[:i], e.active[i+1:]...)
			break
		}
	}
	r.Retire(reason)
	e.releaseSlot()
}

// shutdown retires every active request with ExecutorFailure, marks the
// engine closed, and broadcasts on the cond var.
func (e *Engine) shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for _, r := range append([]*request.Request(nil), e.active...) {
		e.retireLocked(r, request.FinishExecutorFailure)
	}
	e.cond.Broadcast()
}

// ActiveCount reports the number of requests currently in flight
// (admitted but not yet retired). Exposed for Info() on the control
// surface (spec §6).
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}
