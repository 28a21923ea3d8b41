package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/translation-orchestrator/internal/notify"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

// Executor drives at most one provider call at a time and publishes the
// lifecycle of that call as Job snapshots.
//
// emitMu serializes every mutation together with its fan-out, so listeners
// observe snapshots in mutation order. mu guards the fields and is never held
// while a listener runs.
type Executor struct {
	provider translator.Provider
	partials PartialStore
	keeper   notify.Keeper
	newID    func() string
	now      func() time.Time

	emitMu sync.Mutex

	mu           sync.Mutex
	job          *Job
	run          *run
	listeners    []listenerEntry
	nextListener uint64
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// run is the identity of one Start call. Callbacks carrying a stale run are
// dropped.
type run struct {
	jobID   string
	label   string
	persist bool
	cancel  context.CancelFunc
	aborted chan struct{}
	// abortResult is written before aborted is closed.
	abortResult AbortResult
}

type Option func(*Executor)

// WithPartialStore sets where partial results are saved on abort.
func WithPartialStore(store PartialStore) Option {
	return func(e *Executor) {
		e.partials = store
	}
}

func WithKeeper(keeper notify.Keeper) Option {
	return func(e *Executor) {
		e.keeper = notify.NewSafeKeeper(keeper)
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func NewExecutor(provider translator.Provider, opts ...Option) *Executor {
	e := &Executor{
		provider: provider,
		keeper:   notify.NewSafeKeeper(nil),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs one translation and returns its final text. It fails with a
// KindAlreadyRunning error while any job is processing, and returns a
// KindAborted error as soon as the run is aborted, without waiting for the
// provider to unwind.
func (e *Executor) Start(ctx context.Context, req StartRequest) (string, error) {
	if e.provider == nil {
		return "", NewError(KindInvalidState, "no translation provider configured")
	}

	e.emitMu.Lock()
	e.mu.Lock()
	if e.job != nil && e.job.Status == StatusProcessing {
		busy := e.job.VideoKey
		e.mu.Unlock()
		e.emitMu.Unlock()
		return "", NewAlreadyRunningError(busy)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		jobID:   e.newID(),
		label:   req.Label,
		persist: req.Window == nil,
		cancel:  cancel,
		aborted: make(chan struct{}),
	}
	if r.label == "" {
		r.label = req.VideoKey
	}

	now := e.now()
	job := &Job{
		ID:              r.jobID,
		VideoKey:        req.VideoKey,
		Label:           req.Label,
		Status:          StatusProcessing,
		Window:          translator.CloneRange(req.Window),
		DurationSeconds: req.DurationSeconds,
		StartedAt:       now,
		UpdatedAt:       now,
	}
	providerReq := translator.Request{
		VideoKey:        req.VideoKey,
		Config:          req.Config,
		DurationSeconds: req.DurationSeconds,
		Batch:           req.Batch,
		Window:          translator.CloneRange(req.Window),
	}
	if req.Resume != nil {
		job.PartialResult = req.Resume.PartialSrt
		job.CompletedRanges = translator.NormalizeRanges(req.Resume.CompletedRanges)
		providerReq.SkipRanges = translator.CloneRanges(job.CompletedRanges)
		providerReq.ExistingPartialText = req.Resume.PartialSrt
	}
	providerReq.OnBatchProgress = func(bp translator.BatchProgress) { e.onBatchProgress(r, bp) }
	providerReq.OnBatchComplete = func(bc translator.BatchComplete) { e.onBatchComplete(r, bc) }
	providerReq.OnKeyStatus = func(ks translator.KeyStatus) { e.onKeyStatus(r, ks) }

	e.job = job
	e.run = r
	snapshot, listeners := cloneJob(job), e.listenersLocked()
	e.mu.Unlock()
	e.emit(listeners, snapshot)
	e.emitMu.Unlock()

	log.Info("Translation started for %s (job %s, skip %d ranges)", req.VideoKey, r.jobID, len(providerReq.SkipRanges))
	e.keeper.OnStart(r.label)

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := e.callProvider(runCtx, providerReq)
		done <- result{text: text, err: err}
	}()

	select {
	case res := <-done:
		return e.finish(r, res.text, res.err)
	case <-r.aborted:
		return "", newAbortedError(req.VideoKey, r.abortResult.PartialResult)
	}
}

func (e *Executor) callProvider(ctx context.Context, req translator.Request) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("translation provider panicked: %v", p)
		}
	}()
	return e.provider.Translate(ctx, req)
}

func (e *Executor) finish(r *run, text string, err error) (string, error) {
	defer r.cancel()

	e.emitMu.Lock()
	e.mu.Lock()
	job := e.job
	if e.run != r || job == nil || job.ID != r.jobID || job.IsAborted {
		partial := r.abortResult.PartialResult
		videoKey := ""
		if job != nil {
			videoKey = job.VideoKey
		}
		e.mu.Unlock()
		e.emitMu.Unlock()
		return "", newAbortedError(videoKey, partial)
	}

	e.run = nil
	job.UpdatedAt = e.now()
	if err != nil {
		job.Status = StatusError
		job.Error = err.Error()
	} else {
		job.Status = StatusCompleted
		job.Error = ""
		job.PartialResult = text
		if job.Progress != nil {
			job.Progress.CurrentBatch = 0
		}
	}
	snapshot, listeners := cloneJob(job), e.listenersLocked()
	e.mu.Unlock()
	e.emit(listeners, snapshot)
	e.emitMu.Unlock()

	if err != nil {
		log.Error("Translation failed for %s after %d batches: %v", snapshot.VideoKey, len(snapshot.CompletedRanges), err)
		e.keeper.OnStop()

		jobErr := NewErrorWithCause(KindProvider, err.Error(), err).WithVideoKey(snapshot.VideoKey)
		if len(snapshot.CompletedRanges) > 0 {
			jobErr.Partial = snapshot.PartialResult
		}
		return "", jobErr
	}

	log.Info("Translation completed for %s", snapshot.VideoKey)
	e.keeper.OnComplete()
	return text, nil
}

// Subscribe registers l and delivers the current job to it, if any.
// Listeners are notified in registration order.
func (e *Executor) Subscribe(l Listener) func() {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners = append(e.listeners, listenerEntry{id: id, fn: l})
	snapshot := cloneJob(e.job)
	e.mu.Unlock()

	if snapshot != nil {
		e.deliver(l, snapshot)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, entry := range e.listeners {
				if entry.id == id {
					e.listeners = append(e.listeners[:i:i], e.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Abort stops the processing job, if it matches videoKey (any job when
// videoKey is empty). The partial result is persisted before the provider is
// asked to stop, and the job is flipped to a user-stop error before Abort
// returns.
func (e *Executor) Abort(videoKey string) AbortResult {
	e.emitMu.Lock()

	e.mu.Lock()
	job, r := e.job, e.run
	if job == nil || r == nil || job.Status != StatusProcessing || job.IsAborted ||
		(videoKey != "" && job.VideoKey != videoKey) {
		e.mu.Unlock()
		e.emitMu.Unlock()
		return AbortResult{}
	}
	job.IsAborted = true
	result := AbortResult{
		Aborted:         true,
		VideoKey:        job.VideoKey,
		PartialResult:   job.PartialResult,
		CompletedRanges: translator.CloneRanges(job.CompletedRanges),
	}
	e.mu.Unlock()

	// Commit first, then propagate cancellation.
	if r.persist && e.partials != nil && len(result.CompletedRanges) > 0 {
		if err := e.partials.SavePartial(context.Background(), result.VideoKey, result.PartialResult, result.CompletedRanges); err != nil {
			log.Error("Failed to persist partial result of %s on abort: %v", result.VideoKey, err)
		}
	}
	r.abortResult = result
	r.cancel()

	e.mu.Lock()
	job.Status = StatusError
	job.Error = StoppedByUserMessage
	job.UpdatedAt = e.now()
	if e.run == r {
		e.run = nil
	}
	snapshot, listeners := cloneJob(job), e.listenersLocked()
	e.mu.Unlock()

	e.emit(listeners, snapshot)
	close(r.aborted)
	e.emitMu.Unlock()

	log.Info("Translation of %s stopped by user after %d batches", result.VideoKey, len(result.CompletedRanges))
	e.keeper.OnStop()
	return result
}

// ClearCompletedJob drops a completed or failed job. It reports whether a job
// was removed.
func (e *Executor) ClearCompletedJob(videoKey string) bool {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	if e.job == nil || e.job.Status == StatusProcessing || (videoKey != "" && e.job.VideoKey != videoKey) {
		e.mu.Unlock()
		return false
	}
	e.job = nil
	listeners := e.listenersLocked()
	e.mu.Unlock()

	e.emit(listeners, nil)
	return true
}

// Current returns a copy of the job, or nil.
func (e *Executor) Current() *Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneJob(e.job)
}

func (e *Executor) IsProcessing() bool {
	_, ok := e.ProcessingVideoKey()
	return ok
}

// ProcessingVideoKey returns the video of the processing job.
func (e *Executor) ProcessingVideoKey() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil || e.job.Status != StatusProcessing {
		return "", false
	}
	return e.job.VideoKey, true
}

func (e *Executor) onBatchProgress(r *run, bp translator.BatchProgress) {
	ok := e.mutateRunning(r, func(job *Job) {
		if bp.DurationSeconds > 0 {
			job.DurationSeconds = bp.DurationSeconds
		}
		job.Progress = &translator.Progress{
			CompletedBatches: len(job.CompletedRanges),
			TotalBatches:     bp.TotalBatches,
			CurrentBatch:     bp.CurrentBatch,
		}
	})
	if ok {
		e.keeper.UpdateProgress(bp.CurrentBatch, bp.TotalBatches, r.label)
	}
}

// onBatchComplete is the only place completed ranges grow.
func (e *Executor) onBatchComplete(r *run, bc translator.BatchComplete) {
	e.mutateRunning(r, func(job *Job) {
		job.CompletedRanges = translator.NormalizeRanges(bc.CompletedRanges)
		job.PartialResult = bc.PartialText
		if bc.DurationSeconds > 0 {
			job.DurationSeconds = bc.DurationSeconds
		}
		job.Progress = &translator.Progress{
			CompletedBatches: len(job.CompletedRanges),
			TotalBatches:     bc.TotalBatches,
			CurrentBatch:     bc.BatchIndex + 1,
		}
	})
}

func (e *Executor) onKeyStatus(r *run, ks translator.KeyStatus) {
	if !ks.OK {
		log.Warn("API key #%d failed: %s", ks.Index, ks.Message)
	}
	e.mutateRunning(r, func(job *Job) {
		job.KeyStatus = &ks
	})
}

// mutateRunning applies fn if r is still the live, unaborted run.
func (e *Executor) mutateRunning(r *run, fn func(job *Job)) bool {
	e.emitMu.Lock()
	defer e.emitMu.Unlock()

	e.mu.Lock()
	job := e.job
	if e.run != r || job == nil || job.ID != r.jobID || job.IsAborted || job.Status != StatusProcessing {
		e.mu.Unlock()
		return false
	}
	fn(job)
	job.UpdatedAt = e.now()
	snapshot, listeners := cloneJob(job), e.listenersLocked()
	e.mu.Unlock()

	e.emit(listeners, snapshot)
	return true
}

func (e *Executor) listenersLocked() []Listener {
	ret := make([]Listener, 0, len(e.listeners))
	for _, entry := range e.listeners {
		ret = append(ret, entry.fn)
	}
	return ret
}

func (e *Executor) emit(listeners []Listener, job *Job) {
	for _, l := range listeners {
		e.deliver(l, cloneJob(job))
	}
}

func (e *Executor) deliver(l Listener, job *Job) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("Job listener panicked: %v", p)
		}
	}()
	l(job)
}
