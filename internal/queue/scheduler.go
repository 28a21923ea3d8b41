package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/media"
	"github.com/MimeLyc/translation-orchestrator/internal/notify"
	"github.com/MimeLyc/translation-orchestrator/internal/subtitle"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
)

const defaultMaxItems = 500

// Scheduler owns the ordered queue of items and decides what the executor
// runs next. At most one run is in flight: the one the scheduler started
// (activeID) or a direct translation.
//
// Lock order is executor fan-out, then emitMu, then persistMu, then mu.
// Executor mutators (Start, Abort, Subscribe) are never called while a
// scheduler lock is held.
type Scheduler struct {
	executor Executor
	store    Store
	settings SettingsSource
	notifier notify.Notifier
	maxItems int
	now      func() time.Time
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	emitMu    sync.Mutex
	persistMu sync.Mutex

	mu               sync.Mutex
	items            map[string]*Item
	byKey            map[string]string
	dirty            map[string]bool
	autoProcess      bool
	processing       bool
	activeID         string
	direct           map[string]bool
	waitingForDirect bool
	closed           bool
	listeners        []listenerEntry
	nextListener     uint64

	unsubscribe func()
}

type listenerEntry struct {
	id uint64
	fn ItemsListener
}

// plan is one scheduler-owned run.
type plan struct {
	itemID   string
	videoKey string
	title    string
	mode     RetranslateMode
	req      jobs.StartRequest
}

type Option func(*Scheduler)

func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithMaxItems bounds how many completed items the sweep keeps.
func WithMaxItems(n int) Option {
	return func(s *Scheduler) {
		s.maxItems = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func NewScheduler(executor Executor, store Store, settings SettingsSource, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		executor: executor,
		store:    store,
		settings: settings,
		notifier: notify.Nop{},
		maxItems: defaultMaxItems,
		now:      time.Now,
		newID:    uuid.NewString,
		ctx:      ctx,
		cancel:   cancel,
		items:    make(map[string]*Item),
		byKey:    make(map[string]string),
		dirty:    make(map[string]bool),
		direct:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hydrateFromStore(ctx)
	s.unsubscribe = executor.Subscribe(s.onJob)
	return s
}

// Enqueue adds a video, or returns the existing item of the same video.
func (s *Scheduler) Enqueue(req EnqueueRequest) (*Item, bool, error) {
	key, err := media.CanonicalKey(req.URL)
	if err != nil {
		return nil, false, jobs.NewErrorWithCause(jobs.KindInvalidState, err.Error(), err)
	}

	var ret *Item
	created := false
	s.mutate(func() {
		if id, ok := s.byKey[key]; ok {
			if existing, ok := s.items[id]; ok {
				ret = cloneItem(existing)
				return
			}
			delete(s.byKey, key)
		}
		ret = s.addLocked(key, req)
		created = true
	})
	if created {
		log.Info("Queued %s as %s", key, ret.ID)
	}
	return ret, created, nil
}

func (s *Scheduler) addLocked(key string, req EnqueueRequest) *Item {
	it := &Item{
		ID:              s.newID(),
		VideoKey:        key,
		URL:             req.URL,
		Title:           req.Title,
		Thumbnail:       req.Thumbnail,
		DurationSeconds: req.DurationSeconds,
		Status:          StatusPending,
		AddedAt:         s.now(),
	}
	if it.Title == "" {
		it.Title = key
	}
	if it.Thumbnail == "" {
		it.Thumbnail = media.ThumbnailURL(key)
	}
	s.items[it.ID] = it
	s.byKey[key] = it.ID
	s.touchLocked(it.ID)
	return cloneItem(it)
}

func (s *Scheduler) Get(id string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return cloneItem(it), true
}

func (s *Scheduler) GetByVideoKey(key string) (*Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	return cloneItem(s.items[id]), true
}

// List returns the queue in insertion order.
func (s *Scheduler) List() []*Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

func (s *Scheduler) AutoProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoProcess
}

// ActiveID returns the item the scheduler is currently running.
func (s *Scheduler) ActiveID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.activeID != ""
}

// Subscribe registers l and delivers the current queue to it. Listeners run
// synchronously in registration order and must not call back into the
// scheduler's mutating methods.
func (s *Scheduler) Subscribe(l ItemsListener) func() {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: l})
	items := s.listLocked()
	s.mu.Unlock()

	s.deliver(l, items)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, entry := range s.listeners {
				if entry.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Start activates one item. While auto-process is off and another run is in
// flight it fails with a KindBusy error; with auto-process on the item waits
// in line.
func (s *Scheduler) Start(id string, opts StartOptions) error {
	var err error
	s.mutate(func() {
		it, ok := s.items[id]
		if !ok {
			err = notFound(id)
			return
		}
		if s.ownsLocked(it) {
			return
		}
		if it.Status == StatusTranslating && !it.failedWithPartial() && !opts.ForceRetranslate {
			s.kickLocked(id)
			return
		}
		if it.Status == StatusCompleted && !opts.ForceRetranslate {
			err = jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("%s is already translated", it.Title)).WithVideoKey(it.VideoKey)
			return
		}
		if !s.autoProcess && s.busyLocked() {
			err = s.busyError()
			return
		}
		if err = s.bindConfigLocked(it, opts.ForceRetranslate); err != nil {
			return
		}
		if opts.ForceRetranslate {
			resetProgress(it)
		}
		s.activateLocked(it, s.now())
		s.kickLocked(id)
	})
	return err
}

// StartAll turns auto-process on and lines up every pending item in the
// order it was added.
func (s *Scheduler) StartAll() error {
	var err error
	s.mutate(func() {
		pending := s.sortedLocked(func(it *Item) bool { return it.Status == StatusPending }, byAddedAt)
		for _, it := range pending {
			if it.Config == nil {
				if _, _, ok := s.activeConfig(); !ok {
					err = noConfig()
					return
				}
			}
		}

		s.autoProcess = true
		base := s.now()
		for i, it := range pending {
			if err = s.bindConfigLocked(it, false); err != nil {
				return
			}
			s.activateLocked(it, base.Add(time.Duration(i)*time.Microsecond))
		}
		s.kickLocked("")
	})
	return err
}

// StopAll turns auto-process off, stops the active run and parks every item
// waiting in line.
func (s *Scheduler) StopAll() {
	var abortKey string
	s.mutate(func() {
		s.autoProcess = false
		s.waitingForDirect = false
		for _, it := range s.items {
			if it.Status != StatusTranslating || it.failedWithPartial() {
				continue
			}
			if s.ownsLocked(it) {
				it.PendingAction = ActionUserStop
				abortKey = it.VideoKey
			} else {
				park(it)
			}
			s.touchLocked(it.ID)
		}
	})
	if abortKey != "" {
		s.executor.Abort(abortKey)
	}
}

// Stop stops an item at the user's request. A running item is aborted and
// becomes paused once the executor acknowledges; its partial work is kept.
func (s *Scheduler) Stop(id string) error {
	var err error
	var abortKey string
	s.mutate(func() {
		it, ok := s.items[id]
		if !ok {
			err = notFound(id)
			return
		}
		if it.Status != StatusTranslating {
			err = jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("%s is not translating", it.Title)).WithVideoKey(it.VideoKey)
			return
		}
		if s.ownsLocked(it) {
			it.PendingAction = ActionUserStop
			abortKey = it.VideoKey
		} else {
			park(it)
		}
		s.touchLocked(id)
	})
	if abortKey != "" {
		s.executor.Abort(abortKey)
	}
	return err
}

// Resume re-activates a paused item, or one whose last run failed after
// committing batches. Committed ranges are skipped.
func (s *Scheduler) Resume(id string) error {
	var err error
	s.mutate(func() {
		it, ok := s.items[id]
		if !ok {
			err = notFound(id)
			return
		}
		if it.Status != StatusPaused && !it.failedWithPartial() {
			err = jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("%s is not paused", it.Title)).WithVideoKey(it.VideoKey)
			return
		}
		if !s.autoProcess && s.busyLocked() {
			err = s.busyError()
			return
		}
		if err = s.prepareResumeLocked(it); err != nil {
			return
		}
		s.activateLocked(it, s.now())
		s.kickLocked(id)
	})
	return err
}

// ResumeAll turns auto-process on and resumes every paused item.
func (s *Scheduler) ResumeAll() error {
	var err error
	s.mutate(func() {
		paused := s.sortedLocked(func(it *Item) bool {
			return it.Status == StatusPaused || it.failedWithPartial()
		}, byStartedAt)

		s.autoProcess = true
		base := s.now()
		for i, it := range paused {
			if err = s.prepareResumeLocked(it); err != nil {
				return
			}
			s.activateLocked(it, base.Add(time.Duration(i)*time.Microsecond))
		}
		s.kickLocked("")
	})
	return err
}

// Retry puts a failed item back to pending. The config snapshot and any
// partial work are dropped so the next run starts fresh.
func (s *Scheduler) Retry(id string) error {
	var err error
	s.mutate(func() {
		it, ok := s.items[id]
		if !ok {
			err = notFound(id)
			return
		}
		if it.Status != StatusError && !(it.failedWithPartial() && !s.ownsLocked(it)) {
			err = jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("%s has not failed", it.Title)).WithVideoKey(it.VideoKey)
			return
		}
		it.Status = StatusPending
		it.Config = nil
		it.BatchSettings = nil
		it.Error = ""
		it.StartedAt = time.Time{}
		resetProgress(it)
		s.touchLocked(id)
	})
	return err
}

// Remove deletes an item. A running item is aborted first and removed once
// the executor acknowledges.
func (s *Scheduler) Remove(id string) error {
	var err error
	var abortKey, removedKey string
	s.mutate(func() {
		it, ok := s.items[id]
		if !ok {
			err = notFound(id)
			return
		}
		if s.ownsLocked(it) {
			it.PendingAction = ActionRemove
			abortKey = it.VideoKey
			s.touchLocked(id)
			return
		}
		removedKey = it.VideoKey
		s.deleteLocked(it)
	})
	if err != nil {
		return err
	}
	if abortKey != "" {
		s.executor.Abort(abortKey)
		return nil
	}
	s.dropPartialTranslation(removedKey)
	log.Info("Removed %s from queue", removedKey)
	return nil
}

// RetranslateBatch re-runs one batch (single) or everything from a batch on
// (from_here). batchIndex is 0-based. The item must not be running.
func (s *Scheduler) RetranslateBatch(id string, batchIndex int, mode RetranslateMode) error {
	if mode != RetranslateSingle && mode != RetranslateFromHere {
		return jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("unknown retranslate mode %q", mode))
	}

	it, ok := s.Get(id)
	if !ok {
		return notFound(id)
	}
	base, err := s.baseText(it)
	if err != nil {
		return err
	}

	s.mutate(func() {
		it, ok := s.items[id]
		if !ok {
			err = notFound(id)
			return
		}
		if s.ownsLocked(it) || (it.Status == StatusTranslating && !it.failedWithPartial()) {
			err = jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("%s is translating; stop it first", it.Title)).WithVideoKey(it.VideoKey)
			return
		}
		if !s.autoProcess && s.busyLocked() {
			err = s.busyError()
			return
		}
		if err = s.bindConfigLocked(it, false); err != nil {
			return
		}

		batch := it.BatchSettings.WithDefaults()
		r, ok := it.BatchRange(batchIndex)
		if !ok {
			err = jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("batch %d is out of range", batchIndex)).WithVideoKey(it.VideoKey)
			return
		}

		idx := batchIndex
		it.RetranslateBatchIndex = &idx
		it.RetranslateMode = mode
		if mode == RetranslateFromHere {
			start, _ := r.Bounds()
			it.PartialSrt = subtitle.TruncateBefore(base, start)
			it.CompletedRanges = it.BatchRanges()[:batchIndex]
			it.CompletedBatches = batchIndex
			it.Progress = nil
			streaming := batch
			streaming.StreamingMode = true
			it.BatchSettings = &streaming
		}
		s.activateLocked(it, s.now())
		s.kickLocked(id)
	})
	return err
}

// TranslateDirect runs a translation outside the queue order on the
// caller's goroutine. The video still gets an item, which mirrors the run.
func (s *Scheduler) TranslateDirect(ctx context.Context, req DirectRequest) (string, error) {
	it, _, err := s.Enqueue(EnqueueRequest{URL: req.URL, Title: req.Title, DurationSeconds: req.DurationSeconds})
	if err != nil {
		return "", err
	}

	var p *plan
	s.mutate(func() {
		cur, ok := s.items[it.ID]
		if !ok {
			err = notFound(it.ID)
			return
		}
		if s.ownsLocked(cur) || s.busyLocked() {
			err = s.busyError()
			return
		}
		if req.DurationSeconds > 0 {
			cur.DurationSeconds = req.DurationSeconds
		}
		if req.Config != nil {
			c := *req.Config
			cur.Config = &c
		}
		if req.Batch != nil {
			b := *req.Batch
			cur.BatchSettings = &b
		}
		if err = s.bindConfigLocked(cur, false); err != nil {
			return
		}
		if cur.Status == StatusCompleted {
			resetProgress(cur)
		}
		cur.clearRetranslate()
		s.activateLocked(cur, s.now())
		s.direct[cur.VideoKey] = true
		p = s.planLocked(cur)
	})
	if err != nil {
		return "", err
	}

	text, runErr := s.executor.Start(ctx, p.req)
	s.reconcile(p, text, runErr, true)
	return text, runErr
}

// Sweep removes completed items whose translation no longer exists and
// prunes the oldest completed items beyond the configured maximum.
func (s *Scheduler) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult

	completed := make([]*Item, 0)
	for _, it := range s.List() {
		if it.Status == StatusCompleted {
			completed = append(completed, it)
		}
	}

	orphans := make(map[string]bool)
	for _, it := range completed {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		saved, err := s.store.GetTranslation(ctx, it.VideoKey)
		if err != nil {
			log.Error("Failed to look up translation of %s: %v", it.VideoKey, err)
			continue
		}
		if saved == nil {
			orphans[it.ID] = true
		}
	}

	s.mutate(func() {
		for id := range orphans {
			if it, ok := s.items[id]; ok && it.Status == StatusCompleted {
				s.deleteLocked(it)
				result.Orphaned++
			}
		}
		result.Pruned = s.pruneCompletedLocked()
	})
	if result.Orphaned > 0 || result.Pruned > 0 {
		log.Info("Queue sweep removed %d orphaned and %d pruned items", result.Orphaned, result.Pruned)
	}
	return result, nil
}

// Close stops scheduling, aborts the active run so its partial work is
// saved, and waits for the run to be reconciled.
func (s *Scheduler) Close() {
	var abortKey string
	s.mutate(func() {
		if s.closed {
			return
		}
		s.closed = true
		if s.activeID != "" {
			if it, ok := s.items[s.activeID]; ok {
				abortKey = it.VideoKey
			}
		}
	})
	if abortKey != "" {
		s.executor.Abort(abortKey)
	}
	s.wg.Wait()
	s.cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// kickLocked starts the next item waiting in line, preferring prefer.
func (s *Scheduler) kickLocked(prefer string) {
	if s.closed || s.processing {
		return
	}
	if _, busy := s.executor.ProcessingVideoKey(); busy || len(s.direct) > 0 {
		if s.nextCandidateLocked(prefer) != nil {
			s.waitingForDirect = true
		}
		return
	}
	s.waitingForDirect = false

	it := s.nextCandidateLocked(prefer)
	if it == nil {
		return
	}
	if err := s.bindConfigLocked(it, false); err != nil {
		it.Status = StatusError
		it.Error = err.Error()
		s.touchLocked(it.ID)
		log.Error("Cannot start %s: %v", it.VideoKey, err)
		s.kickLocked("")
		return
	}

	p := s.planLocked(it)
	s.processing = true
	s.activeID = it.ID
	s.wg.Add(1)
	go s.run(p)
}

func (s *Scheduler) nextCandidateLocked(prefer string) *Item {
	isCandidate := func(it *Item) bool {
		return it.Status == StatusTranslating && !it.failedWithPartial() && it.PendingAction == ActionNone
	}
	if prefer != "" {
		if it, ok := s.items[prefer]; ok && isCandidate(it) {
			return it
		}
	}
	candidates := s.sortedLocked(isCandidate, byStartedAt)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0]
}

func (s *Scheduler) planLocked(it *Item) *plan {
	batch := it.BatchSettings.WithDefaults()
	p := &plan{
		itemID:   it.ID,
		videoKey: it.VideoKey,
		title:    it.Title,
		mode:     it.RetranslateMode,
		req: jobs.StartRequest{
			VideoKey:        it.VideoKey,
			Label:           it.Title,
			Config:          *it.Config,
			DurationSeconds: it.DurationSeconds,
			Batch:           batch,
		},
	}
	if it.RetranslateMode == RetranslateSingle && it.RetranslateBatchIndex != nil {
		if r, ok := it.BatchRange(*it.RetranslateBatchIndex); ok {
			p.req.Window = &r
			p.req.DurationSeconds = it.BatchDuration()
		}
		return p
	}
	if it.HasPartial() {
		p.req.Resume = &jobs.ResumeData{
			PartialSrt:      it.PartialSrt,
			CompletedRanges: translator.CloneRanges(it.CompletedRanges),
		}
	}
	if it.DurationSeconds > 0 {
		it.TotalBatches = len(translator.BatchRanges(it.DurationSeconds, batch.BatchSeconds, nil))
		s.touchLocked(it.ID)
	}
	return p
}

func (s *Scheduler) run(p *plan) {
	defer s.wg.Done()
	text, err := s.execute(p)
	s.reconcile(p, text, err, false)
}

func (s *Scheduler) execute(p *plan) (string, error) {
	if p.mode != RetranslateSingle || p.req.Window == nil {
		return s.executor.Start(s.ctx, p.req)
	}

	it, ok := s.Get(p.itemID)
	if !ok {
		return "", notFound(p.itemID)
	}
	base, err := s.baseText(it)
	if err != nil {
		return "", err
	}
	text, err := s.executor.Start(s.ctx, p.req)
	if err != nil {
		return "", err
	}
	start, end := p.req.Window.Bounds()
	return subtitle.MergeRange(base, text, start, end), nil
}

// reconcile moves the item of a finished run to its next state and, when
// the queue may advance, starts the next item.
func (s *Scheduler) reconcile(p *plan, text string, runErr error, direct bool) {
	var (
		saved         *SavedTranslation
		dropPartial   string
		notifyDone    bool
		notifyFailure string
		title         = p.title
	)

	s.mutate(func() {
		advance := true
		if direct {
			delete(s.direct, p.videoKey)
		} else {
			s.processing = false
			s.activeID = ""
		}

		it, ok := s.items[p.itemID]
		if !ok {
			s.advanceLocked(advance, direct)
			return
		}
		title = it.Title
		action := it.PendingAction
		it.PendingAction = ActionNone
		it.Progress = nil
		now := s.now()
		s.touchLocked(it.ID)

		switch {
		case action == ActionRemove:
			dropPartial = it.VideoKey
			s.deleteLocked(it)
			log.Info("Removed %s from queue after stopping it", it.VideoKey)

		case runErr == nil && p.mode == RetranslateSingle:
			if it.HasPartial() {
				it.PartialSrt = text
				it.Status = StatusPaused
			} else {
				it.Status = StatusCompleted
				it.CompletedAt = now
				completeRanges(it)
			}
			saved = newSavedTranslation(it.VideoKey, text, it.CompletedRanges, it.HasPartial())
			it.clearRetranslate()
			it.Error = ""

		case runErr == nil:
			it.Status = StatusCompleted
			it.CompletedAt = now
			it.Error = ""
			it.PartialSrt = ""
			completeRanges(it)
			it.clearRetranslate()
			saved = newSavedTranslation(it.VideoKey, text, it.CompletedRanges, false)
			notifyDone = true

		case jobs.IsAborted(runErr) || action == ActionUserStop:
			if p.mode == RetranslateSingle {
				it.Status = restoredStatus(it)
			} else {
				it.Status = StatusPaused
			}
			it.clearRetranslate()
			it.Error = ""

		case jobs.IsKind(runErr, jobs.KindAlreadyRunning) && direct:
			park(it)
			it.clearRetranslate()

		case jobs.IsKind(runErr, jobs.KindAlreadyRunning):
			// Something outside the queue holds the executor; wait for it.
			s.waitingForDirect = true
			_, busy := s.executor.ProcessingVideoKey()
			advance = !busy

		case p.mode == RetranslateSingle:
			it.Status = restoredStatus(it)
			it.clearRetranslate()
			it.Error = runErr.Error()
			notifyFailure = it.Error

		case it.HasPartial():
			// Stays in line with its committed ranges but is not retried
			// until resumed.
			it.Status = StatusTranslating
			it.Error = runErr.Error()
			it.clearRetranslate()
			advance = false
			notifyFailure = it.Error

		default:
			it.Status = StatusError
			it.Error = runErr.Error()
			it.clearRetranslate()
			notifyFailure = it.Error
		}

		s.advanceLocked(advance, direct || jobs.IsKind(runErr, jobs.KindAlreadyRunning))
	})

	if saved != nil {
		if err := s.store.SaveTranslation(context.Background(), saved); err != nil {
			log.Error("Failed to save translation of %s: %v", p.videoKey, err)
		}
	}
	if dropPartial != "" {
		s.dropPartialTranslation(dropPartial)
	}
	if notifyDone {
		s.notifier.NotifyTranslationComplete(p.videoKey, title)
	}
	if notifyFailure != "" {
		s.notifier.NotifyTranslationError(p.videoKey, title, notifyFailure)
	}
}

// advanceLocked starts the next item after a run. Auto-process gates
// advancement unless a kick was deferred while something else ran.
func (s *Scheduler) advanceLocked(advance, deferred bool) {
	if !advance {
		return
	}
	if s.autoProcess || (deferred && s.waitingForDirect) {
		s.kickLocked("")
	}
}

// onJob mirrors executor snapshots into the item being driven.
func (s *Scheduler) onJob(job *jobs.Job) {
	if job == nil {
		return
	}

	var batchDone bool
	var title string
	var completed, total int
	s.mutate(func() {
		id, ok := s.byKey[job.VideoKey]
		var it *Item
		if ok {
			it = s.items[id]
		}
		owned := it != nil && s.ownsLocked(it)

		if job.Status != jobs.StatusProcessing {
			if !owned && s.waitingForDirect {
				s.kickLocked("")
			}
			return
		}
		if !owned || it.PendingAction != ActionNone {
			return
		}

		it.Progress = job.Progress
		if job.Window == nil && job.DurationSeconds > 0 {
			it.DurationSeconds = job.DurationSeconds
		}
		if it.RetranslateMode != RetranslateSingle {
			if len(job.CompletedRanges) > it.CompletedBatches && job.Progress != nil {
				batchDone = true
			}
			it.PartialSrt = job.PartialResult
			it.CompletedRanges = translator.CloneRanges(job.CompletedRanges)
			it.CompletedBatches = len(job.CompletedRanges)
			if job.Progress != nil && job.Window == nil && job.Progress.TotalBatches > 0 {
				it.TotalBatches = job.Progress.TotalBatches
			}
		}
		title, completed, total = it.Title, it.CompletedBatches, it.TotalBatches
		s.touchLocked(it.ID)
	})

	if batchDone {
		s.notifier.NotifyBatchComplete(job.VideoKey, title, completed, total)
	}
}

func (s *Scheduler) ownsLocked(it *Item) bool {
	return it.ID == s.activeID || s.direct[it.VideoKey]
}

func (s *Scheduler) busyLocked() bool {
	if s.processing || len(s.direct) > 0 {
		return true
	}
	_, busy := s.executor.ProcessingVideoKey()
	return busy
}

func (s *Scheduler) busyError() error {
	key, _ := s.executor.ProcessingVideoKey()
	if key == "" {
		return jobs.NewError(jobs.KindBusy, "another translation is running")
	}
	return jobs.NewError(jobs.KindBusy, fmt.Sprintf("another translation is running (%s)", key)).WithVideoKey(key)
}

func (s *Scheduler) activeConfig() (translator.Config, translator.BatchSettings, bool) {
	if s.settings == nil {
		return translator.Config{}, translator.BatchSettings{}, false
	}
	return s.settings.ActiveConfig()
}

// bindConfigLocked snapshots the active config into it unless it already
// carries one. force always rebinds.
func (s *Scheduler) bindConfigLocked(it *Item, force bool) error {
	if it.Config != nil && it.BatchSettings != nil && !force {
		return nil
	}
	cfg, batch, ok := s.activeConfig()
	if it.Config == nil || force {
		if !ok {
			return noConfig()
		}
		it.Config = &cfg
	}
	if it.BatchSettings == nil || force {
		batch = batch.WithDefaults()
		it.BatchSettings = &batch
	}
	s.touchLocked(it.ID)
	return nil
}

func (s *Scheduler) prepareResumeLocked(it *Item) error {
	if err := s.bindConfigLocked(it, false); err != nil {
		return err
	}
	batch := *it.BatchSettings
	batch.StreamingMode = true
	it.BatchSettings = &batch
	return nil
}

func (s *Scheduler) activateLocked(it *Item, startedAt time.Time) {
	it.Status = StatusTranslating
	it.StartedAt = startedAt
	it.Error = ""
	it.Progress = nil
	it.PendingAction = ActionNone
	s.touchLocked(it.ID)
}

func (s *Scheduler) deleteLocked(it *Item) {
	delete(s.items, it.ID)
	if s.byKey[it.VideoKey] == it.ID {
		delete(s.byKey, it.VideoKey)
	}
	s.touchLocked(it.ID)
}

func (s *Scheduler) pruneCompletedLocked() int {
	if s.maxItems <= 0 {
		return 0
	}
	completed := s.sortedLocked(func(it *Item) bool { return it.Status == StatusCompleted }, func(a, b *Item) bool {
		return a.CompletedAt.Before(b.CompletedAt)
	})
	toRemove := len(completed) - s.maxItems
	for i := 0; i < toRemove; i++ {
		s.deleteLocked(completed[i])
	}
	return max(toRemove, 0)
}

// baseText is the text a batch re-edit starts from: the partial of a paused
// item or the saved translation.
func (s *Scheduler) baseText(it *Item) (string, error) {
	if it.HasPartial() {
		return it.PartialSrt, nil
	}
	saved, err := s.store.GetTranslation(context.Background(), it.VideoKey)
	if err != nil {
		return "", fmt.Errorf("failed to load translation of %s: %w", it.VideoKey, err)
	}
	if saved == nil || saved.Text == "" {
		return "", jobs.NewError(jobs.KindInvalidState, fmt.Sprintf("%s has no translation to re-edit", it.Title)).WithVideoKey(it.VideoKey)
	}
	return saved.Text, nil
}

func (s *Scheduler) dropPartialTranslation(videoKey string) {
	saved, err := s.store.GetTranslation(context.Background(), videoKey)
	if err != nil {
		log.Error("Failed to look up translation of %s: %v", videoKey, err)
		return
	}
	if saved == nil || !saved.Partial {
		return
	}
	if err := s.store.DeleteTranslation(context.Background(), videoKey); err != nil {
		log.Error("Failed to delete partial translation of %s: %v", videoKey, err)
	}
}

// mutate runs fn under the state lock, fans the new queue out to listeners
// and persists every item fn touched.
func (s *Scheduler) mutate(fn func()) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.mu.Lock()
	fn()
	dirty := s.dirty
	s.dirty = make(map[string]bool)
	var items []*Item
	var listeners []ItemsListener
	if len(dirty) > 0 {
		items, listeners = s.listLocked(), s.listenersLocked()
	}
	s.mu.Unlock()

	for _, l := range listeners {
		s.deliver(l, items)
	}
	for id := range dirty {
		s.persist(id)
	}
}

func (s *Scheduler) touchLocked(id string) {
	s.dirty[id] = true
}

// persist writes the latest state of id, or deletes it if it is gone.
func (s *Scheduler) persist(id string) {
	if s.store == nil {
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	it, ok := s.items[id]
	snapshot := cloneItem(it)
	s.mu.Unlock()

	if !ok {
		if err := s.store.DeleteItem(context.Background(), id); err != nil {
			log.Error("Failed to delete queue item %s: %v", id, err)
		}
		return
	}
	if err := s.store.UpsertItem(context.Background(), snapshot); err != nil {
		log.Error("Failed to persist queue item %s: %v", id, err)
	}
}

func (s *Scheduler) hydrateFromStore(ctx context.Context) {
	if s.store == nil {
		return
	}
	loaded, err := s.store.LoadItems(ctx)
	if err != nil {
		log.Error("Failed to load queue from store: %v", err)
		return
	}

	s.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" || raw.VideoKey == "" {
			continue
		}
		it := cloneItem(raw)
		if it.Status == StatusTranslating || it.PendingAction != ActionNone {
			// Nothing survives a restart, so nothing is running.
			it.PendingAction = ActionNone
			it.clearRetranslate()
			if it.Status == StatusTranslating {
				park(it)
			}
			s.touchLocked(it.ID)
		}
		it.Progress = nil
		if prev, ok := s.byKey[it.VideoKey]; ok && s.items[prev].AddedAt.Before(it.AddedAt) {
			continue
		}
		s.items[it.ID] = it
		s.byKey[it.VideoKey] = it.ID
	}
	dirty := s.dirty
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	for id := range dirty {
		s.persist(id)
	}
	if len(loaded) > 0 {
		log.Info("Restored %d queue items (%d recovered from an interrupted run)", len(s.items), len(dirty))
	}
}

func (s *Scheduler) listLocked() []*Item {
	ret := s.sortedLocked(func(*Item) bool { return true }, byAddedAt)
	for i, it := range ret {
		ret[i] = cloneItem(it)
	}
	return ret
}

func (s *Scheduler) sortedLocked(keep func(*Item) bool, less func(a, b *Item) bool) []*Item {
	ret := make([]*Item, 0, len(s.items))
	for _, it := range s.items {
		if keep(it) {
			ret = append(ret, it)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		if less(ret[i], ret[j]) {
			return true
		}
		if less(ret[j], ret[i]) {
			return false
		}
		return ret[i].ID < ret[j].ID
	})
	return ret
}

func (s *Scheduler) listenersLocked() []ItemsListener {
	ret := make([]ItemsListener, 0, len(s.listeners))
	for _, entry := range s.listeners {
		ret = append(ret, entry.fn)
	}
	return ret
}

func (s *Scheduler) deliver(l ItemsListener, items []*Item) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("Queue listener panicked: %v", p)
		}
	}()
	copied := make([]*Item, len(items))
	for i, it := range items {
		copied[i] = cloneItem(it)
	}
	l(copied)
}

func byAddedAt(a, b *Item) bool {
	return a.AddedAt.Before(b.AddedAt)
}

func byStartedAt(a, b *Item) bool {
	return a.StartedAt.Before(b.StartedAt)
}

// park takes an item out of line, keeping its partial work.
func park(it *Item) {
	if it.HasPartial() {
		it.Status = StatusPaused
	} else {
		it.Status = StatusPending
	}
	it.Progress = nil
	it.PendingAction = ActionNone
}

// completeRanges marks every batch of a finished item as committed, so the
// ranges and the batch count stay in step.
func completeRanges(it *Item) {
	if all := it.BatchRanges(); len(all) > 0 {
		it.CompletedRanges = all
	}
	it.CompletedBatches = len(it.CompletedRanges)
	it.TotalBatches = max(it.TotalBatches, it.CompletedBatches)
}

func restoredStatus(it *Item) Status {
	if it.HasPartial() {
		return StatusPaused
	}
	return StatusCompleted
}

func resetProgress(it *Item) {
	it.PartialSrt = ""
	it.CompletedRanges = nil
	it.CompletedBatches = 0
	it.Progress = nil
	it.CompletedAt = time.Time{}
	it.clearRetranslate()
}

func notFound(id string) error {
	return jobs.NewError(jobs.KindNotFound, fmt.Sprintf("queue item %s not found", id))
}

func noConfig() error {
	return jobs.NewError(jobs.KindNoConfig, "no translation config selected")
}
