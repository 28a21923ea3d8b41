package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/subtitle"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
)

const (
	urlA = "https://www.youtube.com/watch?v=aaaaaaaaaaa"
	urlB = "https://www.youtube.com/watch?v=bbbbbbbbbbb"
	urlC = "https://www.youtube.com/watch?v=ccccccccccc"

	keyA = "youtube:aaaaaaaaaaa"
	keyB = "youtube:bbbbbbbbbbb"
)

const waitFor = 3 * time.Second

// stepProvider commits one batch at a time. With hold set it waits for a
// release (or cancellation) after every committed batch.
type stepProvider struct {
	mu         sync.Mutex
	calls      []translator.Request
	running    int
	maxRunning int
	hold       bool
	tag        string
	failAfter  map[string]int
	// sourceSeconds stands in for the transcript length when a request
	// carries no duration.
	sourceSeconds float64

	commits map[string]int
	release chan struct{}
}

func newStepProvider() *stepProvider {
	return &stepProvider{
		tag:       "tr",
		failAfter: make(map[string]int),
		commits:   make(map[string]int),
		release:   make(chan struct{}),
	}
}

func (p *stepProvider) setHold(hold bool) {
	p.mu.Lock()
	p.hold = hold
	p.mu.Unlock()
}

func (p *stepProvider) setTag(tag string) {
	p.mu.Lock()
	p.tag = tag
	p.mu.Unlock()
}

func (p *stepProvider) failVideo(key string, afterBatches int) {
	p.mu.Lock()
	p.failAfter[key] = afterBatches
	p.mu.Unlock()
}

func (p *stepProvider) committed(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commits[key]
}

func (p *stepProvider) peakRunning() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRunning
}

func (p *stepProvider) requests() []translator.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]translator.Request(nil), p.calls...)
}

func (p *stepProvider) Translate(ctx context.Context, req translator.Request) (string, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.running++
	p.maxRunning = max(p.maxRunning, p.running)
	hold, tag := p.hold, p.tag
	failAfter, fail := p.failAfter[req.VideoKey]
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = p.sourceSeconds
	}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running--
		p.mu.Unlock()
	}()

	ranges := translator.BatchRanges(duration, req.Batch.WithDefaults().BatchSeconds, req.Window)
	partial := req.ExistingPartialText
	done := translator.NormalizeRanges(req.SkipRanges)
	committed := 0
	for i, r := range ranges {
		if translator.IsCovered(r, done) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return partial, err
		}
		if fail && committed == failAfter {
			return partial, errors.New("provider exploded")
		}
		req.OnBatchProgress(translator.BatchProgress{CurrentBatch: i + 1, TotalBatches: len(ranges), Range: r, DurationSeconds: duration})

		start, end := r.Bounds()
		partial = subtitle.MergeRange(partial, batchText(tag, req.VideoKey, r), start, end)
		done = translator.NormalizeRanges(append(done, r))
		committed++
		p.mu.Lock()
		p.commits[req.VideoKey]++
		p.mu.Unlock()
		req.OnBatchComplete(translator.BatchComplete{
			BatchIndex:      i,
			TotalBatches:    len(ranges),
			Range:           r,
			CompletedRanges: translator.CloneRanges(done),
			PartialText:     partial,
			DurationSeconds: duration,
		})

		if hold {
			select {
			case <-p.release:
			case <-ctx.Done():
				return partial, ctx.Err()
			}
		}
	}
	return partial, nil
}

func batchText(tag, key string, r translator.Range) string {
	start, _ := r.Bounds()
	return subtitle.Format([]subtitle.Line{{
		Index:     1,
		StartTime: start + time.Second,
		EndTime:   start + 5*time.Second,
		Text:      fmt.Sprintf("%s %s %.0f", tag, key, r.Start),
	}})
}

type memStore struct {
	mu           sync.Mutex
	items        map[string]*Item
	translations map[string]*SavedTranslation
	failUpserts  bool
}

func newMemStore() *memStore {
	return &memStore{
		items:        make(map[string]*Item),
		translations: make(map[string]*SavedTranslation),
	}
}

func (m *memStore) LoadItems(context.Context) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*Item, 0, len(m.items))
	for _, it := range m.items {
		ret = append(ret, cloneItem(it))
	}
	return ret, nil
}

func (m *memStore) UpsertItem(_ context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpserts {
		return errors.New("disk full")
	}
	m.items[item.ID] = cloneItem(item)
	return nil
}

func (m *memStore) DeleteItem(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
	return nil
}

func (m *memStore) GetTranslation(_ context.Context, videoKey string) (*SavedTranslation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.translations[videoKey]
	if !ok {
		return nil, nil
	}
	tmp := *t
	return &tmp, nil
}

func (m *memStore) SaveTranslation(_ context.Context, t *SavedTranslation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tmp := *t
	m.translations[t.VideoKey] = &tmp
	return nil
}

func (m *memStore) DeleteTranslation(_ context.Context, videoKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.translations, videoKey)
	return nil
}

func (m *memStore) item(id string) (*Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	return cloneItem(it), ok
}

func (m *memStore) translation(key string) *SavedTranslation {
	t, _ := m.GetTranslation(context.Background(), key)
	return t
}

type staticSettings struct {
	mu    sync.Mutex
	cfg   translator.Config
	batch translator.BatchSettings
	ok    bool
}

func (s *staticSettings) ActiveConfig() (translator.Config, translator.BatchSettings, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.batch, s.ok
}

func (s *staticSettings) set(cfg translator.Config, ok bool) {
	s.mu.Lock()
	s.cfg, s.ok = cfg, ok
	s.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) record(event string) {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
}

func (n *recordingNotifier) NotifyBatchComplete(videoKey, _ string, completed, total int) {
	n.record(fmt.Sprintf("batch %s %d/%d", videoKey, completed, total))
}

func (n *recordingNotifier) NotifyTranslationComplete(videoKey, _ string) {
	n.record("complete " + videoKey)
}

func (n *recordingNotifier) NotifyTranslationError(videoKey, _, message string) {
	n.record("error " + videoKey + ": " + message)
}

func (n *recordingNotifier) snapshot() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// tickingClock advances one second per reading.
type tickingClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *tickingClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type harness struct {
	s        *Scheduler
	exec     *jobs.Executor
	store    *memStore
	settings *staticSettings
	provider *stepProvider
	notes    *recordingNotifier
}

func newHarness(t *testing.T, store *memStore, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    store,
		settings: &staticSettings{cfg: translator.Config{ID: "cfg1", Name: "French", TargetLanguage: "fr"}, ok: true},
		provider: newStepProvider(),
		notes:    &recordingNotifier{},
	}
	h.exec = jobs.NewExecutor(h.provider, jobs.WithPartialStore(NewPartialStore(store)))
	clock := &tickingClock{cur: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithNotifier(h.notes), WithClock(clock.now)}, opts...)
	h.s = NewScheduler(h.exec, store, h.settings, opts...)
	t.Cleanup(h.s.Close)
	return h
}

func (h *harness) enqueue(t *testing.T, url string, seconds float64) *Item {
	t.Helper()
	it, created, err := h.s.Enqueue(EnqueueRequest{URL: url, DurationSeconds: seconds})
	require.NoError(t, err)
	require.True(t, created)
	return it
}

func (h *harness) item(t *testing.T, id string) *Item {
	t.Helper()
	it, ok := h.s.Get(id)
	require.True(t, ok, "item %s is gone", id)
	return it
}

func (h *harness) waitStatus(t *testing.T, id string, status Status) *Item {
	t.Helper()
	require.Eventually(t, func() bool {
		it, ok := h.s.Get(id)
		return ok && it.Status == status && it.PendingAction == ActionNone
	}, waitFor, 5*time.Millisecond, "item never reached %s", status)
	return h.item(t, id)
}

// waitCompleted also waits for the final translation to be stored.
func (h *harness) waitCompleted(t *testing.T, id, key string) *Item {
	t.Helper()
	it := h.waitStatus(t, id, StatusCompleted)
	require.Eventually(t, func() bool {
		saved := h.store.translation(key)
		return saved != nil && !saved.Partial
	}, waitFor, 5*time.Millisecond)
	return it
}

// waitCommitted waits until n batches of key have been committed in total.
func waitCommitted(t *testing.T, p *stepProvider, key string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.committed(key) >= n
	}, waitFor, 5*time.Millisecond, "%s never reached %d committed batches", key, n)
}

func TestScheduler_EnqueueDedupsByCanonicalKey(t *testing.T) {
	h := newHarness(t, newMemStore())

	first, created, err := h.s.Enqueue(EnqueueRequest{URL: urlA + "&t=42s&list=PL1", Title: "Talk"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, keyA, first.VideoKey)
	assert.Equal(t, StatusPending, first.Status)
	assert.Contains(t, first.Thumbnail, "aaaaaaaaaaa")

	second, created, err := h.s.Enqueue(EnqueueRequest{URL: "https://youtu.be/aaaaaaaaaaa"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "Talk", second.Title)

	assert.Len(t, h.s.List(), 1)
	_, ok := h.store.item(first.ID)
	assert.True(t, ok)
}

func TestScheduler_EnqueueRejectsInvalidURL(t *testing.T) {
	h := newHarness(t, newMemStore())

	_, _, err := h.s.Enqueue(EnqueueRequest{URL: "  "})
	require.Error(t, err)
	assert.Empty(t, h.s.List())
}

func TestScheduler_StartRunsAndCompletes(t *testing.T) {
	h := newHarness(t, newMemStore())
	it := h.enqueue(t, urlA, 1800)

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	done := h.waitCompleted(t, it.ID, keyA)

	assert.Equal(t, 3, done.CompletedBatches)
	assert.Equal(t, 3, done.TotalBatches)
	assert.Empty(t, done.PartialSrt)
	assert.Empty(t, done.Error)
	assert.Nil(t, done.Progress)
	require.NotNil(t, done.Config)
	assert.Equal(t, "cfg1", done.Config.ID)
	assert.False(t, done.CompletedAt.IsZero())

	saved := h.store.translation(keyA)
	assert.Len(t, subtitle.Entries(saved.Text), 3)

	assert.Eventually(t, func() bool {
		events := h.notes.snapshot()
		return len(events) > 0 && events[len(events)-1] == "complete "+keyA
	}, waitFor, 5*time.Millisecond)
	assert.Contains(t, h.notes.snapshot(), "batch "+keyA+" 1/3")
}

func TestScheduler_StartWithoutConfig(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.settings.set(translator.Config{}, false)
	it := h.enqueue(t, urlA, 600)

	err := h.s.Start(it.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, jobs.IsKind(err, jobs.KindNoConfig))
	assert.Equal(t, StatusPending, h.item(t, it.ID).Status)
	assert.Empty(t, h.provider.requests())
}

func TestScheduler_StartUnknownItem(t *testing.T) {
	h := newHarness(t, newMemStore())

	err := h.s.Start("nope", StartOptions{})
	assert.True(t, jobs.IsKind(err, jobs.KindNotFound))
}

func TestScheduler_StartWhileBusyWithoutAutoProcess(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	a := h.enqueue(t, urlA, 1800)
	b := h.enqueue(t, urlB, 600)

	require.NoError(t, h.s.Start(a.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyA, 1)

	err := h.s.Start(b.ID, StartOptions{})
	require.Error(t, err)
	assert.True(t, jobs.IsKind(err, jobs.KindBusy))
	assert.Equal(t, StatusPending, h.item(t, b.ID).Status)
}

func TestScheduler_CompletedNeedsForceRetranslate(t *testing.T) {
	h := newHarness(t, newMemStore())
	it := h.enqueue(t, urlA, 600)
	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	h.waitCompleted(t, it.ID, keyA)

	err := h.s.Start(it.ID, StartOptions{})
	assert.True(t, jobs.IsKind(err, jobs.KindInvalidState))

	h.settings.set(translator.Config{ID: "cfg2", TargetLanguage: "de"}, true)
	require.NoError(t, h.s.Start(it.ID, StartOptions{ForceRetranslate: true}))
	require.Eventually(t, func() bool { return len(h.provider.requests()) == 2 }, waitFor, 5*time.Millisecond)

	second := h.provider.requests()[1]
	assert.Equal(t, "cfg2", second.Config.ID)
	assert.Empty(t, second.SkipRanges)
	done := h.waitCompleted(t, it.ID, keyA)
	assert.Equal(t, "cfg2", done.Config.ID)
}

func TestScheduler_StartAllRunsInStartedOrder(t *testing.T) {
	h := newHarness(t, newMemStore())
	a := h.enqueue(t, urlA, 600)
	b := h.enqueue(t, urlB, 600)
	c := h.enqueue(t, urlC, 600)

	require.NoError(t, h.s.StartAll())
	assert.True(t, h.s.AutoProcess())

	h.waitCompleted(t, c.ID, "youtube:ccccccccccc")
	h.waitStatus(t, a.ID, StatusCompleted)
	h.waitStatus(t, b.ID, StatusCompleted)

	order := make([]string, 0)
	for _, req := range h.provider.requests() {
		order = append(order, req.VideoKey)
	}
	assert.Equal(t, []string{keyA, keyB, "youtube:ccccccccccc"}, order)
	assert.Equal(t, 1, h.provider.peakRunning())

	ia, ib, ic := h.item(t, a.ID), h.item(t, b.ID), h.item(t, c.ID)
	assert.True(t, ia.StartedAt.Before(ib.StartedAt))
	assert.True(t, ib.StartedAt.Before(ic.StartedAt))
}

func TestScheduler_NoAutoAdvanceWhenAutoProcessOff(t *testing.T) {
	h := newHarness(t, newMemStore())
	a := h.enqueue(t, urlA, 600)
	b := h.enqueue(t, urlB, 600)

	require.NoError(t, h.s.Start(a.ID, StartOptions{}))
	h.waitCompleted(t, a.ID, keyA)

	assert.Equal(t, StatusPending, h.item(t, b.ID).Status)
	assert.Len(t, h.provider.requests(), 1)
}

func TestScheduler_AbortThenResumeSkipsCommittedBatches(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	it := h.enqueue(t, urlA, 1800)

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyA, 1)
	require.NoError(t, h.s.Stop(it.ID))

	paused := h.waitStatus(t, it.ID, StatusPaused)
	assert.Equal(t, 1, paused.CompletedBatches)
	assert.Equal(t, []translator.Range{{Start: 0, End: 600}}, paused.CompletedRanges)
	assert.Equal(t, batchText("tr", keyA, translator.Range{Start: 0, End: 600}), paused.PartialSrt)
	assert.Empty(t, paused.Error)
	assert.Nil(t, paused.Progress)

	saved := h.store.translation(keyA)
	require.NotNil(t, saved)
	assert.True(t, saved.Partial)
	assert.Equal(t, paused.PartialSrt, saved.Text)

	stored, ok := h.store.item(it.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPaused, stored.Status)

	h.provider.setHold(false)
	require.NoError(t, h.s.Resume(it.ID))
	done := h.waitCompleted(t, it.ID, keyA)

	reqs := h.provider.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []translator.Range{{Start: 0, End: 600}}, reqs[1].SkipRanges)
	assert.Equal(t, paused.PartialSrt, reqs[1].ExistingPartialText)
	assert.True(t, reqs[1].Batch.StreamingMode)

	assert.Empty(t, done.PartialSrt)
	assert.Len(t, done.CompletedRanges, 3)
	assert.Equal(t, 3, done.CompletedBatches)

	final := h.store.translation(keyA)
	assert.False(t, final.Partial)
	assert.True(t, strings.HasPrefix(final.Text, paused.PartialSrt))
	assert.Len(t, subtitle.Entries(final.Text), 3)

	for _, e := range h.notes.snapshot() {
		assert.False(t, strings.HasPrefix(e, "error"), "unexpected notification %q", e)
	}
}

func TestScheduler_UserStopAdvancesWithoutError(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	a := h.enqueue(t, urlA, 1800)
	b := h.enqueue(t, urlB, 1800)

	require.NoError(t, h.s.StartAll())
	waitCommitted(t, h.provider, keyA, 1)
	require.NoError(t, h.s.Stop(a.ID))

	waitCommitted(t, h.provider, keyB, 1)
	activeID, ok := h.s.ActiveID()
	require.True(t, ok)
	assert.Equal(t, b.ID, activeID)

	stopped := h.item(t, a.ID)
	assert.Equal(t, StatusPaused, stopped.Status)
	assert.Empty(t, stopped.Error)
	assert.Equal(t, 1, stopped.CompletedBatches)
	assert.NotEmpty(t, stopped.PartialSrt)

	for _, e := range h.notes.snapshot() {
		assert.False(t, strings.HasPrefix(e, "error"), "unexpected notification %q", e)
	}
}

func TestScheduler_StopAllParksWaitingItems(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	a := h.enqueue(t, urlA, 1800)
	b := h.enqueue(t, urlB, 1800)

	require.NoError(t, h.s.StartAll())
	waitCommitted(t, h.provider, keyA, 1)
	assert.Equal(t, StatusTranslating, h.item(t, b.ID).Status)

	h.s.StopAll()
	assert.False(t, h.s.AutoProcess())

	h.waitStatus(t, a.ID, StatusPaused)
	assert.Equal(t, StatusPending, h.item(t, b.ID).Status)
	_, active := h.s.ActiveID()
	assert.False(t, active)
	assert.Len(t, h.provider.requests(), 1)
}

func TestScheduler_ResumeAllTurnsOnAutoProcess(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	a := h.enqueue(t, urlA, 1200)
	b := h.enqueue(t, urlB, 1200)

	require.NoError(t, h.s.Start(a.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyA, 1)
	require.NoError(t, h.s.Stop(a.ID))
	h.waitStatus(t, a.ID, StatusPaused)

	require.NoError(t, h.s.Start(b.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyB, 1)
	require.NoError(t, h.s.Stop(b.ID))
	h.waitStatus(t, b.ID, StatusPaused)

	h.provider.setHold(false)
	require.NoError(t, h.s.ResumeAll())
	assert.True(t, h.s.AutoProcess())

	h.waitCompleted(t, a.ID, keyA)
	h.waitCompleted(t, b.ID, keyB)
}

func TestScheduler_ConfigSnapshotSurvivesSettingsChange(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	it := h.enqueue(t, urlA, 1800)

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyA, 1)
	require.NoError(t, h.s.Stop(it.ID))
	h.waitStatus(t, it.ID, StatusPaused)

	h.settings.set(translator.Config{ID: "cfg2", TargetLanguage: "de"}, true)
	h.provider.setHold(false)
	require.NoError(t, h.s.Resume(it.ID))
	h.waitCompleted(t, it.ID, keyA)

	reqs := h.provider.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "cfg1", reqs[1].Config.ID)
}

func TestScheduler_FailureWithPartialHaltsAndKeepsWork(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.failVideo(keyA, 1)
	a := h.enqueue(t, urlA, 1800)
	b := h.enqueue(t, urlB, 600)

	require.NoError(t, h.s.StartAll())
	require.Eventually(t, func() bool {
		return h.item(t, a.ID).Error != ""
	}, waitFor, 5*time.Millisecond)

	failed := h.item(t, a.ID)
	assert.Equal(t, StatusTranslating, failed.Status)
	assert.Nil(t, failed.Progress)
	assert.Equal(t, 1, failed.CompletedBatches)
	assert.NotEmpty(t, failed.PartialSrt)
	assert.Contains(t, failed.Error, "provider exploded")

	// Auto-advance halts on a failure that kept partial work.
	assert.Equal(t, StatusTranslating, h.item(t, b.ID).Status)
	assert.Len(t, h.provider.requests(), 1)

	require.Eventually(t, func() bool {
		for _, e := range h.notes.snapshot() {
			if strings.HasPrefix(e, "error "+keyA) {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	h.provider.failVideo(keyA, -1)
	require.NoError(t, h.s.Resume(a.ID))
	h.waitCompleted(t, a.ID, keyA)
	assert.Equal(t, []translator.Range{{Start: 0, End: 600}}, h.provider.requests()[1].SkipRanges)
	h.waitCompleted(t, b.ID, keyB)
}

func TestScheduler_FailureWithoutPartialThenRetry(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.failVideo(keyA, 0)
	it := h.enqueue(t, urlA, 600)

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	failed := h.waitStatus(t, it.ID, StatusError)
	assert.Contains(t, failed.Error, "provider exploded")
	require.NotNil(t, failed.Config)

	err := h.s.Resume(it.ID)
	assert.True(t, jobs.IsKind(err, jobs.KindInvalidState))

	require.NoError(t, h.s.Retry(it.ID))
	retried := h.item(t, it.ID)
	assert.Equal(t, StatusPending, retried.Status)
	assert.Nil(t, retried.Config)
	assert.Nil(t, retried.BatchSettings)
	assert.Empty(t, retried.Error)
	assert.Empty(t, retried.PartialSrt)

	h.provider.failVideo(keyA, -1)
	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	h.waitCompleted(t, it.ID, keyA)
}

func TestScheduler_RetryRejectsHealthyItem(t *testing.T) {
	h := newHarness(t, newMemStore())
	it := h.enqueue(t, urlA, 600)

	err := h.s.Retry(it.ID)
	assert.True(t, jobs.IsKind(err, jobs.KindInvalidState))
}

func TestScheduler_RemoveWhileActive(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	it := h.enqueue(t, urlA, 1800)

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyA, 1)
	require.NoError(t, h.s.Remove(it.ID))

	require.Eventually(t, func() bool {
		_, ok := h.s.Get(it.ID)
		return !ok
	}, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		_, stored := h.store.item(it.ID)
		return !stored && h.store.translation(keyA) == nil
	}, waitFor, 5*time.Millisecond)

	_, busy := h.exec.ProcessingVideoKey()
	assert.False(t, busy)

	again, created, err := h.s.Enqueue(EnqueueRequest{URL: urlA})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, it.ID, again.ID)
}

func TestScheduler_RemoveKeepsFinishedTranslation(t *testing.T) {
	h := newHarness(t, newMemStore())
	it := h.enqueue(t, urlA, 600)
	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	h.waitCompleted(t, it.ID, keyA)

	require.NoError(t, h.s.Remove(it.ID))
	assert.Empty(t, h.s.List())
	assert.NotNil(t, h.store.translation(keyA))
}

func TestScheduler_RetranslateSingleBatchIsLocal(t *testing.T) {
	h := newHarness(t, newMemStore())
	it := h.enqueue(t, urlA, 1800)
	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	h.waitCompleted(t, it.ID, keyA)
	before := subtitle.Entries(h.store.translation(keyA).Text)
	require.Len(t, before, 3)

	h.provider.setTag("redo")
	require.NoError(t, h.s.RetranslateBatch(it.ID, 1, RetranslateSingle))

	require.Eventually(t, func() bool {
		saved := h.store.translation(keyA)
		return saved != nil && strings.Contains(saved.Text, "redo")
	}, waitFor, 5*time.Millisecond)
	done := h.waitStatus(t, it.ID, StatusCompleted)

	reqs := h.provider.requests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[1].Window)
	assert.Equal(t, translator.Range{Start: 600, End: 1200}, *reqs[1].Window)
	assert.Empty(t, reqs[1].SkipRanges)

	after := subtitle.Entries(h.store.translation(keyA).Text)
	require.Len(t, after, 3)
	assert.Equal(t, before[0], after[0])
	assert.Equal(t, before[2], after[2])
	assert.Equal(t, "redo "+keyA+" 600", after[1].Text)

	assert.Equal(t, 3, done.CompletedBatches)
	assert.Equal(t, 3, done.TotalBatches)
	assert.Nil(t, done.RetranslateBatchIndex)
	assert.Empty(t, string(done.RetranslateMode))

	saved := h.store.translation(keyA)
	assert.False(t, saved.Partial)
	assert.Equal(t, []translator.Range{{Start: 0, End: 600}, {Start: 600, End: 1200}, {Start: 1200, End: 1800}}, saved.CompletedRanges)
}

func TestScheduler_RetranslateUsesDurationLearnedFromRun(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.sourceSeconds = 1800
	it := h.enqueue(t, urlA, 0)

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	done := h.waitCompleted(t, it.ID, keyA)
	assert.InDelta(t, 1800.0, done.DurationSeconds, 1e-9)
	assert.Equal(t, 3, done.TotalBatches)
	assert.Equal(t, 3, done.CompletedBatches)
	assert.Len(t, done.CompletedRanges, done.CompletedBatches)

	stored, ok := h.store.item(it.ID)
	require.True(t, ok)
	assert.InDelta(t, 1800.0, stored.DurationSeconds, 1e-9)

	h.provider.setTag("redo")
	require.NoError(t, h.s.RetranslateBatch(it.ID, 1, RetranslateSingle))
	require.Eventually(t, func() bool {
		saved := h.store.translation(keyA)
		return saved != nil && strings.Contains(saved.Text, "redo")
	}, waitFor, 5*time.Millisecond)
	h.waitStatus(t, it.ID, StatusCompleted)

	reqs := h.provider.requests()
	require.Len(t, reqs, 2)
	require.NotNil(t, reqs[1].Window)
	assert.Equal(t, translator.Range{Start: 600, End: 1200}, *reqs[1].Window)

	require.NoError(t, h.s.RetranslateBatch(it.ID, 1, RetranslateFromHere))
	final := h.waitStatus(t, it.ID, StatusCompleted)
	reqs = h.provider.requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, []translator.Range{{Start: 0, End: 600}}, reqs[2].SkipRanges)
	assert.Equal(t, 3, final.CompletedBatches)
}

func TestItem_BatchRangesFallBackToBatchCount(t *testing.T) {
	it := &Item{TotalBatches: 2, BatchSettings: &translator.BatchSettings{BatchSeconds: 300}}

	assert.InDelta(t, 600.0, it.BatchDuration(), 1e-9)
	assert.Equal(t, []translator.Range{{Start: 0, End: 300}, {Start: 300, End: 600}}, it.BatchRanges())
	r, ok := it.BatchRange(1)
	require.True(t, ok)
	assert.Equal(t, translator.Range{Start: 300, End: 600}, r)
	_, ok = it.BatchRange(2)
	assert.False(t, ok)

	it.DurationSeconds = 700
	assert.Len(t, it.BatchRanges(), 3)

	assert.Empty(t, (&Item{}).BatchRanges())
}

func TestScheduler_RetranslateFromHereTruncates(t *testing.T) {
	h := newHarness(t, newMemStore())
	it := h.enqueue(t, urlA, 3000)
	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	h.waitCompleted(t, it.ID, keyA)

	h.provider.setHold(true)
	require.NoError(t, h.s.RetranslateBatch(it.ID, 2, RetranslateFromHere))
	waitCommitted(t, h.provider, keyA, 6)

	reqs := h.provider.requests()
	require.Len(t, reqs, 2)
	resumed := reqs[1]
	assert.Equal(t, []translator.Range{{Start: 0, End: 600}, {Start: 600, End: 1200}}, resumed.SkipRanges)
	kept := subtitle.Entries(resumed.ExistingPartialText)
	require.Len(t, kept, 2)
	for _, line := range kept {
		assert.LessOrEqual(t, line.EndTime, 1200*time.Second)
	}

	running := h.item(t, it.ID)
	assert.Equal(t, RetranslateFromHere, running.RetranslateMode)
	assert.GreaterOrEqual(t, running.CompletedBatches, 2)

	for i := 0; i < 3; i++ {
		h.provider.release <- struct{}{}
	}
	done := h.waitStatus(t, it.ID, StatusCompleted)
	assert.Equal(t, 5, done.CompletedBatches)
	assert.Nil(t, done.RetranslateBatchIndex)
}

func TestScheduler_RetranslateValidation(t *testing.T) {
	h := newHarness(t, newMemStore())
	it := h.enqueue(t, urlA, 1800)

	// Nothing translated yet.
	err := h.s.RetranslateBatch(it.ID, 0, RetranslateSingle)
	assert.True(t, jobs.IsKind(err, jobs.KindInvalidState))

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	h.waitCompleted(t, it.ID, keyA)

	err = h.s.RetranslateBatch(it.ID, 3, RetranslateSingle)
	assert.True(t, jobs.IsKind(err, jobs.KindInvalidState))

	err = h.s.RetranslateBatch(it.ID, 0, RetranslateMode("sideways"))
	assert.True(t, jobs.IsKind(err, jobs.KindInvalidState))
}

func TestScheduler_DefersToExternalRun(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)

	external := make(chan error, 1)
	go func() {
		_, err := h.exec.Start(context.Background(), jobs.StartRequest{
			VideoKey:        "vimeo.com/42",
			Config:          translator.Config{ID: "adhoc", TargetLanguage: "fr"},
			DurationSeconds: 600,
		})
		external <- err
	}()
	waitCommitted(t, h.provider, "vimeo.com/42", 1)

	it := h.enqueue(t, urlA, 600)
	require.NoError(t, h.s.StartAll())
	_, active := h.s.ActiveID()
	assert.False(t, active)
	assert.Equal(t, StatusTranslating, h.item(t, it.ID).Status)

	h.provider.release <- struct{}{}
	require.NoError(t, <-external)

	waitCommitted(t, h.provider, keyA, 1)
	h.provider.release <- struct{}{}
	h.waitCompleted(t, it.ID, keyA)

	for _, e := range h.notes.snapshot() {
		assert.NotContains(t, e, "vimeo.com/42")
	}
}

func TestScheduler_TranslateDirect(t *testing.T) {
	h := newHarness(t, newMemStore())

	text, err := h.s.TranslateDirect(context.Background(), DirectRequest{
		URL:             urlA,
		Title:           "Direct",
		DurationSeconds: 1200,
		Config:          &translator.Config{ID: "adhoc", TargetLanguage: "ja"},
	})
	require.NoError(t, err)
	assert.Len(t, subtitle.Entries(text), 2)

	it, ok := h.s.GetByVideoKey(keyA)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, it.Status)
	assert.Equal(t, "adhoc", it.Config.ID)
	assert.Equal(t, "Direct", it.Title)

	saved := h.store.translation(keyA)
	require.NotNil(t, saved)
	assert.Equal(t, text, saved.Text)
	assert.Contains(t, h.notes.snapshot(), "complete "+keyA)
}

func TestScheduler_TranslateDirectWhileBusy(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.provider.setHold(true)
	it := h.enqueue(t, urlA, 1200)
	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyA, 1)

	_, err := h.s.TranslateDirect(context.Background(), DirectRequest{URL: urlB, DurationSeconds: 600})
	require.Error(t, err)
	assert.True(t, jobs.IsKind(err, jobs.KindBusy))
}

func TestScheduler_HydrateRecoversInterruptedItems(t *testing.T) {
	store := newMemStore()
	added := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.items["with-partial"] = &Item{
		ID:              "with-partial",
		VideoKey:        keyA,
		Status:          StatusTranslating,
		PartialSrt:      batchText("tr", keyA, translator.Range{Start: 0, End: 600}),
		CompletedRanges: []translator.Range{{Start: 0, End: 600}},
		Progress:        &translator.Progress{CurrentBatch: 2, TotalBatches: 3},
		PendingAction:   ActionUserStop,
		AddedAt:         added,
	}
	store.items["fresh"] = &Item{
		ID:       "fresh",
		VideoKey: keyB,
		Status:   StatusTranslating,
		AddedAt:  added.Add(time.Minute),
	}

	h := newHarness(t, store)

	items := h.s.List()
	require.Len(t, items, 2)
	assert.Equal(t, "with-partial", items[0].ID)
	assert.Equal(t, StatusPaused, items[0].Status)
	assert.Nil(t, items[0].Progress)
	assert.Equal(t, ActionNone, items[0].PendingAction)
	assert.Equal(t, StatusPending, items[1].Status)

	stored, ok := store.item("with-partial")
	require.True(t, ok)
	assert.Equal(t, StatusPaused, stored.Status)

	byKey, ok := h.s.GetByVideoKey(keyB)
	require.True(t, ok)
	assert.Equal(t, "fresh", byKey.ID)
}

func TestScheduler_SweepRemovesOrphansAndPrunes(t *testing.T) {
	store := newMemStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, key := range []string{keyA, keyB, "youtube:ccccccccccc"} {
		id := fmt.Sprintf("done-%d", i)
		store.items[id] = &Item{
			ID:          id,
			VideoKey:    key,
			Status:      StatusCompleted,
			AddedAt:     base.Add(time.Duration(i) * time.Minute),
			CompletedAt: base.Add(time.Duration(i) * time.Hour),
		}
	}
	store.items["orphan"] = &Item{ID: "orphan", VideoKey: "vimeo.com/1", Status: StatusCompleted, AddedAt: base}
	store.items["waiting"] = &Item{ID: "waiting", VideoKey: "vimeo.com/2", Status: StatusPending, AddedAt: base}
	for _, key := range []string{keyA, keyB, "youtube:ccccccccccc"} {
		store.translations[key] = &SavedTranslation{VideoKey: key, Text: "x"}
	}

	h := newHarness(t, store, WithMaxItems(2))
	result, err := h.s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Orphaned: 1, Pruned: 1}, result)

	ids := make([]string, 0)
	for _, it := range h.s.List() {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{"done-1", "done-2", "waiting"}, ids)
	_, ok := store.item("orphan")
	assert.False(t, ok)
	_, ok = store.item("done-0")
	assert.False(t, ok)
}

func TestScheduler_SubscribeDeliversCopies(t *testing.T) {
	h := newHarness(t, newMemStore())

	var mu sync.Mutex
	var seen [][]*Item
	unsubscribe := h.s.Subscribe(func(items []*Item) {
		mu.Lock()
		defer mu.Unlock()
		if len(items) > 0 {
			items[0].Title = "mutated"
		}
		seen = append(seen, items)
	})

	it := h.enqueue(t, urlA, 600)
	unsubscribe()
	unsubscribe()
	h.enqueue(t, urlB, 600)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Empty(t, seen[0])
	require.Len(t, seen[1], 1)
	assert.Equal(t, it.ID, seen[1][0].ID)
	assert.NotEqual(t, "mutated", h.item(t, it.ID).Title)
}

func TestScheduler_ListenerPanicIsContained(t *testing.T) {
	h := newHarness(t, newMemStore())
	h.s.Subscribe(func([]*Item) { panic("boom") })

	var calls int
	h.s.Subscribe(func([]*Item) { calls++ })

	h.enqueue(t, urlA, 600)
	assert.Equal(t, 2, calls)
}

func TestScheduler_StoreFailuresAreNotFatal(t *testing.T) {
	store := newMemStore()
	store.failUpserts = true
	h := newHarness(t, store)

	it := h.enqueue(t, urlA, 600)
	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	h.waitCompleted(t, it.ID, keyA)

	_, ok := store.item(it.ID)
	assert.False(t, ok)
}

func TestScheduler_CloseSavesActivePartial(t *testing.T) {
	store := newMemStore()
	h := newHarness(t, store)
	h.provider.setHold(true)
	it := h.enqueue(t, urlA, 1800)

	require.NoError(t, h.s.Start(it.ID, StartOptions{}))
	waitCommitted(t, h.provider, keyA, 1)
	h.s.Close()

	stored, ok := store.item(it.ID)
	require.True(t, ok)
	assert.Equal(t, StatusPaused, stored.Status)
	assert.Equal(t, 1, stored.CompletedBatches)
	saved := store.translation(keyA)
	require.NotNil(t, saved)
	assert.True(t, saved.Partial)
}
