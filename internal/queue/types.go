package queue

import (
	"context"
	"time"

	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusTranslating Status = "translating"
	StatusPaused      Status = "paused"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

type RetranslateMode string

const (
	RetranslateSingle   RetranslateMode = "single"
	RetranslateFromHere RetranslateMode = "from_here"
)

// PendingAction records an explicit user action on the item that the
// executor has not acknowledged yet.
type PendingAction string

const (
	ActionNone     PendingAction = ""
	ActionUserStop PendingAction = "user_stop"
	ActionRemove   PendingAction = "remove"
)

// Item is the persisted translation lifecycle of one video.
type Item struct {
	ID              string  `json:"id"`
	VideoKey        string  `json:"video_key"`
	URL             string  `json:"url"`
	Title           string  `json:"title"`
	Thumbnail       string  `json:"thumbnail,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Status          Status  `json:"status"`

	// Config and BatchSettings are snapshotted on first activation and
	// reused by resume and retry.
	Config        *translator.Config        `json:"config,omitempty"`
	BatchSettings *translator.BatchSettings `json:"batch_settings,omitempty"`

	Progress         *translator.Progress `json:"progress,omitempty"`
	PartialSrt       string               `json:"partial_srt,omitempty"`
	CompletedRanges  []translator.Range   `json:"completed_ranges,omitempty"`
	CompletedBatches int                  `json:"completed_batches"`
	TotalBatches     int                  `json:"total_batches"`

	RetranslateBatchIndex *int            `json:"retranslate_batch_index,omitempty"`
	RetranslateMode       RetranslateMode `json:"retranslate_mode,omitempty"`
	PendingAction         PendingAction   `json:"pending_action,omitempty"`

	AddedAt     time.Time `json:"added_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// HasPartial reports whether the item carries resumable work.
func (it *Item) HasPartial() bool {
	return it.PartialSrt != "" && len(it.CompletedRanges) > 0
}

// BatchDuration is the length the batch plan of the item covers. Items
// that never learned their duration count whole batches.
func (it *Item) BatchDuration() float64 {
	if it.DurationSeconds > 0 {
		return it.DurationSeconds
	}
	return float64(it.TotalBatches * it.batchSeconds())
}

// BatchRanges lists every batch of the video, in order.
func (it *Item) BatchRanges() []translator.Range {
	return translator.BatchRanges(it.BatchDuration(), it.batchSeconds(), nil)
}

// BatchRange returns the index-th batch of the video.
func (it *Item) BatchRange(index int) (translator.Range, bool) {
	return translator.BatchRange(it.BatchDuration(), it.batchSeconds(), index)
}

func (it *Item) batchSeconds() int {
	if it.BatchSettings == nil {
		return translator.DefaultBatchSeconds
	}
	return it.BatchSettings.WithDefaults().BatchSeconds
}

// ConfigID is the id of the snapshotted profile, if any.
func (it *Item) ConfigID() string {
	if it.Config == nil {
		return ""
	}
	return it.Config.ID
}

// failedWithPartial is a translating item whose last run failed after
// committing batches. It waits for an explicit resume.
func (it *Item) failedWithPartial() bool {
	return it.Status == StatusTranslating && it.Error != ""
}

func (it *Item) clearRetranslate() {
	it.RetranslateBatchIndex = nil
	it.RetranslateMode = ""
}

// SavedTranslation is the latest translated text of a video.
type SavedTranslation struct {
	VideoKey        string             `json:"video_key"`
	Text            string             `json:"text"`
	CompletedRanges []translator.Range `json:"completed_ranges,omitempty"`
	Partial         bool               `json:"partial"`
	Language        string             `json:"language,omitempty"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Store persists queue items and saved translations. GetTranslation returns
// nil without error when nothing is saved.
type Store interface {
	LoadItems(ctx context.Context) ([]*Item, error)
	UpsertItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, id string) error

	GetTranslation(ctx context.Context, videoKey string) (*SavedTranslation, error)
	SaveTranslation(ctx context.Context, t *SavedTranslation) error
	DeleteTranslation(ctx context.Context, videoKey string) error
}

// SettingsSource provides the active global translation config.
type SettingsSource interface {
	ActiveConfig() (translator.Config, translator.BatchSettings, bool)
}

// Executor is the part of *jobs.Executor the scheduler drives.
type Executor interface {
	Start(ctx context.Context, req jobs.StartRequest) (string, error)
	Subscribe(l jobs.Listener) func()
	Abort(videoKey string) jobs.AbortResult
	ProcessingVideoKey() (string, bool)
}

type EnqueueRequest struct {
	URL             string  `json:"url"`
	Title           string  `json:"title,omitempty"`
	Thumbnail       string  `json:"thumbnail,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

type StartOptions struct {
	// ForceRetranslate rebinds the item to the active config and starts
	// from scratch, even when the item is completed.
	ForceRetranslate bool `json:"force_retranslate,omitempty"`
}

// DirectRequest is an ad hoc translation outside the queue order.
type DirectRequest struct {
	URL             string                    `json:"url"`
	Title           string                    `json:"title,omitempty"`
	DurationSeconds float64                   `json:"duration_seconds,omitempty"`
	Config          *translator.Config        `json:"config,omitempty"`
	Batch           *translator.BatchSettings `json:"batch_settings,omitempty"`
}

type SweepResult struct {
	Orphaned int `json:"orphaned"`
	Pruned   int `json:"pruned"`
}

// ItemsListener receives the whole queue after every change.
type ItemsListener func(items []*Item)

func cloneItem(it *Item) *Item {
	if it == nil {
		return nil
	}
	tmp := *it
	if it.Config != nil {
		c := *it.Config
		tmp.Config = &c
	}
	if it.BatchSettings != nil {
		b := *it.BatchSettings
		tmp.BatchSettings = &b
	}
	if it.Progress != nil {
		p := *it.Progress
		tmp.Progress = &p
	}
	if it.RetranslateBatchIndex != nil {
		i := *it.RetranslateBatchIndex
		tmp.RetranslateBatchIndex = &i
	}
	tmp.CompletedRanges = translator.CloneRanges(it.CompletedRanges)
	return &tmp
}
