package jobs

import (
	"context"
	"time"

	"github.com/MimeLyc/translation-orchestrator/internal/translator"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Job is the transient record of the translation the Executor is driving,
// or has just finished.
type Job struct {
	ID              string                `json:"id"`
	VideoKey        string                `json:"video_key"`
	Label           string                `json:"label,omitempty"`
	Status          Status                `json:"status"`
	Progress        *translator.Progress  `json:"progress,omitempty"`
	PartialResult   string                `json:"partial_result"`
	CompletedRanges []translator.Range    `json:"completed_ranges"`
	Window          *translator.Range     `json:"window,omitempty"`
	DurationSeconds float64               `json:"duration_seconds,omitempty"`
	IsAborted       bool                  `json:"is_aborted"`
	Error           string                `json:"error,omitempty"`
	KeyStatus       *translator.KeyStatus `json:"key_status,omitempty"`
	StartedAt       time.Time             `json:"started_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// ResumeData is the committed work of an earlier run.
type ResumeData struct {
	PartialSrt      string
	CompletedRanges []translator.Range
}

type StartRequest struct {
	VideoKey        string
	Label           string
	Config          translator.Config
	DurationSeconds float64
	Batch           translator.BatchSettings
	Window          *translator.Range
	Resume          *ResumeData
}

// AbortResult is the state captured at abort time.
type AbortResult struct {
	Aborted         bool               `json:"aborted"`
	VideoKey        string             `json:"video_key,omitempty"`
	PartialResult   string             `json:"partial_result,omitempty"`
	CompletedRanges []translator.Range `json:"completed_ranges,omitempty"`
}

// Listener receives job snapshots. A nil job means the job was cleared.
// Listeners run synchronously and must not call Start, Abort,
// ClearCompletedJob or Subscribe.
type Listener func(job *Job)

// PartialStore persists the partial result of an aborted run.
type PartialStore interface {
	SavePartial(ctx context.Context, videoKey, text string, ranges []translator.Range) error
}

func cloneJob(job *Job) *Job {
	if job == nil {
		return nil
	}
	tmp := *job
	tmp.CompletedRanges = translator.CloneRanges(job.CompletedRanges)
	tmp.Window = translator.CloneRange(job.Window)
	if job.Progress != nil {
		p := *job.Progress
		tmp.Progress = &p
	}
	if job.KeyStatus != nil {
		ks := *job.KeyStatus
		tmp.KeyStatus = &ks
	}
	return &tmp
}
