package translator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// DefaultBatchSeconds is the batch length used when settings leave it unset.
const DefaultBatchSeconds = 600

// Range is a half-open [Start, End) time range in seconds.
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (r Range) Duration() float64 {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%.3f,%.3f)", r.Start, r.End)
}

// BatchSettings controls how a video is split into batches.
type BatchSettings struct {
	BatchSeconds  int  `json:"batch_seconds"`
	StreamingMode bool `json:"streaming_mode"`
}

func (b BatchSettings) WithDefaults() BatchSettings {
	if b.BatchSeconds <= 0 {
		b.BatchSeconds = DefaultBatchSeconds
	}
	return b
}

// Config is a named translation profile.
type Config struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PresetID       string `json:"preset_id"`
	TargetLanguage string `json:"target_language"`
	Model          string `json:"model,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("config id is required")
	}
	if strings.TrimSpace(c.TargetLanguage) == "" {
		return fmt.Errorf("config %s: target_language is required", c.ID)
	}
	if _, err := language.Parse(c.TargetLanguage); err != nil {
		return fmt.Errorf("config %s: invalid target_language: %w", c.ID, err)
	}
	return nil
}

// Progress is the batch position of a running translation.
type Progress struct {
	CompletedBatches int `json:"completed_batches"`
	TotalBatches     int `json:"total_batches"`
	CurrentBatch     int `json:"current_batch"`
}

// BatchProgress reports the batch that is currently being requested.
// CurrentBatch is 1-based. DurationSeconds is the length the batches were
// cut from, which is the transcript length when the request had none.
type BatchProgress struct {
	CurrentBatch    int     `json:"current_batch"`
	TotalBatches    int     `json:"total_batches"`
	Range           Range   `json:"range"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// BatchComplete is emitted once a batch is committed. CompletedRanges and
// PartialText are cumulative, not deltas.
type BatchComplete struct {
	BatchIndex      int     `json:"batch_index"`
	TotalBatches    int     `json:"total_batches"`
	Range           Range   `json:"range"`
	CompletedRanges []Range `json:"completed_ranges"`
	PartialText     string  `json:"partial_text"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// KeyStatus describes the outcome of one request made with an API key.
type KeyStatus struct {
	Index   int    `json:"index"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Request is a single translation call for one video.
type Request struct {
	VideoKey        string
	Config          Config
	DurationSeconds float64
	Batch           BatchSettings

	// Window restricts translation to part of the source.
	Window *Range
	// SkipRanges are already translated and must not be requested again.
	SkipRanges          []Range
	ExistingPartialText string

	OnBatchProgress func(BatchProgress)
	OnBatchComplete func(BatchComplete)
	OnKeyStatus     func(KeyStatus)
}

// Provider performs the per-range translation work. Implementations must
// stop at the next batch boundary once ctx is cancelled.
type Provider interface {
	Translate(ctx context.Context, req Request) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (string, error)

func (f ProviderFunc) Translate(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}

// Bounds converts the range to durations rounded to the millisecond, the
// resolution of SRT timestamps.
func (r Range) Bounds() (time.Duration, time.Duration) {
	return secondsToDuration(r.Start), secondsToDuration(r.End)
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(math.Round(s*1000)) * time.Millisecond
}
