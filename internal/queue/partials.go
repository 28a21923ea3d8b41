package queue

import (
	"context"
	"time"

	"github.com/MimeLyc/translation-orchestrator/internal/jobs"
	"github.com/MimeLyc/translation-orchestrator/internal/subtitle"
	"github.com/MimeLyc/translation-orchestrator/internal/translator"
)

type partialStore struct {
	store Store
}

// NewPartialStore saves aborted partial results as partial translations.
func NewPartialStore(store Store) jobs.PartialStore {
	return &partialStore{store: store}
}

func (p *partialStore) SavePartial(ctx context.Context, videoKey, text string, ranges []translator.Range) error {
	return p.store.SaveTranslation(ctx, newSavedTranslation(videoKey, text, ranges, true))
}

func newSavedTranslation(videoKey, text string, ranges []translator.Range, partial bool) *SavedTranslation {
	t := &SavedTranslation{
		VideoKey:        videoKey,
		Text:            text,
		CompletedRanges: translator.CloneRanges(ranges),
		Partial:         partial,
		UpdatedAt:       time.Now(),
	}
	if lang := subtitle.DetectTextLanguage(text); lang.String() != "und" {
		t.Language = lang.String()
	}
	return t
}
