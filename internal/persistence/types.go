package persistence

import "github.com/MimeLyc/translation-orchestrator/internal/queue"

// Stats summarizes the database for status output.
type Stats struct {
	Items               int
	ByStatus            map[queue.Status]int
	Translations        int
	PartialTranslations int
}
