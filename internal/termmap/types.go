// Package termmap holds per language pair glossaries that pin how names and
// recurring terms are translated across every batch of a video.
package termmap

// TermMap maps source language terms to target language terms.
type TermMap map[string]string

// Term is a single glossary entry.
type Term struct {
	Source string
	Target string
}
