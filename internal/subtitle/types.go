package subtitle

import (
	"time"

	"golang.org/x/text/language"
)

// Reader is the interface for reading subtitle files
type Reader interface {
	Read() (*File, error)
}

// Writer is the interface for writing subtitle files
type Writer interface {
	Write(path string, subtitle *File) error
}

// Line represents a single subtitle entry
type Line struct {
	Index          int           // subtitle index
	StartTime      time.Duration // start time
	EndTime        time.Duration // end time
	Text           string        // subtitle text
	TranslatedText string        // translated text
}

// File represents subtitle file
type File struct {
	Lines    []Line
	Language language.Tag
	Format   string // e.g. SRT, ASS, VTT etc
	Path     string
}

// End returns the end time of the last entry.
func (f *File) End() time.Duration {
	var end time.Duration
	for _, l := range f.Lines {
		if l.EndTime > end {
			end = l.EndTime
		}
	}
	return end
}

// LinesIn returns the entries starting inside [start, end).
func (f *File) LinesIn(start, end time.Duration) []Line {
	ret := make([]Line, 0)
	for _, l := range f.Lines {
		if l.StartTime >= start && l.StartTime < end {
			ret = append(ret, l)
		}
	}
	return ret
}
