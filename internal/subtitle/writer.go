package subtitle

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultWriter is the default subtitle file writer
type DefaultWriter struct{}

// NewWriter creates a new subtitle file writer
func NewWriter() Writer {
	return &DefaultWriter{}
}

// Write writes the subtitle file to path as SRT.
func (w *DefaultWriter) Write(path string, subtitle *File) error {
	if subtitle == nil {
		return fmt.Errorf("subtitle data is empty")
	}
	if err := os.WriteFile(path, []byte(Format(subtitle.Lines)), 0o644); err != nil {
		return fmt.Errorf("failed to write output file: %w", err)
	}
	return nil
}

// Format renders lines as SRT, preferring TranslatedText over Text.
func Format(lines []Line) string {
	blocks := make([]string, 0, len(lines))
	for _, line := range lines {
		text := line.TranslatedText
		if text == "" {
			text = line.Text
		}
		line.Text = text
		blocks = append(blocks, renderBlock(line))
	}
	return joinBlocks(blocks)
}

func renderBlock(line Line) string {
	return fmt.Sprintf("%d\n%s --> %s\n%s",
		line.Index,
		formatDuration(line.StartTime),
		formatDuration(line.EndTime),
		line.Text)
}

func joinBlocks(blocks []string) string {
	if len(blocks) == 0 {
		return ""
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

// formatDuration formats time.Duration to SRT time format
func formatDuration(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60
	milliseconds := int(d.Milliseconds()) % 1000

	return fmt.Sprintf("%02d:%02d:%02d,%03d", hours, minutes, seconds, milliseconds)
}
