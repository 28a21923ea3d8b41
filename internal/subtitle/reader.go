package subtitle

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// SRT time line: 00:02:16,612 --> 00:02:19,376 (a '.' separator is accepted too)
var timeLinePattern = regexp.MustCompile(`(\d{1,2}):(\d{2}):(\d{2})[,.](\d{3})\s*-->\s*(\d{1,2}):(\d{2}):(\d{2})[,.](\d{3})`)

// DefaultReader is the default subtitle file reader
type DefaultReader struct {
	path string
}

// NewReader creates a new subtitle file reader
func NewReader(
	path string,
) Reader {
	return &DefaultReader{
		path: path,
	}
}

// Read reads an SRT file from disk.
func (r *DefaultReader) Read() (*File, error) {
	if !strings.HasSuffix(strings.ToLower(r.path), ".srt") {
		return nil, fmt.Errorf("only SRT format subtitle files are supported: %s", r.path)
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("subtitle file does not exist: %s", r.path)
		}
		return nil, fmt.Errorf("failed to read subtitle file: %w", err)
	}
	return ReadSRTBytes(data, r.path)
}

// ReadSRTBytes parses SRT content. path is only recorded on the result.
func ReadSRTBytes(data []byte, path string) (*File, error) {
	lines := make([]Line, 0)
	for _, block := range splitBlocks(string(data)) {
		if !strings.Contains(block, "-->") {
			continue // stray text between entries
		}
		line, ok := parseBlock(block)
		if !ok {
			return nil, fmt.Errorf("failed to parse time: %q", firstTimingLine(block))
		}
		if strings.TrimSpace(line.Text) == "" {
			continue
		}
		lines = append(lines, line)
	}

	return &File{
		Lines:    lines,
		Language: detectLanguage(lines),
		Format:   "SRT",
		Path:     path,
	}, nil
}

// Entries parses every well-formed entry of an SRT stream, skipping the rest.
func Entries(srt string) []Line {
	ret := make([]Line, 0)
	for _, block := range splitBlocks(srt) {
		if line, ok := parseBlock(block); ok {
			ret = append(ret, line)
		}
	}
	return ret
}

// DetectTextLanguage detects the dominant language of an SRT stream.
func DetectTextLanguage(srt string) language.Tag {
	return detectLanguage(Entries(srt))
}

// splitBlocks splits SRT text into entry blocks separated by blank lines.
// Line endings are normalized to \n; block content is otherwise untouched.
func splitBlocks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	blocks := make([]string, 0)
	current := make([]string, 0, 4)
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = current[:0]
		}
	}
	for _, l := range strings.Split(text, "\n") {
		if strings.TrimSpace(l) == "" {
			flush()
			continue
		}
		current = append(current, l)
	}
	flush()
	return blocks
}

func parseBlock(block string) (Line, bool) {
	rows := strings.Split(block, "\n")
	timing := -1
	for i, row := range rows {
		if strings.Contains(row, "-->") {
			timing = i
			break
		}
	}
	if timing < 0 {
		return Line{}, false
	}

	start, end, err := parseSRTTime(rows[timing])
	if err != nil {
		return Line{}, false
	}

	line := Line{StartTime: start, EndTime: end}
	if timing > 0 {
		if index, err := strconv.Atoi(strings.TrimSpace(rows[timing-1])); err == nil {
			line.Index = index
		}
	}
	line.Text = strings.Join(rows[timing+1:], "\n")
	return line, true
}

func firstTimingLine(block string) string {
	for _, row := range strings.Split(block, "\n") {
		if strings.Contains(row, "-->") {
			return row
		}
	}
	return block
}

// parseSRTTime parses SRT time format
func parseSRTTime(timeString string) (time.Duration, time.Duration, error) {
	matches := timeLinePattern.FindStringSubmatch(timeString)
	if len(matches) != 9 {
		return 0, 0, fmt.Errorf("invalid time format: %s", timeString)
	}

	parseTime := func(hours, minutes, seconds, milliseconds string) time.Duration {
		h, _ := strconv.Atoi(hours)
		m, _ := strconv.Atoi(minutes)
		s, _ := strconv.Atoi(seconds)
		ms, _ := strconv.Atoi(milliseconds)

		return time.Duration(h)*time.Hour +
			time.Duration(m)*time.Minute +
			time.Duration(s)*time.Second +
			time.Duration(ms)*time.Millisecond
	}

	return parseTime(matches[1], matches[2], matches[3], matches[4]),
		parseTime(matches[5], matches[6], matches[7], matches[8]),
		nil
}

// detectLanguage picks the most frequent language across lines
func detectLanguage(lines []Line) language.Tag {
	if len(lines) == 0 {
		return language.Und
	}

	langMap := make(map[string]int)
	for _, line := range lines {
		text := line.TranslatedText
		if text == "" {
			text = line.Text
		}
		lang := whatlanggo.DetectLang(text).Iso6391()
		langMap[lang]++
	}

	var topLang string
	var topCount int
	for lang, count := range langMap {
		if count > topCount || (count == topCount && lang < topLang) {
			topLang = lang
			topCount = count
		}
	}

	tag, err := language.Parse(topLang)
	if err != nil {
		return language.Und
	}
	return tag
}
