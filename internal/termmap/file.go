package termmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/text/language"
)

// Filename returns the term map filename for the given source and target languages.
// Uses 2-letter language base codes (e.g., "en", "zh").
func Filename(sourceLang, targetLang string) string {
	src := normalizeLanguageCode(sourceLang)
	tgt := normalizeLanguageCode(targetLang)
	return "term_map." + src + "-" + tgt + ".json"
}

// FilePath returns the full path to the term map file in the given directory.
func FilePath(dir, sourceLang, targetLang string) string {
	return filepath.Join(dir, Filename(sourceLang, targetLang))
}

// Load reads a term map from a JSON file.
func Load(path string) (TermMap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var tm TermMap
	if err := json.Unmarshal(data, &tm); err != nil {
		return nil, fmt.Errorf("invalid term map %s: %w", path, err)
	}

	return tm, nil
}

// Dir serves the term maps of one directory. A file is re-read when its
// modification time changes, so glossaries can be edited while the
// service runs.
type Dir struct {
	dir string

	mu     sync.Mutex
	loaded map[string]cachedTermMap
}

type cachedTermMap struct {
	modTime time.Time
	terms   TermMap
}

func NewDir(dir string) *Dir {
	return &Dir{dir: dir, loaded: make(map[string]cachedTermMap)}
}

// Lookup returns the term map of a language pair. A missing file yields an
// empty map and no error.
func (d *Dir) Lookup(sourceLang, targetLang string) (TermMap, error) {
	path := FilePath(d.dir, sourceLang, targetLang)

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return TermMap{}, nil
	}
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cached, ok := d.loaded[path]; ok && cached.modTime.Equal(info.ModTime()) {
		return cached.terms, nil
	}

	tm, err := Load(path)
	if err != nil {
		return nil, err
	}
	d.loaded[path] = cachedTermMap{modTime: info.ModTime(), terms: tm}
	return tm, nil
}

// normalizeLanguageCode parses a language string and returns its 2-letter base code.
func normalizeLanguageCode(lang string) string {
	tag, err := language.Parse(lang)
	if err != nil {
		return lang
	}
	base, _ := tag.Base()
	return base.String()
}
