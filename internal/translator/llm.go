package translator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/MimeLyc/translation-orchestrator/internal/subtitle"
	"github.com/MimeLyc/translation-orchestrator/internal/termmap"
	"github.com/MimeLyc/translation-orchestrator/pkg/log"
	"golang.org/x/text/language"
)

const defaultLinesPerRequest = 50

// ChatClient is the single-shot completion call the LLM provider needs.
// *llm.Client satisfies it.
type ChatClient interface {
	SimpleChat(ctx context.Context, prompt, systemPrompt, model string) (string, error)
}

// ChatClientFunc adapts a function to ChatClient.
type ChatClientFunc func(ctx context.Context, prompt, systemPrompt, model string) (string, error)

func (f ChatClientFunc) SimpleChat(ctx context.Context, prompt, systemPrompt, model string) (string, error) {
	return f(ctx, prompt, systemPrompt, model)
}

// SourceLoader returns the source transcript of a video.
type SourceLoader interface {
	Load(ctx context.Context, videoKey string) (*subtitle.File, error)
}

// SourceLoaderFunc adapts a function to SourceLoader.
type SourceLoaderFunc func(ctx context.Context, videoKey string) (*subtitle.File, error)

func (f SourceLoaderFunc) Load(ctx context.Context, videoKey string) (*subtitle.File, error) {
	return f(ctx, videoKey)
}

// DirSourceLoader reads <dir>/<videoKey>.srt, with path separators and ':'
// in the key replaced by '_'.
type DirSourceLoader struct {
	dir string
}

func NewDirSourceLoader(dir string) *DirSourceLoader {
	return &DirSourceLoader{dir: dir}
}

func (l *DirSourceLoader) Path(videoKey string) string {
	return filepath.Join(l.dir, SourceFileName(videoKey))
}

func (l *DirSourceLoader) Load(ctx context.Context, videoKey string) (*subtitle.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return subtitle.NewReader(l.Path(videoKey)).Read()
}

// SourceFileName maps a video key to its transcript file name.
func SourceFileName(videoKey string) string {
	name := strings.NewReplacer(":", "_", "/", "_", "\\", "_").Replace(videoKey)
	return name + ".srt"
}

// LLMProvider translates a source transcript batch by batch with a chat
// completion API. Requests rotate over the configured keys.
type LLMProvider struct {
	source          SourceLoader
	clients         []ChatClient
	linesPerRequest int
	glossary        Glossary
	next            atomic.Uint32
}

// Glossary pins the translation of recurring terms for a language pair.
// *termmap.Dir satisfies it.
type Glossary interface {
	Lookup(sourceLang, targetLang string) (termmap.TermMap, error)
}

type ProviderOption func(*LLMProvider)

// WithLinesPerRequest caps how many subtitle lines go into one request.
func WithLinesPerRequest(n int) ProviderOption {
	return func(p *LLMProvider) {
		if n > 0 {
			p.linesPerRequest = n
		}
	}
}

// WithGlossary adds the matching glossary terms to every request.
func WithGlossary(g Glossary) ProviderOption {
	return func(p *LLMProvider) {
		p.glossary = g
	}
}

func NewLLMProvider(source SourceLoader, clients []ChatClient, opts ...ProviderOption) (*LLMProvider, error) {
	if source == nil {
		return nil, fmt.Errorf("source loader is required")
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("at least one chat client is required")
	}
	p := &LLMProvider{
		source:          source,
		clients:         clients,
		linesPerRequest: defaultLinesPerRequest,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Translate walks the batches of req, skipping those already covered by
// req.SkipRanges. On error or cancellation it returns the text accumulated so
// far along with the error.
func (p *LLMProvider) Translate(ctx context.Context, req Request) (string, error) {
	src, err := p.source.Load(ctx, req.VideoKey)
	if err != nil {
		return req.ExistingPartialText, fmt.Errorf("failed to load source for %s: %w", req.VideoKey, err)
	}

	target, err := language.Parse(req.Config.TargetLanguage)
	if err != nil {
		return req.ExistingPartialText, fmt.Errorf("invalid target language %q: %w", req.Config.TargetLanguage, err)
	}
	systemPrompt := buildSystemPrompt(req.Config, languageName(src.Language), languageName(target))
	terms := p.lookupTerms(src.Language, target)

	duration := req.DurationSeconds
	if duration <= 0 {
		duration = src.End().Seconds()
	}
	batch := req.Batch.WithDefaults()
	ranges := BatchRanges(duration, batch.BatchSeconds, req.Window)

	partial := req.ExistingPartialText
	completed := NormalizeRanges(CloneRanges(req.SkipRanges))

	for i, r := range ranges {
		if IsCovered(r, completed) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return partial, err
		}
		if req.OnBatchProgress != nil {
			req.OnBatchProgress(BatchProgress{CurrentBatch: i + 1, TotalBatches: len(ranges), Range: r, DurationSeconds: duration})
		}

		start, end := r.Bounds()
		lines := src.LinesIn(start, end)
		translated, err := p.translateLines(ctx, req, systemPrompt, terms, lines, p.linesPerRequest)
		if err != nil {
			return partial, fmt.Errorf("batch %d (%s) failed: %w", i+1, r, err)
		}

		partial = subtitle.MergeRange(partial, subtitle.Format(translated), start, end)
		completed = NormalizeRanges(append(completed, r))
		log.Debug("Batch %d/%d of %s translated (%d lines)", i+1, len(ranges), req.VideoKey, len(lines))

		if req.OnBatchComplete != nil {
			req.OnBatchComplete(BatchComplete{
				BatchIndex:      i,
				TotalBatches:    len(ranges),
				Range:           r,
				CompletedRanges: CloneRanges(completed),
				PartialText:     partial,
				DurationSeconds: duration,
			})
		}
	}

	return partial, nil
}

// translateLines sends lines in chunks, halving the chunk whenever the reply
// breaks the output contract.
func (p *LLMProvider) translateLines(ctx context.Context, req Request, systemPrompt string, terms termmap.TermMap, lines []subtitle.Line, size int) ([]subtitle.Line, error) {
	if size <= 0 {
		size = 1
	}
	ret := make([]subtitle.Line, 0, len(lines))
	for i := 0; i < len(lines); i += size {
		chunk := lines[i:min(i+size, len(lines))]

		texts, err := p.complete(ctx, req, systemPrompt, terms, chunk)
		if errors.Is(err, errOutputContract) && len(chunk) > 1 {
			log.Warn("Translation of lines %d-%d broke the output contract, retry with size %d: %v", i+1, i+len(chunk), len(chunk)/2, err)
			retried, rerr := p.translateLines(ctx, req, systemPrompt, terms, chunk, len(chunk)/2)
			if rerr != nil {
				return nil, rerr
			}
			ret = append(ret, retried...)
			continue
		}
		if err != nil {
			return nil, err
		}

		for j, line := range chunk {
			line.TranslatedText = strings.ReplaceAll(texts[j], inlineBreakerPlaceholder, "\n")
			ret = append(ret, line)
		}
	}
	return ret, nil
}

func (p *LLMProvider) complete(ctx context.Context, req Request, systemPrompt string, terms termmap.TermMap, chunk []subtitle.Line) ([]string, error) {
	texts := make([]string, 0, len(chunk))
	sources := make([]string, 0, len(chunk))
	for _, line := range chunk {
		sources = append(sources, line.Text)
		// Source line breaks would be confused with line boundaries.
		texts = append(texts, strings.ReplaceAll(line.Text, "\n", inlineBreakerPlaceholder))
	}

	userMessage, err := buildTranslationUserMessage(texts)
	if err != nil {
		return nil, err
	}

	if len(terms) > 0 {
		systemPrompt = appendGlossary(systemPrompt, termmap.Match(terms, sources))
	}

	reply, err := p.chat(ctx, req, userMessage, systemPrompt)
	if err != nil {
		return nil, err
	}

	translated, err := parseTranslationOutput(reply, len(texts))
	if err != nil {
		return nil, err
	}
	fixInlineBreakers(texts, translated)
	return translated, nil
}

// lookupTerms loads the glossary of the pair. A broken glossary only costs
// the hints.
func (p *LLMProvider) lookupTerms(source, target language.Tag) termmap.TermMap {
	if p.glossary == nil || source == language.Und {
		return nil
	}
	terms, err := p.glossary.Lookup(source.String(), target.String())
	if err != nil {
		log.Warn("Failed to load glossary %s-%s: %v", source, target, err)
		return nil
	}
	return terms
}

// chat sends one request, retrying once with the next key on failure.
func (p *LLMProvider) chat(ctx context.Context, req Request, userMessage, systemPrompt string) (string, error) {
	n := len(p.clients)
	first := int(p.next.Add(1)-1) % n
	attempts := min(2, n)

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		idx := (first + attempt) % n
		reply, err := p.clients[idx].SimpleChat(ctx, userMessage, systemPrompt, req.Config.Model)

		status := KeyStatus{Index: idx, OK: err == nil}
		if err != nil {
			status.Message = err.Error()
		}
		if req.OnKeyStatus != nil {
			req.OnKeyStatus(status)
		}

		if err == nil {
			return reply, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		log.Warn("LLM request with key #%d failed: %v", idx, err)
		lastErr = err
	}
	return "", fmt.Errorf("llm request failed: %w", lastErr)
}
