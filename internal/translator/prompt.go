package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/MimeLyc/translation-orchestrator/internal/termmap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

const (
	subtitleLineBreaker      = "%%line_breaker%%"
	inlineBreakerPlaceholder = "%%inline_breaker%%"
)

// errOutputContract marks replies that do not follow the indexed JSON contract.
// Such replies are retried with smaller chunks.
var errOutputContract = errors.New("translation output contract violated")

type indexedLine struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

func buildTranslationUserMessage(texts []string) (string, error) {
	payload := struct {
		Lines []indexedLine `json:"lines"`
	}{Lines: make([]indexedLine, 0, len(texts))}
	for i, text := range texts {
		payload.Lines = append(payload.Lines, indexedLine{Index: i + 1, Text: text})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode lines: %w", err)
	}
	return string(data), nil
}

// parseTranslationOutput accepts an indexed JSON array, an object with a
// "lines" array, or a plain string array. Anything else is rejected.
func parseTranslationOutput(content string, expected int) ([]string, error) {
	content = stripCodeFence(strings.TrimSpace(content))
	if content == "" {
		return nil, fmt.Errorf("%w: empty translation output", errOutputContract)
	}

	var indexed []indexedLine
	err := json.Unmarshal([]byte(content), &indexed)
	if err != nil {
		var wrapped struct {
			Lines []indexedLine `json:"lines"`
		}
		if werr := json.Unmarshal([]byte(content), &wrapped); werr == nil && wrapped.Lines != nil {
			indexed, err = wrapped.Lines, nil
		}
	}
	if err == nil {
		return orderIndexedLines(indexed, expected)
	}

	var plain []string
	if perr := json.Unmarshal([]byte(content), &plain); perr == nil {
		if len(plain) != expected {
			return nil, fmt.Errorf("%w: expected %d lines, got %d", errOutputContract, expected, len(plain))
		}
		return plain, nil
	}

	return nil, fmt.Errorf("%w: translation output is not valid json: %v", errOutputContract, err)
}

func orderIndexedLines(lines []indexedLine, expected int) ([]string, error) {
	if len(lines) != expected {
		return nil, fmt.Errorf("%w: expected %d lines, got %d", errOutputContract, expected, len(lines))
	}
	sorted := make([]indexedLine, len(lines))
	copy(sorted, lines)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	ret := make([]string, 0, expected)
	for i, l := range sorted {
		if i > 0 && sorted[i-1].Index == l.Index {
			return nil, fmt.Errorf("%w: duplicate index %d", errOutputContract, l.Index)
		}
		if l.Index != i+1 {
			return nil, fmt.Errorf("%w: missing index %d", errOutputContract, i+1)
		}
		ret = append(ret, l.Text)
	}
	return ret, nil
}

func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	if nl := strings.Index(content, "\n"); nl >= 0 {
		content = content[nl+1:]
	} else {
		content = strings.TrimPrefix(content, "```")
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(content), "```"))
}

// fixInlineBreakers makes every translated line carry as many inline breaker
// markers as its source line.
func fixInlineBreakers(source, translated []string) {
	for i := 0; i < len(source) && i < len(translated); i++ {
		want := strings.Count(source[i], inlineBreakerPlaceholder)
		got := strings.Count(translated[i], inlineBreakerPlaceholder)
		switch {
		case got > want:
			parts := strings.Split(translated[i], inlineBreakerPlaceholder)
			head := strings.Join(parts[:want+1], inlineBreakerPlaceholder)
			translated[i] = head + strings.Join(parts[want+1:], "")
		case got < want:
			translated[i] = insertBreakers(translated[i], want-got)
		}
	}
}

// insertBreakers splits the longest segment in half until n markers are added.
func insertBreakers(text string, n int) string {
	parts := strings.Split(text, inlineBreakerPlaceholder)
	for ; n > 0; n-- {
		longest := 0
		for i, p := range parts {
			if utf8.RuneCountInString(p) > utf8.RuneCountInString(parts[longest]) {
				longest = i
			}
		}
		runes := []rune(parts[longest])
		mid := len(runes) / 2
		split := []string{string(runes[:mid]), string(runes[mid:])}
		parts = append(parts[:longest], append(split, parts[longest+1:]...)...)
	}
	return strings.Join(parts, inlineBreakerPlaceholder)
}

func languageName(tag language.Tag) string {
	if tag == language.Und {
		return "the source language"
	}
	if name := display.Tags(language.English).Name(tag); name != "" {
		return name
	}
	return tag.String()
}

func buildSystemPrompt(cfg Config, sourceLanguage, targetLanguage string) string {
	var prompt strings.Builder

	prompt.WriteString("You are a professional subtitle translation expert. Translate video subtitles from " + sourceLanguage + " to " + targetLanguage + ".\n\n")

	prompt.WriteString("=== INPUT FORMAT ===\n")
	prompt.WriteString("The user message is a JSON object {\"lines\":[{\"index\":1,\"text\":\"...\"}]}.\n")

	prompt.WriteString("\n=== HARD RULES ===\n")
	prompt.WriteString("1. Translate every line. Do NOT merge, split, reorder, or drop lines.\n")
	prompt.WriteString("2. You MUST preserve the count of " + inlineBreakerPlaceholder + " markers in each line.\n")
	prompt.WriteString("3. Do NOT output literal newline characters in JSON text.\n")
	prompt.WriteString("4. If an input line is empty, output text for that index MUST be an empty string.\n")
	prompt.WriteString("5. Keep subtitle length appropriate for screen reading.\n")
	prompt.WriteString("6. Ensure " + targetLanguage + " flows naturally while preserving meaning.\n")

	if custom := strings.TrimSpace(cfg.Prompt); custom != "" {
		prompt.WriteString("\n=== PROFILE INSTRUCTIONS ===\n")
		prompt.WriteString(custom + "\n")
	}

	prompt.WriteString("\n=== OUTPUT FORMAT ===\n")
	prompt.WriteString("Return ONLY a JSON array of objects {\"index\":N,\"text\":\"...\"}, one per input line, using the input index.\n")
	prompt.WriteString("Do not include any explanations, notes, or additional text.\n")

	return prompt.String()
}

// appendGlossary lists the terms whose translation is fixed for this video.
func appendGlossary(systemPrompt string, terms []termmap.Term) string {
	if len(terms) == 0 {
		return systemPrompt
	}

	var prompt strings.Builder
	prompt.WriteString(systemPrompt)
	prompt.WriteString("\n=== GLOSSARY ===\n")
	prompt.WriteString("Always translate these terms exactly as given:\n")
	for _, term := range terms {
		prompt.WriteString("- " + term.Source + " => " + term.Target + "\n")
	}
	return prompt.String()
}
