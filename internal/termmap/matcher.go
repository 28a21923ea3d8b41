package termmap

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Match returns the terms that appear as whole words in the given texts,
// longest source first. Matching is case-sensitive, which is right for
// proper nouns.
func Match(tm TermMap, texts []string) []Term {
	ret := make([]Term, 0)

	for source, target := range tm {
		if strings.TrimSpace(source) == "" {
			continue
		}
		for _, text := range texts {
			if containsWord(text, source) {
				ret = append(ret, Term{Source: source, Target: target})
				break
			}
		}
	}

	sort.Slice(ret, func(i, j int) bool {
		if len(ret[i].Source) != len(ret[j].Source) {
			return len(ret[i].Source) > len(ret[j].Source)
		}
		return ret[i].Source < ret[j].Source
	})
	return ret
}

// containsWord reports whether term occurs in text without being glued to
// neighbouring letters. Scripts written without spaces only need a
// substring match.
func containsWord(text, term string) bool {
	for from := 0; from <= len(text)-len(term); {
		i := strings.Index(text[from:], term)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(term)
		if boundaryBefore(text, start, term) && boundaryAfter(text, end, term) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		from = start + size
	}
	return false
}

func boundaryBefore(text string, start int, term string) bool {
	first, _ := utf8.DecodeRuneInString(term)
	if !needsBoundary(first) || start == 0 {
		return true
	}
	prev, _ := utf8.DecodeLastRuneInString(text[:start])
	return !isWordRune(prev)
}

func boundaryAfter(text string, end int, term string) bool {
	last, _ := utf8.DecodeLastRuneInString(term)
	if !needsBoundary(last) || end == len(text) {
		return true
	}
	next, _ := utf8.DecodeRuneInString(text[end:])
	return !isWordRune(next)
}

func needsBoundary(r rune) bool {
	return unicode.Is(unicode.Latin, r) || unicode.IsDigit(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
