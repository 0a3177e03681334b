package retrieval

import (
	"strings"
	"unicode"
)

const maxKeywords = 8

// ExtractKeywords returns up to eight de-duplicated keywords: runs of two or
// more CJK ideographs and Latin words of three or more letters.
func ExtractKeywords(query string) []string {
	var out []string
	seen := make(map[string]struct{})
	add := func(tok string) {
		if _, ok := seen[tok]; ok {
			return
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}

	var cjk []rune
	flushCJK := func() {
		if len(cjk) >= 2 {
			add(string(cjk))
		}
		cjk = cjk[:0]
	}
	for _, r := range query {
		if isCJK(r) {
			cjk = append(cjk, r)
			continue
		}
		flushCJK()
	}
	flushCJK()

	var latin []rune
	flushLatin := func() {
		if len(latin) >= 3 {
			add(string(latin))
		}
		latin = latin[:0]
	}
	for _, r := range query {
		if r < unicode.MaxASCII && unicode.IsLetter(r) {
			latin = append(latin, r)
			continue
		}
		flushLatin()
	}
	flushLatin()

	if len(out) > maxKeywords {
		out = out[:maxKeywords]
	}
	return out
}

func isCJK(r rune) bool {
	return r >= '一' && r <= '鿿'
}

// filterRelevant keeps results whose title and snippet contain at least
// minMatches of the query keywords. A query without keywords filters nothing.
func filterRelevant(query string, results []SERPResult, minMatches int) []SERPResult {
	match := newKeywordMatcher(query, minMatches)
	if match == nil {
		return results
	}
	kept := results[:0:0]
	for _, r := range results {
		if match(r.Title + " " + r.Snippet) {
			kept = append(kept, r)
		}
	}
	return kept
}

// newKeywordMatcher returns nil when the query has no keywords.
func newKeywordMatcher(query string, minMatches int) func(string) bool {
	keywords := ExtractKeywords(query)
	if len(keywords) == 0 {
		return nil
	}
	if minMatches < 1 {
		minMatches = 1
	}
	if minMatches > len(keywords) {
		minMatches = len(keywords)
	}
	for i := range keywords {
		keywords[i] = strings.ToLower(keywords[i])
	}
	return func(text string) bool {
		hay := strings.ToLower(text)
		matches := 0
		for _, k := range keywords {
			if strings.Contains(hay, k) {
				matches++
			}
		}
		return matches >= minMatches
	}
}
