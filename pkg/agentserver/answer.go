// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package agentserver

import (
	"sort"
	"strings"
	"unicode"

	"github.com/kadirpekel/warder/pkg/store"
)

const (
	noAnswer     = "I could not find anything about that in my documents."
	maxSentences = 3
)

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "are": {}, "was": {}, "were": {}, "what": {},
	"which": {}, "who": {}, "how": {}, "why": {}, "when": {}, "where": {}, "does": {},
	"did": {}, "this": {}, "that": {}, "with": {}, "from": {}, "about": {}, "into": {},
	"have": {}, "has": {}, "can": {}, "you": {}, "your": {}, "tell": {}, "there": {},
	"their": {}, "them": {}, "they": {}, "its": {}, "not": {}, "but": {}, "any": {},
}

// compose picks the sentences of the retrieved chunks sharing the most
// terms with the question and returns them in retrieval order. When no
// sentence matches, the best chunk is returned whole.
func compose(question string, results []store.ScoredChunk) string {
	if len(results) == 0 {
		return noAnswer
	}
	terms := termSet(question)

	type candidate struct {
		text    string
		overlap int
		rank    int
		pos     int
	}
	var candidates []candidate
	seen := make(map[string]struct{})
	for rank, res := range results {
		for pos, sentence := range sentences(res.Content) {
			if _, dup := seen[sentence]; dup {
				continue
			}
			seen[sentence] = struct{}{}
			n := 0
			for term := range termSet(sentence) {
				if _, ok := terms[term]; ok {
					n++
				}
			}
			if n > 0 {
				candidates = append(candidates, candidate{text: sentence, overlap: n, rank: rank, pos: pos})
			}
		}
	}
	if len(candidates) == 0 {
		return strings.TrimSpace(results[0].Content)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].overlap != candidates[j].overlap {
			return candidates[i].overlap > candidates[j].overlap
		}
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return candidates[i].pos < candidates[j].pos
	})
	if len(candidates) > maxSentences {
		candidates = candidates[:maxSentences]
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].rank != candidates[j].rank {
			return candidates[i].rank < candidates[j].rank
		}
		return candidates[i].pos < candidates[j].pos
	})

	parts := make([]string, len(candidates))
	for i, c := range candidates {
		parts[i] = c.text
	}
	return strings.Join(parts, " ")
}

// sentences splits text at sentence punctuation followed by whitespace
// and at line breaks, collapsing inner whitespace.
func sentences(text string) []string {
	var (
		out  []string
		cur  strings.Builder
		prev rune
	)
	flush := func() {
		s := strings.Join(strings.Fields(cur.String()), " ")
		if s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		switch {
		case r == '\n':
			flush()
		case unicode.IsSpace(r) && (prev == '.' || prev == '?' || prev == '!'):
			flush()
		default:
			cur.WriteRune(r)
		}
		prev = r
	}
	flush()
	return out
}

func termSet(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(word)) < 3 {
			continue
		}
		if _, stop := stopwords[word]; stop {
			continue
		}
		terms[word] = struct{}{}
	}
	return terms
}
