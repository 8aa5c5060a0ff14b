package router

import (
	"context"
	"sort"
	"strings"
)

// KeywordOracle ranks candidates by token overlap between the task
// description and the candidate's name, description and skills. It backs
// deployments without an Anthropic API key and keeps selection
// deterministic in tests.
type KeywordOracle struct{}

// NewKeywordOracle creates the fallback oracle.
func NewKeywordOracle() *KeywordOracle {
	return &KeywordOracle{}
}

// RankOne returns the candidate with the highest overlap score, or empty
// when no candidate shares a token with the task.
func (o *KeywordOracle) RankOne(_ context.Context, task string, candidates []Candidate) (string, error) {
	best := ""
	bestScore := 0
	taskTokens := tokenize(task)
	for _, c := range candidates {
		if score := overlap(taskTokens, candidateTokens(c)); score > bestScore {
			best, bestScore = c.ID, score
		}
	}
	return best, nil
}

// RankAll returns every candidate with a nonzero overlap score, best first.
func (o *KeywordOracle) RankAll(_ context.Context, task string, candidates []Candidate) ([]string, error) {
	type scored struct {
		id    string
		score int
	}
	taskTokens := tokenize(task)
	var matches []scored
	for _, c := range candidates {
		if score := overlap(taskTokens, candidateTokens(c)); score > 0 {
			matches = append(matches, scored{id: c.ID, score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })

	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.id)
	}
	return ids, nil
}

func candidateTokens(c Candidate) map[string]struct{} {
	text := c.Name + " " + c.Description + " " + strings.Join(c.Skills, " ")
	return tokenize(text)
}

func tokenize(text string) map[string]struct{} {
	tokens := make(map[string]struct{})
	for _, field := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(field) < 3 {
			continue
		}
		tokens[field] = struct{}{}
	}
	return tokens
}

// overlap counts task tokens present in the candidate set. A token matches
// on equality or when the tokens share at least their first four
// characters, so "tests" still matches "testing".
func overlap(task, candidate map[string]struct{}) int {
	score := 0
	for t := range task {
		if _, ok := candidate[t]; ok {
			score++
			continue
		}
		for c := range candidate {
			if prefixMatch(t, c) {
				score++
				break
			}
		}
	}
	return score
}

func prefixMatch(a, b string) bool {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n >= 4
}
