package enhancers

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/ternarybob/corpus/internal/models"
)

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"that": true, "the": true, "to": true, "was": true, "will": true, "with": true,
	"this": true, "but": true, "they": true, "have": true, "had": true, "what": true,
	"when": true, "where": true, "who": true, "which": true, "why": true, "how": true,
	"into": true, "than": true, "then": true, "them": true, "there": true, "their": true,
	"these": true, "those": true, "been": true, "were": true, "would": true, "could": true,
	"should": true, "about": true, "also": true, "some": true, "such": true, "only": true,
}

// KeywordsEnhancer ranks the terms of args.text by frequency. It runs
// locally and always answers synchronously.
//
// Args: text (required), limit (default 20), minLength (default 4).
// Result: {keywords: [...]}.
type KeywordsEnhancer struct{}

func NewKeywordsEnhancer() *KeywordsEnhancer {
	return &KeywordsEnhancer{}
}

func (e *KeywordsEnhancer) Name() string { return "keywords" }

func (e *KeywordsEnhancer) Enhance(ctx context.Context, params models.EnhanceParams) (*models.EnhanceResult, error) {
	limit := intArg(params.Args, "limit", 20)
	minLength := intArg(params.Args, "minLength", 4)

	keywords := Keywords(stringArg(params.Args, "text"), limit, minLength)
	list := make([]interface{}, len(keywords))
	for i, k := range keywords {
		list[i] = k
	}
	return &models.EnhanceResult{
		Status: models.TaskReady,
		Result: map[string]interface{}{"keywords": list},
	}, nil
}

// Keywords returns up to limit terms of at least minLength runes, most
// frequent first. Ties keep the order of first appearance.
func Keywords(text string, limit, minLength int) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	freq := make(map[string]int)
	var order []string
	for _, word := range words {
		if len([]rune(word)) < minLength || stopWords[word] {
			continue
		}
		if freq[word] == 0 {
			order = append(order, word)
		}
		freq[word]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return freq[order[i]] > freq[order[j]]
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	return order
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}
