package topics

import (
	"context"
	"strings"
	"unicode"
)

// Extractor derives topic labels from a chat message. Implementations never
// fail; an empty result means no topic was found.
type Extractor interface {
	Extract(ctx context.Context, text string) []string
}

type category struct {
	name     string
	keywords []string
}

// categories are checked in order, so the result is stable for a given text.
var categories = []category{
	{"work", []string{"project", "meeting", "deadline", "task", "report"}},
	{"personal", []string{"family", "friend", "home", "birthday", "holiday"}},
	{"shopping", []string{"buy", "purchase", "store", "shop", "price"}},
	{"education", []string{"study", "learn", "course", "book", "homework"}},
	{"travel", []string{"trip", "flight", "hotel", "vacation", "booking"}},
	{"tech", []string{"deploy", "database", "server", "bug", "release"}},
}

// KeywordExtractor extracts hashtags and matches a fixed keyword table.
type KeywordExtractor struct {
	maxTopics int
}

func NewKeywordExtractor(maxTopics int) *KeywordExtractor {
	return &KeywordExtractor{maxTopics: maxTopics}
}

func (e *KeywordExtractor) Extract(_ context.Context, text string) []string {
	var found []string
	seen := make(map[string]struct{})
	add := func(topic string) {
		if _, ok := seen[topic]; ok || topic == "" {
			return
		}
		seen[topic] = struct{}{}
		found = append(found, topic)
	}

	// Hashtags first, in order of appearance
	for _, word := range strings.Fields(text) {
		if strings.HasPrefix(word, "#") {
			add(strings.ToLower(strings.TrimFunc(word, isTagBoundary)))
		}
	}

	lower := strings.ToLower(text)
	for _, c := range categories {
		for _, keyword := range c.keywords {
			if strings.Contains(lower, keyword) {
				add(c.name)
				break
			}
		}
	}

	return limit(found, e.maxTopics)
}

func isTagBoundary(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
}

func limit(topics []string, max int) []string {
	if max > 0 && len(topics) > max {
		return topics[:max]
	}
	return topics
}
