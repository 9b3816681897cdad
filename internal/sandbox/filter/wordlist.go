// Package filter rejects source code that contains listed words.
package filter

import (
	"strings"

	appErr "github.com/pipixiangz/ppxoj-code-sandbox/pkg/errors"
)

// DefaultWords is the list used when the filter is enabled without one.
var DefaultWords = []string{"Files", "exec"}

// Config enables the word-list check.
type Config struct {
	Enabled bool     `yaml:"enabled"`
	Words   []string `yaml:"words"`
}

// WordList is a case-sensitive substring matcher.
type WordList struct {
	words []string
}

// NewWordList drops empty entries.
func NewWordList(words []string) *WordList {
	kept := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.TrimSpace(w); w != "" {
			kept = append(kept, w)
		}
	}
	return &WordList{words: kept}
}

// FromConfig returns nil when the filter is disabled.
func FromConfig(cfg Config) *WordList {
	if !cfg.Enabled {
		return nil
	}
	if len(cfg.Words) == 0 {
		return NewWordList(DefaultWords)
	}
	return NewWordList(cfg.Words)
}

// Check returns CodeContainsForbiddenWord naming the first listed word found.
func (l *WordList) Check(code string) error {
	if l == nil {
		return nil
	}
	for _, w := range l.words {
		if strings.Contains(code, w) {
			return appErr.Newf(appErr.CodeContainsForbiddenWord, "code contains forbidden word: %s", w).
				WithDetail("word", w)
		}
	}
	return nil
}
