// Package content enforces the one-sentence rule for story contributions.
package content

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxLength is the longest contribution accepted, in characters.
const MaxLength = 280

const (
	terminators = `.!?"')]}`
	sentenceEnd = ".!?"
)

// ValidationError describes why a piece of text was rejected.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ValidateSentence checks a contribution and returns it trimmed.
func ValidateSentence(text string) (string, error) {
	trimmed, err := ValidateOpening(text)
	if err != nil {
		return "", err
	}
	if utf8.RuneCountInString(trimmed) > MaxLength {
		return "", &ValidationError{Reason: fmt.Sprintf("Contributions are limited to %d characters", MaxLength)}
	}
	if SentenceCount(trimmed) > 1 {
		return "", &ValidationError{Reason: "Please limit your contribution to one sentence"}
	}
	return trimmed, nil
}

// ValidateOpening applies the rule used for a story's first passage: it must
// be non-empty and properly terminated, but may span several sentences.
func ValidateOpening(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", &ValidationError{Reason: "Please enter some content"}
	}
	last, _ := utf8.DecodeLastRuneInString(trimmed)
	if !strings.ContainsRune(terminators, last) {
		return "", &ValidationError{Reason: "Your contribution should end with proper punctuation (., !, ?)"}
	}
	return trimmed, nil
}

// SentenceCount splits text on sentence-ending punctuation and counts the
// fragments left after dropping empty ones. Anything after the final mark,
// even a lone closing quote, is a fragment of its own.
func SentenceCount(text string) int {
	fragments := strings.FieldsFunc(text, func(r rune) bool {
		return strings.ContainsRune(sentenceEnd, r)
	})
	count := 0
	for _, fragment := range fragments {
		if strings.TrimSpace(fragment) != "" {
			count++
		}
	}
	return count
}
