// Package feedback moderates, grades and classifies free-text feedback.
package feedback

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// RejectReason names why the moderation gate refused a message.
type RejectReason string

const (
	ReasonNone          RejectReason = ""
	ReasonTooShort      RejectReason = "too_short"
	ReasonTooLong       RejectReason = "too_long"
	ReasonSpam          RejectReason = "spam"
	ReasonProfanity     RejectReason = "profanity"
	ReasonRepeatedChars RejectReason = "repeated_characters"
	ReasonRepeatedWords RejectReason = "repeated_words"
	ReasonExcessiveCaps RejectReason = "excessive_caps"
	ReasonNumericOnly   RejectReason = "numeric_only"
)

// ModerationResult is the verdict of the moderation gate.
type ModerationResult struct {
	Accepted bool         `json:"accepted"`
	Reason   RejectReason `json:"reason,omitempty"`
}

// Config bounds accepted message length in characters.
type Config struct {
	MinLength int
	MaxLength int
}

// DefaultConfig returns the standard bounds: 3 to 1000 characters.
func DefaultConfig() Config {
	return Config{MinLength: 3, MaxLength: 1000}
}

// Moderate applies the gate with DefaultConfig.
func Moderate(text string) ModerationResult {
	return DefaultConfig().Moderate(text)
}

func reject(r RejectReason) ModerationResult {
	return ModerationResult{Accepted: false, Reason: r}
}

// Moderate reports whether text may influence any score.
func (c Config) Moderate(text string) ModerationResult {
	lower := normalize(text)
	n := utf8.RuneCountInString(lower)
	switch {
	case n < c.MinLength:
		return reject(ReasonTooShort)
	case c.MaxLength > 0 && n > c.MaxLength:
		return reject(ReasonTooLong)
	}
	for _, re := range spamPatterns {
		if re.MatchString(lower) {
			return reject(ReasonSpam)
		}
	}
	for _, re := range profanityPatterns {
		if re.MatchString(lower) {
			return reject(ReasonProfanity)
		}
	}
	if repeatedChars(lower) {
		return reject(ReasonRepeatedChars)
	}
	if repeatedWords(words(lower)) {
		return reject(ReasonRepeatedWords)
	}
	if n > 10 && upperRatio(strings.TrimSpace(text)) > 0.7 {
		return reject(ReasonExcessiveCaps)
	}
	if n > 5 && numericOnly(lower) {
		return reject(ReasonNumericOnly)
	}
	return ModerationResult{Accepted: true}
}

// repeatedChars is true when a single run of one character covers more than
// half of the non-space characters, or a long message is built from at most two
// distinct characters. Emphasis inside a real sentence ("sooooo", "!!!!!") passes.
func repeatedChars(s string) bool {
	var prev rune
	run, longest, total := 0, 0, 0
	distinct := make(map[rune]struct{})
	for _, r := range s {
		if unicode.IsSpace(r) {
			prev, run = 0, 0
			continue
		}
		total++
		distinct[r] = struct{}{}
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		longest = max(longest, run)
	}
	if total >= 5 && longest*2 > total {
		return true
	}
	return total >= 8 && len(distinct) <= 2
}

// repeatedWords is true when a word repeats three times in a row, or one word
// makes up more than half of a message of four or more words.
func repeatedWords(ws []string) bool {
	run := 1
	counts := make(map[string]int, len(ws))
	for i, w := range ws {
		counts[w]++
		if i > 0 && ws[i-1] == w {
			run++
			if run >= 3 {
				return true
			}
		} else {
			run = 1
		}
	}
	if len(ws) < 4 {
		return false
	}
	for _, c := range counts {
		if float64(c)/float64(len(ws)) > 0.5 {
			return true
		}
	}
	return false
}

func upperRatio(s string) float64 {
	letters, upper := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func numericOnly(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			digits++
		case unicode.IsSpace(r):
		default:
			return false
		}
	}
	return digits > 0
}
