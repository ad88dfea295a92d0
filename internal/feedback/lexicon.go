package feedback

import (
	"regexp"
	"strings"
)

// Keyword lists are matched on word boundaries against the lowercased message.

var positiveLexicon = []string{
	"thank", "thanks", "thank you", "clear", "clearer", "helpful", "help", "helped", "helps",
	"understood", "understand", "great", "excellent", "good", "love", "perfect",
	"awesome", "useful", "makes sense", "got it", "nice", "brilliant",
}

var negativeLexicon = []string{
	"confused", "confusing", "unclear", "wrong", "bad", "difficult", "hard",
	"too", "abstract", "vague", "not helpful", "doesn't make sense", "useless",
	"boring", "terrible", "hate", "lost", "complicated", "frustrating", "frustrated",
	"incorrect", "long-winded", "overwhelming",
}

var neutralLexicon = []string{
	"could you", "can you", "would you", "maybe", "ok", "okay", "fine",
	"question", "what about", "how about", "also", "more", "another",
}

var specificityTerms = []string{
	"problem", "feature", "why", "how", "example", "examples", "concrete", "code",
	"sample", "specific", "step", "steps", "error", "bug", "explain", "explanation",
	"detail", "details", "section", "part", "because", "instead", "formula", "diagram",
}

var emotionWords = []string{
	"love", "hate", "frustrated", "frustrating", "confused", "amazing", "awesome",
	"terrible", "annoying", "awful", "excited", "disappointed", "happy", "sad", "angry",
}

var constructiveMarkers = []string{
	"suggest", "suggestion", "should", "improve", "could you", "would be", "add",
	"maybe", "better if", "consider", "please", "recommend",
}

var spamPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://`),
	regexp.MustCompile(`\bwww\.`),
	regexp.MustCompile(`\bbuy now\b`),
	regexp.MustCompile(`\bclick here\b`),
	regexp.MustCompile(`\bfree money\b`),
	regexp.MustCompile(`\bsubscribe\b`),
	regexp.MustCompile(`\bdiscount code\b`),
	regexp.MustCompile(`\b(viagra|casino|bitcoin giveaway)\b`),
}

var profanityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(fuck\w*|shit\w*|bitch\w*|asshole\w*|bastard\w*|cunt\w*|dickhead\w*)\b`),
}

// lexicon is a compiled keyword list.
type lexicon []*regexp.Regexp

func compile(words []string) lexicon {
	out := make(lexicon, len(words))
	for i, w := range words {
		out[i] = regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
	}
	return out
}

// hits counts the entries of l that occur in lower at least once.
func (l lexicon) hits(lower string) int {
	n := 0
	for _, re := range l {
		if re.MatchString(lower) {
			n++
		}
	}
	return n
}

var (
	positive     = compile(positiveLexicon)
	negative     = compile(negativeLexicon)
	neutral      = compile(neutralLexicon)
	specific     = compile(specificityTerms)
	emotional    = compile(emotionWords)
	constructive = compile(constructiveMarkers)
)

func normalize(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// words splits lowercased text into words, dropping surrounding punctuation.
func words(lower string) []string {
	fields := strings.Fields(lower)
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, `.,;:!?"'()[]{}`)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
