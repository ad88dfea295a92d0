package feedback

import (
	"strings"
	"unicode/utf8"
)

// Factor caps of the additive quality score.
const (
	maxLengthPoints       = 30
	maxDiversityPoints    = 25
	maxSpecificityPoints  = 20
	maxEmotionPoints      = 15
	maxConstructivePoints = 10
)

// Quality is the 0-100 diagnostic score of a feedback message and its parts.
type Quality struct {
	Score        int `json:"score"`
	Length       int `json:"length"`
	Diversity    int `json:"diversity"`
	Specificity  int `json:"specificity"`
	Emotion      int `json:"emotion"`
	Constructive int `json:"constructive"`
}

// QualityScore grades text. It does not moderate; callers gate first.
func QualityScore(text string) Quality {
	lower := normalize(text)
	q := Quality{
		Length:       lengthPoints(utf8.RuneCountInString(lower)),
		Diversity:    diversityPoints(words(lower)),
		Specificity:  capped(specific.hits(lower)*5, maxSpecificityPoints),
		Emotion:      emotionPoints(lower),
		Constructive: capped(constructive.hits(lower)*5, maxConstructivePoints),
	}
	q.Score = capped(q.Length+q.Diversity+q.Specificity+q.Emotion+q.Constructive, 100)
	return q
}

// lengthPoints peaks for 10-200 characters.
func lengthPoints(n int) int {
	switch {
	case n == 0:
		return 0
	case n < 10:
		return n * maxLengthPoints / 10
	case n <= 200:
		return maxLengthPoints
	case n <= 500:
		return 20
	default:
		return 10
	}
}

func diversityPoints(ws []string) int {
	if len(ws) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		unique[w] = struct{}{}
	}
	return len(unique) * maxDiversityPoints / len(ws)
}

func emotionPoints(lower string) int {
	punct := capped(strings.Count(lower, "!")*3+strings.Count(lower, "?")*5, 10)
	return capped(punct+emotional.hits(lower)*5, maxEmotionPoints)
}

func capped(v, max int) int {
	if v > max {
		return max
	}
	return v
}
