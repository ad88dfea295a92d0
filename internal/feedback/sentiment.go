package feedback

import "github.com/hyperjump/crowdwisdom/internal/models"

// SentimentCounts holds lexicon hit counts for one message.
type SentimentCounts struct {
	Positive int `json:"positive"`
	Negative int `json:"negative"`
	Neutral  int `json:"neutral"`
}

// CountSentiment counts lexicon hits in text.
func CountSentiment(text string) SentimentCounts {
	lower := normalize(text)
	return SentimentCounts{
		Positive: positive.hits(lower),
		Negative: negative.hits(lower),
		Neutral:  neutral.hits(lower),
	}
}

// Class resolves counts to a sentiment: the strictly highest count wins; a tie or
// all zeros gives neutral if any neutral word matched, else unknown.
func (c SentimentCounts) Class() models.Sentiment {
	switch {
	case c.Positive > c.Negative && c.Positive > c.Neutral:
		return models.SentimentPositive
	case c.Negative > c.Positive && c.Negative > c.Neutral:
		return models.SentimentNegative
	case c.Neutral > c.Positive && c.Neutral > c.Negative:
		return models.SentimentNeutral
	case c.Neutral > 0:
		return models.SentimentNeutral
	default:
		return models.SentimentUnknown
	}
}

// ClassifySentiment classifies text with the fixed lexicons.
func ClassifySentiment(text string) models.Sentiment {
	return CountSentiment(text).Class()
}
