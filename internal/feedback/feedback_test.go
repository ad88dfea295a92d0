package feedback

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/hyperjump/crowdwisdom/internal/metrics"
	"github.com/hyperjump/crowdwisdom/internal/models"
)

const abstractExamples = "The examples were too abstract, could you add a concrete code sample?"

func TestModerate(t *testing.T) {
	tests := []struct {
		name string
		text string
		want RejectReason
	}{
		{"repeated chars", "AAAAAAAAAA", ReasonRepeatedChars},
		{"too short", "ok", ReasonTooShort},
		{"whitespace padded short", "   hi   ", ReasonTooShort},
		{"too long", strings.Repeat("word ", 201), ReasonTooLong},
		{"url", "check https://example.com for answers", ReasonSpam},
		{"buy now", "buy now and save on textbooks", ReasonSpam},
		{"profanity", "this shit is confusing", ReasonProfanity},
		{"two distinct chars", "ababababab", ReasonRepeatedChars},
		{"word run", "bad bad bad explanation", ReasonRepeatedWords},
		{"dominant word", "more more please more", ReasonRepeatedWords},
		{"caps", "THIS IS NOT HELPFUL AT ALL", ReasonExcessiveCaps},
		{"numeric", "1234567", ReasonNumericOnly},
		{"accepted", abstractExamples, ReasonNone},
		{"short number ok", "12345", ReasonNone},
		{"short caps ok", "OK THANKS", ReasonNone},
		{"run dominates", "zzzzzzzzzz hi", ReasonRepeatedChars},
		{"stretched word", "This was sooooo helpful, thank you for the concrete example", ReasonNone},
		{"exclamations", "Great explanation, thanks!!!!!", ReasonNone},
		{"long number in sentence", "The query took 100000 ms, could you explain why it is slow?", ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Moderate(tt.text)
			if got.Reason != tt.want {
				t.Errorf("Moderate(%q).Reason = %q, want %q", tt.text, got.Reason, tt.want)
			}
			if got.Accepted != (tt.want == ReasonNone) {
				t.Errorf("Moderate(%q).Accepted = %v", tt.text, got.Accepted)
			}
		})
	}
}

func TestConfig_Moderate_customBounds(t *testing.T) {
	cfg := Config{MinLength: 10, MaxLength: 20}
	if cfg.Moderate("good one").Accepted {
		t.Error("expected too_short with min 10")
	}
	if cfg.Moderate("this explanation was far too long").Accepted {
		t.Error("expected too_long with max 20")
	}
	if !cfg.Moderate("clear and useful").Accepted {
		t.Error("expected accepted within bounds")
	}
}

func TestQualityScore_exampleSentence(t *testing.T) {
	q := QualityScore(abstractExamples)
	if q.Score <= 50 {
		t.Fatalf("score = %d, want > 50 (%+v)", q.Score, q)
	}
	if q.Specificity != maxSpecificityPoints {
		t.Errorf("specificity = %d, want %d", q.Specificity, maxSpecificityPoints)
	}
	if q.Constructive != maxConstructivePoints {
		t.Errorf("constructive = %d, want %d", q.Constructive, maxConstructivePoints)
	}
	if q.Length != maxLengthPoints {
		t.Errorf("length = %d, want %d", q.Length, maxLengthPoints)
	}
}

func TestQualityScore_capsAndBounds(t *testing.T) {
	q := QualityScore("why how example problem feature code bug error step detail!!! ??? love hate")
	if q.Specificity > maxSpecificityPoints || q.Emotion > maxEmotionPoints {
		t.Errorf("factor exceeded cap: %+v", q)
	}
	if q.Score < 0 || q.Score > 100 {
		t.Errorf("score out of range: %d", q.Score)
	}
	if got := QualityScore("").Score; got != 0 {
		t.Errorf("empty text score = %d, want 0", got)
	}
	long := strings.Repeat("a", 600)
	if got := lengthPoints(len(long)); got >= maxLengthPoints {
		t.Errorf("long text length points = %d, want below peak", got)
	}
}

func TestClassifySentiment(t *testing.T) {
	tests := []struct {
		text string
		want models.Sentiment
	}{
		{abstractExamples, models.SentimentNegative},
		{"Thanks, that was really clear and helpful", models.SentimentPositive},
		{"could you also cover recursion", models.SentimentNeutral},
		{"thanks but this is confusing, could you redo it", models.SentimentNeutral},
		{"great but wrong", models.SentimentUnknown},
		{"recursion trees", models.SentimentUnknown},
	}
	for _, tt := range tests {
		if got := ClassifySentiment(tt.text); got != tt.want {
			t.Errorf("ClassifySentiment(%q) = %q, want %q (%+v)", tt.text, got, tt.want, CountSentiment(tt.text))
		}
	}
}

func TestSentimentCounts_wordBoundaries(t *testing.T) {
	c := CountSentiment("the goodness of toolbars")
	if c.Positive != 0 || c.Negative != 0 {
		t.Errorf("substring matches leaked: %+v", c)
	}
}

func TestScorer_rejectedNeverGraded(t *testing.T) {
	m := metrics.New()
	s := NewScorer(Config{}, WithMetrics(m))

	r := s.Score("AAAAAAAAAA")
	if r.Moderation.Accepted {
		t.Fatal("expected rejection")
	}
	if r.Quality != nil || r.Sentiment != "" {
		t.Errorf("rejected message was graded: %+v", r)
	}
	n, err := testutil.GatherAndCount(m.Registry(), "crowdwisdom_moderation_rejections_total")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("rejection series = %d, want 1", n)
	}

	ok := s.Score(abstractExamples)
	if !ok.Moderation.Accepted || ok.Quality == nil {
		t.Fatalf("expected accepted and graded: %+v", ok)
	}
	if ok.Sentiment != models.SentimentNegative {
		t.Errorf("sentiment = %q, want negative", ok.Sentiment)
	}
}

func TestModerate_idempotent(t *testing.T) {
	for _, text := range []string{"AAAAAAAAAA", abstractExamples, "buy now!!", "12345678"} {
		first, second := Moderate(text), Moderate(text)
		if first != second {
			t.Errorf("Moderate(%q) not stable: %+v vs %+v", text, first, second)
		}
	}
}
