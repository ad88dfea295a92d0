package recommend

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/crowdwisdom/internal/models"
)

// templateDoc is what gets indexed per template.
type templateDoc struct {
	Topic   string `json:"topic"`
	Pattern string `json:"pattern"`
}

// TemplateIndex is an in-memory full-text index over template topics and patterns.
// Templates are immutable apart from their cache columns, so each id is indexed once.
type TemplateIndex struct {
	mu      sync.Mutex
	index   bleve.Index
	indexed map[string]struct{}
}

// NewTemplateIndex creates an empty in-memory index.
func NewTemplateIndex() (*TemplateIndex, error) {
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	text := bleve.NewTextFieldMapping()
	// standard analyzer: lowercase and tokenize, no stemming
	text.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("topic", text)
	docMapping.AddFieldMappingsAt("pattern", text)
	im.AddDocumentMapping("template", docMapping)
	im.DefaultType = "template"
	im.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("failed to create template index: %w", err)
	}
	return &TemplateIndex{index: index, indexed: make(map[string]struct{})}, nil
}

// Sync indexes every template not seen before and returns how many were added.
func (ix *TemplateIndex) Sync(templates []*models.PromptTemplate) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	batch := ix.index.NewBatch()
	var added []string
	for _, t := range templates {
		if _, ok := ix.indexed[t.ID]; ok {
			continue
		}
		if err := batch.Index(t.ID, templateDoc{Topic: t.Topic, Pattern: t.Pattern}); err != nil {
			return 0, fmt.Errorf("index template %s: %w", t.ID, err)
		}
		added = append(added, t.ID)
	}
	if len(added) == 0 {
		return 0, nil
	}
	if err := ix.index.Batch(batch); err != nil {
		return 0, fmt.Errorf("index batch: %w", err)
	}
	for _, id := range added {
		ix.indexed[id] = struct{}{}
	}
	return len(added), nil
}

// Relevance scores templates against topic, normalized so the best hit is 1.
// Templates that do not match are absent from the map.
func (ix *TemplateIndex) Relevance(ctx context.Context, topic string, limit int) (map[string]float64, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return map[string]float64{}, nil
	}
	if limit <= 0 {
		limit = 100
	}

	topicQ := bleve.NewMatchQuery(topic)
	topicQ.SetField("topic")
	topicQ.SetBoost(2)
	// typo tolerance on the topic field
	fuzzyQ := bleve.NewMatchQuery(topic)
	fuzzyQ.SetField("topic")
	fuzzyQ.SetFuzziness(1)
	patternQ := bleve.NewMatchQuery(topic)
	patternQ.SetField("pattern")
	q := bleve.NewDisjunctionQuery([]blevequery.Query{topicQ, fuzzyQ, patternQ}...)

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	res, err := ix.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("template search failed: %w", err)
	}
	out := make(map[string]float64, len(res.Hits))
	maxScore := 0.0
	for _, hit := range res.Hits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}
	if maxScore <= 0 {
		return out, nil
	}
	for _, hit := range res.Hits {
		out[hit.ID] = hit.Score / maxScore
	}
	return out, nil
}

// Len returns the number of indexed templates.
func (ix *TemplateIndex) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return len(ix.indexed)
}

// Close releases the index.
func (ix *TemplateIndex) Close() error {
	return ix.index.Close()
}
