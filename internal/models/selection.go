package models

// SelectionMethod names the branch of the selection cascade that produced a template.
type SelectionMethod string

const (
	// MethodClusterBest means crowd wisdom applied: the cluster's own best template.
	MethodClusterBest SelectionMethod = "cluster_best"
	// MethodGlobalFallback means the cluster lacked trusted evidence and a global topic template was used.
	MethodGlobalFallback SelectionMethod = "global_fallback"
	// MethodNewClusterGlobal means the cluster was just minted and a global topic template was used.
	MethodNewClusterGlobal SelectionMethod = "new_cluster_global"
	// MethodAutoGenerated means no template existed and a new one was synthesized.
	MethodAutoGenerated SelectionMethod = "auto_generated"
)

// ColdStart reports whether the method did not draw on cluster evidence.
func (m SelectionMethod) ColdStart() bool {
	return m != MethodClusterBest
}

// Selection is the result of template selection.
type Selection struct {
	Template      *PromptTemplate `json:"template"`
	Method        SelectionMethod `json:"selection_method"`
	ClusterID     *string         `json:"cluster_id,omitempty"`
	UsageCount    int             `json:"usage_count"`
	AvgFeedback   float64         `json:"avg_feedback"`
	WeightedScore float64         `json:"weighted_score"`
}

// ClusterBest is one row of the best-template-per-cluster view.
type ClusterBest struct {
	ClusterID     string  `json:"cluster_id"`
	TemplateID    string  `json:"template_id"`
	Topic         string  `json:"topic"`
	UsageCount    int     `json:"usage_count"`
	AvgFeedback   float64 `json:"avg_feedback"`
	WeightedScore float64 `json:"weighted_score"`
	Rank          int     `json:"rank"`
}

// Recommendation is one ranked template suggestion.
type Recommendation struct {
	Template          *PromptTemplate `json:"template"`
	Score             float64         `json:"score"`
	ClusterPopularity float64         `json:"cluster_popularity"`
	TopicRelevance    float64         `json:"topic_relevance"`
	SentimentWeight   float64         `json:"sentiment_weight"`
	Quality           string          `json:"quality"`
	Rank              int             `json:"rank"`
}
