package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/hyperjump/crowdwisdom/internal/models"
)

// liveClusters selects ids of clusters in the current clustering.
const liveClusters = `SELECT id FROM semantic_clusters WHERE superseded_at IS NULL`

const templateColumns = `id, topic, pattern, efficacy_score, usage_count, source, cluster_id, created_at`

func scanTemplate(row rowScanner) (*models.PromptTemplate, error) {
	var t models.PromptTemplate
	var source string
	var cluster sql.NullString
	if err := row.Scan(&t.ID, &t.Topic, &t.Pattern, &t.EfficacyScore, &t.UsageCount, &source, &cluster, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.Source = models.TemplateSource(source)
	t.ClusterID = stringPtr(cluster)
	return &t, nil
}

// CreateTemplate inserts a template.
func (s *SQLiteStorage) CreateTemplate(ctx context.Context, t *models.PromptTemplate) error {
	if !t.Source.Valid() {
		return fmt.Errorf("unknown template source %q", t.Source)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prompt_templates (`+templateColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Topic, t.Pattern, t.EfficacyScore, t.UsageCount, string(t.Source), nullString(t.ClusterID), t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by ID.
func (s *SQLiteStorage) GetTemplate(ctx context.Context, id string) (*models.PromptTemplate, error) {
	t, err := scanTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM prompt_templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func templateWhere(alias string, f TemplateFilter) (string, []any) {
	var conds []string
	var args []any
	col := func(name string) string { return alias + "." + name }
	if f.ClusterID != nil {
		conds = append(conds, col("cluster_id")+" = ?")
		args = append(args, *f.ClusterID)
	}
	if f.Topic != "" {
		conds = append(conds, col("topic")+" = ?")
		args = append(args, f.Topic)
	}
	if f.Source != "" {
		conds = append(conds, col("source")+" = ?")
		args = append(args, string(f.Source))
	}
	if f.GlobalOnly {
		conds = append(conds, "("+col("cluster_id")+" IS NULL OR "+col("cluster_id")+" NOT IN ("+liveClusters+"))")
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTemplates returns templates matching filter, oldest first.
func (s *SQLiteStorage) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*models.PromptTemplate, error) {
	where, args := templateWhere("t", filter)
	q := `SELECT ` + prefixed("t", templateColumns) + ` FROM prompt_templates t` + where + ` ORDER BY t.created_at, t.id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []*models.PromptTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// UpdateTemplateCache rewrites the cached efficacy and usage count of a template.
// Callers pass values derived from the ledger.
func (s *SQLiteStorage) UpdateTemplateCache(ctx context.Context, id string, efficacy float64, usageCount int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prompt_templates SET efficacy_score = ?, usage_count = ? WHERE id = ?`, efficacy, usageCount, id)
	if err != nil {
		return fmt.Errorf("update template cache: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", id, ErrNotFound)
	}
	return nil
}

// TemplateStats returns ledger aggregates for templates matching filter.
func (s *SQLiteStorage) TemplateStats(ctx context.Context, filter TemplateFilter) ([]*models.TemplateStats, error) {
	where, args := templateWhere("t", filter)
	q := `SELECT p.template_id, t.cluster_id, p.topic, p.source, t.created_at,
			p.usage_count, p.rated_count, p.feedback_sum, p.positive_hits, p.negative_hits, p.neutral_hits
		FROM template_performance p JOIN prompt_templates t ON t.id = p.template_id` + where +
		` ORDER BY t.created_at, t.id`
	if filter.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("template stats: %w", err)
	}
	defer rows.Close()
	var out []*models.TemplateStats
	for rows.Next() {
		var st models.TemplateStats
		var cluster sql.NullString
		var source string
		if err := rows.Scan(&st.TemplateID, &cluster, &st.Topic, &source, &st.CreatedAt,
			&st.UsageCount, &st.RatedCount, &st.FeedbackSum, &st.PositiveHits, &st.NegativeHits, &st.NeutralHits); err != nil {
			return nil, err
		}
		st.ClusterID = stringPtr(cluster)
		st.Source = models.TemplateSource(source)
		out = append(out, &st)
	}
	return out, rows.Err()
}

// RankTemplates ranks templates by weighted score straight from the ledger view:
// weighted_score = usage_count*w.Usage + avg_feedback*w.Feedback, with unrated usages
// counted as w.Neutral. Ties go to more usages, then the older template. Cluster mode
// partitions by owning cluster and only covers live clusters; global mode ranks the
// templates of one topic that have no live owner.
func (s *SQLiteStorage) RankTemplates(ctx context.Context, q RankQuery) ([]*models.ClusterBest, error) {
	w := q.Weights
	var conds []string
	var args []any
	args = append(args, w.Neutral, w.Neutral)
	group := "p.cluster_id"
	if q.GlobalTopic != nil {
		group = "''"
		conds = append(conds, "p.topic = ?", "(p.cluster_id IS NULL OR p.cluster_id NOT IN ("+liveClusters+"))")
		args = append(args, *q.GlobalTopic)
	} else {
		conds = append(conds, "p.cluster_id IN ("+liveClusters+")")
		if q.ClusterID != nil {
			conds = append(conds, "p.cluster_id = ?")
			args = append(args, *q.ClusterID)
		}
	}
	args = append(args, w.Usage, w.Feedback, q.TopOnly)

	query := `
	WITH base AS (
		SELECT p.template_id, p.cluster_id, p.topic, p.usage_count, t.created_at, ` + group + ` AS grp,
			CASE WHEN p.usage_count = 0 THEN ?
				ELSE (p.feedback_sum + ? * (p.usage_count - p.rated_count)) * 1.0 / p.usage_count
			END AS avg_feedback
		FROM template_performance p JOIN prompt_templates t ON t.id = p.template_id
		WHERE ` + strings.Join(conds, " AND ") + `
	),
	scored AS (
		SELECT *, usage_count * ? + avg_feedback * ? AS weighted_score FROM base
	),
	ranked AS (
		SELECT *, ROW_NUMBER() OVER (
			PARTITION BY grp
			ORDER BY weighted_score DESC, usage_count DESC, created_at ASC, template_id ASC
		) AS rnk FROM scored
	)
	SELECT template_id, cluster_id, topic, usage_count, avg_feedback, weighted_score, rnk
	FROM ranked WHERE rnk = 1 OR ? = 0
	ORDER BY grp, rnk`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("rank templates: %w", err)
	}
	defer rows.Close()
	var out []*models.ClusterBest
	for rows.Next() {
		var b models.ClusterBest
		var cluster sql.NullString
		if err := rows.Scan(&b.TemplateID, &cluster, &b.Topic, &b.UsageCount, &b.AvgFeedback, &b.WeightedScore, &b.Rank); err != nil {
			return nil, err
		}
		if cluster.Valid {
			b.ClusterID = cluster.String
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}

// ClusterEvidence returns the number of usage rows recorded for queries in a
// cluster, whichever template served them.
func (s *SQLiteStorage) ClusterEvidence(ctx context.Context, clusterID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prompt_template_usage WHERE cluster_id = ?`, clusterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cluster evidence: %w", err)
	}
	return n, nil
}
