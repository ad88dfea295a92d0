package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperjump/crowdwisdom/internal/models"
)

const usageColumns = `id, template_id, cluster_id, interaction_id, query, feedback_score, feedback_origin,
	feedback_text, sentiment, quality_score, soft_signal, response_id, created_at`

func scanUsage(row rowScanner) (*models.TemplateUsage, error) {
	var u models.TemplateUsage
	var cluster sql.NullString
	var score, quality sql.NullInt64
	var origin, sentiment, signal string
	if err := row.Scan(&u.ID, &u.TemplateID, &cluster, &u.InteractionID, &u.Query, &score, &origin,
		&u.FeedbackText, &sentiment, &quality, &signal, &u.ResponseID, &u.CreatedAt); err != nil {
		return nil, err
	}
	u.ClusterID = stringPtr(cluster)
	u.FeedbackScore = intPtr(score)
	u.QualityScore = intPtr(quality)
	u.FeedbackOrigin = models.FeedbackOrigin(origin)
	u.Sentiment = models.Sentiment(sentiment)
	u.SoftSignal = models.SoftSignal(signal)
	return &u, nil
}

// CreateUsage appends a row to the usage ledger. The template must exist.
func (s *SQLiteStorage) CreateUsage(ctx context.Context, u *models.TemplateUsage) error {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM prompt_templates WHERE id = ?`, u.TemplateID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("template %s: %w", u.TemplateID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("check template: %w", err)
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prompt_template_usage (`+usageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.TemplateID, nullString(u.ClusterID), u.InteractionID, u.Query, nullInt(u.FeedbackScore),
		string(u.FeedbackOrigin), u.FeedbackText, string(u.Sentiment), nullInt(u.QualityScore),
		string(u.SoftSignal), u.ResponseID, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage: %w", err)
	}
	return nil
}

// GetUsage returns a usage row by ID.
func (s *SQLiteStorage) GetUsage(ctx context.Context, id string) (*models.TemplateUsage, error) {
	return s.getUsage(ctx, s.db, `WHERE id = ?`, id)
}

// GetUsageByResponseID returns the most recent usage row carrying responseID.
func (s *SQLiteStorage) GetUsageByResponseID(ctx context.Context, responseID string) (*models.TemplateUsage, error) {
	if responseID == "" {
		return nil, fmt.Errorf("empty response id: %w", ErrNotFound)
	}
	return s.getUsage(ctx, s.db, `WHERE response_id = ? ORDER BY created_at DESC LIMIT 1`, responseID)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStorage) getUsage(ctx context.Context, q queryRower, clause string, arg string) (*models.TemplateUsage, error) {
	u, err := scanUsage(q.QueryRowContext(ctx, `SELECT `+usageColumns+` FROM prompt_template_usage `+clause, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("usage %s: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return u, nil
}

// ApplyFeedback writes feedback onto one usage row inside a transaction. An inferred
// rating only fills an empty score; an explicit rating may replace an inferred one but
// never another explicit one (ErrAlreadyRated). Text is written once. Query text and
// cluster of the row are never touched.
func (s *SQLiteStorage) ApplyFeedback(ctx context.Context, usageID string, upd FeedbackUpdate) (*FeedbackApplied, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin feedback: %w", err)
	}
	defer tx.Rollback()

	u, err := s.getUsage(ctx, tx, `WHERE id = ?`, usageID)
	if err != nil {
		return nil, err
	}
	applied := &FeedbackApplied{}

	if upd.Rating != nil {
		if *upd.Rating < 1 || *upd.Rating > 5 {
			return nil, models.ErrInvalidRating
		}
		origin := upd.Origin
		if origin == "" {
			origin = models.FeedbackExplicit
		}
		switch {
		case u.FeedbackScore == nil:
			applied.RatingWritten = true
		case u.FeedbackOrigin == models.FeedbackExplicit && origin == models.FeedbackExplicit:
			return nil, fmt.Errorf("usage %s: %w", usageID, ErrAlreadyRated)
		case u.FeedbackOrigin != models.FeedbackExplicit && origin == models.FeedbackExplicit:
			applied.RatingWritten = true
		}
		if applied.RatingWritten {
			if _, err := tx.ExecContext(ctx,
				`UPDATE prompt_template_usage SET feedback_score = ?, feedback_origin = ? WHERE id = ?`,
				*upd.Rating, string(origin), usageID); err != nil {
				return nil, fmt.Errorf("write rating: %w", err)
			}
			r := *upd.Rating
			u.FeedbackScore = &r
			u.FeedbackOrigin = origin
		}
	}

	if upd.Text != "" && u.FeedbackText == "" {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_template_usage SET feedback_text = ?, sentiment = ?, quality_score = ? WHERE id = ?`,
			upd.Text, string(upd.Sentiment), nullInt(upd.QualityScore), usageID); err != nil {
			return nil, fmt.Errorf("write feedback text: %w", err)
		}
		applied.TextWritten = true
		u.FeedbackText = upd.Text
		u.Sentiment = upd.Sentiment
		u.QualityScore = upd.QualityScore
	}

	if upd.SoftSignal != models.SignalNone {
		if _, err := tx.ExecContext(ctx,
			`UPDATE prompt_template_usage SET soft_signal = ? WHERE id = ?`, string(upd.SoftSignal), usageID); err != nil {
			return nil, fmt.Errorf("write soft signal: %w", err)
		}
		u.SoftSignal = upd.SoftSignal
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit feedback: %w", err)
	}
	applied.Usage = u
	return applied, nil
}

// CreateOrphanFeedback records feedback that matched no usage row.
func (s *SQLiteStorage) CreateOrphanFeedback(ctx context.Context, f *models.OrphanFeedback) error {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orphan_feedback (id, reference, rating, text, sentiment, received_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.Reference, nullInt(f.Rating), f.Text, string(f.Sentiment), f.ReceivedAt)
	if err != nil {
		return fmt.Errorf("insert orphan feedback: %w", err)
	}
	return nil
}

// CountOrphanFeedback returns the number of orphan feedback rows.
func (s *SQLiteStorage) CountOrphanFeedback(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orphan_feedback`).Scan(&n)
	return n, err
}
