package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/crowdwisdom/internal/models"
	"github.com/hyperjump/crowdwisdom/internal/vector"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Write transactions take the
// database lock up front so read-modify-write sequences cannot interleave.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS interactions (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		text TEXT NOT NULL,
		embedding BLOB,
		cluster_id TEXT,
		is_noise INTEGER NOT NULL DEFAULT 0,
		clustering_version TEXT NOT NULL DEFAULT '',
		soft_signal TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_interactions_cluster ON interactions(cluster_id);
	CREATE INDEX IF NOT EXISTS idx_interactions_user ON interactions(user_id);

	CREATE TABLE IF NOT EXISTS semantic_clusters (
		id TEXT PRIMARY KEY,
		centroid BLOB NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		representative_query TEXT NOT NULL DEFAULT '',
		clustering_version TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		superseded_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS prompt_templates (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL DEFAULT '',
		pattern TEXT NOT NULL,
		efficacy_score REAL NOT NULL DEFAULT 0,
		usage_count INTEGER NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		cluster_id TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_templates_cluster ON prompt_templates(cluster_id);
	CREATE INDEX IF NOT EXISTS idx_templates_topic ON prompt_templates(topic);

	CREATE TABLE IF NOT EXISTS prompt_template_usage (
		id TEXT PRIMARY KEY,
		template_id TEXT NOT NULL,
		cluster_id TEXT,
		interaction_id TEXT NOT NULL DEFAULT '',
		query TEXT NOT NULL DEFAULT '',
		feedback_score INTEGER CHECK (feedback_score BETWEEN 1 AND 5),
		feedback_origin TEXT NOT NULL DEFAULT '',
		feedback_text TEXT NOT NULL DEFAULT '',
		sentiment TEXT NOT NULL DEFAULT '',
		quality_score INTEGER,
		soft_signal TEXT NOT NULL DEFAULT '',
		response_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (template_id) REFERENCES prompt_templates(id)
	);

	CREATE INDEX IF NOT EXISTS idx_usage_template ON prompt_template_usage(template_id);
	CREATE INDEX IF NOT EXISTS idx_usage_response ON prompt_template_usage(response_id);
	CREATE INDEX IF NOT EXISTS idx_usage_cluster ON prompt_template_usage(cluster_id);

	CREATE TABLE IF NOT EXISTS orphan_feedback (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL,
		rating INTEGER,
		text TEXT NOT NULL DEFAULT '',
		sentiment TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMP NOT NULL
	);

	CREATE VIEW IF NOT EXISTS template_performance AS
	SELECT
		t.id AS template_id,
		t.cluster_id AS cluster_id,
		t.topic AS topic,
		t.source AS source,
		COUNT(u.id) AS usage_count,
		COUNT(u.feedback_score) AS rated_count,
		COALESCE(SUM(u.feedback_score), 0) AS feedback_sum,
		COALESCE(SUM(CASE WHEN u.sentiment = 'positive' THEN 1 ELSE 0 END), 0) AS positive_hits,
		COALESCE(SUM(CASE WHEN u.sentiment = 'negative' THEN 1 ELSE 0 END), 0) AS negative_hits,
		COALESCE(SUM(CASE WHEN u.sentiment = 'neutral' THEN 1 ELSE 0 END), 0) AS neutral_hits
	FROM prompt_templates t
	LEFT JOIN prompt_template_usage u ON u.template_id = t.id
	GROUP BY t.id;
	`
	_, err := db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nullString(p *string) sql.NullString {
	if p == nil || *p == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt(p *int) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*p), Valid: true}
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	v := int(ni.Int64)
	return &v
}

func now() time.Time {
	return time.Now().UTC()
}

// CreateInteraction inserts an interaction. CreatedAt is set when zero.
func (s *SQLiteStorage) CreateInteraction(ctx context.Context, in *models.Interaction) error {
	if in.CreatedAt.IsZero() {
		in.CreatedAt = now()
	}
	if in.Type == "" {
		in.Type = models.InteractionQuery
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO interactions (id, session_id, user_id, type, text, embedding, cluster_id, is_noise, clustering_version, soft_signal, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		in.ID, in.SessionID, in.UserID, string(in.Type), in.Text, vector.Encode(in.Embedding),
		nullString(in.ClusterID), in.IsNoise, in.ClusteringVersion, string(in.SoftSignal), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

const interactionColumns = `id, session_id, user_id, type, text, embedding, cluster_id, is_noise, clustering_version, soft_signal, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row rowScanner) (*models.Interaction, error) {
	var in models.Interaction
	var typ, signal string
	var emb []byte
	var cluster sql.NullString
	err := row.Scan(&in.ID, &in.SessionID, &in.UserID, &typ, &in.Text, &emb, &cluster,
		&in.IsNoise, &in.ClusteringVersion, &signal, &in.CreatedAt)
	if err != nil {
		return nil, err
	}
	in.Type = models.InteractionType(typ)
	in.SoftSignal = models.SoftSignal(signal)
	in.Embedding = vector.Decode(emb)
	in.ClusterID = stringPtr(cluster)
	return &in, nil
}

// GetInteraction returns an interaction by ID.
func (s *SQLiteStorage) GetInteraction(ctx context.Context, id string) (*models.Interaction, error) {
	in, err := scanInteraction(s.db.QueryRowContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("interaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get interaction: %w", err)
	}
	return in, nil
}

// SetInteractionEmbedding stores the embedding of an interaction.
func (s *SQLiteStorage) SetInteractionEmbedding(ctx context.Context, id string, embedding []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE interactions SET embedding = ? WHERE id = ?`, vector.Encode(embedding), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("interaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// AssignInteraction records the cluster (or noise flag) of an interaction that has none yet.
func (s *SQLiteStorage) AssignInteraction(ctx context.Context, id string, clusterID *string, isNoise bool, version models.Provenance) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE interactions SET cluster_id = ?, is_noise = ?, clustering_version = ?
		 WHERE id = ? AND cluster_id IS NULL`,
		nullString(clusterID), isNoise, version.String(), id,
	)
	if err != nil {
		return fmt.Errorf("assign interaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetInteraction(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("interaction %s: %w", id, ErrAlreadyClustered)
	}
	return nil
}

// AnnotateSoftSignal sets the soft signal of an interaction; the only mutation allowed after clustering.
func (s *SQLiteStorage) AnnotateSoftSignal(ctx context.Context, id string, signal models.SoftSignal) error {
	res, err := s.db.ExecContext(ctx, `UPDATE interactions SET soft_signal = ? WHERE id = ?`, string(signal), id)
	if err != nil {
		return fmt.Errorf("annotate soft signal: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("interaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListUnembedded returns query interactions whose embedding is still null, oldest first.
func (s *SQLiteStorage) ListUnembedded(ctx context.Context, limit int) ([]*models.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE embedding IS NULL AND type = ? AND cluster_id IS NULL
		 ORDER BY created_at ASC LIMIT ?`, string(models.InteractionQuery), limit)
	if err != nil {
		return nil, fmt.Errorf("list unembedded: %w", err)
	}
	defer rows.Close()
	var out []*models.Interaction
	for rows.Next() {
		in, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UserClusterCounts returns, for one user, how many non-noise interactions fall in each cluster.
func (s *SQLiteStorage) UserClusterCounts(ctx context.Context, userID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cluster_id, COUNT(*) FROM interactions
		 WHERE user_id = ? AND cluster_id IS NOT NULL AND is_noise = 0
		 GROUP BY cluster_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("user cluster counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
