// Package vectorindex implements the C2 Vector Index: global embeddings
// stored in Postgres with the pgvector extension, searched by cosine
// distance.
package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/motionmatch/engine/internal/models"
)

// EmbeddingDimension is the global embedding width, D in spec terms.
const EmbeddingDimension = 1024

// Store wraps a Postgres connection holding the vector_index table.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open connects to dsn, tunes the pool the way storage_manager.go does, and
// ensures the vector_index table and its ANN index exist.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, models.NewError(models.KindResourceError, "open vector index connection", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, models.NewError(models.KindResourceError, "ping vector index", err)
	}

	s := &Store{db: db, log: log}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS vector_index (
	video_id   text PRIMARY KEY,
	embedding  vector(1024) NOT NULL,
	video_path text NOT NULL DEFAULT '',
	duration   double precision NOT NULL DEFAULT 0,
	tags       text[] NOT NULL DEFAULT '{}',
	created_at timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS vector_index_embedding_ivfflat
	ON vector_index USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return models.NewError(models.KindResourceError, "initialize vector index schema", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Insert upserts a video's global embedding by video-id, making re-indexing
// idempotent and observationally identical to a single index.
func (s *Store) Insert(ctx context.Context, videoID string, embedding []float32, videoPath string, duration float64, tags []string) error {
	if len(embedding) != EmbeddingDimension {
		return models.NewError(models.KindInternal, fmt.Sprintf("embedding dimension %d != %d", len(embedding), EmbeddingDimension), nil)
	}

	const q = `
INSERT INTO vector_index (video_id, embedding, video_path, duration, tags)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (video_id) DO UPDATE SET
	embedding = EXCLUDED.embedding,
	video_path = EXCLUDED.video_path,
	duration = EXCLUDED.duration,
	tags = EXCLUDED.tags
`
	_, err := s.db.ExecContext(ctx, q, videoID, pgvector.NewVector(embedding), videoPath, duration, pqTextArray(tags))
	if err != nil {
		return models.NewError(models.KindResourceError, "upsert vector index row", err)
	}
	return nil
}

// Delete removes a video's vector row. Absence is not an error: delete is
// idempotent.
func (s *Store) Delete(ctx context.Context, videoID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vector_index WHERE video_id = $1`, videoID)
	if err != nil {
		return models.NewError(models.KindResourceError, "delete vector index row", err)
	}
	return nil
}

// Exists reports whether videoID has a stored vector.
func (s *Store) Exists(ctx context.Context, videoID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM vector_index WHERE video_id = $1)`, videoID).Scan(&exists)
	if err != nil {
		return false, models.NewError(models.KindResourceError, "check vector index row", err)
	}
	return exists, nil
}

// Count returns the number of indexed vectors.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM vector_index`).Scan(&n); err != nil {
		return 0, models.NewError(models.KindResourceError, "count vector index rows", err)
	}
	return n, nil
}

// Filter narrows a Search call by duration range and required tags.
type Filter struct {
	MinDuration float64
	MaxDuration float64 // 0 means unbounded
	Tags        []string
}

// Candidate is one ANN search hit, with similarity already converted from
// pgvector's cosine distance: (2 - distance) / 2, clipped to [0, 1].
type Candidate struct {
	VideoID    string
	VideoPath  string
	Duration   float64
	Similarity float32
}

// Search returns the topK nearest neighbors of query by cosine distance,
// with filters pushed into the WHERE clause ahead of the ORDER BY/LIMIT.
// Ties are broken by video_id ascending.
func (s *Store) Search(ctx context.Context, query []float32, topK int, filter Filter) ([]Candidate, error) {
	if len(query) != EmbeddingDimension {
		return nil, models.NewError(models.KindInternal, fmt.Sprintf("query dimension %d != %d", len(query), EmbeddingDimension), nil)
	}
	if topK <= 0 {
		return nil, nil
	}

	var conds []string
	args := []interface{}{pgvector.NewVector(query)}
	argN := 2

	if filter.MinDuration > 0 {
		conds = append(conds, fmt.Sprintf("duration >= $%d", argN))
		args = append(args, filter.MinDuration)
		argN++
	}
	if filter.MaxDuration > 0 {
		conds = append(conds, fmt.Sprintf("duration <= $%d", argN))
		args = append(args, filter.MaxDuration)
		argN++
	}
	if len(filter.Tags) > 0 {
		conds = append(conds, fmt.Sprintf("tags && $%d", argN))
		args = append(args, pqTextArray(filter.Tags))
		argN++
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, topK)

	q := fmt.Sprintf(`
SELECT video_id, video_path, duration, embedding <=> $1 AS distance
FROM vector_index
%s
ORDER BY distance ASC, video_id ASC
LIMIT $%d
`, where, argN)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, models.NewError(models.KindResourceError, "search vector index", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var distance float64
		if err := rows.Scan(&c.VideoID, &c.VideoPath, &c.Duration, &distance); err != nil {
			return nil, models.NewError(models.KindResourceError, "scan vector index row", err)
		}
		c.Similarity = similarityFromDistance(distance)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, models.NewError(models.KindResourceError, "iterate vector index rows", err)
	}
	return out, nil
}

func similarityFromDistance(distance float64) float32 {
	s := (2 - distance) / 2
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return float32(s)
}

func pqTextArray(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	quoted := make([]string, len(tags))
	for i, t := range tags {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(quoted, ",") + "}"
}
