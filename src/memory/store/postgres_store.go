package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

// PostgresStore implements VectorStore using Postgres + pgvector.
type PostgresStore struct {
	DB *pgxpool.Pool

	mu  sync.Mutex
	dim int
}

// NewPostgresStore connects to Postgres and returns a Postgres-backed VectorStore implementation.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return &PostgresStore{DB: db}, nil
}

func (ps *PostgresStore) Append(ctx context.Context, rec model.EmbeddingRecord) error {
	if len(rec.Vector) == 0 {
		return errors.New("embedding vector is empty")
	}
	if err := ps.ensureDimension(ctx, len(rec.Vector)); err != nil {
		return err
	}
	_, err := ps.DB.Exec(ctx, `
                INSERT INTO assistant_embeddings (id, session_id, user_id, position, role, text, embedding, created_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8)
        `, rec.ID, rec.SessionID, rec.UserID, rec.Position, string(rec.Role), rec.Text, vectorLiteral(rec.Vector), rec.CreatedAt)
	return err
}

// Nearest ranks with the pgvector cosine distance operator.
func (ps *PostgresStore) Nearest(ctx context.Context, query []float32, f Filter, limit int) ([]model.Scored, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ps.checkQuery(ctx, len(query)); err != nil {
		return nil, err
	}
	rows, err := ps.DB.Query(ctx, `
        SELECT id, session_id, user_id, position, role, text, created_at, embedding::text, 1 - (embedding <=> $1::vector) AS similarity
        FROM assistant_embeddings
        WHERE ($2::text = '' OR session_id = $2)
          AND ($3::text = '' OR user_id = $3)
          AND ($4::text = '' OR session_id <> $4)
        ORDER BY embedding <=> $1::vector, created_at DESC, position DESC
        LIMIT $5;
        `, vectorLiteral(query), f.SessionID, f.UserID, f.ExcludeSessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Scored
	for rows.Next() {
		var (
			rec           model.EmbeddingRecord
			role          string
			embeddingText string
			similarity    float64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.UserID, &rec.Position, &role, &rec.Text, &rec.CreatedAt, &embeddingText, &similarity); err != nil {
			return nil, err
		}
		rec.Role = model.Role(role)
		rec.Vector = parseVector(embeddingText)
		out = append(out, model.Scored{Record: rec, Similarity: similarity})
	}
	return out, rows.Err()
}

func (ps *PostgresStore) Count(ctx context.Context, f Filter) (int, error) {
	var count int
	err := ps.DB.QueryRow(ctx, `
        SELECT COUNT(*) FROM assistant_embeddings
        WHERE ($1::text = '' OR session_id = $1)
          AND ($2::text = '' OR user_id = $2)
          AND ($3::text = '' OR session_id <> $3)
        `, f.SessionID, f.UserID, f.ExcludeSessionID).Scan(&count)
	return count, err
}

// storedDimension reads the dimension fixed by the first stored row, or 0.
func (ps *PostgresStore) storedDimension(ctx context.Context) (int, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.dim != 0 {
		return ps.dim, nil
	}
	var dim int
	err := ps.DB.QueryRow(ctx, `SELECT vector_dims(embedding) FROM assistant_embeddings LIMIT 1`).Scan(&dim)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ps.dim = dim
	return dim, nil
}

func (ps *PostgresStore) ensureDimension(ctx context.Context, got int) error {
	dim, err := ps.storedDimension(ctx)
	if err != nil {
		return err
	}
	if err := checkDimension(dim, got); err != nil {
		return err
	}
	ps.mu.Lock()
	if ps.dim == 0 {
		ps.dim = got
	}
	ps.mu.Unlock()
	return nil
}

func (ps *PostgresStore) checkQuery(ctx context.Context, got int) error {
	dim, err := ps.storedDimension(ctx)
	if err != nil {
		return err
	}
	return checkDimension(dim, got)
}

// CreateSchema ensures the pgvector extension and embeddings table are available.
func (ps *PostgresStore) CreateSchema(ctx context.Context, schemaPath string) error {
	schema := defaultPostgresSchema
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("failed to read schema file: %w", err)
		}
		schema = string(data)
	}
	if _, err := ps.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close releases the underlying Postgres connection pool.
func (ps *PostgresStore) Close() error {
	if ps == nil || ps.DB == nil {
		return nil
	}
	ps.DB.Close()
	return nil
}

func vectorLiteral(vec []float32) string {
	jsonEmbed, _ := json.Marshal(vec)
	return fmt.Sprintf("[%s]", trimJSON(string(jsonEmbed)))
}

func trimJSON(s string) string { return strings.Trim(s, "[]") }

func parseVector(text string) []float32 {
	text = strings.Trim(text, "[]")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		vec = append(vec, float32(f))
	}
	return vec
}

const defaultPostgresSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS assistant_embeddings (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    position INTEGER NOT NULL DEFAULT 0,
    role TEXT NOT NULL,
    text TEXT NOT NULL,
    embedding vector NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS assistant_embeddings_session_idx ON assistant_embeddings (session_id, created_at DESC);
CREATE INDEX IF NOT EXISTS assistant_embeddings_user_idx ON assistant_embeddings (user_id);
`
