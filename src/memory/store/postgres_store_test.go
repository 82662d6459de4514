package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

func TestTrimJSON(t *testing.T) {
	cases := map[string]string{
		"[1,2,3]":     "1,2,3",
		"[[nested]]":  "nested",
		"no brackets": "no brackets",
	}
	for input, want := range cases {
		if got := trimJSON(input); got != want {
			t.Fatalf("trimJSON(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestVectorLiteralParses(t *testing.T) {
	lit := vectorLiteral([]float32{0.5, -1, 2})
	if lit != "[0.5,-1,2]" {
		t.Fatalf("unexpected literal %q", lit)
	}
	vec := parseVector(lit)
	if len(vec) != 3 || vec[0] != 0.5 || vec[1] != -1 || vec[2] != 2 {
		t.Fatalf("unexpected vector %v", vec)
	}
	if parseVector("[]") != nil {
		t.Fatalf("expected nil for empty vector")
	}
}

// Runs against a live pgvector database when ASSISTANT_TEST_POSTGRES_DSN is set.
func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("ASSISTANT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("ASSISTANT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	ps, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ps.Close()
	if err := ps.CreateSchema(ctx, ""); err != nil {
		t.Fatalf("schema: %v", err)
	}
	session := uuid.NewString()
	r := model.EmbeddingRecord{
		ID:        uuid.NewString(),
		SessionID: session,
		UserID:    "u",
		Role:      model.RoleUser,
		Text:      "hello",
		Vector:    make([]float32, 3),
		CreatedAt: time.Now().UTC(),
	}
	r.Vector[0] = 1
	if err := ps.Append(ctx, r); err != nil {
		t.Skipf("append failed (table may hold other dimensions): %v", err)
	}
	got, err := ps.Nearest(ctx, []float32{1, 0, 0}, Filter{SessionID: session}, 5)
	if err != nil {
		t.Fatalf("nearest: %v", err)
	}
	if len(got) != 1 || got[0].Record.ID != r.ID {
		t.Fatalf("unexpected results %+v", got)
	}
	n, err := ps.Count(ctx, Filter{SessionID: session})
	if err != nil || n != 1 {
		t.Fatalf("count = %d, %v", n, err)
	}
}
