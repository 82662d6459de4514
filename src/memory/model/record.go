package model

import "time"

// Role identifies who authored a message in a conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// EmbeddingRecord is one embedded conversation message. Records are written
// once by the memory subsystem and never mutated afterwards.
type EmbeddingRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Position  int       `json:"position"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	CreatedAt time.Time `json:"created_at"`
}

// Scored pairs a record with its similarity to a query vector.
type Scored struct {
	Record     EmbeddingRecord `json:"record"`
	Similarity float64         `json:"similarity"`
}

// Newer reports whether a was written after b. Equal timestamps fall back to
// the conversation position so ordering stays deterministic.
func Newer(a, b EmbeddingRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.Position > b.Position
}

// Message is one conversation message as supplied by a caller or read back
// from the session log.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
