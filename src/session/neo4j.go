package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

// Neo4jAccessMode controls whether a session is opened for read or write operations.
type Neo4jAccessMode string

const (
	AccessModeWrite Neo4jAccessMode = "write"
	AccessModeRead  Neo4jAccessMode = "read"
)

// Neo4jSessionConfig mirrors the minimal subset of Neo4j session configuration we require.
type Neo4jSessionConfig struct {
	AccessMode   Neo4jAccessMode
	DatabaseName string
}

// neo4jDriver abstracts the driver capabilities used by the store so tests
// can provide lightweight fakes.
type neo4jDriver interface {
	NewSession(ctx context.Context, config Neo4jSessionConfig) (neo4jSession, error)
	Close(ctx context.Context) error
}

type neo4jSession interface {
	Run(ctx context.Context, query string, params map[string]any) (neo4jResult, error)
	Close(ctx context.Context) error
}

type neo4jResult interface {
	Next(ctx context.Context) bool
	Record() neo4jRecord
	Err() error
}

type neo4jRecord interface {
	Get(key string) (any, bool)
}

// Neo4jStore keeps each session as a graph: (:Session)-[:HAS_EVENT]->(:Event)
// and (:Session)-[:HAS_SUMMARY]->(:Summary).
type Neo4jStore struct {
	driver   neo4jDriver
	database string
	now      func() time.Time
}

var (
	_ Log          = (*Neo4jStore)(nil)
	_ SummaryStore = (*Neo4jStore)(nil)
)

func NewNeo4jStore(driver neo4jDriver, database string) (*Neo4jStore, error) {
	if driver == nil {
		return nil, errors.New("neo4j driver is nil")
	}
	return &Neo4jStore{driver: driver, database: database, now: time.Now}, nil
}

const (
	cypherAppendEvent = `
MERGE (s:Session {id: $session_id})
CREATE (e:Event {id: $id, session_id: $session_id, user_id: $user_id, kind: $kind, turn: $turn,
                 role: $role, content: $content, timestamp: $timestamp, metadata: $metadata})
CREATE (s)-[:HAS_EVENT]->(e)`

	cypherRecentEvents = `
MATCH (e:Event {session_id: $session_id})
RETURN e.id AS id, e.user_id AS user_id, e.kind AS kind, e.turn AS turn, e.role AS role,
       e.content AS content, e.timestamp AS timestamp, e.metadata AS metadata
ORDER BY timestamp DESC, turn DESC, kind DESC
LIMIT $limit`

	cypherGetEvent = `
MATCH (e:Event {id: $id})
RETURN e.id AS id, e.session_id AS session_id, e.user_id AS user_id, e.kind AS kind, e.turn AS turn,
       e.role AS role, e.content AS content, e.timestamp AS timestamp, e.metadata AS metadata`

	cypherCountEvents = `
MATCH (e:Event {session_id: $session_id})
WHERE $kind = '' OR e.kind = $kind
RETURN count(e) AS n`

	cypherAppendSummary = `
MERGE (m:Summary {session_id: $session_id, pair_count: $pair_count})
ON CREATE SET m.id = $id, m.created_at = $created_at, m.text = $text,
              m.message_count = $message_count, m.method = $method
WITH m
MERGE (s:Session {id: $session_id})
MERGE (s)-[:HAS_SUMMARY]->(m)
RETURN m.id = $id AS created, m.id AS id, m.created_at AS created_at, m.text AS text,
       m.message_count AS message_count, m.method AS method`

	cypherSummaries = `
MATCH (:Session {id: $session_id})-[:HAS_SUMMARY]->(m:Summary)
RETURN m.id AS id, m.created_at AS created_at, m.text AS text, m.message_count AS message_count,
       m.pair_count AS pair_count, m.method AS method
ORDER BY pair_count DESC
LIMIT $limit`
)

var neo4jConstraints = []string{
	`CREATE CONSTRAINT event_id IF NOT EXISTS FOR (e:Event) REQUIRE e.id IS UNIQUE`,
	`CREATE CONSTRAINT summary_pair IF NOT EXISTS FOR (m:Summary) REQUIRE (m.session_id, m.pair_count) IS UNIQUE`,
}

// noLimit stands in for "all rows" since Cypher LIMIT needs a value.
const noLimit = int64(1 << 62)

func (s *Neo4jStore) run(ctx context.Context, mode Neo4jAccessMode, query string, params map[string]any, each func(neo4jRecord) error) error {
	sess, err := s.driver.NewSession(ctx, Neo4jSessionConfig{AccessMode: mode, DatabaseName: s.database})
	if err != nil {
		return fmt.Errorf("neo4j session: %w", err)
	}
	defer sess.Close(ctx)
	res, err := sess.Run(ctx, query, params)
	if err != nil {
		return err
	}
	for res.Next(ctx) {
		if each == nil {
			continue
		}
		if err := each(res.Record()); err != nil {
			return err
		}
	}
	return res.Err()
}

// EnsureConstraints creates the uniqueness constraints that keep concurrent
// summary MERGEs from producing two nodes for one pair count.
func (s *Neo4jStore) EnsureConstraints(ctx context.Context) error {
	for _, q := range neo4jConstraints {
		if err := s.run(ctx, AccessModeWrite, q, nil, nil); err != nil {
			return fmt.Errorf("neo4j constraint: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) Append(ctx context.Context, ev Event) (Event, error) {
	ev = normalize(ev, s.now())
	meta := ""
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return Event{}, err
		}
		meta = string(b)
	}
	err := s.run(ctx, AccessModeWrite, cypherAppendEvent, map[string]any{
		"id":         ev.ID,
		"session_id": ev.SessionID,
		"user_id":    ev.UserID,
		"kind":       string(ev.Kind),
		"turn":       int64(ev.Turn),
		"role":       string(ev.Role),
		"content":    ev.Content,
		"timestamp":  ev.Timestamp.UnixNano(),
		"metadata":   meta,
	}, nil)
	if err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (s *Neo4jStore) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	lim := noLimit
	if limit > 0 {
		lim = int64(limit)
	}
	var out []Event
	err := s.run(ctx, AccessModeRead, cypherRecentEvents, map[string]any{
		"session_id": sessionID,
		"limit":      lim,
	}, func(rec neo4jRecord) error {
		ev := eventFromRecord(rec)
		ev.SessionID = sessionID
		out = append(out, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	chronological(out)
	return out, nil
}

func (s *Neo4jStore) Get(ctx context.Context, id string) (Event, error) {
	var (
		ev    Event
		found bool
	)
	err := s.run(ctx, AccessModeRead, cypherGetEvent, map[string]any{"id": id}, func(rec neo4jRecord) error {
		ev = eventFromRecord(rec)
		ev.SessionID = stringValue(rec, "session_id")
		found = true
		return nil
	})
	if err != nil {
		return Event{}, err
	}
	if !found {
		return Event{}, ErrNotFound
	}
	return ev, nil
}

func (s *Neo4jStore) Count(ctx context.Context, sessionID string, kind Kind) (int, error) {
	var n int64
	err := s.run(ctx, AccessModeRead, cypherCountEvents, map[string]any{
		"session_id": sessionID,
		"kind":       string(kind),
	}, func(rec neo4jRecord) error {
		n = intValue(rec, "n")
		return nil
	})
	return int(n), err
}

func (s *Neo4jStore) AppendSummary(ctx context.Context, sum Summary) (Summary, error) {
	sum = normalizeSummary(sum, s.now())
	created := true
	stored := sum
	err := s.run(ctx, AccessModeWrite, cypherAppendSummary, map[string]any{
		"id":            sum.ID,
		"session_id":    sum.SessionID,
		"pair_count":    int64(sum.PairCount),
		"created_at":    sum.CreatedAt.UnixNano(),
		"text":          sum.Text,
		"message_count": int64(sum.MessageCount),
		"method":        sum.Method,
	}, func(rec neo4jRecord) error {
		if v, ok := rec.Get("created"); ok {
			if b, ok := v.(bool); ok {
				created = b
			}
		}
		if !created {
			stored = summaryFromRecord(rec)
			stored.SessionID = sum.SessionID
			stored.PairCount = sum.PairCount
		}
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	if !created {
		return stored, ErrDuplicateSummary
	}
	return sum, nil
}

func (s *Neo4jStore) Summaries(ctx context.Context, sessionID string, limit int) ([]Summary, error) {
	lim := noLimit
	if limit > 0 {
		lim = int64(limit)
	}
	var out []Summary
	err := s.run(ctx, AccessModeRead, cypherSummaries, map[string]any{
		"session_id": sessionID,
		"limit":      lim,
	}, func(rec neo4jRecord) error {
		sum := summaryFromRecord(rec)
		sum.SessionID = sessionID
		sum.PairCount = int(intValue(rec, "pair_count"))
		out = append(out, sum)
		return nil
	})
	return out, err
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

func eventFromRecord(rec neo4jRecord) Event {
	ev := Event{
		ID:        stringValue(rec, "id"),
		UserID:    stringValue(rec, "user_id"),
		Kind:      Kind(stringValue(rec, "kind")),
		Turn:      int(intValue(rec, "turn")),
		Role:      model.Role(stringValue(rec, "role")),
		Content:   stringValue(rec, "content"),
		Timestamp: time.Unix(0, intValue(rec, "timestamp")).UTC(),
	}
	if raw := stringValue(rec, "metadata"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &ev.Metadata)
	}
	return ev
}

func summaryFromRecord(rec neo4jRecord) Summary {
	return Summary{
		ID:           stringValue(rec, "id"),
		CreatedAt:    time.Unix(0, intValue(rec, "created_at")).UTC(),
		Text:         stringValue(rec, "text"),
		MessageCount: int(intValue(rec, "message_count")),
		Method:       stringValue(rec, "method"),
	}
}

func stringValue(rec neo4jRecord, key string) string {
	if rec == nil {
		return ""
	}
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

func intValue(rec neo4jRecord, key string) int64 {
	if rec == nil {
		return 0
	}
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}
