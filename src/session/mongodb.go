package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

// MongoStore persists events, summaries and execution records in three
// collections of one database.
type MongoStore struct {
	client     *mongo.Client
	events     *mongo.Collection
	summaries  *mongo.Collection
	executions *mongo.Collection
	now        func() time.Time
}

const mongoCloseTimeout = 5 * time.Second

type mongoEvent struct {
	ID        string            `bson:"_id"`
	SessionID string            `bson:"session_id"`
	UserID    string            `bson:"user_id"`
	Kind      string            `bson:"kind"`
	Turn      int               `bson:"turn"`
	Role      string            `bson:"role"`
	Content   string            `bson:"content"`
	Timestamp time.Time         `bson:"timestamp"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
}

type mongoSummary struct {
	ID           string    `bson:"_id"`
	SessionID    string    `bson:"session_id"`
	CreatedAt    time.Time `bson:"created_at"`
	Text         string    `bson:"text"`
	MessageCount int       `bson:"message_count"`
	PairCount    int       `bson:"pair_count"`
	Method       string    `bson:"method"`
}

type mongoExecution struct {
	ID           string    `bson:"_id"`
	Agent        string    `bson:"agent"`
	SessionID    string    `bson:"session_id"`
	Start        time.Time `bson:"start"`
	End          time.Time `bson:"end"`
	Status       string    `bson:"status"`
	InputDigest  string    `bson:"input_digest"`
	OutputDigest string    `bson:"output_digest"`
	Error        string    `bson:"error,omitempty"`
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return newMongoStore(client, client.Database(database)), nil
}

func newMongoStore(client *mongo.Client, db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:     client,
		events:     db.Collection("events"),
		summaries:  db.Collection("summaries"),
		executions: db.Collection("executions"),
		now:        time.Now,
	}
}

// EnsureIndexes creates the lookup indexes and the unique (session_id,
// pair_count) index that makes summary creation idempotent.
func (ms *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := ms.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "timestamp", Value: -1}},
	}); err != nil {
		return err
	}
	if _, err := ms.summaries.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "pair_count", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	_, err := ms.executions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "start", Value: 1}},
	})
	return err
}

func (ms *MongoStore) Append(ctx context.Context, ev Event) (Event, error) {
	ev = normalize(ev, ms.now())
	if _, err := ms.events.InsertOne(ctx, toMongoEvent(ev)); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (ms *MongoStore) Events(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "turn", Value: -1}, {Key: "kind", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := ms.events.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []mongoEvent
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toEvent())
	}
	chronological(out)
	return out, nil
}

func (ms *MongoStore) Get(ctx context.Context, id string) (Event, error) {
	var doc mongoEvent
	err := ms.events.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, err
	}
	return doc.toEvent(), nil
}

func (ms *MongoStore) Count(ctx context.Context, sessionID string, kind Kind) (int, error) {
	filter := bson.M{"session_id": sessionID}
	if kind != "" {
		filter["kind"] = string(kind)
	}
	n, err := ms.events.CountDocuments(ctx, filter)
	return int(n), err
}

func (ms *MongoStore) AppendSummary(ctx context.Context, s Summary) (Summary, error) {
	s = normalizeSummary(s, ms.now())
	_, err := ms.summaries.InsertOne(ctx, mongoSummary(s))
	if mongo.IsDuplicateKeyError(err) {
		return s, ErrDuplicateSummary
	}
	if err != nil {
		return Summary{}, err
	}
	return s, nil
}

func (ms *MongoStore) Summaries(ctx context.Context, sessionID string, limit int) ([]Summary, error) {
	opts := options.Find().SetSort(bson.D{{Key: "pair_count", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := ms.summaries.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []mongoSummary
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(docs))
	for _, d := range docs {
		out = append(out, Summary(d))
	}
	return out, nil
}

func (ms *MongoStore) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	_, err := ms.executions.InsertOne(ctx, mongoExecution{
		ID:           rec.ID,
		Agent:        rec.Agent,
		SessionID:    rec.SessionID,
		Start:        rec.Start,
		End:          rec.End,
		Status:       string(rec.Status),
		InputDigest:  rec.InputDigest,
		OutputDigest: rec.OutputDigest,
		Error:        rec.Error,
	})
	return err
}

func (ms *MongoStore) Close(ctx context.Context) error {
	if ms == nil || ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoCloseTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func toMongoEvent(ev Event) mongoEvent {
	return mongoEvent{
		ID:        ev.ID,
		SessionID: ev.SessionID,
		UserID:    ev.UserID,
		Kind:      string(ev.Kind),
		Turn:      ev.Turn,
		Role:      string(ev.Role),
		Content:   ev.Content,
		Timestamp: ev.Timestamp,
		Metadata:  ev.Metadata,
	}
}

func (d mongoEvent) toEvent() Event {
	return Event{
		ID:        d.ID,
		SessionID: d.SessionID,
		UserID:    d.UserID,
		Kind:      Kind(d.Kind),
		Turn:      d.Turn,
		Role:      model.Role(d.Role),
		Content:   d.Content,
		Timestamp: d.Timestamp,
		Metadata:  d.Metadata,
	}
}

var (
	_ Log           = (*MongoStore)(nil)
	_ SummaryStore  = (*MongoStore)(nil)
	_ ExecutionSink = (*MongoStore)(nil)
)
