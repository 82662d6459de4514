package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Protocol-Lattice/go-assistant/src/memory/model"
)

// MongoStore implements VectorStore on MongoDB Atlas Vector Search. The
// collection needs a vector index named by IndexName on "embedding" with
// session_id and user_id declared as filter fields.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	IndexName  string

	mu  sync.Mutex
	dim int
}

const mongoCloseTimeout = 5 * time.Second

type mongoEmbeddingDocument struct {
	ID        string    `bson:"_id"`
	SessionID string    `bson:"session_id"`
	UserID    string    `bson:"user_id"`
	Position  int       `bson:"position"`
	Role      string    `bson:"role"`
	Text      string    `bson:"text"`
	Embedding []float64 `bson:"embedding"`
	CreatedAt time.Time `bson:"created_at"`
	Score     float64   `bson:"score,omitempty"`
}

func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}
	if database == "" {
		return nil, errors.New("mongo database name is required")
	}
	if collection == "" {
		return nil, errors.New("mongo collection name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		IndexName:  "vector_index",
	}, nil
}

func (ms *MongoStore) Append(ctx context.Context, rec model.EmbeddingRecord) error {
	if len(rec.Vector) == 0 {
		return errors.New("embedding vector is empty")
	}
	if err := ms.ensureDimension(ctx, len(rec.Vector)); err != nil {
		return err
	}
	_, err := ms.collection.InsertOne(ctx, documentFromRecord(rec))
	return err
}

func (ms *MongoStore) Nearest(ctx context.Context, query []float32, f Filter, limit int) ([]model.Scored, error) {
	if limit <= 0 {
		return nil, nil
	}
	dim, err := ms.storedDimension(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkDimension(dim, len(query)); err != nil {
		return nil, err
	}

	search := bson.D{
		{Key: "index", Value: ms.IndexName},
		{Key: "path", Value: "embedding"},
		{Key: "queryVector", Value: float64Embedding(query)},
		{Key: "numCandidates", Value: int64(limit * 10)},
		{Key: "limit", Value: int64(limit)},
	}
	if filter := vectorSearchFilter(f); len(filter) > 0 {
		search = append(search, bson.E{Key: "filter", Value: filter})
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: search}},
		{{Key: "$addFields", Value: bson.D{{Key: "score", Value: bson.D{{Key: "$meta", Value: "vectorSearchScore"}}}}}},
	}

	cursor, err := ms.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []model.Scored
	for cursor.Next(ctx) {
		var doc mongoEmbeddingDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		rec := doc.toRecord()
		out = append(out, model.Scored{Record: rec, Similarity: model.CosineSimilarity(query, rec.Vector)})
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	SortScored(out)
	return out, nil
}

func (ms *MongoStore) Count(ctx context.Context, f Filter) (int, error) {
	n, err := ms.collection.CountDocuments(ctx, matchFilter(f))
	return int(n), err
}

func (ms *MongoStore) storedDimension(ctx context.Context) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.dim != 0 {
		return ms.dim, nil
	}
	var doc mongoEmbeddingDocument
	err := ms.collection.FindOne(ctx, bson.M{}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ms.dim = len(doc.Embedding)
	return ms.dim, nil
}

func (ms *MongoStore) ensureDimension(ctx context.Context, got int) error {
	dim, err := ms.storedDimension(ctx)
	if err != nil {
		return err
	}
	if err := checkDimension(dim, got); err != nil {
		return err
	}
	ms.mu.Lock()
	if ms.dim == 0 {
		ms.dim = got
	}
	ms.mu.Unlock()
	return nil
}

func (ms *MongoStore) Close(ctx context.Context) error {
	if ms == nil || ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, mongoCloseTimeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}

func vectorSearchFilter(f Filter) bson.D {
	var d bson.D
	if f.SessionID != "" {
		d = append(d, bson.E{Key: "session_id", Value: bson.D{{Key: "$eq", Value: f.SessionID}}})
	}
	if f.UserID != "" {
		d = append(d, bson.E{Key: "user_id", Value: bson.D{{Key: "$eq", Value: f.UserID}}})
	}
	if f.ExcludeSessionID != "" && f.SessionID == "" {
		d = append(d, bson.E{Key: "session_id", Value: bson.D{{Key: "$ne", Value: f.ExcludeSessionID}}})
	}
	return d
}

func matchFilter(f Filter) bson.M {
	m := bson.M{}
	session := bson.M{}
	if f.SessionID != "" {
		session["$eq"] = f.SessionID
	}
	if f.ExcludeSessionID != "" {
		session["$ne"] = f.ExcludeSessionID
	}
	if len(session) > 0 {
		m["session_id"] = session
	}
	if f.UserID != "" {
		m["user_id"] = f.UserID
	}
	return m
}

func documentFromRecord(rec model.EmbeddingRecord) mongoEmbeddingDocument {
	return mongoEmbeddingDocument{
		ID:        rec.ID,
		SessionID: rec.SessionID,
		UserID:    rec.UserID,
		Position:  rec.Position,
		Role:      string(rec.Role),
		Text:      rec.Text,
		Embedding: float64Embedding(rec.Vector),
		CreatedAt: rec.CreatedAt,
	}
}

func (doc mongoEmbeddingDocument) toRecord() model.EmbeddingRecord {
	return model.EmbeddingRecord{
		ID:        doc.ID,
		SessionID: doc.SessionID,
		UserID:    doc.UserID,
		Position:  doc.Position,
		Role:      model.Role(doc.Role),
		Text:      doc.Text,
		Vector:    float32Embedding(doc.Embedding),
		CreatedAt: doc.CreatedAt,
	}
}

func float64Embedding(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

func float32Embedding(vec []float64) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}
