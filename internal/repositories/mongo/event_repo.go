package mongo

import (
	"context"
	"time"

	"github.com/speaklab/speaklab/internal/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type EventRepository interface {
	InsertBatch(ctx context.Context, events []models.ProtocolEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.ProtocolEvent, error)
}

type eventRepo struct {
	col *mongo.Collection
	ttl time.Duration
}

func NewEventRepo(db *mongo.Database, ttl time.Duration) EventRepository {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &eventRepo{col: db.Collection("protocol_events"), ttl: ttl}
}

func (r *eventRepo) InsertBatch(ctx context.Context, events []models.ProtocolEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now().UTC()
	docs := make([]any, 0, len(events))
	for i := range events {
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = now
		}
		events[i].ExpiresAt = now.Add(r.ttl)
		docs = append(docs, events[i])
	}
	_, err := r.col.InsertMany(ctx, docs)
	return err
}

func (r *eventRepo) ListBySession(ctx context.Context, sessionID string, limit int64) ([]models.ProtocolEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(limit)
	cur, err := r.col.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.ProtocolEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
