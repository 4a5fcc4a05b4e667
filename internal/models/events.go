package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ProtocolEvent is one entry of a session's diagnostics ring, flushed to Mongo
// when a bridge tears down on error. Expired by TTL index.
type ProtocolEvent struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	SessionID string             `bson:"session_id" json:"session_id"`
	Seq       int64              `bson:"seq" json:"seq"`
	EventType string             `bson:"event_type" json:"event_type"`
	Detail    string             `bson:"detail,omitempty" json:"detail,omitempty"`
	Timestamp time.Time          `bson:"timestamp" json:"timestamp"`

	ExpiresAt time.Time `bson:"expires_at" json:"expires_at"` // for TTL index
}
