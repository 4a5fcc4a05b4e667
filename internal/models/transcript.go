package models

import (
	"time"

	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// TranscriptTurn is one spoken turn, appended in the order the remote API
// emitted it. Append-only while the session is active, frozen at end.
type TranscriptTurn struct {
	ID        string         `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	SessionID string         `gorm:"column:session_id;type:uuid;index" json:"session_id"`
	UserID    string         `gorm:"column:user_id;type:uuid;index" json:"user_id"`
	Role      string         `gorm:"column:role;type:text" json:"role"` // "user" | "assistant"
	Content   string         `gorm:"column:content;type:text" json:"content"`
	EmittedAt time.Time      `gorm:"column:emitted_at;type:timestamptz;index" json:"emitted_at"`
	Metadata  datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
}

func (TranscriptTurn) TableName() string { return "transcript_turns" }
