package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
	SessionErrored SessionStatus = "errored"
)

// Session is one tutoring conversation. Ownership and configuration fields are
// immutable after creation; the bridge mutates status, transcript, and the
// timing fields over the session's lifetime.
type Session struct {
	ID          string  `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	OwnerUserID string  `gorm:"column:owner_user_id;type:uuid;index" json:"owner_user_id"`
	StudentID   *string `gorm:"column:student_id;type:uuid" json:"student_id,omitempty"`

	// Language and AgeGroup are validated against supportedLanguages and
	// supportedAgeGroups at creation.
	Language string `gorm:"column:language;type:text" json:"language"`
	AgeGroup string `gorm:"column:age_group;type:text" json:"age_group"`
	Subject  string `gorm:"column:subject;type:text" json:"subject"`

	PinnedDocumentIDs pq.StringArray `gorm:"column:pinned_document_ids;type:text[]" json:"pinned_document_ids"`

	// bcrypt hash of the single-use connect token; NULL once consumed.
	AuthTokenHash *string `gorm:"column:auth_token_hash;type:text" json:"-"`

	Status SessionStatus `gorm:"column:status;type:text" json:"status"`

	// Frozen snapshot of the full transcript, written once at session end.
	// Individual turns are rows in transcript_turns while the session is live.
	Transcript datatypes.JSON `gorm:"column:transcript;type:jsonb" json:"transcript,omitempty"`

	StartedAt       *time.Time `gorm:"column:started_at;type:timestamptz" json:"started_at,omitempty"`
	EndedAt         *time.Time `gorm:"column:ended_at;type:timestamptz" json:"ended_at,omitempty"`
	DurationMinutes int64      `gorm:"column:duration_minutes" json:"duration_minutes"`

	CreatedAt time.Time `gorm:"column:created_at;type:timestamptz" json:"created_at"`
}

func (Session) TableName() string { return "sessions" }

var supportedLanguages = map[string]struct{}{"en": {}, "es": {}, "fr": {}}
var supportedAgeGroups = map[string]struct{}{"k-2": {}, "3-5": {}, "6-8": {}, "9-12": {}}

func SupportedLanguage(v string) bool { _, ok := supportedLanguages[v]; return ok }
func SupportedAgeGroup(v string) bool { _, ok := supportedAgeGroups[v]; return ok }

func Languages() []string { return []string{"en", "es", "fr"} }
func AgeGroups() []string { return []string{"k-2", "3-5", "6-8", "9-12"} }
