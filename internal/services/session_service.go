package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/speaklab/speaklab/internal/models"
	pgrepo "github.com/speaklab/speaklab/internal/repositories/postgres"
	"github.com/speaklab/speaklab/internal/utils"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type StartSessionInput struct {
	StudentID         *string
	Language          string
	AgeGroup          string
	Subject           string
	PinnedDocumentIDs []string
}

type BillingResult struct {
	MinutesCharged   int64
	RemainingMinutes int64
	AlreadyEnded     bool
}

// SessionService is the durable-store surface the bridge works against.
// Everything else about a session (plan, balance) is the billing
// collaborator's business.
type SessionService interface {
	Start(ctx context.Context, ownerUserID string, in StartSessionInput) (*models.Session, string, error)
	Get(ctx context.Context, sessionID string) (*models.Session, error)

	// ValidateToken authenticates a connect attempt and consumes the
	// single-use token. At most one caller can ever succeed per session.
	ValidateToken(ctx context.Context, sessionID, token string) (*models.Session, error)

	MarkActive(ctx context.Context, sessionID string, startedAt time.Time) error
	AppendTranscript(ctx context.Context, sessionID, userID string, turn models.TranscriptTurn) error

	// Transcript returns the persisted turns in emission order.
	Transcript(ctx context.Context, sessionID string, limit int) ([]models.TranscriptTurn, error)

	// EndSession freezes the transcript, records the duration, and deducts
	// minutes. Idempotent: later calls return AlreadyEnded without billing.
	EndSession(ctx context.Context, sessionID, userID string, transcript []models.TranscriptTurn, status models.SessionStatus, endedAt time.Time, durationMinutes int64) (*BillingResult, error)
}

type sessionService struct {
	sessions    pgrepo.SessionRepository
	transcripts pgrepo.TranscriptRepository
	billing     BillingService
}

func NewSessionService(sessions pgrepo.SessionRepository, transcripts pgrepo.TranscriptRepository, billing BillingService) SessionService {
	return &sessionService{sessions: sessions, transcripts: transcripts, billing: billing}
}

func (s *sessionService) Start(ctx context.Context, ownerUserID string, in StartSessionInput) (*models.Session, string, error) {
	const op = "SessionService.Start"

	if ownerUserID == "" {
		return nil, "", utils.E(utils.CodeInvalidArgument, op, "owner user id is required", nil)
	}
	if !models.SupportedLanguage(in.Language) {
		return nil, "", utils.E(utils.CodeInvalidArgument, op, "unsupported language", nil)
	}
	if !models.SupportedAgeGroup(in.AgeGroup) {
		return nil, "", utils.E(utils.CodeInvalidArgument, op, "unsupported age group", nil)
	}

	rawToken, tokenHash, err := utils.NewAuthToken()
	if err != nil {
		return nil, "", utils.E(utils.CodeInternal, op, "failed to mint auth token", err)
	}

	sess := &models.Session{
		ID:                uuid.NewString(),
		OwnerUserID:       ownerUserID,
		StudentID:         in.StudentID,
		Language:          in.Language,
		AgeGroup:          in.AgeGroup,
		Subject:           in.Subject,
		PinnedDocumentIDs: in.PinnedDocumentIDs,
		AuthTokenHash:     &tokenHash,
		Status:            models.SessionPending,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, "", utils.E(utils.CodeInternal, op, "failed to create session", err)
	}
	return sess, rawToken, nil
}

func (s *sessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	const op = "SessionService.Get"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session id is required", nil)
	}
	out, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeNotFound, op, "session not found", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to get session", err)
	}
	return out, nil
}

func (s *sessionService) ValidateToken(ctx context.Context, sessionID, token string) (*models.Session, error) {
	const op = "SessionService.ValidateToken"

	if sessionID == "" || token == "" {
		return nil, utils.E(utils.CodeUnauthorized, op, "missing token", nil)
	}

	sess, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, utils.ErrNotFound) {
			return nil, utils.E(utils.CodeUnauthorized, op, "unknown session", err)
		}
		return nil, utils.E(utils.CodeInternal, op, "failed to load session", err)
	}

	if sess.Status != models.SessionPending || sess.AuthTokenHash == nil {
		return nil, utils.E(utils.CodeUnauthorized, op, "token already used", nil)
	}
	if err := utils.CheckAuthToken(*sess.AuthTokenHash, token); err != nil {
		return nil, utils.E(utils.CodeUnauthorized, op, "invalid token", nil)
	}

	// the UPDATE guard decides races between concurrent connects
	consumed, err := s.sessions.ConsumeToken(ctx, sessionID)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to consume token", err)
	}
	if !consumed {
		return nil, utils.E(utils.CodeUnauthorized, op, "token already used", nil)
	}

	sess.AuthTokenHash = nil
	return sess, nil
}

func (s *sessionService) MarkActive(ctx context.Context, sessionID string, startedAt time.Time) error {
	const op = "SessionService.MarkActive"

	if sessionID == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session id is required", nil)
	}
	if err := s.sessions.MarkActive(ctx, sessionID, startedAt); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to mark session active", err)
	}
	return nil
}

func (s *sessionService) AppendTranscript(ctx context.Context, sessionID, userID string, turn models.TranscriptTurn) error {
	const op = "SessionService.AppendTranscript"

	if sessionID == "" || turn.Role == "" || turn.Content == "" {
		return utils.E(utils.CodeInvalidArgument, op, "session id, role, and content are required", nil)
	}
	if turn.ID == "" {
		turn.ID = uuid.NewString()
	}
	turn.SessionID = sessionID
	turn.UserID = userID
	if turn.EmittedAt.IsZero() {
		turn.EmittedAt = time.Now().UTC()
	}
	if err := s.transcripts.Append(ctx, &turn); err != nil {
		return utils.E(utils.CodeInternal, op, "failed to append transcript turn", err)
	}
	return nil
}

func (s *sessionService) Transcript(ctx context.Context, sessionID string, limit int) ([]models.TranscriptTurn, error) {
	const op = "SessionService.Transcript"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session id is required", nil)
	}
	turns, err := s.transcripts.ListBySession(ctx, sessionID, limit)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to list transcript turns", err)
	}
	return turns, nil
}

func (s *sessionService) EndSession(ctx context.Context, sessionID, userID string, transcript []models.TranscriptTurn, status models.SessionStatus, endedAt time.Time, durationMinutes int64) (*BillingResult, error) {
	const op = "SessionService.EndSession"

	if sessionID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "session id is required", nil)
	}
	if status != models.SessionEnded && status != models.SessionErrored {
		return nil, utils.E(utils.CodeInvalidArgument, op, "status must be terminal", nil)
	}
	if durationMinutes < 0 {
		durationMinutes = 0
	}

	snapshot, err := json.Marshal(transcript)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to encode transcript", err)
	}

	ended, err := s.sessions.End(ctx, sessionID, status, endedAt, durationMinutes, datatypes.JSON(snapshot))
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to end session", err)
	}
	if !ended {
		return &BillingResult{AlreadyEnded: true}, nil
	}

	if durationMinutes == 0 {
		return &BillingResult{}, nil
	}

	remaining, err := s.billing.DeductMinutes(ctx, userID, sessionID, durationMinutes)
	if err != nil {
		return nil, utils.E(utils.CodeInternal, op, "failed to deduct minutes", err)
	}
	return &BillingResult{MinutesCharged: durationMinutes, RemainingMinutes: remaining}, nil
}
