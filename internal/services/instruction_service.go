package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/speaklab/speaklab/internal/models"
	pgrepo "github.com/speaklab/speaklab/internal/repositories/postgres"

	"github.com/sirupsen/logrus"
)

// MinInstructionLength is the remote API's floor for the instructions field.
// The builder pads with generic guidance rather than ever going under it.
const MinInstructionLength = 200

type Instructions struct {
	Instructions    string
	DocumentContext string // empty when no documents are pinned or the fetch failed
}

// InstructionService builds the tutoring persona prompt for a session. It
// never fails: missing profile or document data degrades to generic text so
// the voice session can still proceed.
type InstructionService interface {
	Build(ctx context.Context, sess *models.Session) Instructions
}

type instructionService struct {
	profiles pgrepo.ProfileRepository
	docs     ContextService
	log      *logrus.Logger
}

func NewInstructionService(profiles pgrepo.ProfileRepository, docs ContextService, log *logrus.Logger) InstructionService {
	return &instructionService{profiles: profiles, docs: docs, log: log}
}

var ageLabels = map[string]string{
	"k-2":  "kindergarten through 2nd grade",
	"3-5":  "3rd through 5th grade",
	"6-8":  "middle school",
	"9-12": "high school",
}

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish",
	"fr": "French",
}

const paddingGuidance = " Keep your answers short and conversational, one idea at a time. " +
	"Ask a question after each explanation to check understanding. " +
	"If the student is confused, try a simpler example before repeating yourself. " +
	"Encourage effort, never mock mistakes, and keep the tone warm and patient."

func (s *instructionService) Build(ctx context.Context, sess *models.Session) Instructions {
	name := s.studentName(ctx, sess)

	ageLabel := ageLabels[sess.AgeGroup]
	if ageLabel == "" {
		ageLabel = "elementary school"
	}
	langName := languageNames[sess.Language]
	if langName == "" {
		langName = "English"
	}
	subject := strings.TrimSpace(sess.Subject)
	if subject == "" {
		subject = "today's lesson"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are a friendly voice tutor speaking %s with %s, a %s student. ", langName, name, ageLabel)
	fmt.Fprintf(&b, "Today's subject is %s. Teach by asking guiding questions instead of giving answers away, and adjust your vocabulary to the student's level.", subject)

	for b.Len() < MinInstructionLength {
		b.WriteString(paddingGuidance)
	}

	out := Instructions{Instructions: b.String()}

	if len(sess.PinnedDocumentIDs) > 0 && s.docs != nil {
		docCtx, err := s.docs.GetDocumentContext(ctx, sess.OwnerUserID, sess.Subject, sess.PinnedDocumentIDs)
		if err != nil {
			// tutoring is the essential part; document context is not
			s.log.WithError(err).WithField("session_id", sess.ID).Warn("document context unavailable")
		} else {
			out.DocumentContext = docCtx
		}
	}
	return out
}

func (s *instructionService) studentName(ctx context.Context, sess *models.Session) string {
	userID := sess.OwnerUserID
	if sess.StudentID != nil && *sess.StudentID != "" {
		userID = *sess.StudentID
	}

	if s.profiles != nil {
		p, err := s.profiles.GetByUserID(ctx, userID)
		if err == nil && strings.TrimSpace(p.DisplayName) != "" {
			return strings.TrimSpace(p.DisplayName)
		}
		if err != nil {
			s.log.WithError(err).WithField("session_id", sess.ID).Debug("profile lookup failed, using generic name")
		}
	}
	return "your student"
}
