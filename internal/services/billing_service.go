package services

import (
	"context"

	pgrepo "github.com/speaklab/speaklab/internal/repositories/postgres"
	"github.com/speaklab/speaklab/internal/utils"

	"github.com/sirupsen/logrus"
)

// BillingService deducts usage from the owner's minute balance. Per-session
// idempotency is guaranteed by the caller's end-once guard, not here.
type BillingService interface {
	DeductMinutes(ctx context.Context, userID, sessionID string, minutes int64) (remaining int64, err error)
}

type billingService struct {
	profiles pgrepo.ProfileRepository
	log      *logrus.Logger
}

func NewBillingService(profiles pgrepo.ProfileRepository, log *logrus.Logger) BillingService {
	return &billingService{profiles: profiles, log: log}
}

func (s *billingService) DeductMinutes(ctx context.Context, userID, sessionID string, minutes int64) (int64, error) {
	const op = "BillingService.DeductMinutes"

	if userID == "" || minutes <= 0 {
		return 0, utils.E(utils.CodeInvalidArgument, op, "user id and a positive minute count are required", nil)
	}

	remaining, err := s.profiles.DeductMinutes(ctx, userID, minutes)
	if err != nil {
		return 0, utils.E(utils.CodeInternal, op, "failed to deduct minutes", err)
	}

	s.log.WithFields(logrus.Fields{
		"user_id":    userID,
		"session_id": sessionID,
		"minutes":    minutes,
		"remaining":  remaining,
	}).Info("minutes deducted")
	return remaining, nil
}
