package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/suPer8Hu/videogen-platform/internal/ledger"
	"github.com/suPer8Hu/videogen-platform/internal/logger"
)

var ErrSessionOwner = errors.New("payment session belongs to another user")

// Verifier checks a payment session with the provider.
type Verifier interface {
	VerifySession(ctx context.Context, sessionID string) (*Session, error)
}

type Service struct {
	verifier Verifier
	ledger   *ledger.Ledger
}

func NewService(v Verifier, l *ledger.Ledger) *Service {
	return &Service{verifier: v, ledger: l}
}

type Confirmation struct {
	Credits int  `json:"credits"`
	Applied bool `json:"applied"`
	Balance int  `json:"balance"`
}

// Confirm credits a paid session once. Replays report Applied=false.
func (s *Service) Confirm(ctx context.Context, userID uint64, sessionID string) (*Confirmation, error) {
	sess, err := s.verifier.VerifySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionOwner
	}
	if !sess.Paid {
		return nil, ErrNotPaid
	}

	applied, err := s.ledger.Credit(ctx, userID, sess.Credits, sess.SessionRef)
	if err != nil {
		return nil, fmt.Errorf("credit purchase: %w", err)
	}
	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).WithFields(logrus.Fields{
		"user_id":     userID,
		"session_ref": sess.SessionRef,
		"credits":     sess.Credits,
		"applied":     applied,
	}).Info("payment confirmed")

	return &Confirmation{Credits: sess.Credits, Applied: applied, Balance: balance}, nil
}
