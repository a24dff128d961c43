package subscription

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pingx/internal/models"
	"pingx/internal/pkg/utils"
	"pingx/internal/repository"
)

// ErrTopUpNotFound is returned for an unknown top-up id.
var ErrTopUpNotFound = errors.New("top-up not found")

// Balance returns the wallet balance of a user.
func (s *Service) Balance(userID int64) (int64, error) {
	return s.repos.User.Balance(userID)
}

// RequestTopUp records a manual top-up waiting for admin review.
func (s *Service) RequestTopUp(userID, amount int64, note string) (*models.TopUp, error) {
	if amount <= 0 {
		return nil, repository.ErrInvalidAmount
	}
	t := &models.TopUp{UserID: userID, Amount: amount, Note: note}
	if err := s.repos.TopUp.Create(t); err != nil {
		return nil, fmt.Errorf("create top-up: %w", err)
	}
	s.audit(userID, "topup_request", map[string]interface{}{"topup_id": t.ID, "amount": amount})
	return t, nil
}

// ApproveTopUp credits the wallet and tells the user.
func (s *Service) ApproveTopUp(ctx context.Context, id uint, adminID int64) (*models.TopUp, error) {
	t, err := s.repos.TopUp.Approve(id, adminID)
	if err != nil {
		return nil, s.reviewErr(id, err)
	}
	s.audit(t.UserID, "topup_approve", map[string]interface{}{"topup_id": t.ID, "amount": t.Amount, "admin_id": adminID})

	balance, _ := s.repos.User.Balance(t.UserID)
	msg := fmt.Sprintf("✅ Your top-up of %s was approved.\nBalance: %s",
		utils.FormatNumber(t.Amount), utils.FormatNumber(balance))
	if err := s.messenger.Notify(ctx, t.UserID, msg); err != nil {
		s.logger.Warn("Top-up notice failed", zap.Int64("user_id", t.UserID), zap.Error(err))
	}
	return t, nil
}

// RejectTopUp closes a request without crediting.
func (s *Service) RejectTopUp(ctx context.Context, id uint, adminID int64) (*models.TopUp, error) {
	t, err := s.repos.TopUp.Reject(id, adminID)
	if err != nil {
		return nil, s.reviewErr(id, err)
	}
	s.audit(t.UserID, "topup_reject", map[string]interface{}{"topup_id": t.ID, "admin_id": adminID})
	if err := s.messenger.Notify(ctx, t.UserID, "❌ Your top-up request was rejected. Contact support for details."); err != nil {
		s.logger.Warn("Top-up notice failed", zap.Int64("user_id", t.UserID), zap.Error(err))
	}
	return t, nil
}

// Credit adds amount to a wallet on behalf of an admin.
func (s *Service) Credit(userID, amount, adminID int64) (int64, error) {
	if err := s.repos.User.Credit(userID, amount); err != nil {
		return 0, err
	}
	s.audit(userID, "wallet_credit", map[string]interface{}{"amount": amount, "admin_id": adminID})
	return s.repos.User.Balance(userID)
}

// reviewErr tells an unknown id apart from a request that was already closed.
func (s *Service) reviewErr(id uint, err error) error {
	if !errors.Is(err, repository.ErrTopUpClosed) {
		return err
	}
	if _, ferr := s.repos.TopUp.FindByID(id); errors.Is(ferr, gorm.ErrRecordNotFound) {
		return ErrTopUpNotFound
	}
	return err
}
