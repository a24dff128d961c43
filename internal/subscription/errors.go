package subscription

import (
	"errors"

	"pingx/internal/repository"
)

var (
	// ErrInsufficientFunds is returned before anything touches the panel.
	ErrInsufficientFunds = repository.ErrInsufficientFunds
	// ErrPanelUnavailable means no panel is configured.
	ErrPanelUnavailable = errors.New("panel is not configured")
	// ErrProvisioningFailed wraps any panel or store failure after the debit.
	// The wallet has already been credited back when it is returned.
	ErrProvisioningFailed = errors.New("provisioning failed")
	ErrTestAlreadyUsed    = errors.New("test plan already used")
	ErrAdminOnly          = errors.New("plan is reserved for admins")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrPurchaseNotFound   = errors.New("purchase not found")
	ErrForbidden          = errors.New("purchase belongs to another user")
	ErrNoLink             = errors.New("purchase has no subscription link")
	ErrBusy               = errors.New("another operation on this subscription is in progress")
)
