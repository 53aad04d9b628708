package domain

import "errors"

// Error taxonomy shared by every service layer. Infrastructure errors are
// translated into one of these at the layer boundary so callers can branch
// with errors.Is without knowing which store or client produced them.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrLifecycle             = errors.New("lifecycle violation")
	ErrNotFound              = errors.New("record not found")
	ErrInvalidTransition     = errors.New("invalid order status transition")
	ErrNotFillable           = errors.New("order not in a fillable status")
	ErrOverfill              = errors.New("fill exceeds order amount")
	ErrFundsInsufficient     = errors.New("insufficient funds")
	ErrInsufficientInventory = errors.New("insufficient inventory")
	ErrRiskReject            = errors.New("rejected by risk controller")
	ErrIntegrity             = errors.New("store integrity violation")
	ErrUpstream              = errors.New("upstream fetch failed")
	ErrUpstreamTimeout       = errors.New("upstream fetch timed out")
)
