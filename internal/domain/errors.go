package domain

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrRateLimited  = errors.New("rate limited")
	ErrUnauthorized = errors.New("unauthorized")
	ErrLockHeld     = errors.New("lock already held")

	ErrTransient          = errors.New("transient network error")
	ErrContractRevert     = errors.New("contract reverted")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrFeedUnavailable    = errors.New("ranking feed unavailable")
	ErrEmptySnapshot      = errors.New("empty ranking snapshot")
	ErrMissingDeployEvent = errors.New("receipt has no MarketDeployed event")
	ErrCycleExpired       = errors.New("cycle has no remaining time")
	// ErrTxUnconfirmed means a transaction was broadcast but no receipt was
	// seen in time. It may still land, so it is never retried.
	ErrTxUnconfirmed = errors.New("transaction sent but not confirmed")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
