package domain

import "errors"

var (
	// ErrReauthorizationRequired signals the refresh secret was rejected or is
	// missing everywhere; only the owner re-authorizing can recover.
	ErrReauthorizationRequired = errors.New("credential: reauthorization required")
	// ErrRefreshFailed signals refresh retries were exhausted for this cycle.
	ErrRefreshFailed = errors.New("credential: refresh failed")
	// ErrCredentialNotFound signals no record exists for the principal.
	ErrCredentialNotFound = errors.New("credential: not found")
	// ErrInvalidSchedule flags a malformed recurrence spec on one config.
	ErrInvalidSchedule = errors.New("automation: invalid schedule")
	// ErrConfigNotFound signals no automation config exists for the resource.
	ErrConfigNotFound = errors.New("automation: config not found")
	// ErrResourceGone signals the upstream resource no longer exists.
	ErrResourceGone = errors.New("profile: resource gone")
)

// RetryableError wraps a transient failure (network timeout, 5xx, rate
// limit) expected to succeed on a later attempt.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient. nil stays nil.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient anywhere in its chain.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsTerminalAuth reports whether err requires the owner to re-authorize.
func IsTerminalAuth(err error) bool {
	return errors.Is(err, ErrReauthorizationRequired)
}
