package platform

import "errors"

// Common errors for outbound platform calls.
var (
	// ErrPlatformUnavailable is returned when the health monitor reports the
	// platform unreachable and a call is refused before it is attempted.
	ErrPlatformUnavailable = errors.New("messaging platform unavailable")
	// ErrThrottled is returned when the platform signals rate limiting.
	// The gate's delay has already been increased when this is seen.
	ErrThrottled = errors.New("platform throttled the request")
	// ErrNameCollision is returned when channel creation fails because the
	// name is already taken.
	ErrNameCollision = errors.New("channel name already taken")
	// ErrAuthFailed is returned on credential rejection. It is never
	// retried automatically; operator intervention is required.
	ErrAuthFailed = errors.New("platform authentication failed")
	// ErrNotFound is returned when a channel or message id is unknown to
	// the platform.
	ErrNotFound = errors.New("platform object not found")
)
