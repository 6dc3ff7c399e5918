package models

import "errors"

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrInternalServer = errors.New("internal server error")

	// Authentication flow errors
	ErrAccountLocked     = errors.New("account is temporarily locked")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrCaptchaRequired   = errors.New("captcha challenge required")
	ErrMailDelivery      = errors.New("mail delivery failed")
)
