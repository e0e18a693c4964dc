package access

import "errors"

var (
	// ErrAuthenticationRequired means no valid authenticated session exists.
	ErrAuthenticationRequired = errors.New("access: authentication required")
	// ErrForbidden means the principal lacks the required permission. The
	// message never explains which permission was missing.
	ErrForbidden = errors.New("access: forbidden")
	// ErrNotFound covers both genuinely missing records and records owned by
	// another tenant, so existence cannot be probed across the boundary.
	ErrNotFound = errors.New("access: not found")
	// ErrInvalidToken indicates a service API token failed validation.
	ErrInvalidToken = errors.New("access: invalid token")
	// ErrConflict indicates a uniqueness violation (duplicate email).
	ErrConflict = errors.New("access: conflict")
)
