package model

import "errors"

var (
	// ErrConnectionLost is returned for requests that were in flight when the
	// transport dropped. It is never raised for background reconnects.
	ErrConnectionLost    = errors.New("connection lost")
	ErrLockNotOwned      = errors.New("lock not owned")
	ErrInvalidResolution = errors.New("invalid resolution")
	ErrStaleConflict     = errors.New("conflict already terminal")
	ErrConflictNotFound  = errors.New("conflict not found")
	ErrForbidden         = errors.New("forbidden")
)

// Stable codes used on the wire.
const (
	CodeConnectionLost    = "connection_lost"
	CodeLockNotOwned      = "lock_not_owned"
	CodeInvalidResolution = "invalid_resolution"
	CodeStaleConflict     = "stale_conflict"
	CodeConflictNotFound  = "conflict_not_found"
	CodeForbidden         = "forbidden"
	CodeBadRequest        = "bad_request"
	CodeInternal          = "internal"
)

var codes = map[string]error{
	CodeConnectionLost:    ErrConnectionLost,
	CodeLockNotOwned:      ErrLockNotOwned,
	CodeInvalidResolution: ErrInvalidResolution,
	CodeStaleConflict:     ErrStaleConflict,
	CodeConflictNotFound:  ErrConflictNotFound,
	CodeForbidden:         ErrForbidden,
}

// CodeOf maps an error onto its wire code.
func CodeOf(err error) string {
	for code, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// ErrorForCode returns the sentinel for a wire code, or nil if the code has none.
func ErrorForCode(code string) error {
	return codes[code]
}
