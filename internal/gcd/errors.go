package gcd

import "errors"

// Status is the public error taxonomy of spec §6.2/§7. Every public
// operation returns one of these sentinels, optionally wrapped with detail
// via fmt.Errorf("%w: ...", ...), so callers can test with errors.Is.
var (
	ErrNotReady         = errors.New("gcd: not ready")
	ErrInvalidParameter = errors.New("gcd: invalid parameter")
	ErrUnsupported      = errors.New("gcd: unsupported")
	ErrOutOfResources   = errors.New("gcd: out of resources")
	ErrAccessDenied     = errors.New("gcd: access denied")
	ErrNotFound         = errors.New("gcd: not found")
	ErrAlreadyStarted   = errors.New("gcd: already started")
)
