// Package common defines shared constants and sentinel errors used across
// client and server layers of otpkeeper. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// ErrInvalidArgument marks malformed or missing required input, such as
	// an empty client ID or an incomplete record. Never retried internally.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when a referenced client ID has no record.
	ErrNotFound = errors.New("not found")

	// ErrStorage marks an unreachable store or a rejected write. Fatal for
	// the call in progress.
	ErrStorage = errors.New("storage failure")
)
