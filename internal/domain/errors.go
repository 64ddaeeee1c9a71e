package domain

import "errors"

// Error taxonomy per the gateway's error handling design. Callers use
// errors.Is against these sentinels; components wrap them with %w to add
// context.
var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAuthorizationDenied    = errors.New("not authorized")
	ErrNotFound               = errors.New("not found")
	ErrConflictState          = errors.New("conflict")
	ErrTransport              = errors.New("transport error")
	ErrProtocolNegotiation    = errors.New("protocol negotiation")
	ErrInternal               = errors.New("internal error")

	ErrAlreadyInProgress = errors.New("already in progress")
	ErrCancelled         = errors.New("cancelled")
	ErrTimeout           = errors.New("timed out")
)
