package store

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrCredentialConflict = errors.New("credential already assigned to another identity")
	ErrInvalidStatus      = errors.New("invalid event status")
	ErrInvalidTransition  = errors.New("invalid event status transition")
	ErrInvalidMethod      = errors.New("invalid admission method")
)
