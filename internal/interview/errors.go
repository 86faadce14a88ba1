package interview

import "errors"

var (
	ErrNotFound             = errors.New("interview not found")
	ErrSessionExists        = errors.New("interview already exists")
	ErrUpstreamFailure      = errors.New("ai collaborator failure")
	ErrTransportUnavailable = errors.New("transport unavailable")
	ErrValidation           = errors.New("validation failure")
	ErrInvalidTransition    = errors.New("invalid state transition")
)
