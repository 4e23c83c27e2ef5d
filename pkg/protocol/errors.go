package protocol

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every engine component. Callers classify with errors.Is.
var (
	ErrNotFound           = errors.New("not found")
	ErrSessionUnavailable = errors.New("session unavailable")
	ErrRecoverableChannel = errors.New("recoverable channel error")
	ErrValidation         = errors.New("validation error")
	ErrWindowExpired      = errors.New("window expired")
	ErrUnsupported        = errors.New("unsupported by channel")
)

// Dispatcher failures.
var (
	ErrNoAdapterFound      = fmt.Errorf("no adapter found: %w", ErrNotFound)
	ErrSessionNotConnected = fmt.Errorf("session not connected: %w", ErrSessionUnavailable)
	ErrEmptyBody           = fmt.Errorf("empty body: %w", ErrValidation)
	ErrSendRejected        = errors.New("send rejected")
)
