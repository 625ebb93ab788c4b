package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")

	// ErrDelivery: push в живую сессию не удался; сообщение уже сохранено,
	// наружу отправителю не поднимается.
	ErrDelivery = errors.New("delivery failed")
	// ErrTransport: рассинхрон учёта сессий (двойной unregister и т.п.), no-op.
	ErrTransport = errors.New("transport bookkeeping")

	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)
	ErrNotParticipant  = fmt.Errorf("not a participant: %w", ErrNotFound)
	ErrNotSender       = fmt.Errorf("only the sender may delete a message: %w", ErrForbidden)
	ErrNotAllowed      = fmt.Errorf("messaging not allowed: %w", ErrForbidden)
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return "validation: " + e.Field + ": " + e.Reason
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
