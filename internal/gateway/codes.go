package gateway

import (
	"errors"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/store"
)

// Коды message_error
const (
	CodeValidation   = "validation"
	CodeNotFound     = "not_found"
	CodeForbidden    = "forbidden"
	CodeRateLimited  = "rate_limited"
	CodeUnknownEvent = "unknown_event"
	CodeInternal     = "internal"
)

func CodeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalidCursor):
		return CodeValidation
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, errUnknownEvent):
		return CodeUnknownEvent
	default:
		return CodeInternal
	}
}
