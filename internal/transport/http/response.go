package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/internal/store"
	"github.com/cwrk-planet/messenger/pkg/logger"
)

type envelope map[string]any

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.FromCtx(ctx).Error("write json response failed", logger.Err(err))
	}
}

func ok(ctx context.Context, w http.ResponseWriter, data any) {
	writeJSON(ctx, w, http.StatusOK, envelope{"data": data})
}

// statusOf — единственное место, где доменные ошибки превращаются в HTTP-статусы.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, store.ErrInvalidCursor):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func fail(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromCtx(ctx).Error("request failed", logger.Err(err))
		msg = "internal server error"
	}
	body := envelope{"message": msg, "code": code}
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	writeJSON(ctx, w, status, envelope{"error": body})
}
