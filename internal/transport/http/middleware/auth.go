package httpmw

import (
	"context"
	"net/http"
	"strings"

	"github.com/cwrk-planet/messenger/internal/domain"
	"github.com/cwrk-planet/messenger/pkg/logger"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

type Verifier interface {
	Verify(token string) (domain.UserID, error)
}

// Auth требует Authorization: Bearer <jwt>; пользователь берётся из токена.
func Auth(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if len(h) <= 7 || !strings.EqualFold(h[:7], "Bearer ") {
				unauthorized(w, "missing bearer token")
				return
			}
			uid, err := v.Verify(strings.TrimSpace(h[7:]))
			if err != nil {
				logger.FromCtx(r.Context()).Debug("http auth failed", logger.Err(err))
				unauthorized(w, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), ctxKeyUserID, uid)
			ctx = logger.WithContext(ctx, logger.FromCtx(r.Context()).With(logger.User(string(uid))))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func UserIDFromCtx(ctx context.Context) domain.UserID {
	id, _ := ctx.Value(ctxKeyUserID).(domain.UserID)
	return id
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":{"message":"` + msg + `","code":"unauthorized"}}`))
}
