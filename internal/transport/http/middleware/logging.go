package httpmw

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cwrk-planet/messenger/pkg/logger"

	"github.com/go-chi/chi/v5/middleware"
)

// Logging кладёт в ctx логгер запроса (req_id, method, path) и пишет итоговую
// строку с уровнем по статусу ответа.
func Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := logger.FromCtx(r.Context()).With(
			"req_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
		)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), l)))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		lvl := slog.LevelInfo
		switch {
		case status >= 500:
			lvl = slog.LevelError
		case status >= 400:
			lvl = slog.LevelWarn
		}
		l.Log(r.Context(), lvl, "http request",
			"status", status,
			"bytes", ww.BytesWritten(),
			"remote", r.RemoteAddr,
			"duration", time.Since(start).String(),
		)
	})
}
