package logger

import (
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
)

func ensureInstanceID(v string) string {
	if v != "" {
		return v
	}

	hn, _ := os.Hostname()
	return hn + "-" + uuid.NewString()[:8]
}

func commonAttrs(cfg Config) []slog.Attr {
	return []slog.Attr{
		slog.String("service", cfg.Service),
		slog.String("env", string(cfg.Env)),
		slog.String("version", cfg.Version),
		slog.String("instance_id", cfg.InstanceID),
		slog.Time("started_at", time.Now()),
	}
}

// Session и User: общие ключи для логов realtime-слоя.
func Session(id string) slog.Attr { return slog.String("session_id", id) }
func User(id string) slog.Attr    { return slog.String("user_id", id) }
func Err(err error) slog.Attr     { return slog.Any("err", err) }
