package logger

import (
	"io"
	"log/slog"
	"strings"
)

type Backend string

const (
	BackendStd Backend = "std" // text в dev, JSON в stage/prod
	BackendZap Backend = "zap" // slog поверх zap
)

type Config struct {
	// Метаданные, попадают в каждую запись
	Service    string
	Version    string
	InstanceID string

	Level   slog.Level
	Env     Env
	Backend Backend // default: zap для stage/prod, std для dev
	Debug   bool

	// Zap sampling: первые SampleInitial записей в секунду пишутся все,
	// дальше каждая SampleThereafter.
	SampleInitial    int
	SampleThereafter int

	AddSource bool

	// Output — куда писать, по умолчанию os.Stdout
	Output io.Writer
}

// ParseLevel понимает debug|info|warn|error, всё остальное считается info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (c Config) level() slog.Level {
	if c.Debug && c.Level == 0 {
		return slog.LevelDebug
	}
	return c.Level
}
