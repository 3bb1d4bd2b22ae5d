package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"qteams-bridge/internal/config"
)

// NewLogger creates a JSON zerolog.Logger writing to stdout with service
// context fields from cfg.
func NewLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(os.Stdout, cfg)
}

func newLogger(w io.Writer, cfg *config.Config) zerolog.Logger {
	ctx := zerolog.New(w).With().Timestamp()

	if cfg.ServiceName != "" {
		ctx = ctx.Str("service", cfg.ServiceName)
	}
	if cfg.Region != "" {
		ctx = ctx.Str("region", cfg.Region)
	}
	if cfg.IdPName != "" {
		ctx = ctx.Str("idp", cfg.IdPName)
	}

	logger := ctx.Logger()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	return logger.Level(level)
}
