package logging

import (
	"io"
	"os"

	"hookd/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup 设置全局 logger：format 为 json 时输出结构化日志，否则输出带颜色的控制台格式
func Setup(cfg config.LoggingConfig, component string) {
	log.Logger = New(os.Stderr, cfg, component)

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Str("level", level.String()).Msg("log level configured")
}

func New(w io.Writer, cfg config.LoggingConfig, component string) zerolog.Logger {
	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	}
	ctx := zerolog.New(w).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	return ctx.Logger()
}
