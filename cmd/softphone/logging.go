package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/arzzra/soft_phone/pkg/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newLogger создаёт slog логгер. При заданном log.file записи дублируются
// в файл с ротацией, closer тогда не nil.
func newLogger(cfg config.LogConfig) (*slog.Logger, io.Closer, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, nil, err
	}

	var (
		out    io.Writer = os.Stderr
		closer io.Closer
	)
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stderr, rotator)
		closer = rotator
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler).With("app", "softphone"), closer, nil
}
