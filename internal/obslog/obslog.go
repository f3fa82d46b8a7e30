// Package obslog builds the structured logr.Logger every component in
// this module accepts as a constructor argument. Production builds log
// through zap (JSON, leveled, sampled); local/dev builds use zap's
// human-readable development encoder. Every component logs through the
// logr.Logger interface, never against *zap.Logger directly, so the
// backend stays swappable without touching call sites.
package obslog

import (
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the zap encoder.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config configures New.
type Config struct {
	Format Format
	Level  string // zap level name: debug, info, warn, error
}

// New builds a logr.Logger backed by zap, returning a Sync function
// the caller must defer. A malformed Level falls back to info rather
// than failing startup over a typo in a log-level flag.
func New(cfg Config) (logr.Logger, func(), error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	switch cfg.Format {
	case FormatText:
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	zl, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, func() {}, fmt.Errorf("obslog: build zap logger: %w", err)
	}

	sync := func() {
		// zap.Logger.Sync returns ENOTTY when stderr is a terminal on some
		// platforms; that's not an actionable failure at shutdown.
		_ = zl.Sync()
	}
	return zapr.NewLogger(zl), sync, nil
}

// Discard returns a no-op logger, for tests and code paths that accept
// a logr.Logger but have nothing useful to say.
func Discard() logr.Logger { return logr.Discard() }

// MustNew is New for call sites (e.g. cmd/decisiongate's main) that
// treat a broken logging configuration as fatal.
func MustNew(cfg Config) (logr.Logger, func()) {
	log, sync, err := New(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return log, sync
}
