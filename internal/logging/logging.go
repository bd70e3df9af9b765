// Package logging holds the zap helpers shared by node and client code.
package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }

// Ensure returns l when non-nil, otherwise a no-op logger.
func Ensure(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return zap.NewNop()
}

// Subsystem returns l (or a no-op logger) named with the dot-joined non-empty
// parts, e.g. Subsystem(l, "node", "participant").
func Subsystem(l *zap.Logger, parts ...string) *zap.Logger {
	l = Ensure(l)
	for _, p := range parts {
		if p = strings.Trim(p, ". "); p != "" {
			l = l.Named(p)
		}
	}
	return l
}

// New builds a JSON production logger at level ("debug", "info", "warn",
// "error"; empty means info). "disabled" or "off" returns a no-op logger.
func New(level string) (*zap.Logger, error) {
	level = strings.ToLower(strings.TrimSpace(level))
	if level == "disabled" || level == "off" {
		return zap.NewNop(), nil
	}
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Sampling = nil
	return cfg.Build()
}
