// Package logging wires a structured logr.Logger backed by zap, the way
// jordigilh-kubernaut's controller-runtime stack does (zapr.NewLogger over a
// *zap.Logger), upgrading the teacher's cmd/bmdemo-server/main.go plain
// log/slog wiring to match SPEC_FULL.md §2a's ambient-stack decision.
// internal/lifecycle and cmd/layoutapplyd's HTTP server accept a logr.Logger
// rather than importing zap directly; internal/scheduler, internal/dispatch
// and internal/store do not log.
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// New builds a production zap.Logger (JSON encoding, epoch-seconds
// timestamps) wrapped as a logr.Logger, or a development logger (console
// encoding, ISO-8601 timestamps, capitalized levels) when dev is true.
func New(dev bool) (logr.Logger, func(), error) {
	var zl *zap.Logger
	var err error
	if dev {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return logr.Logger{}, func() {}, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
