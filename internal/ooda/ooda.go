// Package ooda runs the Observe, Orient, Decide and Act cycle for an
// operation and the services each phase relies on.
package ooda

import (
	"errors"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"athena/internal/notify"
)

var (
	// ErrCycleInProgress is returned when another cycle holds the operation.
	ErrCycleInProgress = errors.New("ooda cycle already in progress")
	// ErrInvalidPhase rejects a phase outside observe, orient, decide and act.
	ErrInvalidPhase = errors.New("invalid ooda phase")
)

const (
	defaultSummaryLimit = 1000
	defaultPhaseTimeout = 3 * time.Minute
)

var tracer = otel.Tracer("athena/internal/ooda")

func nowOr(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}

func sinkOr(s notify.Sink) notify.Sink {
	if s == nil {
		return notify.Nop{}
	}
	return s
}

func loggerOr(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l.Named(name)
}

// round1 rounds to one decimal place.
func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
