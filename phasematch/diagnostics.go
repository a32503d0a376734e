package phasematch

import (
	"fmt"
	"log/slog"
)

// DiagnosticKind tags each diagnostic so that it can be told apart in the output.
type DiagnosticKind string

const (
	DiagLowCurrent   DiagnosticKind = "LOW-CURRENT"
	DiagFlip         DiagnosticKind = "FLIP"
	DiagMotorLowLoad DiagnosticKind = "MOTOR-LOW-LOAD"
	DiagCollision    DiagnosticKind = "COLLISION"
)

// Diagnostic reports a degraded or ambiguous decision. None of them stop the matcher.
type Diagnostic struct {
	Kind    DiagnosticKind
	Index   int    // channel index the diagnostic is about
	CT      string // CT of the chosen measurement, empty when unknown
	Other   int    // for collisions, the earlier channel index holding the same name
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s idx=%d ct=%s: %s", d.Kind, d.Index, d.CT, d.Message)
}

// log emits the diagnostic through the matcher's logger.
func (d Diagnostic) log(logger *slog.Logger) {
	args := []any{"kind", string(d.Kind), "index", d.Index, "ct", d.CT}
	if d.Kind == DiagCollision {
		args = append(args, "other_index", d.Other)
	}
	switch d.Kind {
	case DiagCollision, DiagLowCurrent:
		logger.Warn(d.Message, args...)
	default:
		logger.Info(d.Message, args...)
	}
}
