package phasematch

import (
	"log/slog"
)

const (
	// RotationCount is the number of voltage rotations a capture must contain.
	RotationCount = 3

	// DefaultMinCurrent is the current (A) at or below which a reading's sign and phase are treated as noise.
	DefaultMinCurrent = 3.0
	// DefaultHighCurrent is the current (A) from which a negative real power reading is always taken as a reversed CT.
	DefaultHighCurrent = 10.0
	// DefaultMotorPowerFactor is the power factor a runner-up reading must exceed to be taken as a lightly loaded motor.
	DefaultMotorPowerFactor = 0.5
)

// CollisionPolicy decides what ends up in the output when two channels resolve to the same register name.
type CollisionPolicy int

const (
	// KeepBoth emits the computed register for every channel, so two registers may share a name.
	// Register IDs stay authoritative.
	KeepBoth CollisionPolicy = iota
	// KeepOriginal leaves the later colliding channel with its register from the first rotation, untouched.
	KeepOriginal
)

func (p CollisionPolicy) String() string {
	switch p {
	case KeepBoth:
		return "keep-both"
	case KeepOriginal:
		return "keep-original"
	default:
		return "unknown"
	}
}

// Options tunes the matching heuristics. Use DefaultOptions and override fields as needed.
type Options struct {
	EnforcePhaseSuffix bool // rewrite the name suffix after the last '.' to the chosen phase letter
	MinCurrent         float64
	HighCurrent        float64
	MotorPowerFactor   float64
	CollisionPolicy    CollisionPolicy
	Logger             *slog.Logger // defaults to slog.Default()
}

func DefaultOptions() Options {
	return Options{
		EnforcePhaseSuffix: true,
		MinCurrent:         DefaultMinCurrent,
		HighCurrent:        DefaultHighCurrent,
		MotorPowerFactor:   DefaultMotorPowerFactor,
		CollisionPolicy:    KeepBoth,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
