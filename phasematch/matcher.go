// Package phasematch picks, for every CT channel of a meter, the voltage rotation and polarity that give a
// physically sensible reading (positive real power at a high power factor), and rewrites the meter's registers
// to match.
package phasematch

import (
	"errors"
	"fmt"
	"sort"

	"github.com/cepro/phasematch/telemetry"
)

// ErrInvalidCapture is returned when the rotations handed to Match are structurally unusable.
var ErrInvalidCapture = errors.New("invalid capture")

// Reason records which branch of the decision picked a channel's rotation and polarity.
type Reason string

const (
	ReasonPositivePower   Reason = "positive-power"    // best power factor reading already had positive real power
	ReasonLowCurrent      Reason = "low-current"       // no reading above the minimum current, first rotation kept as is
	ReasonReversed        Reason = "reversed"          // negative real power at high current
	ReasonReversedLowLoad Reason = "reversed-low-load" // negative real power at low current, no motor-like runner-up
	ReasonMotorLowLoad    Reason = "motor-low-load"    // runner-up reading taken as a lightly loaded motor

	// ReasonCollisionKeptOriginal marks a channel whose computed name was already taken and whose register was
	// left as first captured (KeepOriginal).
	ReasonCollisionKeptOriginal Reason = "collision-kept-original"
)

// Decision is the outcome for a single channel.
type Decision struct {
	Index       int
	Rotation    int // index into the rotations handed to Match
	Measurement telemetry.Measurement
	Flip        bool // the stored calibration sign gets inverted
	Reason      Reason
}

// Result holds the corrected registers, one per channel slot, along with how they were chosen.
type Result struct {
	Registers   []telemetry.Register
	Decisions   []Decision
	Diagnostics []Diagnostic
}

// candidate is the best reading of a channel under one rotation.
type candidate struct {
	rotation    int
	measurement telemetry.Measurement
}

// Match decides the rotation and polarity of every channel and returns the corrected register list.
//
// The output is ordered like the first rotation's registers sorted by ID. Channel index i uses the register at
// position i of each rotation's sorted snapshot; registers past the last measured channel are passed through.
// Ambiguous readings never fail the match, they are reported in Result.Diagnostics.
func Match(rotations []telemetry.RotationResult, opts Options) (Result, error) {
	if len(rotations) != RotationCount {
		return Result{}, fmt.Errorf("%w: got %d rotations, expected %d", ErrInvalidCapture, len(rotations), RotationCount)
	}

	channelCount := 0
	for _, rotation := range rotations {
		if n := rotation.ChannelCount(); n > channelCount {
			channelCount = n
		}
	}
	if channelCount == 0 {
		return Result{}, fmt.Errorf("%w: no channel measurements", ErrInvalidCapture)
	}

	snapshots := make([][]telemetry.Register, len(rotations))
	for i, rotation := range rotations {
		if len(rotation.Registers) < channelCount {
			return Result{}, fmt.Errorf("%w: rotation %d has %d registers for %d channels", ErrInvalidCapture, i, len(rotation.Registers), channelCount)
		}
		snapshots[i] = telemetry.SortRegisters(rotation.Registers)
	}

	logger := opts.logger()
	result := Result{
		Registers: make([]telemetry.Register, len(snapshots[0])),
		Decisions: make([]Decision, 0, channelCount),
	}
	report := func(d Diagnostic) {
		d.log(logger)
		result.Diagnostics = append(result.Diagnostics, d)
	}

	byName := make(map[string]Decision, channelCount)
	for idx := 0; idx < channelCount; idx++ {
		decision := decide(rotations, idx, opts, report)
		reg := snapshots[decision.Rotation][idx]

		value := reg.Value
		if decision.Flip {
			value = ToggleSign(value)
		}

		name := reg.Name
		if opts.EnforcePhaseSuffix {
			if phase, ok := decision.Measurement.Phase(); ok {
				name = WithPhaseSuffix(name, phase)
			} else {
				logger.Warn("no phase label, keeping register name", "index", idx, "name", name)
			}
		}

		out := telemetry.Register{ID: reg.ID, Name: name, Value: value, Kind: reg.Kind}

		if previous, ok := byName[name]; ok {
			report(Diagnostic{
				Kind:  DiagCollision,
				Index: idx,
				CT:    decision.Measurement.CT,
				Other: previous.Index,
				Message: fmt.Sprintf("name %q already assigned to idx %d (rotation %d, %s), now idx %d (rotation %d, %s)",
					name, previous.Index, previous.Rotation, describe(previous.Measurement),
					idx, decision.Rotation, describe(decision.Measurement)),
			})
			if opts.CollisionPolicy == KeepOriginal {
				// decision follows the register left as first captured
				out = snapshots[0][idx]
				first, _ := bestMeasurement(rotations[0], idx)
				decision = Decision{Index: idx, Rotation: 0, Measurement: first, Reason: ReasonCollisionKeptOriginal}
			} else {
				byName[name] = decision
			}
		} else {
			byName[name] = decision
		}

		if decision.Flip {
			report(Diagnostic{
				Kind:    DiagFlip,
				Index:   idx,
				CT:      decision.Measurement.CT,
				Message: fmt.Sprintf("flipping %q from %q to %q (rotation %d, %s)", reg.Name, reg.Value, out.Value, decision.Rotation, describe(decision.Measurement)),
			})
		}

		result.Registers[idx] = out
		result.Decisions = append(result.Decisions, decision)
	}

	// registers without a measured channel keep their first rotation state
	copy(result.Registers[channelCount:], snapshots[0][channelCount:])

	return result, nil
}

// decide runs the rotation/polarity heuristics for channel idx.
func decide(rotations []telemetry.RotationResult, idx int, opts Options, report func(Diagnostic)) Decision {
	var first telemetry.Measurement
	candidates := make([]candidate, 0, len(rotations))
	for i, rotation := range rotations {
		m, ok := bestMeasurement(rotation, idx)
		if i == 0 {
			first = m
		}
		if ok && m.Current > opts.MinCurrent {
			candidates = append(candidates, candidate{rotation: i, measurement: m})
		}
	}

	if len(candidates) == 0 {
		report(Diagnostic{
			Kind:    DiagLowCurrent,
			Index:   idx,
			CT:      first.CT,
			Message: fmt.Sprintf("current too low for this channel, keeping rotation 0 (%s)", describe(first)),
		})
		return Decision{Index: idx, Rotation: 0, Measurement: first, Reason: ReasonLowCurrent}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].measurement.PowerFactor > candidates[j].measurement.PowerFactor
	})

	top := candidates[0]
	switch {
	case top.measurement.RealPower >= 0:
		return Decision{Index: idx, Rotation: top.rotation, Measurement: top.measurement, Reason: ReasonPositivePower}

	case top.measurement.Current >= opts.HighCurrent:
		return Decision{Index: idx, Rotation: top.rotation, Measurement: top.measurement, Flip: true, Reason: ReasonReversed}

	case len(candidates) > 1 &&
		candidates[1].measurement.RealPower > 0 &&
		candidates[1].measurement.PowerFactor > opts.MotorPowerFactor:
		// a motor at low load shows a poor power factor on its true phase
		second := candidates[1]
		report(Diagnostic{
			Kind:    DiagMotorLowLoad,
			Index:   idx,
			CT:      second.measurement.CT,
			Message: fmt.Sprintf("potentially motor running at low load, using rotation %d (%s)", second.rotation, describe(second.measurement)),
		})
		return Decision{Index: idx, Rotation: second.rotation, Measurement: second.measurement, Reason: ReasonMotorLowLoad}

	default:
		return Decision{Index: idx, Rotation: top.rotation, Measurement: top.measurement, Flip: true, Reason: ReasonReversedLowLoad}
	}
}

// bestMeasurement returns the highest current reading of channel idx across the rotation's samples.
// On equal currents the earliest sample wins.
func bestMeasurement(rotation telemetry.RotationResult, idx int) (telemetry.Measurement, bool) {
	var best telemetry.Measurement
	found := false
	for _, sample := range rotation.Samples {
		if idx >= len(sample.Channels) {
			continue
		}
		m := sample.Channels[idx]
		if !found || m.Current > best.Current {
			best = m
			found = true
		}
	}
	return best, found
}

func describe(m telemetry.Measurement) string {
	return fmt.Sprintf("I=%.2fA P=%.1fW pf=%.3f phases=%q", m.Current, m.RealPower, m.PowerFactor, m.PhaseLabels)
}
