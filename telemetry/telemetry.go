package telemetry

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Register holds a calibration entry as stored on the meter.
type Register struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`  // e.g. "L1 Circuit A.B", the part after the last '.' is the phase letter
	Value string `json:"value"` // signed calibration magnitude, kept as the device's string encoding
	Kind  string `json:"kind"`  // register type, passed through untouched
}

func (r Register) String() string {
	return fmt.Sprintf("Reg(id=%d, name=%q, val=%q, type=%q)", r.ID, r.Name, r.Value, r.Kind)
}

// SortRegisters returns a copy of the registers ordered by ID.
func SortRegisters(registers []Register) []Register {
	sorted := make([]Register, len(registers))
	copy(sorted, registers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].ID < sorted[j].ID
	})
	return sorted
}

// Measurement holds one CT channel's electrical reading for one voltage rotation.
type Measurement struct {
	CT          string  `json:"ct"`
	Current     float64 `json:"current"`     // RMS amps
	RealPower   float64 `json:"realPower"`   // watts, signed
	PowerFactor float64 `json:"powerFactor"` // signed, magnitude <= 1
	PhaseLabels string  `json:"phaseLabels"` // the last letter is the phase in use for this rotation
}

// Phase returns the phase letter that the measurement was taken against.
func (m Measurement) Phase() (byte, bool) {
	if len(m.PhaseLabels) == 0 {
		return 0, false
	}
	return m.PhaseLabels[len(m.PhaseLabels)-1], true
}

// Sample is one sweep across all CT channels of the meter.
type Sample struct {
	Time     time.Time     `json:"time"`
	Channels []Measurement `json:"channels"`
}

// RotationResult pairs the register snapshot taken before a capture with the samples taken under that rotation.
type RotationResult struct {
	Registers []Register `json:"registers"`
	Totals    []Register `json:"totals,omitempty"`
	Samples   []Sample   `json:"samples"`
}

// ChannelCount returns the number of CT channels seen across all samples.
func (r RotationResult) ChannelCount() int {
	count := 0
	for _, sample := range r.Samples {
		if len(sample.Channels) > count {
			count = len(sample.Channels)
		}
	}
	return count
}

// CaptureRun holds the three rotations captured from one meter.
type CaptureRun struct {
	ID        uuid.UUID        `json:"id"`
	Device    string           `json:"device"`
	Time      time.Time        `json:"time"`
	Rotations []RotationResult `json:"rotations"`
}
