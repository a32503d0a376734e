package egauge

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/telemetry"
)

const mockVoltage = 230.0

// MockChannel describes how a simulated CT is really wired.
type MockChannel struct {
	CT          string
	Phases      string  // phase labels configured on the meter, rotated by RotateVoltageConfig
	TruePhase   byte    // the phase the CT's circuit is actually on
	Current     float64 // RMS amps
	PowerFactor float64 // power factor of the load when measured against its true phase
	Reversed    bool    // CT clamped on backwards
}

// Mock looks like a Meter but simulates the readings of a miswired installation.
type Mock struct {
	name      string
	registers []telemetry.Register
	totals    []telemetry.Register
	channels  []MockChannel

	// Calls records the device operations in the order they were made.
	Calls []string
	// Pushed holds every register list written with PushRegisters.
	Pushed [][]telemetry.Register
	// NotReady makes WaitReady fail.
	NotReady bool
	// PushErr, when set, is returned by PushRegisters.
	PushErr error
}

func NewMock(name string, registers, totals []telemetry.Register, channels []MockChannel) *Mock {
	m := &Mock{
		name:      name,
		registers: append([]telemetry.Register(nil), registers...),
		totals:    append([]telemetry.Register(nil), totals...),
		channels:  append([]MockChannel(nil), channels...),
	}
	return m
}

func (m *Mock) Name() string {
	return m.name
}

func (m *Mock) Registers(ctx context.Context) ([]telemetry.Register, []telemetry.Register, error) {
	m.Calls = append(m.Calls, "registers")
	return append([]telemetry.Register(nil), m.registers...), append([]telemetry.Register(nil), m.totals...), nil
}

func (m *Mock) Sample(ctx context.Context, n int) ([]telemetry.Sample, error) {
	m.Calls = append(m.Calls, "sample")

	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	samples := make([]telemetry.Sample, 0, n)
	for i := 0; i < n; i++ {
		sample := telemetry.Sample{Time: start.Add(time.Duration(i) * time.Second)}
		for _, channel := range m.channels {
			// small deterministic ripple so that sweeps differ
			current := channel.Current * (1 + 0.01*float64(i%3))
			sample.Channels = append(sample.Channels, channel.measure(current))
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func (m *Mock) RotateVoltageConfig(ctx context.Context) error {
	m.Calls = append(m.Calls, "rotate")
	for i := range m.channels {
		m.channels[i].Phases = phasematch.RotatePhases(m.channels[i].Phases)
	}
	return nil
}

func (m *Mock) WaitReady(ctx context.Context, timeout time.Duration) error {
	m.Calls = append(m.Calls, "wait")
	if m.NotReady {
		return ErrNotReady
	}
	return nil
}

func (m *Mock) Reboot(ctx context.Context) error {
	m.Calls = append(m.Calls, "reboot")
	return nil
}

func (m *Mock) PushRegisters(ctx context.Context, registers, totals []telemetry.Register) error {
	m.Calls = append(m.Calls, "push")
	if m.PushErr != nil {
		return m.PushErr
	}
	m.registers = append([]telemetry.Register(nil), registers...)
	m.totals = append([]telemetry.Register(nil), totals...)
	m.Pushed = append(m.Pushed, m.registers)
	return nil
}

// measure simulates the reading of the channel against its currently configured phase. Each phase step away
// from the true phase shifts the measured angle by 120 degrees.
func (c MockChannel) measure(current float64) telemetry.Measurement {
	m := telemetry.Measurement{
		CT:          c.CT,
		Current:     current,
		PhaseLabels: c.Phases,
	}

	steps := 0.0
	if len(c.Phases) > 0 {
		configured := strings.IndexByte("ABC", c.Phases[len(c.Phases)-1])
		actual := strings.IndexByte("ABC", c.TruePhase)
		if configured >= 0 && actual >= 0 {
			steps = float64((configured - actual + 3) % 3)
		}
	}

	angle := math.Acos(c.PowerFactor) + steps*2*math.Pi/3
	m.PowerFactor = math.Cos(angle)
	m.RealPower = mockVoltage * current * m.PowerFactor
	if c.Reversed {
		m.RealPower = -m.RealPower
	}
	return m
}
