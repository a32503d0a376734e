package repository

import (
	"time"

	"github.com/cepro/phasematch/telemetry"
	"github.com/google/uuid"
)

// StoredRun is the header row of a capture run persisted to the SQLite database.
type StoredRun struct {
	ID     uuid.UUID `gorm:"primaryKey"`
	Device string    `gorm:"index"`
	Time   time.Time `gorm:"index"`
}

// StoredRegister is one register of a rotation's snapshot. Totals are kept alongside with Total set.
type StoredRegister struct {
	ID         uint      `gorm:"primaryKey"`
	RunID      uuid.UUID `gorm:"index"`
	Rotation   int
	Total      bool
	Position   int // order within the snapshot as captured
	RegisterID int
	Name       string
	Value      string
	Kind       string
}

// StoredMeasurement is one channel reading of one sweep of a rotation.
type StoredMeasurement struct {
	ID          uint      `gorm:"primaryKey"`
	RunID       uuid.UUID `gorm:"index"`
	Rotation    int
	SampleIndex int
	Channel     int
	Time        time.Time
	CT          string
	Current     float64
	RealPower   float64
	PowerFactor float64
	PhaseLabels string
}

// flattenRun converts a capture run into the flat rows stored in the database.
func flattenRun(run telemetry.CaptureRun) (StoredRun, []StoredRegister, []StoredMeasurement) {
	var registers []StoredRegister
	var measurements []StoredMeasurement

	for r, rotation := range run.Rotations {
		for i, reg := range rotation.Registers {
			registers = append(registers, newStoredRegister(run.ID, r, i, false, reg))
		}
		for i, reg := range rotation.Totals {
			registers = append(registers, newStoredRegister(run.ID, r, i, true, reg))
		}
		for s, sample := range rotation.Samples {
			for ch, m := range sample.Channels {
				measurements = append(measurements, StoredMeasurement{
					RunID:       run.ID,
					Rotation:    r,
					SampleIndex: s,
					Channel:     ch,
					Time:        sample.Time,
					CT:          m.CT,
					Current:     m.Current,
					RealPower:   m.RealPower,
					PowerFactor: m.PowerFactor,
					PhaseLabels: m.PhaseLabels,
				})
			}
		}
	}

	return StoredRun{ID: run.ID, Device: run.Device, Time: run.Time}, registers, measurements
}

func newStoredRegister(runID uuid.UUID, rotation, position int, total bool, reg telemetry.Register) StoredRegister {
	return StoredRegister{
		RunID:      runID,
		Rotation:   rotation,
		Total:      total,
		Position:   position,
		RegisterID: reg.ID,
		Name:       reg.Name,
		Value:      reg.Value,
		Kind:       reg.Kind,
	}
}

// assembleRun rebuilds a capture run from its rows. Registers must be ordered by rotation and position, and
// measurements by rotation, sample index and channel.
func assembleRun(stored StoredRun, registers []StoredRegister, measurements []StoredMeasurement) telemetry.CaptureRun {
	rotationCount := 0
	for _, reg := range registers {
		if reg.Rotation+1 > rotationCount {
			rotationCount = reg.Rotation + 1
		}
	}
	for _, m := range measurements {
		if m.Rotation+1 > rotationCount {
			rotationCount = m.Rotation + 1
		}
	}

	run := telemetry.CaptureRun{
		ID:        stored.ID,
		Device:    stored.Device,
		Time:      stored.Time,
		Rotations: make([]telemetry.RotationResult, rotationCount),
	}

	for _, reg := range registers {
		rotation := &run.Rotations[reg.Rotation]
		out := telemetry.Register{ID: reg.RegisterID, Name: reg.Name, Value: reg.Value, Kind: reg.Kind}
		if reg.Total {
			rotation.Totals = append(rotation.Totals, out)
		} else {
			rotation.Registers = append(rotation.Registers, out)
		}
	}

	for _, m := range measurements {
		rotation := &run.Rotations[m.Rotation]
		for len(rotation.Samples) <= m.SampleIndex {
			rotation.Samples = append(rotation.Samples, telemetry.Sample{})
		}
		sample := &rotation.Samples[m.SampleIndex]
		sample.Time = m.Time
		sample.Channels = append(sample.Channels, telemetry.Measurement{
			CT:          m.CT,
			Current:     m.Current,
			RealPower:   m.RealPower,
			PowerFactor: m.PowerFactor,
			PhaseLabels: m.PhaseLabels,
		})
	}

	return run
}
