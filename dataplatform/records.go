package dataplatform

import (
	"time"

	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/telemetry"
	"github.com/google/uuid"
)

// supabaseCommissioning holds the json encoding schema for one channel's commissioning outcome in supabase.
type supabaseCommissioning struct {
	ID           uuid.UUID `json:"id"`
	Time         time.Time `json:"time"`
	RunID        uuid.UUID `json:"run_id"`
	Device       string    `json:"device"`
	ChannelIndex int       `json:"channel_index"`
	CT           string    `json:"ct"`
	Rotation     int       `json:"rotation"`
	Flip         bool      `json:"flip"`
	Reason       string    `json:"reason"`
	Current      float64   `json:"current"`
	RealPower    float64   `json:"real_power"`
	PowerFactor  float64   `json:"power_factor"`
	RegisterID   int       `json:"register_id"`
	RegisterName string    `json:"register_name"`
	Value        string    `json:"value"`
	Diagnostics  []string  `json:"diagnostics"`
}

func commissioningRecords(run telemetry.CaptureRun, result phasematch.Result, now time.Time) []supabaseCommissioning {
	diagnostics := make(map[int][]string)
	for _, d := range result.Diagnostics {
		diagnostics[d.Index] = append(diagnostics[d.Index], d.String())
	}

	records := make([]supabaseCommissioning, 0, len(result.Decisions))
	for _, decision := range result.Decisions {
		if decision.Index >= len(result.Registers) {
			continue
		}
		reg := result.Registers[decision.Index]
		records = append(records, supabaseCommissioning{
			ID:           uuid.New(),
			Time:         now,
			RunID:        run.ID,
			Device:       run.Device,
			ChannelIndex: decision.Index,
			CT:           decision.Measurement.CT,
			Rotation:     decision.Rotation,
			Flip:         decision.Flip,
			Reason:       string(decision.Reason),
			Current:      decision.Measurement.Current,
			RealPower:    decision.Measurement.RealPower,
			PowerFactor:  decision.Measurement.PowerFactor,
			RegisterID:   reg.ID,
			RegisterName: reg.Name,
			Value:        reg.Value,
			Diagnostics:  diagnostics[decision.Index],
		})
	}
	return records
}
