package egauge

import (
	"context"
	"fmt"
	"time"

	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/telemetry"
)

// Meter is a real eGauge: configuration over HTTP and channel readings over Modbus.
type Meter struct {
	client  *Client
	sampler *Sampler
}

func NewMeter(client *Client, sampler *Sampler) *Meter {
	return &Meter{
		client:  client,
		sampler: sampler,
	}
}

func (m *Meter) Name() string {
	return m.client.Host()
}

func (m *Meter) Registers(ctx context.Context) ([]telemetry.Register, []telemetry.Register, error) {
	installation, err := m.client.GetInstallation(ctx)
	if err != nil {
		return nil, nil, err
	}
	return installation.Registers, installation.Totals, nil
}

func (m *Meter) Sample(ctx context.Context, n int) ([]telemetry.Sample, error) {
	installation, err := m.client.GetInstallation(ctx)
	if err != nil {
		return nil, err
	}
	return m.sampler.Sample(ctx, n, installation.Channels)
}

// RotateVoltageConfig moves every CT onto the next voltage phase. The change takes effect after a reboot.
func (m *Meter) RotateVoltageConfig(ctx context.Context) error {
	installation, err := m.client.GetInstallation(ctx)
	if err != nil {
		return err
	}

	for i, channel := range installation.Channels {
		installation.Channels[i].Phases = phasematch.RotatePhases(channel.Phases)
	}

	err = m.client.PostInstallation(ctx, installation)
	if err != nil {
		return fmt.Errorf("rotate voltage config: %w", err)
	}
	return nil
}

func (m *Meter) WaitReady(ctx context.Context, timeout time.Duration) error {
	return m.client.WaitReady(ctx, timeout)
}

func (m *Meter) Reboot(ctx context.Context) error {
	return m.client.Reboot(ctx)
}

// PushRegisters replaces the meter's registers and totals, keeping its channel configuration.
func (m *Meter) PushRegisters(ctx context.Context, registers, totals []telemetry.Register) error {
	installation, err := m.client.GetInstallation(ctx)
	if err != nil {
		return err
	}

	installation.Registers = registers
	installation.Totals = totals

	return m.client.PostInstallation(ctx, installation)
}
