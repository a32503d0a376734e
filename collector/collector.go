// Package collector drives a meter through the three voltage rotations needed to work out which phase each CT is
// on, and writes the resulting registers back.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/telemetry"
	"github.com/google/uuid"
)

const (
	DefaultSamples      = 30
	DefaultReadyTimeout = 25 * time.Second
)

// Device is a meter that can be sampled and reconfigured.
type Device interface {
	Name() string
	Registers(ctx context.Context) (registers, totals []telemetry.Register, err error)
	Sample(ctx context.Context, n int) ([]telemetry.Sample, error)
	RotateVoltageConfig(ctx context.Context) error
	WaitReady(ctx context.Context, timeout time.Duration) error
	Reboot(ctx context.Context) error
	PushRegisters(ctx context.Context, registers, totals []telemetry.Register) error
}

// Store keeps capture runs so that they can be matched again later.
type Store interface {
	SaveRun(run telemetry.CaptureRun) error
}

type Collector struct {
	device       Device
	samples      int
	readyTimeout time.Duration
	stores       []Store

	logger *slog.Logger
}

func New(device Device, samples int, readyTimeout time.Duration, stores ...Store) *Collector {
	if samples <= 0 {
		samples = DefaultSamples
	}
	if readyTimeout <= 0 {
		readyTimeout = DefaultReadyTimeout
	}
	return &Collector{
		device:       device,
		samples:      samples,
		readyTimeout: readyTimeout,
		stores:       stores,
		logger:       slog.Default().With("device", device.Name()),
	}
}

// CaptureRotation samples the meter under its current voltage configuration, then rotates the configuration and
// reboots so that the next capture sees the next rotation.
func (c *Collector) CaptureRotation(ctx context.Context) (telemetry.RotationResult, error) {

	registers, totals, err := c.device.Registers(ctx)
	if err != nil {
		return telemetry.RotationResult{}, fmt.Errorf("get registers: %w", err)
	}

	samples, err := c.device.Sample(ctx, c.samples)
	if err != nil {
		return telemetry.RotationResult{}, fmt.Errorf("sample channels: %w", err)
	}

	err = c.device.RotateVoltageConfig(ctx)
	if err != nil {
		return telemetry.RotationResult{}, fmt.Errorf("rotate voltage config: %w", err)
	}

	err = c.restart(ctx)
	if err != nil {
		return telemetry.RotationResult{}, err
	}

	return telemetry.RotationResult{
		Registers: registers,
		Totals:    totals,
		Samples:   samples,
	}, nil
}

// Capture takes all three rotations. After the third the meter is back on its original voltage configuration.
func (c *Collector) Capture(ctx context.Context) (telemetry.CaptureRun, error) {
	run := telemetry.CaptureRun{
		ID:     uuid.New(),
		Device: c.device.Name(),
		Time:   time.Now(),
	}

	for i := 0; i < phasematch.RotationCount; i++ {
		c.logger.Info("Capturing rotation", "rotation", i, "samples", c.samples)
		rotation, err := c.CaptureRotation(ctx)
		if err != nil {
			return telemetry.CaptureRun{}, fmt.Errorf("rotation %d: %w", i, err)
		}
		run.Rotations = append(run.Rotations, rotation)
	}

	for _, store := range c.stores {
		err := store.SaveRun(run)
		if err != nil {
			c.logger.Error("Failed to save capture run", "run", run.ID, "error", err)
		}
	}

	return run, nil
}

// Push writes the registers and totals to the meter and restarts it so they take effect.
func (c *Collector) Push(ctx context.Context, registers, totals []telemetry.Register) error {
	err := c.device.PushRegisters(ctx, registers, totals)
	if err != nil {
		return fmt.Errorf("push registers: %w", err)
	}

	err = c.restart(ctx)
	if err != nil {
		return err
	}

	c.logger.Info("Pushed registers", "count", len(registers))
	return nil
}

// restart waits for the meter to apply a configuration change, reboots it and waits for it to come back.
func (c *Collector) restart(ctx context.Context) error {
	err := c.device.WaitReady(ctx, c.readyTimeout)
	if err != nil {
		return fmt.Errorf("wait for config: %w", err)
	}

	err = c.device.Reboot(ctx)
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}

	err = c.device.WaitReady(ctx, c.readyTimeout)
	if err != nil {
		return fmt.Errorf("wait for reboot: %w", err)
	}
	return nil
}

// Commission captures the three rotations, matches each CT to its phase and, unless `dryRun` is set, pushes the
// corrected registers to the meter. Totals are written back unchanged.
func (c *Collector) Commission(ctx context.Context, opts phasematch.Options, dryRun bool) (telemetry.CaptureRun, phasematch.Result, error) {
	run, err := c.Capture(ctx)
	if err != nil {
		return telemetry.CaptureRun{}, phasematch.Result{}, err
	}

	result, err := phasematch.Match(run.Rotations, opts)
	if err != nil {
		return run, phasematch.Result{}, fmt.Errorf("match phases: %w", err)
	}

	if dryRun {
		c.logger.Info("Dry run, not pushing registers", "count", len(result.Registers))
		return run, result, nil
	}

	err = c.Push(ctx, result.Registers, run.Rotations[0].Totals)
	if err != nil {
		return run, result, err
	}

	return run, result, nil
}
