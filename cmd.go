package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cepro/phasematch/collector"
	"github.com/cepro/phasematch/config"
	"github.com/cepro/phasematch/dataplatform"
	"github.com/cepro/phasematch/egauge"
	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/repository"
	"github.com/cepro/phasematch/telemetry"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	configPath = ""
	logLevel   = ""
	cfg        config.Config
)

// NewCommand .
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "phasematch",
		Short:        "phasematch works out which voltage phase each CT of an eGauge meter is on and fixes its registers",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Read(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return setupLogger(cfg.LogLevel)
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&configPath, "config", "c", "", "path to a JSON or YAML config file")
	globalFlags.StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error), overrides the config file")

	cmd.AddCommand(
		NewMatchCommand(),
		NewRunCommand(),
		NewRunsCommand(),
		NewReplayCommand(),
	)

	return cmd
}

// matcherFlags are the matching overrides shared by the commands that run the matcher.
type matcherFlags struct {
	noPhaseSuffix   bool
	collisionPolicy string
}

func (f *matcherFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.noPhaseSuffix, "no-phase-suffix", false, "keep register names as they are instead of rewriting the phase suffix")
	cmd.Flags().StringVar(&f.collisionPolicy, "collision-policy", "", "what to do when two channels resolve to the same name (keep-both, keep-original)")
}

func (f *matcherFlags) options() (phasematch.Options, error) {
	opts, err := cfg.Matcher.Options()
	if err != nil {
		return phasematch.Options{}, err
	}
	if f.noPhaseSuffix {
		opts.EnforcePhaseSuffix = false
	}
	if f.collisionPolicy != "" {
		opts.CollisionPolicy, err = config.ParseCollisionPolicy(f.collisionPolicy)
		if err != nil {
			return phasematch.Options{}, err
		}
	}
	return opts, nil
}

// NewMatchCommand .
func NewMatchCommand() *cobra.Command {
	flags := &matcherFlags{}
	cmd := &cobra.Command{
		Use:   "match <replay-file>",
		Short: "Match phases from a previously captured replay file",
		Long: `Match phases from a previously captured replay file.
The corrected registers and any diagnostics are printed, nothing is written to the meter.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := repository.LoadFile(args[0])
			if err != nil {
				return fmt.Errorf("load replay file: %w", err)
			}
			return matchAndReport(cmd, run, flags)
		},
	}
	flags.register(cmd)
	return cmd
}

// NewReplayCommand .
func NewReplayCommand() *cobra.Command {
	flags := &matcherFlags{}
	var latest bool
	cmd := &cobra.Command{
		Use:   "replay <run-id>",
		Short: "Match phases from a capture run stored in the database",
		Long: `Match phases from a capture run stored in the database.
With --latest the argument is a device name and its most recent capture run is matched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repository.New(cfg.Repository.Path)
			if err != nil {
				return fmt.Errorf("create repository: %w", err)
			}
			defer repo.Close()

			var run telemetry.CaptureRun
			if latest {
				run, err = repo.LatestRun(args[0])
			} else {
				var id uuid.UUID
				id, err = uuid.Parse(args[0])
				if err != nil {
					return fmt.Errorf("parse run id: %w", err)
				}
				run, err = repo.GetRun(id)
			}
			if err != nil {
				return err
			}
			return matchAndReport(cmd, run, flags)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&latest, "latest", false, "treat the argument as a device name and match its most recent run")
	return cmd
}

// NewRunsCommand .
func NewRunsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the capture runs stored in the database, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := repository.New(cfg.Repository.Path)
			if err != nil {
				return fmt.Errorf("create repository: %w", err)
			}
			defer repo.Close()

			runs, err := repo.ListRuns(limit)
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			for _, run := range runs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", run.ID, run.Time.Format(time.RFC3339), run.Device)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list")
	return cmd
}

// NewRunCommand .
func NewRunCommand() *cobra.Command {
	flags := &matcherFlags{}
	var dryRun, mock bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture all three voltage rotations from the meter, match phases and push the corrected registers",
		Long: `Capture all three voltage rotations from the meter, match phases and push the corrected registers.
The meter is rebooted after every rotation and again after the push. The capture is saved to the database and
as a replay file so that it can be matched again later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := flags.options()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer cancel()

			device, closeDevice, err := newDevice(mock)
			if err != nil {
				return err
			}
			defer closeDevice()

			repo, err := repository.New(cfg.Repository.Path)
			if err != nil {
				return fmt.Errorf("create repository: %w", err)
			}
			defer repo.Close()

			c := collector.New(
				device,
				cfg.Capture.Samples,
				time.Duration(cfg.Capture.ReadyTimeoutSecs)*time.Second,
				repo,
				replayStore{dir: cfg.Repository.ReplayDir},
			)

			return commission(ctx, cmd.OutOrStdout(), c, opts, dryRun)
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "capture and match but do not push registers to the meter")
	cmd.Flags().BoolVar(&mock, "mock", false, "use a simulated meter instead of the configured one")
	return cmd
}

// commission runs the collector and reports the match. The report is written whenever matching got as far as a
// result, so a failed push still shows what was attempted.
func commission(ctx context.Context, w io.Writer, c *collector.Collector, opts phasematch.Options, dryRun bool) error {
	run, result, err := c.Commission(ctx, opts, dryRun)
	if len(result.Registers) > 0 {
		reportErr := phasematch.Report(w, result)
		if reportErr != nil && err == nil {
			err = reportErr
		}
	}
	if err != nil {
		return err
	}

	uploadResult(run, result)
	return nil
}

func matchAndReport(cmd *cobra.Command, run telemetry.CaptureRun, flags *matcherFlags) error {
	opts, err := flags.options()
	if err != nil {
		return err
	}

	slog.Info("Matching capture run", "run", run.ID, "device", run.Device, "time", run.Time)

	result, err := phasematch.Match(run.Rotations, opts)
	if err != nil {
		return err
	}
	return phasematch.Report(cmd.OutOrStdout(), result)
}

// newDevice returns the configured meter, or a simulated one, along with a function to release it.
func newDevice(mock bool) (collector.Device, func(), error) {
	if mock {
		return newMockMeter(cfg.Device.Channels), func() {}, nil
	}

	if cfg.Device.Url == "" {
		return nil, nil, fmt.Errorf("no device url configured")
	}

	conn, err := egauge.Dial(cfg.Device.Modbus.Host, cfg.Device.Modbus.SlaveID, time.Duration(cfg.Device.Modbus.TimeoutSecs)*time.Second)
	if err != nil {
		return nil, nil, err
	}

	sampler, err := egauge.NewSampler(
		conn,
		cfg.Device.Modbus.ChannelTableAddr,
		cfg.Device.Channels,
		time.Duration(cfg.Capture.SampleIntervalMs)*time.Millisecond,
	)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	client := egauge.NewClient(
		http.Client{Timeout: time.Duration(cfg.Device.HttpTimeoutSecs) * time.Second},
		cfg.Device.Url,
		cfg.Device.Username,
		cfg.Device.Password,
	)

	closeDevice := func() {
		err := conn.Close()
		if err != nil {
			slog.Warn("Failed to close modbus connection", "error", err)
		}
	}
	return egauge.NewMeter(client, sampler), closeDevice, nil
}

// newMockMeter simulates an installation whose CTs are spread across the phases, with every fourth CT clamped on
// backwards and the last one barely loaded.
func newMockMeter(channels int) *egauge.Mock {
	var registers []telemetry.Register
	var mockChannels []egauge.MockChannel
	for i := 0; i < channels; i++ {
		registers = append(registers, telemetry.Register{
			ID:    i + 1,
			Name:  fmt.Sprintf("Circuit %d.A", i+1),
			Value: "100.0",
			Kind:  "P",
		})

		current := 5.0 + float64(i%4)*5
		if i == channels-1 {
			current = 1
		}
		mockChannels = append(mockChannels, egauge.MockChannel{
			CT:          fmt.Sprintf("CT%d", i+1),
			Phases:      "A",
			TruePhase:   "ABC"[i%3],
			Current:     current,
			PowerFactor: 0.92,
			Reversed:    i%4 == 3,
		})
	}
	totals := []telemetry.Register{{ID: 0, Name: "Total Usage", Value: "", Kind: "P"}}
	return egauge.NewMock("mock-egauge", registers, totals, mockChannels)
}

// replayStore writes capture runs as replay files, for the match command.
type replayStore struct {
	dir string
}

func (s replayStore) SaveRun(run telemetry.CaptureRun) error {
	path := repository.ReplayFileName(s.dir, run.Device, run.Time)
	err := repository.SaveFile(path, run)
	if err != nil {
		return err
	}
	slog.Info("Saved replay file", "path", path)
	return nil
}

// uploadResult sends the commissioning outcome to the data platform, if one is configured. Failures are logged.
func uploadResult(run telemetry.CaptureRun, result phasematch.Result) {
	if cfg.DataPlatform.Url == "" {
		return
	}

	client, err := dataplatform.New(cfg.DataPlatform.Url, cfg.DataPlatform.AnonKey, cfg.DataPlatform.UserKey, cfg.DataPlatform.Schema)
	if err != nil {
		slog.Error("Failed to create data platform client", "error", err)
		return
	}

	err = client.UploadResult(run, result)
	if err != nil {
		slog.Error("Failed to upload commissioning result", "error", err)
	}
}

// ensure the implementations satisfy the collector's interfaces
var (
	_ collector.Device = (*egauge.Meter)(nil)
	_ collector.Device = (*egauge.Mock)(nil)
	_ collector.Store  = (*repository.Repository)(nil)
	_ collector.Store  = replayStore{}
)
