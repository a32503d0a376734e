package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/telemetry"
)

// ReplayFileName returns the path of the replay file for a capture of `device` taken at `t`.
func ReplayFileName(dir, device string, t time.Time) string {
	name := strings.NewReplacer("/", "_", ":", "_").Replace(device)
	return filepath.Join(dir, fmt.Sprintf("%sT%d.json", name, t.Unix()))
}

// SaveFile writes the capture run as JSON. The file is written next to `path` and renamed into place so that a
// reader never sees a partial capture.
func SaveFile(path string, run telemetry.CaptureRun) error {
	content, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal capture run: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("create replay file: %w", err)
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(content)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("write replay file: %w", err)
	}
	err = tmp.Close()
	if err != nil {
		return fmt.Errorf("close replay file: %w", err)
	}

	err = os.Rename(tmp.Name(), path)
	if err != nil {
		return fmt.Errorf("rename replay file: %w", err)
	}
	return nil
}

// LoadFile reads a capture run written by SaveFile. The run must hold exactly one result per rotation.
func LoadFile(path string) (telemetry.CaptureRun, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return telemetry.CaptureRun{}, fmt.Errorf("read replay file: %w", err)
	}

	var run telemetry.CaptureRun
	err = json.Unmarshal(content, &run)
	if err != nil {
		return telemetry.CaptureRun{}, fmt.Errorf("unmarshal replay file: %w", err)
	}

	if len(run.Rotations) != phasematch.RotationCount {
		return telemetry.CaptureRun{}, fmt.Errorf("%w: replay file has %d rotations", phasematch.ErrInvalidCapture, len(run.Rotations))
	}

	return run, nil
}
