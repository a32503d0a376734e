package collector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cepro/phasematch/egauge"
	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	runs []telemetry.CaptureRun
	err  error
}

func (s *fakeStore) SaveRun(run telemetry.CaptureRun) error {
	s.runs = append(s.runs, run)
	return s.err
}

func testMock() *egauge.Mock {
	registers := []telemetry.Register{
		{ID: 3, Name: "Heat Pump.A", Value: "75.0", Kind: "P"},
		{ID: 1, Name: "Kitchen.A", Value: "100.0", Kind: "P"},
		{ID: 2, Name: "Solar.A", Value: "50.0", Kind: "P"},
	}
	totals := []telemetry.Register{
		{ID: 0, Name: "Total Usage", Value: "Kitchen.A+Solar.A+Heat Pump.A", Kind: "P"},
	}
	channels := []egauge.MockChannel{
		{CT: "CT1", Phases: "A", TruePhase: 'B', Current: 12, PowerFactor: 0.95},
		{CT: "CT2", Phases: "A", TruePhase: 'C', Current: 20, PowerFactor: 0.95, Reversed: true},
		{CT: "CT3", Phases: "A", TruePhase: 'A', Current: 1, PowerFactor: 0.95},
	}
	return egauge.NewMock("egauge-test", registers, totals, channels)
}

func quietOptions() phasematch.Options {
	opts := phasematch.DefaultOptions()
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return opts
}

var rotationCalls = []string{"registers", "sample", "rotate", "wait", "reboot", "wait"}

func TestCollector_CaptureRotation(t *testing.T) {
	mock := testMock()
	c := New(mock, 5, time.Second)

	rotation, err := c.CaptureRotation(context.Background())
	require.NoError(t, err)

	assert.Equal(t, rotationCalls, mock.Calls)
	assert.Len(t, rotation.Registers, 3)
	assert.Len(t, rotation.Totals, 1)
	require.Len(t, rotation.Samples, 5)
	for _, sample := range rotation.Samples {
		require.Len(t, sample.Channels, 3)
		assert.Equal(t, "A", sample.Channels[0].PhaseLabels)
	}
}

func TestCollector_Capture(t *testing.T) {
	mock := testMock()
	store := &fakeStore{}
	c := New(mock, 0, 0, store)

	run, err := c.Capture(context.Background())
	require.NoError(t, err)

	var expectedCalls []string
	for i := 0; i < phasematch.RotationCount; i++ {
		expectedCalls = append(expectedCalls, rotationCalls...)
	}
	assert.Equal(t, expectedCalls, mock.Calls)

	assert.Equal(t, "egauge-test", run.Device)
	require.Len(t, run.Rotations, phasematch.RotationCount)
	for i, phase := range []string{"A", "B", "C"} {
		require.Len(t, run.Rotations[i].Samples, DefaultSamples)
		assert.Equal(t, phase, run.Rotations[i].Samples[0].Channels[0].PhaseLabels)
	}

	require.Len(t, store.runs, 1)
	assert.Equal(t, run.ID, store.runs[0].ID)
}

func TestCollector_CaptureStoreFailureIsNotFatal(t *testing.T) {
	mock := testMock()
	failing := &fakeStore{err: errors.New("disk full")}
	working := &fakeStore{}
	c := New(mock, 2, time.Second, failing, working)

	run, err := c.Capture(context.Background())
	require.NoError(t, err)
	assert.Len(t, run.Rotations, phasematch.RotationCount)
	assert.Len(t, failing.runs, 1)
	assert.Len(t, working.runs, 1)
}

func TestCollector_CaptureNotReady(t *testing.T) {
	mock := testMock()
	mock.NotReady = true
	store := &fakeStore{}
	c := New(mock, 2, time.Second, store)

	_, err := c.Capture(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, egauge.ErrNotReady)
	assert.Equal(t, []string{"registers", "sample", "rotate", "wait"}, mock.Calls)
	assert.Empty(t, store.runs)
}

func TestCollector_Push(t *testing.T) {
	mock := testMock()
	c := New(mock, 2, time.Second)

	registers := []telemetry.Register{{ID: 1, Name: "Kitchen.B", Value: "-100.0", Kind: "P"}}
	require.NoError(t, c.Push(context.Background(), registers, nil))

	assert.Equal(t, []string{"push", "wait", "reboot", "wait"}, mock.Calls)
	require.Len(t, mock.Pushed, 1)
	assert.Equal(t, registers, mock.Pushed[0])
}

func TestCollector_Commission(t *testing.T) {

	subTests := []struct {
		name         string
		dryRun       bool
		expectPushed bool
	}{
		{name: "pushes corrected registers", dryRun: false, expectPushed: true},
		{name: "dry run leaves the meter alone", dryRun: true, expectPushed: false},
	}

	for _, test := range subTests {
		t.Run(test.name, func(t *testing.T) {
			mock := testMock()
			c := New(mock, 3, time.Second)

			run, result, err := c.Commission(context.Background(), quietOptions(), test.dryRun)
			require.NoError(t, err)
			assert.Len(t, run.Rotations, phasematch.RotationCount)

			expected := []telemetry.Register{
				{ID: 1, Name: "Kitchen.B", Value: "100.0", Kind: "P"},
				{ID: 2, Name: "Solar.C", Value: "-50.0", Kind: "P"},
				{ID: 3, Name: "Heat Pump.A", Value: "75.0", Kind: "P"},
			}
			assert.Equal(t, expected, result.Registers)

			require.Len(t, result.Decisions, 3)
			assert.Equal(t, phasematch.ReasonPositivePower, result.Decisions[0].Reason)
			assert.Equal(t, 1, result.Decisions[0].Rotation)
			assert.Equal(t, phasematch.ReasonReversed, result.Decisions[1].Reason)
			assert.Equal(t, 2, result.Decisions[1].Rotation)
			assert.Equal(t, phasematch.ReasonLowCurrent, result.Decisions[2].Reason)

			if test.expectPushed {
				require.Len(t, mock.Pushed, 1)
				assert.Equal(t, expected, mock.Pushed[0])
				assert.Equal(t, []string{"push", "wait", "reboot", "wait"}, mock.Calls[len(mock.Calls)-4:])
			} else {
				assert.Empty(t, mock.Pushed)
				assert.NotContains(t, mock.Calls, "push")
			}
		})
	}
}
