package egauge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cepro/phasematch/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMeter serves the meter's HTTP configuration API from memory.
type fakeMeter struct {
	mu           sync.Mutex
	installation Installation
	posts        int
	reboots      int
	downPings    int // number of pings to fail before reporting ready
	username     string
	password     string
}

func (f *fakeMeter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != f.username || pass != f.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}

	switch {
	case r.URL.Path == configPath && r.Method == http.MethodGet:
		_ = json.NewEncoder(w).Encode(f.installation)
	case r.URL.Path == configPath && r.Method == http.MethodPost:
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		installation, err := parseInstallationForm(r.PostForm)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.installation = installation
		f.posts++
	case r.URL.Path == rebootPath && r.Method == http.MethodPost:
		f.reboots++
	case r.URL.Path == "/cgi-bin/egauge":
		if f.downPings > 0 {
			f.downPings--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// state returns a snapshot of the fake's counters and stored installation.
func (f *fakeMeter) state() (Installation, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installation, f.posts, f.reboots
}

func testInstallation() Installation {
	return Installation{
		Registers: []telemetry.Register{
			{ID: 1, Name: "Kitchen, east.A", Value: "120.5", Kind: "P"},
			{ID: 2, Name: "Heat pump.B", Value: "-98", Kind: "P"},
		},
		Totals: []telemetry.Register{
			{ID: 100, Name: "Usage", Value: "1+2", Kind: "S"},
		},
		Channels: []Channel{
			{CT: "S1", Phases: "A"},
			{CT: "S2", Phases: "AB"},
		},
	}
}

func newTestClient(t *testing.T, meter *fakeMeter) *Client {
	server := httptest.NewServer(meter)
	t.Cleanup(server.Close)
	client := NewClient(http.Client{Timeout: time.Second}, server.URL+"/", meter.username, meter.password)
	client.pollInterval = time.Millisecond
	return client
}

func TestClientInstallationRoundTrip(t *testing.T) {
	meter := &fakeMeter{installation: testInstallation(), username: "owner", password: "secret"}
	client := newTestClient(t, meter)
	ctx := context.Background()

	installation, err := client.GetInstallation(ctx)
	require.NoError(t, err)
	assert.Equal(t, testInstallation(), installation)

	installation.Registers[1].Value = "98"
	require.NoError(t, client.PostInstallation(ctx, installation))

	stored, posts, _ := meter.state()
	assert.Equal(t, 1, posts)
	assert.Equal(t, "98", stored.Registers[1].Value)
	assert.Equal(t, "Kitchen, east.A", stored.Registers[0].Name)
	assert.Equal(t, testInstallation().Totals, stored.Totals)
	assert.Equal(t, testInstallation().Channels, stored.Channels)
}

func TestClientUnauthorized(t *testing.T) {
	meter := &fakeMeter{installation: testInstallation(), username: "owner", password: "secret"}
	server := httptest.NewServer(meter)
	defer server.Close()

	client := NewClient(http.Client{}, server.URL, "owner", "wrong")
	_, err := client.GetInstallation(context.Background())
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestClientWaitReady(t *testing.T) {
	t.Run("comes back", func(t *testing.T) {
		meter := &fakeMeter{downPings: 3}
		client := newTestClient(t, meter)
		require.NoError(t, client.WaitReady(context.Background(), time.Second))
	})

	t.Run("times out", func(t *testing.T) {
		meter := &fakeMeter{downPings: math.MaxInt32}
		client := newTestClient(t, meter)
		err := client.WaitReady(context.Background(), 20*time.Millisecond)
		assert.ErrorIs(t, err, ErrNotReady)
	})
}

func TestClientHost(t *testing.T) {
	client := NewClient(http.Client{}, "http://egauge6599.egaug.es/", "", "")
	assert.Equal(t, "egauge6599.egaug.es", client.Host())
}

// fakeTable is a modbus holding register space holding the per-CT table.
type fakeTable map[uint16]uint16

func (f fakeTable) putFloat(addr uint16, val float32) {
	bits := math.Float32bits(val)
	f[addr] = uint16(bits >> 16)
	f[addr+1] = uint16(bits)
}

func (f fakeTable) setChannel(ch int, current, powerKW, pf float32) {
	addr := uint16(DefaultChannelTableAddr + ch*6)
	f.putFloat(addr, current)
	f.putFloat(addr+2, powerKW)
	f.putFloat(addr+4, pf)
}

func (f fakeTable) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	bytes := make([]byte, 2*int(quantity))
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(bytes[2*i:], f[address+i])
	}
	return bytes, nil
}

func TestSamplerSample(t *testing.T) {
	table := fakeTable{}
	table.setChannel(0, 12.5, -1.5, 0.875)
	table.setChannel(1, 2, 0.25, 0.5)
	table.setChannel(2, 0, 0, 0)

	sampler, err := NewSampler(table, DefaultChannelTableAddr, 3, time.Millisecond)
	require.NoError(t, err)

	samples, err := sampler.Sample(context.Background(), 4, []Channel{{CT: "S1", Phases: "A"}, {CT: "", Phases: "BC"}})
	require.NoError(t, err)
	require.Len(t, samples, 4)

	channels := samples[3].Channels
	require.Len(t, channels, 3)
	assert.Equal(t, telemetry.Measurement{CT: "S1", Current: 12.5, RealPower: -1500, PowerFactor: 0.875, PhaseLabels: "A"}, channels[0])
	assert.Equal(t, telemetry.Measurement{CT: "CT2", Current: 2, RealPower: 250, PowerFactor: 0.5, PhaseLabels: "BC"}, channels[1])
	assert.Equal(t, telemetry.Measurement{CT: "CT3"}, channels[2])
}

func TestSamplerCancelled(t *testing.T) {
	sampler, err := NewSampler(fakeTable{}, DefaultChannelTableAddr, 1, time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sampler.Sample(ctx, 2, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMeterRotateAndPush(t *testing.T) {
	meter := &fakeMeter{installation: testInstallation()}
	client := newTestClient(t, meter)
	table := fakeTable{}
	table.setChannel(0, 10, 2, 0.9)
	table.setChannel(1, 5, 1, 0.9)
	sampler, err := NewSampler(table, DefaultChannelTableAddr, 2, time.Millisecond)
	require.NoError(t, err)

	device := NewMeter(client, sampler)
	ctx := context.Background()

	require.NoError(t, device.RotateVoltageConfig(ctx))
	stored, _, _ := meter.state()
	assert.Equal(t, []Channel{{CT: "S1", Phases: "B"}, {CT: "S2", Phases: "BC"}}, stored.Channels)

	samples, err := device.Sample(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "BC", samples[0].Channels[1].PhaseLabels)

	pushed := []telemetry.Register{{ID: 1, Name: "Kitchen, east.B", Value: "-120.5", Kind: "P"}}
	require.NoError(t, device.PushRegisters(ctx, pushed, testInstallation().Totals))

	registers, totals, err := device.Registers(ctx)
	require.NoError(t, err)
	assert.Equal(t, pushed, registers)
	assert.Equal(t, testInstallation().Totals, totals)
	stored, _, _ = meter.state()
	assert.Equal(t, "B", stored.Channels[0].Phases, "push keeps the channel config")

	require.NoError(t, device.Reboot(ctx))
	_, _, reboots := meter.state()
	assert.Equal(t, 1, reboots)
}

func TestMockMeasuresAgainstConfiguredPhase(t *testing.T) {
	mock := NewMock("mock", nil, nil, []MockChannel{
		{CT: "S1", Phases: "A", TruePhase: 'B', Current: 12, PowerFactor: 0.95},
		{CT: "S2", Phases: "A", TruePhase: 'A', Current: 12, PowerFactor: 0.95, Reversed: true},
	})
	ctx := context.Background()

	samples, err := mock.Sample(ctx, 1)
	require.NoError(t, err)
	assert.Less(t, samples[0].Channels[0].PowerFactor, 0.0, "wrong phase shows a poor power factor")
	assert.InDelta(t, 0.95, samples[0].Channels[1].PowerFactor, 1e-9)
	assert.Less(t, samples[0].Channels[1].RealPower, 0.0, "reversed CT reads negative power")

	require.NoError(t, mock.RotateVoltageConfig(ctx))
	samples, err = mock.Sample(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "B", samples[0].Channels[0].PhaseLabels)
	assert.InDelta(t, 0.95, samples[0].Channels[0].PowerFactor, 1e-9)
	assert.Greater(t, samples[0].Channels[0].RealPower, 0.0)

	assert.Equal(t, []string{"sample", "rotate", "sample"}, mock.Calls)
}

// parseInstallationForm is the inverse of installationForm.
func parseInstallationForm(data url.Values) (Installation, error) {
	count := func(key string) (int, error) {
		n, err := strconv.Atoi(data.Get(key))
		if err != nil {
			return 0, fmt.Errorf("parse %s count: %w", key, err)
		}
		return n, nil
	}
	parseRegisters := func(prefix, countKey string) ([]telemetry.Register, error) {
		n, err := count(countKey)
		if err != nil {
			return nil, err
		}
		registers := make([]telemetry.Register, 0, n)
		for i := 0; i < n; i++ {
			key := prefix + strconv.Itoa(i)
			id, err := strconv.Atoi(data.Get(key + "_id"))
			if err != nil {
				return nil, fmt.Errorf("parse %s id: %w", key, err)
			}
			registers = append(registers, telemetry.Register{
				ID:    id,
				Name:  data.Get(key + "_name"),
				Value: data.Get(key + "_val"),
				Kind:  data.Get(key + "_type"),
			})
		}
		return registers, nil
	}

	var installation Installation
	var err error
	if installation.Registers, err = parseRegisters("reg", "registers"); err != nil {
		return Installation{}, err
	}
	if installation.Totals, err = parseRegisters("tot", "totals"); err != nil {
		return Installation{}, err
	}
	channels, err := count("channels")
	if err != nil {
		return Installation{}, err
	}
	for i := 0; i < channels; i++ {
		key := "ch" + strconv.Itoa(i)
		installation.Channels = append(installation.Channels, Channel{
			CT:     data.Get(key + "_ct"),
			Phases: data.Get(key + "_phases"),
		})
	}

	return installation, nil
}

func TestDialUnreachable(t *testing.T) {
	// nothing listens on the listener's address once it is closed
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	_, err = Dial(addr, 1, 100*time.Millisecond)
	assert.Error(t, err)
}
