package egauge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/phasematch/modbusaccess"
	"github.com/cepro/phasematch/telemetry"
	"github.com/grid-x/modbus"
)

const (
	fieldCurrent     = "current"
	fieldRealPower   = "realPower"
	fieldPowerFactor = "powerFactor"

	// DefaultChannelTableAddr is where the meter's modbus map starts its per-CT table.
	DefaultChannelTableAddr = 500
)

// channelFields is the row layout of the per-CT modbus table: RMS current (A), real power (kW), power factor.
var channelFields = []modbusaccess.Field{
	{Name: fieldCurrent, DataType: modbusaccess.FloatType},
	{Name: fieldRealPower, DataType: modbusaccess.FloatType, Scale: 1000}, // kW on the wire, W in measurements
	{Name: fieldPowerFactor, DataType: modbusaccess.FloatType},
}

// Sampler takes sweeps of the CT channel readings over Modbus.
type Sampler struct {
	reader   modbusaccess.RegisterReader
	blocks   []modbusaccess.RegisterBlock
	channels int
	interval time.Duration // time between sweeps

	logger *slog.Logger
}

func NewSampler(reader modbusaccess.RegisterReader, tableAddr uint16, channels int, interval time.Duration) (*Sampler, error) {
	blocks, err := modbusaccess.ChannelBlocks("channels", tableAddr, channels, channelFields)
	if err != nil {
		return nil, fmt.Errorf("build channel table: %w", err)
	}

	return &Sampler{
		reader:   reader,
		blocks:   blocks,
		channels: channels,
		interval: interval,
		logger:   slog.Default(),
	}, nil
}

// Connection is a Modbus TCP connection to the meter that re-connects after a failed read.
type Connection struct {
	host    string
	slaveID byte
	timeout time.Duration

	handler         *modbus.TCPClientHandler
	client          modbus.Client
	shouldReconnect bool // when true, the handler is 'dirty' and will be re-created next time a read is made
	logger          *slog.Logger
}

// Dial connects to the meter's Modbus TCP server.
func Dial(host string, slaveID byte, timeout time.Duration) (*Connection, error) {
	c := &Connection{
		host:            host,
		slaveID:         slaveID,
		timeout:         timeout,
		shouldReconnect: true,
		logger:          slog.Default().With("host", host),
	}

	err := c.reconnectIfNeccesary()
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ReadHoldingRegisters reads `quantity` registers from `address`, re-connecting first if the previous read failed.
func (c *Connection) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	err := c.reconnectIfNeccesary()
	if err != nil {
		return nil, fmt.Errorf("reconnect: %w", err)
	}

	bytes, err := c.client.ReadHoldingRegisters(address, quantity)
	if err != nil {
		c.shouldReconnect = true
		return nil, err
	}
	return bytes, nil
}

func (c *Connection) Close() error {
	if c.handler == nil {
		return nil
	}
	return c.handler.Close()
}

// reconnectIfNeccesary will close the old connection and reconnect if there have been problems with the connection.
func (c *Connection) reconnectIfNeccesary() error {
	if !c.shouldReconnect {
		return nil
	}

	// Ignore errors from Close() as we will continue with the reconnect anyway and start a new connection.
	if c.handler != nil {
		c.handler.Close()
	}

	handler := modbus.NewTCPClientHandler(c.host)
	handler.Timeout = c.timeout
	handler.SlaveID = c.slaveID

	err := handler.Connect()
	if err != nil {
		return fmt.Errorf("connect modbus %s: %w", c.host, err)
	}

	c.handler = handler
	c.client = modbus.NewClient(handler)
	c.shouldReconnect = false

	c.logger.Info("Connected modbus client")

	return nil
}

// Sample takes `n` sweeps of all channels, `interval` apart. `channels` supplies each CT's name and the phase
// labels it is currently wired against.
func (s *Sampler) Sample(ctx context.Context, n int, channels []Channel) ([]telemetry.Sample, error) {

	samples := make([]telemetry.Sample, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.interval):
			}
		}

		sample, err := s.sweep(channels)
		if err != nil {
			return nil, fmt.Errorf("sweep %d: %w", i, err)
		}
		samples = append(samples, sample)
	}

	s.logger.Info("Sampled channels", "sweeps", n, "channels", s.channels)

	return samples, nil
}

// sweep reads every channel once.
func (s *Sampler) sweep(channels []Channel) (telemetry.Sample, error) {
	metrics, err := modbusaccess.PollBlocks(s.reader, s.blocks)
	if err != nil {
		return telemetry.Sample{}, err
	}

	sample := telemetry.Sample{
		Time:     time.Now(),
		Channels: make([]telemetry.Measurement, s.channels),
	}
	for ch := 0; ch < s.channels; ch++ {
		m := telemetry.Measurement{
			CT:          fmt.Sprintf("CT%d", ch+1),
			Current:     metrics[modbusaccess.ChannelKey(fieldCurrent, ch)],
			RealPower:   metrics[modbusaccess.ChannelKey(fieldRealPower, ch)],
			PowerFactor: metrics[modbusaccess.ChannelKey(fieldPowerFactor, ch)],
		}
		if ch < len(channels) {
			if channels[ch].CT != "" {
				m.CT = channels[ch].CT
			}
			m.PhaseLabels = channels[ch].Phases
		}
		sample.Channels[ch] = m
	}

	return sample, nil
}
