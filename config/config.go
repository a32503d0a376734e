package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cepro/phasematch/collector"
	"github.com/cepro/phasematch/egauge"
	"github.com/cepro/phasematch/phasematch"
	"github.com/goccy/go-yaml"
)

// Secrets are read from the environment rather than the config file.
const (
	EnvEgaugePassword  = "EGAUGE_PASSWORD"
	EnvSupabaseKey     = "SUPABASE_KEY"
	EnvSupabaseUserKey = "SUPABASE_USER_KEY"
)

type ModbusConfig struct {
	Host             string `json:"host" yaml:"host"`
	SlaveID          byte   `json:"slaveId" yaml:"slaveId"`
	TimeoutSecs      int    `json:"timeoutSecs" yaml:"timeoutSecs"`
	ChannelTableAddr uint16 `json:"channelTableAddr" yaml:"channelTableAddr"`
}

type DeviceConfig struct {
	Url      string `json:"url" yaml:"url"`
	Username string `json:"username" yaml:"username"`
	// password is specified via env var
	Password        string       `json:"-" yaml:"-"`
	Channels        int          `json:"channels" yaml:"channels"`
	Modbus          ModbusConfig `json:"modbus" yaml:"modbus"`
	HttpTimeoutSecs int          `json:"httpTimeoutSecs" yaml:"httpTimeoutSecs"`
}

type CaptureConfig struct {
	Samples          int `json:"samples" yaml:"samples"`
	SampleIntervalMs int `json:"sampleIntervalMs" yaml:"sampleIntervalMs"`
	ReadyTimeoutSecs int `json:"readyTimeoutSecs" yaml:"readyTimeoutSecs"`
}

// MatcherConfig overrides the matching defaults. Unset (nil) fields keep the default, explicit zeros are honoured.
type MatcherConfig struct {
	EnforcePhaseSuffix *bool    `json:"enforcePhaseSuffix" yaml:"enforcePhaseSuffix"`
	MinCurrent         *float64 `json:"minCurrent" yaml:"minCurrent"`
	HighCurrent        *float64 `json:"highCurrent" yaml:"highCurrent"`
	MotorPowerFactor   *float64 `json:"motorPowerFactor" yaml:"motorPowerFactor"`
	CollisionPolicy    string   `json:"collisionPolicy" yaml:"collisionPolicy"`
}

type RepositoryConfig struct {
	Path      string `json:"path" yaml:"path"`
	ReplayDir string `json:"replayDir" yaml:"replayDir"`
}

type SupabaseConfig struct {
	Url string `json:"url" yaml:"url"`
	// keys are specified via env var
	AnonKey string `json:"-" yaml:"-"`
	UserKey string `json:"-" yaml:"-"`
	Schema  string `json:"schema" yaml:"schema"`
}

type Config struct {
	LogLevel     string           `json:"logLevel" yaml:"logLevel"`
	Device       DeviceConfig     `json:"device" yaml:"device"`
	Capture      CaptureConfig    `json:"capture" yaml:"capture"`
	Matcher      MatcherConfig    `json:"matcher" yaml:"matcher"`
	Repository   RepositoryConfig `json:"repository" yaml:"repository"`
	DataPlatform SupabaseConfig   `json:"dataPlatform" yaml:"dataPlatform"`
}

// Default returns the configuration used for anything the config file leaves out.
func Default() Config {
	return Config{
		LogLevel: "info",
		Device: DeviceConfig{
			Username: "owner",
			Channels: 12,
			Modbus: ModbusConfig{
				SlaveID:          1,
				TimeoutSecs:      5,
				ChannelTableAddr: egauge.DefaultChannelTableAddr,
			},
			HttpTimeoutSecs: 10,
		},
		Capture: CaptureConfig{
			Samples:          collector.DefaultSamples,
			SampleIntervalMs: 1000,
			ReadyTimeoutSecs: int(collector.DefaultReadyTimeout / time.Second),
		},
		Repository: RepositoryConfig{
			Path:      "phasematch.sqlite",
			ReplayDir: os.TempDir(),
		},
		DataPlatform: SupabaseConfig{
			Schema: "public",
		},
	}
}

// Read loads the config file at `path`, as YAML if it has a .yaml or .yml extension and JSON otherwise, on top
// of the defaults. Secrets are then taken from the environment.
func Read(path string) (Config, error) {
	config := Default()

	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}

		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(content, &config)
		default:
			err = json.Unmarshal(content, &config)
		}
		if err != nil {
			return Config{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	config.Device.Password = os.Getenv(EnvEgaugePassword)
	config.DataPlatform.AnonKey = os.Getenv(EnvSupabaseKey)
	config.DataPlatform.UserKey = os.Getenv(EnvSupabaseUserKey)

	_, err := config.Matcher.Options()
	if err != nil {
		return Config{}, err
	}

	return config, nil
}

// Options converts the matcher config into phasematch options, falling back to the defaults for nil values.
func (m MatcherConfig) Options() (phasematch.Options, error) {
	opts := phasematch.DefaultOptions()

	if m.EnforcePhaseSuffix != nil {
		opts.EnforcePhaseSuffix = *m.EnforcePhaseSuffix
	}
	if m.MinCurrent != nil {
		opts.MinCurrent = *m.MinCurrent
	}
	if m.HighCurrent != nil {
		opts.HighCurrent = *m.HighCurrent
	}
	if m.MotorPowerFactor != nil {
		opts.MotorPowerFactor = *m.MotorPowerFactor
	}

	policy, err := ParseCollisionPolicy(m.CollisionPolicy)
	if err != nil {
		return phasematch.Options{}, err
	}
	opts.CollisionPolicy = policy

	return opts, nil
}

// ParseCollisionPolicy accepts the names printed by phasematch.CollisionPolicy.String. Empty means the default.
func ParseCollisionPolicy(s string) (phasematch.CollisionPolicy, error) {
	switch s {
	case "", phasematch.KeepBoth.String():
		return phasematch.KeepBoth, nil
	case phasematch.KeepOriginal.String():
		return phasematch.KeepOriginal, nil
	default:
		return 0, fmt.Errorf("unknown collision policy %q", s)
	}
}
