package egauge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cepro/phasematch/telemetry"
)

const (
	configPath = "/cgi-bin/protected/egauge-cfg"
	rebootPath = "/cgi-bin/protected/reboot"
	statusPath = "/cgi-bin/egauge?noteam"
)

var (
	// ErrNotReady is returned when the meter does not come back within the wait timeout.
	ErrNotReady = errors.New("meter not ready")

	// ErrUnexpectedStatus is returned for any non 200 response from the meter.
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

// Channel is the installation's view of one CT input.
type Channel struct {
	CT     string `json:"ct"`
	Phases string `json:"phases"` // voltage phase letters the CT's power is computed against
}

// Installation is the meter configuration relevant to phase matching.
type Installation struct {
	Registers []telemetry.Register `json:"registers"`
	Totals    []telemetry.Register `json:"totals"`
	Channels  []Channel            `json:"channels"`
}

// Client implements the HTTP configuration API of an eGauge meter.
type Client struct {
	httpClient   http.Client
	baseUrl      string
	username     string
	password     string
	pollInterval time.Duration // how often WaitReady checks the meter

	logger *slog.Logger
}

func NewClient(httpClient http.Client, baseUrl, username, password string) *Client {
	return &Client{
		httpClient:   httpClient,
		baseUrl:      strings.TrimSuffix(baseUrl, "/"),
		username:     username,
		password:     password,
		pollInterval: time.Second,
		logger:       slog.Default().With("host", baseUrl),
	}
}

// Host returns the network location of the meter, used to label captures.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseUrl)
	if err != nil || u.Host == "" {
		return c.baseUrl
	}
	return u.Host
}

// GetInstallation pulls the current register and channel configuration from the meter.
func (c *Client) GetInstallation(ctx context.Context) (Installation, error) {

	response, err := c.do(ctx, http.MethodGet, configPath, nil)
	if err != nil {
		return Installation{}, fmt.Errorf("get installation: %w", err)
	}
	defer response.Body.Close()

	installation := Installation{}
	err = json.NewDecoder(response.Body).Decode(&installation)
	if err != nil {
		return Installation{}, fmt.Errorf("parse body: %w", err)
	}

	return installation, nil
}

// PostInstallation writes the given installation back to the meter. The meter only applies it after a reboot.
func (c *Client) PostInstallation(ctx context.Context, installation Installation) error {

	body := installationForm(installation).Encode()
	response, err := c.do(ctx, http.MethodPost, configPath, strings.NewReader(body))
	if err != nil {
		return fmt.Errorf("post installation: %w", err)
	}
	defer response.Body.Close()

	c.logger.Info("Posted installation", "registers", len(installation.Registers), "channels", len(installation.Channels))

	return nil
}

// Reboot asks the meter to restart.
func (c *Client) Reboot(ctx context.Context) error {
	response, err := c.do(ctx, http.MethodPost, rebootPath, nil)
	if err != nil {
		return fmt.Errorf("reboot: %w", err)
	}
	defer response.Body.Close()

	c.logger.Info("Rebooting meter")

	return nil
}

// Ping checks that the meter is serving requests.
func (c *Client) Ping(ctx context.Context) error {
	response, err := c.do(ctx, http.MethodGet, statusPath, nil)
	if err != nil {
		return err
	}
	response.Body.Close()
	return nil
}

// WaitReady blocks until the meter answers a ping, giving up after `timeout`.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		err := c.Ping(ctx)
		if err == nil {
			return nil
		}
		c.logger.Debug("Meter not ready yet", "error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %v: %w", ErrNotReady, timeout, err)
		case <-ticker.C:
		}
	}
}

// do sends an authenticated request and returns the response if it has a 200 status.
func (c *Client) do(ctx context.Context, method, path string, body *strings.Reader) (*http.Response, error) {

	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.baseUrl+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.baseUrl+path, nil)
	}
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if response.StatusCode != http.StatusOK {
		response.Body.Close()
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, response.StatusCode)
	}

	return response, nil
}

// installationForm encodes an installation as the url encoded form the meter's config endpoint accepts.
func installationForm(installation Installation) url.Values {
	data := url.Values{}
	addRegisters := func(prefix string, registers []telemetry.Register) {
		for i, reg := range registers {
			key := prefix + strconv.Itoa(i)
			data.Set(key+"_id", strconv.Itoa(reg.ID))
			data.Set(key+"_name", reg.Name)
			data.Set(key+"_val", reg.Value)
			data.Set(key+"_type", reg.Kind)
		}
	}
	addRegisters("reg", installation.Registers)
	addRegisters("tot", installation.Totals)

	for i, channel := range installation.Channels {
		key := "ch" + strconv.Itoa(i)
		data.Set(key+"_ct", channel.CT)
		data.Set(key+"_phases", channel.Phases)
	}

	data.Set("registers", strconv.Itoa(len(installation.Registers)))
	data.Set("totals", strconv.Itoa(len(installation.Totals)))
	data.Set("channels", strconv.Itoa(len(installation.Channels)))

	return data
}
