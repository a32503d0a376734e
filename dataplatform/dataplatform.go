package dataplatform

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cepro/phasematch/phasematch"
	"github.com/cepro/phasematch/telemetry"
	supa "github.com/nedpals/supabase-go"
)

const (
	supabaseUploadTimeout = time.Second * 10

	commissioningTable = "ct_commissioning"
)

// Client provides an interface onto the Supabase platform.
// It hides the underlying open source supabase library and adds reconnection and timeout logic.
type Client struct {
	url     string
	anonKey string
	userKey string
	schema  string

	subClient       *supa.Client // the raw client of the underlying supabase library we are using
	shouldReconnect bool         // when true, the subClient is 'dirty' and will be re-created next time a write call is made
	logger          *slog.Logger
}

func New(url, anonKey, userKey, schema string) (*Client, error) {
	if url == "" {
		return nil, errors.New("supabase url is required")
	}

	client := &Client{
		url:             url,
		anonKey:         anonKey,
		userKey:         userKey,
		schema:          schema,
		shouldReconnect: true, // the connection is made lazily on the first upload
		logger:          slog.Default().With("host", url),
	}

	return client, nil
}

// UploadResult records how each CT of the capture run was commissioned.
func (c *Client) UploadResult(run telemetry.CaptureRun, result phasematch.Result) error {
	records := commissioningRecords(run, result, time.Now())
	if len(records) == 0 {
		return nil
	}

	err := c.insert(commissioningTable, records)
	if err != nil {
		return fmt.Errorf("upload commissioning records: %w", err)
	}

	c.logger.Info("Uploaded commissioning records", "db_table", commissioningTable, "db_records", len(records))
	return nil
}

func (c *Client) insert(table string, rows interface{}) error {

	err := c.reconnectIfNeccesary()
	if err != nil {
		return err
	}

	// The supabase client library doesn't have good timeout support, so here we wrap the call in a timeout
	errCh := make(chan error, 1)
	subClient := c.subClient
	go func() {
		errCh <- subClient.DB.From(table).Insert(rows).Execute(nil)
	}()

	select {
	case <-time.After(supabaseUploadTimeout):
		c.setShouldReconnect()
		return errors.New("timed out")
	case err := <-errCh:
		if err != nil {
			c.setShouldReconnect()
		}
		return err
	}
}

// createSubClient creates the open-source supabase library client with the schema and user headers set.
func (c *Client) createSubClient() error {

	subClient := supa.CreateClient(c.url, c.anonKey)

	// The supabase client library doesn't have a fully featured interface, here we specify options directly by
	// adding headers to the postgrest requests.
	subClient.DB.AddHeader("Accept-Profile", c.schema)
	subClient.DB.AddHeader("Content-Profile", c.schema)

	// Use a user JWT:
	if c.userKey != "" {
		subClient.DB.AddHeader("Authorization", fmt.Sprintf("Bearer %s", c.userKey))
	}

	c.subClient = subClient

	return nil
}

// setShouldReconnect is called when an upload failed in a way that should trigger a re-connect.
func (c *Client) setShouldReconnect() {
	c.shouldReconnect = true
}

// reconnectIfNeccesary re-creates the supabase client if there have been problems with the connection.
func (c *Client) reconnectIfNeccesary() error {
	if !c.shouldReconnect {
		return nil
	}

	err := c.createSubClient()
	if err != nil {
		return err
	}

	c.shouldReconnect = false

	c.logger.Info("Created supabase client")

	return nil
}
