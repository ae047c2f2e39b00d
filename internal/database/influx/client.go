// Package influx provides InfluxDB time-series storage for poolwatch.
// It records per-notification metrics and session lifecycle events.
package influx

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Client wraps InfluxDB operations for time-series metrics
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queryAPI api.QueryAPI
	bucket   string
	org      string
}

// Config holds InfluxDB connection configuration
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewClient creates a new InfluxDB client
func NewClient(cfg *Config) (*Client, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queryAPI: client.QueryAPI(cfg.Org),
		bucket:   cfg.Bucket,
		org:      cfg.Org,
	}, nil
}

// Close flushes pending writes and closes the connection
func (c *Client) Close() {
	c.writeAPI.Flush()
	c.client.Close()
}

// Health checks InfluxDB connectivity
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		return fmt.Errorf("health check failed: %s", msg)
	}

	return nil
}

// Flush forces pending points out to the server
func (c *Client) Flush() {
	c.writeAPI.Flush()
}

// Telemetry metrics

// WriteWorkMetric records one observed notification and how its coinbase
// decoded. decodeOK is false when decoding failed at any stage.
func (c *Client) WriteWorkMetric(jobID string, branchCount int, cleanJobs, decodeOK bool, decodeTime time.Duration) {
	tags := map[string]string{
		"clean_jobs": fmt.Sprintf("%t", cleanJobs),
		"decode_ok":  fmt.Sprintf("%t", decodeOK),
	}

	fields := map[string]interface{}{
		"job_id":         jobID,
		"branch_count":   branchCount,
		"decode_time_us": decodeTime.Microseconds(),
		"count":          1,
	}

	point := write.NewPoint("work_notifications", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteSessionMetric records a session state change.
func (c *Client) WriteSessionMetric(state string, attempt int) {
	tags := map[string]string{
		"state": state,
	}

	fields := map[string]interface{}{
		"attempt": attempt,
		"count":   1,
	}

	point := write.NewPoint("sessions", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WriteConfirmationMetric records a notification matched to a chain block.
func (c *Client) WriteConfirmationMetric(jobID, blockHash string, lag time.Duration) {
	tags := map[string]string{
		"block_hash": blockHash,
	}

	fields := map[string]interface{}{
		"job_id":  jobID,
		"lag_sec": lag.Seconds(),
		"count":   1,
	}

	point := write.NewPoint("confirmations", tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// GetNotifyRate returns the notification count over the given window.
func (c *Client) GetNotifyRate(ctx context.Context, window time.Duration) (int64, error) {
	query := fmt.Sprintf(`
		from(bucket: "%s")
		|> range(start: -%ds)
		|> filter(fn: (r) => r._measurement == "work_notifications" and r._field == "count")
		|> sum()`,
		c.bucket, int(window.Seconds()))

	result, err := c.queryAPI.Query(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to query notify rate: %w", err)
	}
	defer func() { _ = result.Close() }()

	var total int64
	for result.Next() {
		if v, ok := result.Record().Value().(int64); ok {
			total += v
		}
	}
	if result.Err() != nil {
		return 0, fmt.Errorf("error iterating notify rate: %w", result.Err())
	}

	return total, nil
}
