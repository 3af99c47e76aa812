package influxx

import (
	"context"
	"errors"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"fleet-rental-system/shared/config"
)

type Client struct {
	client influxdb2.Client
	write  api.WriteAPIBlocking
}

// New returns nil, nil when Influx is not configured; telemetry is optional.
func New(cfg config.Config) (*Client, error) {
	if cfg.InfluxURL == "" {
		return nil, nil
	}
	if cfg.InfluxToken == "" || cfg.InfluxOrg == "" || cfg.InfluxBucket == "" {
		return nil, errors.New("INFLUX_TOKEN/INFLUX_ORG/INFLUX_BUCKET are required when INFLUX_URL is set")
	}
	timeoutSec := uint((cfg.InfluxTimeoutMS + 999) / 1000)
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(max(timeoutSec, 1))
	client := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{client: client, write: client.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket)}, nil
}

func (c *Client) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	if c == nil || c.client == nil {
		return errors.New("influx client not initialized")
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return c.write.WritePoint(ctx, influxdb2.NewPoint(measurement, tags, fields, ts))
}

func (c *Client) Close() {
	if c == nil || c.client == nil {
		return
	}
	c.client.Close()
}
