// Package stream appends pipeline records to Redis Streams.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/softbio"
)

// Config names the streams and bounds their length.
type Config struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	MetricsStream  string        `yaml:"metrics_stream"`
	AlertsStream   string        `yaml:"alerts_stream"`
	FeaturesStream string        `yaml:"features_stream"`
	MaxLen         int64         `yaml:"max_len"` // 0 keeps every entry
	Timeout        time.Duration `yaml:"timeout"`
}

// DefaultConfig returns stream names matching the MQTT topics.
func DefaultConfig() Config {
	return Config{
		MetricsStream:  "floor:metrics",
		AlertsStream:   "floor:alerts",
		FeaturesStream: "floor:softbio",
		MaxLen:         10000,
		Timeout:        2 * time.Second,
	}
}

// NewClient returns a Redis client for cfg.
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Publisher writes metrics, alerts and features with XADD. Each entry holds
// the zone, the record timestamp and the JSON record under "data".
type Publisher struct {
	client *redis.Client
	cfg    Config
	logger *zap.Logger
}

// New returns a publisher over client. Empty stream names disable that kind
// of record.
func New(client *redis.Client, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Publisher{client: client, cfg: cfg, logger: logger}
}

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// PublishMetrics implements pipeline.MetricsSink.
func (p *Publisher) PublishMetrics(m pipeline.Metrics) error {
	return p.add(p.cfg.MetricsStream, m.Zone, m.Timestamp, m, nil)
}

// PublishAlert implements pipeline.AlertSink.
func (p *Publisher) PublishAlert(a fall.Alert) error {
	return p.add(p.cfg.AlertsStream, a.Zone, a.Timestamp, a, map[string]interface{}{
		"id":     a.ID,
		"forced": a.Forced,
	})
}

// PublishFeatures implements pipeline.FeatureSink.
func (p *Publisher) PublishFeatures(f softbio.Features) error {
	return p.add(p.cfg.FeaturesStream, "", f.Timestamp, f, map[string]interface{}{
		"track_id": f.TrackID,
	})
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) add(stream, zone string, ts time.Time, record interface{}, extra map[string]interface{}) error {
	if stream == "" {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("stream %s: marshal: %w", stream, err)
	}
	values := map[string]interface{}{
		"ts":   ts.UTC().Format(time.RFC3339Nano),
		"data": string(data),
	}
	if zone != "" {
		values["zone"] = zone
	}
	for k, v := range extra {
		values[k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: p.cfg.MaxLen,
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("stream %s: xadd: %w", stream, err)
	}
	p.logger.Debug("stream entry added", zap.String("stream", stream), zap.String("id", id))
	return nil
}
