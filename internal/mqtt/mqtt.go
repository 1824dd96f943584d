// Package mqtt connects the daemon to the broker: frame ingress on the
// configured device topics, and egress of fall alerts, pressure metrics,
// soft-bio features and system lifecycle events.
package mqtt

import (
	"encoding/json"
	"time"

	"github.com/sweeney/floor-sensor/internal/cop"
	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/softbio"
)

// Default egress topics.
const (
	DefaultAlertsTopic   = "floor/alerts"
	DefaultMetricsTopic  = "pt/metrics"
	DefaultFeaturesTopic = "softbio/features"
	DefaultSystemTopic   = "floor/system"
)

// Topics names the egress topic for each record kind.
type Topics struct {
	Alerts   string
	Metrics  string
	Features string
	System   string
}

// DefaultTopics returns the stock topic layout.
func DefaultTopics() Topics {
	return Topics{
		Alerts:   DefaultAlertsTopic,
		Metrics:  DefaultMetricsTopic,
		Features: DefaultFeaturesTopic,
		System:   DefaultSystemTopic,
	}
}

func (t Topics) withDefaults() Topics {
	d := DefaultTopics()
	if t.Alerts == "" {
		t.Alerts = d.Alerts
	}
	if t.Metrics == "" {
		t.Metrics = d.Metrics
	}
	if t.Features == "" {
		t.Features = d.Features
	}
	if t.System == "" {
		t.System = d.System
	}
	return t
}

// Publisher publishes pipeline output to MQTT. It satisfies the pipeline's
// alert, metrics and feature sinks.
type Publisher interface {
	// PublishAlert sends a fall alert. Alerts are delivered at-least-once.
	PublishAlert(a fall.Alert) error

	// PublishMetrics sends one metrics snapshot.
	PublishMetrics(m pipeline.Metrics) error

	// PublishFeatures sends one soft-bio feature record.
	PublishFeatures(f softbio.Features) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// AlertPayload is the wire form of a fall alert.
type AlertPayload struct {
	EventType  string      `json:"event_type"`
	ID         string      `json:"id"`
	Zone       string      `json:"zone"`
	Timestamp  string      `json:"timestamp"`
	Confidence float64     `json:"confidence"`
	Location   *cop.Sample `json:"location,omitempty"`
	ImpactArea *float64    `json:"impact_area,omitempty"`
	Velocity   *float64    `json:"velocity,omitempty"`
	Forced     bool        `json:"forced"`
}

// FormatAlertPayload creates the JSON payload for a fall alert.
func FormatAlertPayload(a fall.Alert) ([]byte, error) {
	return json.Marshal(AlertPayload{
		EventType:  "fall_detected",
		ID:         a.ID,
		Zone:       a.Zone,
		Timestamp:  a.Timestamp.UTC().Format(time.RFC3339Nano),
		Confidence: a.Confidence,
		Location:   a.Location,
		ImpactArea: a.ImpactArea,
		Velocity:   a.Velocity,
		Forced:     a.Forced,
	})
}

// FormatMetricsPayload creates the flat JSON payload for a metrics snapshot.
func FormatMetricsPayload(m pipeline.Metrics) ([]byte, error) {
	return json.Marshal(m)
}

// FormatFeaturesPayload creates the JSON payload for a soft-bio feature record.
func FormatFeaturesPayload(f softbio.Features) ([]byte, error) {
	return json.Marshal(f)
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
