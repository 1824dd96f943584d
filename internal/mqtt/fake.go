package mqtt

import (
	"sync"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/softbio"
)

// FakePublisher records published records for test assertions. It is safe
// for use from the pipeline loop and a test goroutine at once.
type FakePublisher struct {
	mu sync.Mutex

	// Alerts contains all fall alerts that were published.
	Alerts []fall.Alert

	// AlertPayloads contains the JSON payloads for alerts.
	AlertPayloads [][]byte

	// Metrics contains all metrics snapshots that were published.
	Metrics []pipeline.Metrics

	// Features contains all soft-bio feature records that were published.
	Features []softbio.Features

	// SystemEvents contains all system events that were published.
	SystemEvents []SystemEvent

	// SystemPayloads contains the JSON payloads for system events.
	SystemPayloads [][]byte

	// PublishError, if set, will be returned by PublishAlert, PublishMetrics
	// and PublishFeatures.
	PublishError error

	// PublishSystemError, if set, will be returned by PublishSystem.
	PublishSystemError error

	// Closed tracks if Close was called.
	Closed bool

	// Connected controls the return value of IsConnected.
	Connected bool
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishAlert records the alert.
func (f *FakePublisher) PublishAlert(a fall.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	payload, err := FormatAlertPayload(a)
	if err != nil {
		return err
	}
	f.Alerts = append(f.Alerts, a)
	f.AlertPayloads = append(f.AlertPayloads, payload)
	return nil
}

// PublishMetrics records the metrics snapshot.
func (f *FakePublisher) PublishMetrics(m pipeline.Metrics) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Metrics = append(f.Metrics, m)
	return nil
}

// PublishFeatures records the feature record.
func (f *FakePublisher) PublishFeatures(feat softbio.Features) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishError != nil {
		return f.PublishError
	}
	f.Features = append(f.Features, feat)
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PublishSystemError != nil {
		return f.PublishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.SystemEvents = append(f.SystemEvents, event)
	f.SystemPayloads = append(f.SystemPayloads, payload)

	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Closed = true
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Connected
}

// AlertCount returns the number of alerts recorded so far.
func (f *FakePublisher) AlertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Alerts)
}

// SystemEventNames returns the Event field of every recorded system event.
func (f *FakePublisher) SystemEventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.SystemEvents))
	for i, e := range f.SystemEvents {
		names[i] = e.Event
	}
	return names
}

// Reset clears recorded records.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Alerts = nil
	f.AlertPayloads = nil
	f.Metrics = nil
	f.Features = nil
	f.SystemEvents = nil
	f.SystemPayloads = nil
	f.Closed = false
	f.PublishError = nil
	f.PublishSystemError = nil
	f.Connected = false
}
