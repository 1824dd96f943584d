package pipeline

import (
	"time"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/fusion"
	"github.com/sweeney/floor-sensor/internal/softbio"
)

// TrackStatus is the position of one live track.
type TrackStatus struct {
	ID    string        `json:"id"`
	At    softbio.Point `json:"at"`
	Steps int           `json:"steps"`
}

// Snapshot is a point-in-time copy of the pipeline state for status pages.
type Snapshot struct {
	Zone            string                `json:"zone"`
	Timestamp       time.Time             `json:"ts"`
	FallState       string                `json:"fall_state"`
	FallProbability float64               `json:"fall_probability"`
	Latest          *Metrics              `json:"latest,omitempty"`
	Alerts          []fall.Alert          `json:"alerts"`
	Tracks          []TrackStatus         `json:"tracks"`
	Devices         []fusion.DeviceStatus `json:"devices"`
	Stats           Stats                 `json:"stats"`
}

// Snapshot copies the current state.
func (p *Pipeline) Snapshot() Snapshot {
	s := Snapshot{
		Zone:            p.Zone(),
		Timestamp:       p.now,
		FallState:       p.fall.State().String(),
		FallProbability: p.fall.Probability(),
		Alerts:          append([]fall.Alert(nil), p.alerts...),
		Devices:         p.fuser.Status(p.now),
		Stats:           p.stats,
	}
	if p.latest != nil {
		m := *p.latest
		m.Devices = append([]fusion.DeviceStatus(nil), m.Devices...)
		s.Latest = &m
	}
	for _, t := range p.tracker.Tracks() {
		s.Tracks = append(s.Tracks, TrackStatus{ID: t.ID, At: t.Position(), Steps: len(t.Steps())})
	}
	return s
}

// Stats returns the frame counters.
func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Alerts returns the recent alerts, oldest first.
func (p *Pipeline) Alerts() []fall.Alert {
	return append([]fall.Alert(nil), p.alerts...)
}
