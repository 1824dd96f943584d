// Package sts detects sit-to-stand and stand-to-sit transitions from how the
// pressure distributes between a chair zone and the rest of the grid.
package sts

import (
	"fmt"
	"math"
	"time"

	"github.com/sweeney/floor-sensor/internal/cop"
	"github.com/sweeney/floor-sensor/internal/frame"
)

// State of the transition machine.
type State int

const (
	Unknown State = iota
	Sitting
	Lifting
	Standing
	Returning
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "UNKNOWN"
	case Sitting:
		return "SITTING"
	case Lifting:
		return "LIFTING"
	case Standing:
		return "STANDING"
	case Returning:
		return "RETURNING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Zone-share thresholds driving the transitions.
const (
	sitShare    = 0.7 // Unknown/Returning -> Sitting
	liftShare   = 0.5 // Sitting -> Lifting
	standShare  = 0.1 // Lifting -> Standing
	returnShare = 0.3 // Standing -> Returning
)

// EventType is the kind of transition.
type EventType string

const (
	SitToStand EventType = "sit_to_stand"
	StandToSit EventType = "stand_to_sit"
)

// Event is a completed transition.
type Event struct {
	Timestamp    time.Time
	Type         EventType
	Duration     time.Duration
	MaxPressure  int     // peak active cell count during the transition
	PeakVelocity float64 // peak CoP speed during the transition, cells/s
	Snapshot     frame.Frame
}

// Zone is the chair rectangle, half-open: rows [RowStart, RowEnd), cols
// [ColStart, ColEnd).
type Zone struct {
	RowStart int `yaml:"row_start"`
	RowEnd   int `yaml:"row_end"`
	ColStart int `yaml:"col_start"`
	ColEnd   int `yaml:"col_end"`
}

// DefaultZone is the chair zone of a single 12x15 tile.
func DefaultZone() Zone {
	return Zone{RowStart: 8, RowEnd: 12, ColStart: 5, ColEnd: 10}
}

// Validate checks that the zone is non-empty and inside a rows x cols grid.
func (z Zone) Validate(rows, cols int) error {
	if z.RowStart < 0 || z.ColStart < 0 || z.RowEnd <= z.RowStart || z.ColEnd <= z.ColStart {
		return fmt.Errorf("chair zone %+v is empty or negative", z)
	}
	if z.RowEnd > rows || z.ColEnd > cols {
		return fmt.Errorf("chair zone %+v exceeds grid %dx%d", z, rows, cols)
	}
	return nil
}

// Config tunes the detector.
type Config struct {
	Zone      Zone
	Window    time.Duration // aggregate metrics window
	Retention time.Duration // how long events are kept
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{Zone: DefaultZone(), Window: 60 * time.Second, Retention: 10 * time.Minute}
}

// Metrics aggregates sit-to-stand events over the window.
type Metrics struct {
	StsCount      int     `json:"sts_count"`
	AvgDurationS  float64 `json:"avg_duration_s"`
	AvgVelocity   float64 `json:"avg_velocity"`
	SymmetryScore float64 `json:"symmetry_score"`
}

// Detector runs the transition machine. Not safe for concurrent use.
type Detector struct {
	cfg Config

	state      State
	stateStart time.Time
	maxPress   int
	peakVel    float64

	prev    *cop.Sample
	lastTS  time.Time
	hasLast bool
	events  []Event
}

// New returns a Detector in the Unknown state.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Retention < cfg.Window {
		cfg.Retention = def.Retention
		if cfg.Retention < cfg.Window {
			cfg.Retention = cfg.Window
		}
	}
	return &Detector{cfg: cfg}
}

// State returns the current state.
func (d *Detector) State() State {
	return d.state
}

// Events returns a copy of the retained events.
func (d *Detector) Events() []Event {
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// Update advances the machine with one frame and returns the transition it
// completed, if any.
func (d *Detector) Update(f frame.Frame) *Event {
	ts := f.Timestamp
	total := f.ActiveCount()
	zone := d.zoneCount(f)

	c := cop.CoP(f)
	vel := 0.0
	if d.prev != nil {
		if dt := ts.Sub(d.prev.Timestamp).Seconds(); dt > 0 {
			vel = math.Hypot(c.X-d.prev.X, c.Y-d.prev.Y) / dt
			if vel > d.peakVel {
				d.peakVel = vel
			}
		}
	}
	d.prev = &c
	d.lastTS = ts
	d.hasLast = true
	if total > d.maxPress {
		d.maxPress = total
	}

	z, t := float64(zone), float64(total)
	var ev *Event
	switch d.state {
	case Unknown:
		if z > t*sitShare {
			d.state = Sitting
		} else if total > 0 {
			d.state = Standing
		}
		d.enter(ts, total, vel)
	case Sitting:
		if z < t*liftShare && total > 0 {
			d.state = Lifting
			d.enter(ts, total, vel)
		}
	case Lifting:
		if z < t*standShare && total > 0 {
			d.state = Standing
			ev = d.emit(SitToStand, f)
			d.enter(ts, total, vel)
		}
	case Standing:
		if z > t*returnShare && total > 0 {
			d.state = Returning
			d.enter(ts, total, vel)
		}
	case Returning:
		if z > t*sitShare && total > 0 {
			d.state = Sitting
			ev = d.emit(StandToSit, f)
			d.enter(ts, total, vel)
		}
	}

	d.prune(ts)
	return ev
}

func (d *Detector) enter(ts time.Time, total int, vel float64) {
	d.stateStart = ts
	d.maxPress = total
	d.peakVel = vel
}

func (d *Detector) emit(typ EventType, f frame.Frame) *Event {
	ev := Event{
		Timestamp:    f.Timestamp,
		Type:         typ,
		Duration:     f.Timestamp.Sub(d.stateStart),
		MaxPressure:  d.maxPress,
		PeakVelocity: d.peakVel,
		Snapshot:     f.Clone(),
	}
	d.events = append(d.events, ev)
	return &ev
}

func (d *Detector) zoneCount(f frame.Frame) int {
	z := d.cfg.Zone
	n := 0
	for r := z.RowStart; r < z.RowEnd && r < f.Rows; r++ {
		for c := z.ColStart; c < z.ColEnd && c < f.Cols; c++ {
			if f.Active(r, c) {
				n++
			}
		}
	}
	return n
}

func (d *Detector) prune(now time.Time) {
	i := 0
	for i < len(d.events) && now.Sub(d.events[i].Timestamp) > d.cfg.Retention {
		i++
	}
	if i > 0 {
		d.events = append(d.events[:0], d.events[i:]...)
	}
}

// Metrics aggregates the sit-to-stand events inside the window ending at the
// latest frame.
func (d *Detector) Metrics() Metrics {
	none := Metrics{SymmetryScore: 100}
	if !d.hasLast || len(d.events) == 0 {
		return none
	}
	from := d.lastTS.Add(-d.cfg.Window)
	var n int
	var dur, vel, sym float64
	for _, e := range d.events {
		if e.Type != SitToStand || e.Timestamp.Before(from) {
			continue
		}
		n++
		s := e.Duration.Seconds()
		dur += s
		if s > 0 {
			vel += 1 / s
		}
		sym += lateralSymmetry(e.Snapshot)
	}
	if n == 0 {
		return none
	}
	return Metrics{
		StsCount:      n,
		AvgDurationS:  dur / float64(n),
		AvgVelocity:   vel / float64(n),
		SymmetryScore: sym / float64(n),
	}
}

// lateralSymmetry scores how centred the CoP is across the grid, 100 when on
// the midline.
func lateralSymmetry(f frame.Frame) float64 {
	mid := float64(f.Cols) / 2
	if mid == 0 {
		return 100
	}
	dev := math.Abs(cop.CoP(f).X-mid) / mid
	return 100 * (1 - math.Min(dev, 1))
}
