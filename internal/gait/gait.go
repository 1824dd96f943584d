// Package gait detects heel strikes and toe offs from the centre-of-pressure
// trajectory and derives cadence, stride, variability, symmetry, double
// support and turning metrics from them.
//
// All windows are measured with frame timestamps, never the wall clock.
package gait

import (
	"errors"
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/sweeney/floor-sensor/internal/cop"
	"github.com/sweeney/floor-sensor/internal/frame"
)

// MinHistoryWindow is the shortest CoP history the detector accepts.
const MinHistoryWindow = 3 * time.Second

// ErrConfigOutOfBounds is returned by New for a window below its minimum.
var ErrConfigOutOfBounds = errors.New("gait config out of bounds")

// EventType is the kind of gait event.
type EventType string

const (
	HeelStrike EventType = "heel_strike"
	ToeOff     EventType = "toe_off"
)

// Side of the body an event is attributed to.
type Side string

const (
	Left  Side = "left"
	Right Side = "right"
)

// Event is an immutable gait event.
type Event struct {
	Timestamp   time.Time
	Type        EventType
	Side        Side
	X           float64
	Y           float64
	StrideCells float64 // distance to the previous heel strike on the same side; 0 if none
}

// Config tunes the detector.
type Config struct {
	StridePxThreshold float64       // minimum CoP x shift, in cells, for an event
	HistoryWindow     time.Duration // CoP history kept for detection and turning (>= 3s)
	CadenceWindow     time.Duration // trailing window for cadence and stride
	EventWindow       time.Duration // event retention for symmetry and double support
	CellSizeIn        float64       // physical cell pitch in inches
	TurnNoiseFloor    float64       // displacement vectors shorter than this (cells) are ignored
}

// DefaultConfig returns the detector defaults.
func DefaultConfig() Config {
	return Config{
		StridePxThreshold: 3,
		HistoryWindow:     3 * time.Second,
		CadenceWindow:     15 * time.Second,
		EventWindow:       30 * time.Second,
		CellSizeIn:        4,
		TurnNoiseFloor:    0.5,
	}
}

// Metrics is the gait summary at the latest frame.
type Metrics struct {
	CadenceSPM       float64 `json:"cadence_spm"`
	StrideLenIn      float64 `json:"stride_len_in"`
	CadenceCV        float64 `json:"cadence_cv"`
	SymmetryIdxPct   float64 `json:"symmetry_idx_pct"`
	DblSupportPct    float64 `json:"dbl_support_pct"`
	TurningAngleDeg  float64 `json:"turning_angle_deg"`
	TurningSpeedDegS float64 `json:"turning_speed_deg_s"`
}

type sample struct {
	ts     time.Time
	x, y   float64
	active int
}

// Detector holds the rolling CoP history and detected events of one occupant.
// Not safe for concurrent use.
type Detector struct {
	cfg      Config
	history  []sample
	events   []Event
	lastHeel *Event
}

// New returns a Detector. Zero values take the defaults; a history window
// below MinHistoryWindow is rejected.
func New(cfg Config) (*Detector, error) {
	def := DefaultConfig()
	switch {
	case cfg.HistoryWindow == 0:
		cfg.HistoryWindow = def.HistoryWindow
	case cfg.HistoryWindow < MinHistoryWindow:
		return nil, fmt.Errorf("%w: history window %v below %v", ErrConfigOutOfBounds, cfg.HistoryWindow, MinHistoryWindow)
	}
	if cfg.CadenceWindow <= 0 {
		cfg.CadenceWindow = def.CadenceWindow
	}
	if cfg.EventWindow < cfg.CadenceWindow {
		cfg.EventWindow = cfg.CadenceWindow
	}
	if cfg.StridePxThreshold <= 0 {
		cfg.StridePxThreshold = def.StridePxThreshold
	}
	if cfg.CellSizeIn <= 0 {
		cfg.CellSizeIn = def.CellSizeIn
	}
	if cfg.TurnNoiseFloor <= 0 {
		cfg.TurnNoiseFloor = def.TurnNoiseFloor
	}
	return &Detector{cfg: cfg}, nil
}

// Update ingests one frame and returns the events it produced together with
// the metrics at the frame's timestamp.
func (d *Detector) Update(f frame.Frame) ([]Event, Metrics) {
	c := cop.CoP(f)
	now := f.Timestamp
	d.history = append(d.history, sample{ts: now, x: c.X, y: c.Y, active: f.ActiveCount()})
	d.history = pruneSamples(d.history, now, d.cfg.HistoryWindow)

	var emitted []Event
	if ev, ok := d.detect(f.Cols); ok {
		d.events = append(d.events, ev)
		emitted = append(emitted, ev)
		if ev.Type == HeelStrike {
			last := ev
			d.lastHeel = &last
		}
	}
	d.events = pruneEvents(d.events, now, d.cfg.EventWindow)
	return emitted, d.metrics(now)
}

// Events returns a copy of the retained events.
func (d *Detector) Events() []Event {
	out := make([]Event, len(d.events))
	copy(out, d.events)
	return out
}

// Reset drops all history.
func (d *Detector) Reset() {
	d.history = nil
	d.events = nil
	d.lastHeel = nil
}

func (d *Detector) detect(cols int) (Event, bool) {
	n := len(d.history)
	if n < 3 {
		return Event{}, false
	}
	cur, prev := d.history[n-1], d.history[n-2]
	dx := cur.x - prev.x

	switch {
	case dx >= d.cfg.StridePxThreshold && float64(cur.active) > float64(prev.active)*1.2:
		side := Right
		if cur.x < float64(cols)/2 {
			side = Left
		}
		stride := 0.0
		for i := len(d.events) - 1; i >= 0; i-- {
			if e := d.events[i]; e.Type == HeelStrike && e.Side == side {
				stride = math.Abs(cur.x - e.X)
				break
			}
		}
		return Event{Timestamp: cur.ts, Type: HeelStrike, Side: side, X: cur.x, Y: cur.y, StrideCells: stride}, true

	case dx <= -d.cfg.StridePxThreshold && float64(cur.active) < float64(prev.active)*0.8:
		side := Left
		if d.lastHeel != nil && d.lastHeel.Side == Left {
			side = Right
		}
		return Event{Timestamp: cur.ts, Type: ToeOff, Side: side, X: cur.x, Y: cur.y}, true
	}
	return Event{}, false
}

func (d *Detector) metrics(now time.Time) Metrics {
	var heels []Event
	for _, e := range d.events {
		if e.Type == HeelStrike && now.Sub(e.Timestamp) < d.cfg.CadenceWindow {
			heels = append(heels, e)
		}
	}

	m := Metrics{CadenceSPM: float64(len(heels) * 4)}

	var strides []float64
	for _, e := range heels {
		if e.StrideCells > 0 {
			strides = append(strides, e.StrideCells*d.cfg.CellSizeIn*2)
		}
	}
	if len(strides) > 0 {
		m.StrideLenIn = stat.Mean(strides, nil)
	}

	if len(heels) > 1 {
		intervals := make([]float64, 0, len(heels)-1)
		for i := 1; i < len(heels); i++ {
			intervals = append(intervals, heels[i].Timestamp.Sub(heels[i-1].Timestamp).Seconds())
		}
		m.CadenceCV = coefficientOfVariation(intervals, 3)
	}

	m.SymmetryIdxPct = d.symmetry()
	m.DblSupportPct = d.doubleSupport()
	m.TurningAngleDeg, m.TurningSpeedDegS = d.turning()
	return m
}

// coefficientOfVariation returns population stddev over mean, or 0 when there
// are fewer than min values or the mean is not positive.
func coefficientOfVariation(x []float64, min int) float64 {
	if len(x) < min {
		return 0
	}
	mean := stat.Mean(x, nil)
	if mean <= 0 {
		return 0
	}
	return math.Sqrt(stat.PopVariance(x, nil)) / mean
}

func (d *Detector) symmetry() float64 {
	var left, right []float64
	for _, e := range d.events {
		if e.Type != HeelStrike || e.StrideCells <= 0 {
			continue
		}
		l := e.StrideCells * d.cfg.CellSizeIn
		if e.Side == Left {
			left = append(left, l)
		} else {
			right = append(right, l)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return 100
	}
	l, r := stat.Mean(left, nil), stat.Mean(right, nil)
	if l+r == 0 {
		return 100
	}
	return 100 * (1 - math.Abs(l-r)/(l+r))
}

// doubleSupport groups events into cycles closed by a heel strike that follows
// a toe off, and returns the share of cycle time spent between a heel strike
// and the toe off right after it.
func (d *Detector) doubleSupport() float64 {
	var cycles [][]Event
	var cur []Event
	for _, e := range d.events {
		switch {
		case len(cur) == 0:
			cur = append(cur, e)
		case e.Type == HeelStrike && cur[len(cur)-1].Type == ToeOff:
			cur = append(cur, e)
			if len(cur) >= 4 {
				cycles = append(cycles, cur)
				cur = []Event{e}
			}
		default:
			cur = append(cur, e)
		}
	}
	if len(cycles) < 2 {
		return 0
	}

	var total, ds float64
	for _, cyc := range cycles {
		dur := cyc[len(cyc)-1].Timestamp.Sub(cyc[0].Timestamp).Seconds()
		if dur <= 0 {
			continue
		}
		for i := 0; i+1 < len(cyc); i++ {
			if cyc[i].Type == HeelStrike && cyc[i+1].Type == ToeOff {
				ds += cyc[i+1].Timestamp.Sub(cyc[i].Timestamp).Seconds()
			}
		}
		total += dur
	}
	if total == 0 {
		return 0
	}
	return ds / total * 100
}

// turning sums the absolute heading changes between consecutive CoP
// displacement vectors in the history window.
func (d *Detector) turning() (angle, speed float64) {
	type turn struct {
		ts  time.Time
		deg float64
	}
	var turns []turn
	for i := 2; i < len(d.history); i++ {
		a, b, c := d.history[i-2], d.history[i-1], d.history[i]
		v1x, v1y := b.x-a.x, b.y-a.y
		v2x, v2y := c.x-b.x, c.y-b.y
		m1, m2 := math.Hypot(v1x, v1y), math.Hypot(v2x, v2y)
		if m1 < d.cfg.TurnNoiseFloor || m2 < d.cfg.TurnNoiseFloor {
			continue
		}
		cos := (v1x*v2x + v1y*v2y) / (m1 * m2)
		cos = math.Max(-1, math.Min(1, cos))
		deg := math.Acos(cos) * 180 / math.Pi
		if v1x*v2y-v1y*v2x < 0 {
			deg = -deg
		}
		turns = append(turns, turn{ts: c.ts, deg: deg})
	}
	if len(turns) == 0 {
		return 0, 0
	}
	abs := make([]float64, len(turns))
	for i, t := range turns {
		abs[i] = math.Abs(t.deg)
	}
	angle = floats.Sum(abs)
	span := turns[len(turns)-1].ts.Sub(turns[0].ts).Seconds()
	if span > 0 {
		speed = angle / span
	}
	return angle, speed
}

func pruneSamples(s []sample, now time.Time, window time.Duration) []sample {
	i := 0
	for i < len(s) && now.Sub(s[i].ts) > window {
		i++
	}
	if i == 0 {
		return s
	}
	return append(s[:0], s[i:]...)
}

func pruneEvents(e []Event, now time.Time, window time.Duration) []Event {
	i := 0
	for i < len(e) && now.Sub(e[i].Timestamp) > window {
		i++
	}
	if i == 0 {
		return e
	}
	return append(e[:0], e[i:]...)
}
