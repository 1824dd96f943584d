// Package fall confirms falls from a stream of frames. A classifier scores a
// sliding window of the last N frames; an alert is raised only after K
// consecutive windows score above the threshold, and at most once per
// cooldown period.
//
// The Machine itself is synchronous and owns all state. Scoring can be moved
// off the frame path with a Worker: Push hands out numbered windows and Apply
// folds their scores back in sequence order.
package fall

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/floor-sensor/internal/cop"
	"github.com/sweeney/floor-sensor/internal/frame"
)

// State of the confirmation machine.
type State int

const (
	Idle State = iota
	Buffering
	Confirming
	Alerting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Buffering:
		return "BUFFERING"
	case Confirming:
		return "CONFIRMING"
	case Alerting:
		return "ALERTING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Config tunes the machine.
type Config struct {
	Zone              string
	SequenceLength    int           // N, frames per scored window
	ConsecutiveFrames int           // K, high scores needed in a row
	Threshold         float64       // score at or above which a window is high
	Cooldown          time.Duration // minimum gap between alerts
	TemplateCells     int           // reference stance area for ImpactArea
}

// DefaultConfig returns the machine defaults.
func DefaultConfig() Config {
	return Config{
		SequenceLength:    10,
		ConsecutiveFrames: 3,
		Threshold:         0.8,
		Cooldown:          10 * time.Second,
		TemplateCells:     cop.DefaultTemplateCells,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SequenceLength <= 0 {
		return fmt.Errorf("fall: sequence length %d must be positive", c.SequenceLength)
	}
	if c.ConsecutiveFrames <= 0 {
		return fmt.Errorf("fall: consecutive frames %d must be positive", c.ConsecutiveFrames)
	}
	if c.Threshold <= 0 || c.Threshold > 1 {
		return fmt.Errorf("fall: threshold %v must be in (0, 1]", c.Threshold)
	}
	if c.Cooldown < 0 {
		return fmt.Errorf("fall: cooldown %v must not be negative", c.Cooldown)
	}
	return nil
}

// Alert is a confirmed (or forced) fall.
type Alert struct {
	ID         string      `json:"id"`
	Zone       string      `json:"zone"`
	Timestamp  time.Time   `json:"timestamp"`
	Confidence float64     `json:"confidence"`
	ImpactArea *float64    `json:"impact_area,omitempty"` // active area / template at the last frame
	Velocity   *float64    `json:"velocity,omitempty"`    // CoP speed across the window, cells/s
	Location   *cop.Sample `json:"location,omitempty"`    // CoP at the last frame
	Forced     bool        `json:"forced"`
}

// Window is a full frame buffer handed out for scoring.
type Window struct {
	Seq       uint64
	Timestamp time.Time
	Frames    []frame.Frame
}

// Result is the machine's outcome for one step.
type Result struct {
	State       State
	Probability float64
	Alert       *Alert // set only on the step that raised it
	Fault       error  // classifier failure for this window
	Stale       bool   // the score belonged to a superseded window and was ignored
}

var alertNamespace = uuid.MustParse("6f1c7e2a-3b0d-4c55-9a43-2d7e5b8f9c10")

// Machine is the fall confirmation state machine for one zone. Not safe for
// concurrent use.
type Machine struct {
	cfg    Config
	frames *ring[frame.Frame]
	flags  *ring[bool]

	state       State
	probability float64
	lastAlert   time.Time
	alerted     bool
	forcedAt    time.Time
	forced      bool

	issued  uint64 // last window sequence handed out
	applied uint64 // last window sequence folded in or invalidated
}

// New returns an idle machine. cfg must be valid.
func New(cfg Config) *Machine {
	return &Machine{
		cfg:    cfg,
		frames: newRing[frame.Frame](cfg.SequenceLength),
		flags:  newRing[bool](cfg.ConsecutiveFrames),
	}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Probability returns the latest applied score.
func (m *Machine) Probability() float64 {
	return m.probability
}

// Buffered returns the number of frames and flags currently held.
func (m *Machine) Buffered() (frames, flags int) {
	return m.frames.len(), m.flags.len()
}

// Push adds a frame. A frame with no active cell clears both buffers and
// invalidates windows still being scored. Once the frame buffer is full every
// frame yields a window to score.
func (m *Machine) Push(f frame.Frame) (Window, bool) {
	ts := f.Timestamp
	if f.Empty() {
		m.frames.clear()
		m.flags.clear()
		m.probability = 0
		m.applied = m.issued
		if m.holding(ts) {
			m.state = Alerting
		} else {
			m.state = Idle
		}
		return Window{}, false
	}

	m.frames.push(f)
	if !m.frames.full() {
		if !m.holding(ts) {
			m.state = Buffering
		}
		return Window{}, false
	}
	m.issued++
	return Window{Seq: m.issued, Timestamp: ts, Frames: m.frames.items()}, true
}

// Apply folds the score of a window into the machine. Scores are applied in
// window order; a score for a window at or before the last applied one is
// ignored. A classifier error pushes no flag and raises no alert.
func (m *Machine) Apply(w Window, p float64, err error) Result {
	if w.Seq <= m.applied {
		return Result{State: m.state, Probability: m.probability, Stale: true}
	}
	m.applied = w.Seq
	ts := w.Timestamp

	if err == nil {
		err = checkProbability(p)
	}
	if err != nil {
		return Result{State: m.state, Probability: m.probability, Fault: err}
	}

	m.probability = p
	high := p >= m.cfg.Threshold
	m.flags.push(high)

	if m.flags.full() && allTrue(m.flags.items()) && m.cooledDown(ts) {
		a := m.alert(w, p)
		m.lastAlert = ts
		m.alerted = true
		m.state = Alerting
		return Result{State: Alerting, Probability: p, Alert: &a}
	}

	switch {
	case m.holding(ts):
		m.state = Alerting
	case high:
		m.state = Confirming
	default:
		m.state = Buffering
	}
	return Result{State: m.state, Probability: p}
}

// Process pushes a frame and, when a window is ready, scores it synchronously.
// A nil classifier disables scoring.
func (m *Machine) Process(ctx context.Context, f frame.Frame, c Classifier) Result {
	w, ok := m.Push(f)
	if !ok || c == nil {
		return Result{State: m.state, Probability: m.probability}
	}
	p, err := score(ctx, c, w.Frames)
	return m.Apply(w, p, err)
}

// Force raises an alert immediately, bypassing confirmation. The cooldown
// clock used for confirmed alerts is left untouched.
func (m *Machine) Force(ts time.Time, confidence float64) Alert {
	m.state = Alerting
	m.probability = confidence
	m.forcedAt = ts
	m.forced = true
	a := Alert{
		ID:         alertID(m.cfg.Zone, ts, true),
		Zone:       m.cfg.Zone,
		Timestamp:  ts,
		Confidence: confidence,
		Forced:     true,
	}
	if frames := m.frames.items(); len(frames) > 0 {
		loc := cop.CoP(frames[len(frames)-1])
		a.Location = &loc
	}
	return a
}

// Reset returns the machine to Idle and forgets every alert.
func (m *Machine) Reset() {
	*m = *New(m.cfg)
}

// cooledDown reports whether the cooldown has strictly elapsed since the last
// alert.
func (m *Machine) cooledDown(ts time.Time) bool {
	return !m.alerted || ts.Sub(m.lastAlert) > m.cfg.Cooldown
}

// holding reports whether an earlier alert is still inside its cooldown at ts.
// The boundary instant is inside.
func (m *Machine) holding(ts time.Time) bool {
	if m.state != Alerting {
		return false
	}
	if m.alerted && ts.Sub(m.lastAlert) <= m.cfg.Cooldown {
		return true
	}
	return m.forced && ts.Sub(m.forcedAt) <= m.cfg.Cooldown
}

func (m *Machine) alert(w Window, p float64) Alert {
	a := Alert{
		ID:         alertID(m.cfg.Zone, w.Timestamp, false),
		Zone:       m.cfg.Zone,
		Timestamp:  w.Timestamp,
		Confidence: p,
	}
	if len(w.Frames) == 0 {
		return a
	}
	last := w.Frames[len(w.Frames)-1]
	loc := cop.CoP(last)
	a.Location = &loc
	if m.cfg.TemplateCells > 0 {
		area := cop.ActiveAreaRatio(last, m.cfg.TemplateCells)
		a.ImpactArea = &area
	}
	first := cop.CoP(w.Frames[0])
	if span := last.Timestamp.Sub(w.Frames[0].Timestamp).Seconds(); span > 0 {
		v := math.Hypot(loc.X-first.X, loc.Y-first.Y) / span
		a.Velocity = &v
	}
	return a
}

// alertID derives a stable id from the zone and alert time so that sinks can
// drop duplicates after a redelivery.
func alertID(zone string, ts time.Time, forced bool) string {
	name := fmt.Sprintf("%s|%s|%t", zone, ts.UTC().Format(time.RFC3339Nano), forced)
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

func allTrue(v []bool) bool {
	for _, b := range v {
		if !b {
			return false
		}
	}
	return len(v) > 0
}
