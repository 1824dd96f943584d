package softbio

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sweeney/floor-sensor/internal/frame"
)

// Config tunes the tracker.
type Config struct {
	GateDistanceCells float64       // max centroid-to-track distance for a match
	TrackTimeout      time.Duration // silence after which a track is dropped
	MinStanceFrames   int           // contact frames that make one step
	CellSizeM         float64       // cell pitch in metres
	MaxSteps          int           // steps kept per track
	FeatureSteps      int           // steps reported in Features
	MaxCentroids      int           // centroid history kept per track
	TurnNoiseFloor    float64       // centroid moves shorter than this (cells) carry no heading
}

// DefaultConfig returns tracker defaults for a 4-inch grid.
func DefaultConfig() Config {
	return Config{
		GateDistanceCells: 6,
		TrackTimeout:      5 * time.Second,
		MinStanceFrames:   3,
		CellSizeM:         0.1016,
		MaxSteps:          32,
		FeatureSteps:      8,
		MaxCentroids:      32,
		TurnNoiseFloor:    0.5,
	}
}

// Clamp ranges and defaults for step features.
const (
	minStepLenM, maxStepLenM, defaultStepLenM = 0.3, 1.2, 0.5
	minStepTimeS, maxStepTimeS                = 0.4, 1.2
	minWidthM, maxWidthM, defaultWidthM       = 0.05, 0.25, 0.12
	minDsPct, maxDsPct, defaultDsPct          = 15.0, 35.0, 20.0

	stanceShare = 0.6
	swingShare  = 0.4
)

type contact struct {
	x, y int
}

// Track is one followed occupant.
type Track struct {
	ID         string
	Start      time.Time
	LastUpdate time.Time

	centroids []Point
	times     []time.Time

	left, right             *contact
	leftStance, rightStance int

	steps     []StepFeature
	stepCount int
}

// Steps returns a copy of the retained steps.
func (t *Track) Steps() []StepFeature {
	out := make([]StepFeature, len(t.steps))
	copy(out, t.steps)
	return out
}

// Position returns the latest centroid.
func (t *Track) Position() Point {
	return t.centroids[len(t.centroids)-1]
}

// Tracker assigns contacts to tracks and turns stance runs into steps. Not
// safe for concurrent use.
type Tracker struct {
	cfg       Config
	extractor BlobExtractor
	assigner  Assigner
	tracks    []*Track // creation order
	nextID    int
}

// NewTracker returns a tracker. Nil extractor and assigner default to
// SingleCentroid and NearestAssigner.
func NewTracker(cfg Config, ex BlobExtractor, as Assigner) *Tracker {
	def := DefaultConfig()
	if cfg.GateDistanceCells <= 0 {
		cfg.GateDistanceCells = def.GateDistanceCells
	}
	if cfg.TrackTimeout <= 0 {
		cfg.TrackTimeout = def.TrackTimeout
	}
	if cfg.MinStanceFrames <= 0 {
		cfg.MinStanceFrames = def.MinStanceFrames
	}
	if cfg.CellSizeM <= 0 {
		cfg.CellSizeM = def.CellSizeM
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = def.MaxSteps
	}
	if cfg.FeatureSteps <= 0 {
		cfg.FeatureSteps = def.FeatureSteps
	}
	if cfg.MaxCentroids < 5 {
		cfg.MaxCentroids = def.MaxCentroids
	}
	if cfg.TurnNoiseFloor <= 0 {
		cfg.TurnNoiseFloor = def.TurnNoiseFloor
	}
	if ex == nil {
		ex = SingleCentroid{}
	}
	if as == nil {
		as = NearestAssigner{}
	}
	return &Tracker{cfg: cfg, extractor: ex, assigner: as, nextID: 1}
}

// Tracks returns the live tracks in creation order.
func (tr *Tracker) Tracks() []*Track {
	out := make([]*Track, len(tr.tracks))
	copy(out, tr.tracks)
	return out
}

// Ingest processes one frame and returns the features of every live track
// that has completed at least one step. A frame without contacts keeps the
// tracks alive until their timeout.
func (tr *Tracker) Ingest(f frame.Frame) []Features {
	now := f.Timestamp
	tr.expire(now)

	blobs := tr.extractor.Extract(f)
	if len(blobs) > 0 {
		positions := make([]Point, len(tr.tracks))
		for i, t := range tr.tracks {
			positions[i] = t.Position()
		}
		centroids := make([]Point, len(blobs))
		for i, b := range blobs {
			centroids[i] = b.Centroid
		}
		match := tr.assigner.Assign(positions, centroids, tr.cfg.GateDistanceCells)

		// snapshot before creating tracks so new ones are not double-updated
		existing := tr.tracks
		for i, c := range centroids {
			if j := match[i]; j >= 0 && j < len(existing) {
				tr.observe(existing[j], c, now)
				continue
			}
			tr.create(c, now)
		}
	}
	return tr.features(now)
}

func (tr *Tracker) expire(now time.Time) {
	kept := tr.tracks[:0]
	for _, t := range tr.tracks {
		if now.Sub(t.LastUpdate) <= tr.cfg.TrackTimeout {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(tr.tracks); i++ {
		tr.tracks[i] = nil
	}
	tr.tracks = kept
}

func (tr *Tracker) create(c Point, now time.Time) {
	t := &Track{
		ID:         fmt.Sprintf("a%d", tr.nextID),
		Start:      now,
		LastUpdate: now,
	}
	tr.nextID++
	tr.tracks = append(tr.tracks, t)
	tr.observe(t, c, now)
}

// observe records a centroid and advances the stance counter of the side
// given by the parity of the step count.
func (tr *Tracker) observe(t *Track, c Point, now time.Time) {
	t.LastUpdate = now
	t.centroids = append(t.centroids, c)
	t.times = append(t.times, now)
	if over := len(t.centroids) - tr.cfg.MaxCentroids; over > 0 {
		t.centroids = append(t.centroids[:0], t.centroids[over:]...)
		t.times = append(t.times[:0], t.times[over:]...)
	}

	at := &contact{x: int(c.X), y: int(c.Y)}
	side := "left"
	stance := &t.leftStance
	if t.stepCount%2 == 0 {
		t.left = at
	} else {
		side = "right"
		stance = &t.rightStance
		t.right = at
	}
	*stance++
	if *stance < tr.cfg.MinStanceFrames {
		return
	}
	*stance = 0

	stepTime := tr.stepTime(t, now)
	stepLen := tr.stepLength(t)
	step := StepFeature{
		TStart:      now.Add(-time.Duration(stepTime * float64(time.Second))),
		TEnd:        now,
		Side:        side,
		StepTimeS:   stepTime,
		StanceTimeS: stepTime * stanceShare,
		SwingTimeS:  stepTime * swingShare,
		StepLenM:    stepLen,
		StrideLenM:  stepLen * 2,
		StepWidthM:  tr.stepWidth(t),
		DsPct:       doubleSupport(t.steps),
	}
	t.steps = append(t.steps, step)
	if over := len(t.steps) - tr.cfg.MaxSteps; over > 0 {
		t.steps = append(t.steps[:0], t.steps[over:]...)
	}
	t.stepCount++
}

// stepLength scales the mean centroid motion over the last five samples by
// three frames per step.
func (tr *Tracker) stepLength(t *Track) float64 {
	recent := t.centroids
	if len(recent) > 5 {
		recent = recent[len(recent)-5:]
	}
	if len(recent) < 2 {
		return defaultStepLenM
	}
	var total float64
	for i := 1; i < len(recent); i++ {
		total += dist(recent[i-1], recent[i]) * tr.cfg.CellSizeM
	}
	return clamp(total/float64(len(recent)-1)*3, minStepLenM, maxStepLenM)
}

func (tr *Tracker) stepTime(t *Track, now time.Time) float64 {
	since := t.Start
	if len(t.steps) > 0 {
		since = t.steps[len(t.steps)-1].TEnd
	}
	return clamp(now.Sub(since).Seconds(), minStepTimeS, maxStepTimeS)
}

func (tr *Tracker) stepWidth(t *Track) float64 {
	if t.left == nil || t.right == nil {
		return defaultWidthM
	}
	w := math.Abs(float64(t.left.x-t.right.x)) * tr.cfg.CellSizeM
	return clamp(w, minWidthM, maxWidthM)
}

// doubleSupport estimates the double-support share from the stance/step
// ratio of the last three steps.
func doubleSupport(steps []StepFeature) float64 {
	if len(steps) < 2 {
		return defaultDsPct
	}
	if len(steps) > 3 {
		steps = steps[len(steps)-3:]
	}
	var stance, step float64
	for _, s := range steps {
		stance += s.StanceTimeS
		step += s.StepTimeS
	}
	if step <= 0 {
		return defaultDsPct
	}
	return clamp(stance/step*0.2*100, minDsPct, maxDsPct)
}

func (tr *Tracker) features(now time.Time) []Features {
	var out []Features
	for _, t := range tr.tracks {
		if len(t.steps) == 0 {
			continue
		}
		times := make([]float64, len(t.steps))
		lens := make([]float64, len(t.steps))
		for i, s := range t.steps {
			times[i] = s.StepTimeS
			lens[i] = s.StepLenM
		}
		f := Features{
			TrackID:          t.ID,
			Timestamp:        now,
			StepCV:           cv(times),
			StepLenCV:        cv(lens),
			PathStraightness: straightness(t.centroids),
			TurningRateDegS:  turningRate(t.centroids, t.times, tr.cfg.TurnNoiseFloor),
		}
		if mt := stat.Mean(times, nil); mt > 1e-6 {
			f.CadenceSPM = 60 / mt
		}
		f.SpeedMPS = stat.Mean(lens, nil) * f.CadenceSPM / 120

		steps := t.steps
		if len(steps) > tr.cfg.FeatureSteps {
			steps = steps[len(steps)-tr.cfg.FeatureSteps:]
		}
		f.Steps = append([]StepFeature(nil), steps...)
		out = append(out, f)
	}
	return out
}

func cv(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	mean := stat.Mean(x, nil)
	if mean <= 1e-6 {
		return 0
	}
	return finite(math.Sqrt(stat.PopVariance(x, nil)) / mean)
}

// straightness is net displacement over path length, 1 for a straight or
// stationary path.
func straightness(c []Point) float64 {
	if len(c) < 2 {
		return 1
	}
	var path float64
	for i := 1; i < len(c); i++ {
		path += dist(c[i-1], c[i])
	}
	if path <= 1e-9 {
		return 1
	}
	return clamp(dist(c[0], c[len(c)-1])/path, 0, 1)
}

// turningRate sums absolute heading changes between centroid moves longer
// than the noise floor and divides by the time they span.
func turningRate(c []Point, ts []time.Time, noise float64) float64 {
	var total float64
	var first, last time.Time
	have := false
	prevHeading := math.NaN()
	for i := 1; i < len(c); i++ {
		dx, dy := c[i].X-c[i-1].X, c[i].Y-c[i-1].Y
		if math.Hypot(dx, dy) < noise {
			continue
		}
		h := math.Atan2(dy, dx)
		if !math.IsNaN(prevHeading) {
			d := h - prevHeading
			for d > math.Pi {
				d -= 2 * math.Pi
			}
			for d < -math.Pi {
				d += 2 * math.Pi
			}
			total += math.Abs(d) * 180 / math.Pi
			if !have {
				first = ts[i]
				have = true
			}
			last = ts[i]
		}
		prevHeading = h
	}
	span := last.Sub(first).Seconds()
	if !have || span <= 0 {
		return 0
	}
	return finite(total / span)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
