package pipeline

import (
	"math"
	"time"

	"github.com/sweeney/floor-sensor/internal/cop"
	"github.com/sweeney/floor-sensor/internal/frame"
)

const (
	wanderHistory     = 60
	wanderMinInterval = 100 * time.Millisecond
	wanderMinMove     = 0.5 // cells
	wanderTurnDeg     = 45.0
	wanderMinRepeat   = 10
)

// WanderMetrics summarises recent free movement across the zone.
type WanderMetrics struct {
	PathLengthFt     float64 `json:"path_length_ft"`
	AreaCoveredFt2   float64 `json:"area_covered_ft2"`
	DirectionChanges int     `json:"direction_changes"`
	RepetitiveScore  float64 `json:"repetitive_score"`
}

type wanderStep struct {
	x, y   float64 // cells
	turn   bool
	length float64 // feet
}

// wanderTracker keeps the last moves of the CoP. A move is recorded at most
// every 100ms and only when it covers half a cell.
type wanderTracker struct {
	cellFt  float64
	history []wanderStep
	last    time.Time
}

func newWanderTracker(cellSizeIn float64) *wanderTracker {
	return &wanderTracker{cellFt: cellSizeIn / 12}
}

func (w *wanderTracker) update(f frame.Frame) WanderMetrics {
	active := f.ActiveCount()
	if active == 0 {
		return WanderMetrics{}
	}
	if len(w.history) == 0 || f.Timestamp.Sub(w.last) >= wanderMinInterval {
		c := cop.CoP(f)
		if w.record(c.X, c.Y) {
			w.last = f.Timestamp
		}
	}

	m := WanderMetrics{
		AreaCoveredFt2:  float64(active) * w.cellFt * w.cellFt,
		RepetitiveScore: w.repetitive(f.Rows, f.Cols),
	}
	for _, s := range w.history {
		m.PathLengthFt += s.length
		if s.turn {
			m.DirectionChanges++
		}
	}
	return m
}

func (w *wanderTracker) record(x, y float64) bool {
	n := len(w.history)
	if n == 0 {
		w.history = append(w.history, wanderStep{x: x, y: y})
		return true
	}
	last := w.history[n-1]
	dx, dy := x-last.x, y-last.y
	move := math.Hypot(dx, dy)
	if move < wanderMinMove {
		return false
	}
	step := wanderStep{x: x, y: y, length: move * w.cellFt}
	if n > 1 {
		prev := w.history[n-2]
		px, py := last.x-prev.x, last.y-prev.y
		if px != 0 || py != 0 {
			d := math.Atan2(dy, dx) - math.Atan2(py, px)
			for d > math.Pi {
				d -= 2 * math.Pi
			}
			for d < -math.Pi {
				d += 2 * math.Pi
			}
			step.turn = math.Abs(d)*180/math.Pi > wanderTurnDeg
		}
	}
	w.history = append(w.history, step)
	if len(w.history) > wanderHistory {
		w.history = append(w.history[:0], w.history[1:]...)
	}
	return true
}

// repetitive is the share of visited cells that were visited more than once.
func (w *wanderTracker) repetitive(rows, cols int) float64 {
	if len(w.history) <= wanderMinRepeat {
		return 0
	}
	visits := make(map[[2]int]int)
	for _, s := range w.history {
		c, r := int(s.x), int(s.y)
		if c < 0 || c >= cols || r < 0 || r >= rows {
			continue
		}
		visits[[2]int{r, c}]++
	}
	if len(visits) == 0 {
		return 0
	}
	repeated := 0
	for _, n := range visits {
		if n > 1 {
			repeated++
		}
	}
	return float64(repeated) / float64(len(visits))
}
