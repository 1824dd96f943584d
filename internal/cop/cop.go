// Package cop computes the centre of pressure and load distribution of a frame.
package cop

import (
	"time"

	"github.com/sweeney/floor-sensor/internal/frame"
)

// DefaultTemplateCells is the active-cell count of a reference two-foot stance.
const DefaultTemplateCells = 150

// Sample is a centre of pressure in grid-cell units.
type Sample struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Timestamp time.Time `json:"ts"`
}

// Load is the share of active cells in each half of the grid, in [0, 1].
type Load struct {
	LeftPct  float64 `json:"left_pct"`
	RightPct float64 `json:"right_pct"`
	AntPct   float64 `json:"ant_pct"`
	PostPct  float64 `json:"post_pct"`
}

// Center returns the grid centre, the CoP reported for an empty frame.
func Center(f frame.Frame) Sample {
	return Sample{X: float64(f.Cols) / 2, Y: float64(f.Rows) / 2, Timestamp: f.Timestamp}
}

// CoP returns the mean coordinate of the active cells, or the grid centre when
// no cell is active.
func CoP(f frame.Frame) Sample {
	var sx, sy float64
	n := 0
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			if f.Active(r, c) {
				sx += float64(c)
				sy += float64(r)
				n++
			}
		}
	}
	if n == 0 {
		return Center(f)
	}
	return Sample{X: sx / float64(n), Y: sy / float64(n), Timestamp: f.Timestamp}
}

// LoadSplit returns the left/right and anterior/posterior activation shares.
// Columns below cols/2 are left, rows below rows/2 anterior. An empty frame
// splits evenly.
func LoadSplit(f frame.Frame) Load {
	midC, midR := f.Cols/2, f.Rows/2
	var left, ant, total int
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			if !f.Active(r, c) {
				continue
			}
			total++
			if c < midC {
				left++
			}
			if r < midR {
				ant++
			}
		}
	}
	if total == 0 {
		return Load{LeftPct: 0.5, RightPct: 0.5, AntPct: 0.5, PostPct: 0.5}
	}
	t := float64(total)
	return Load{
		LeftPct:  float64(left) / t,
		RightPct: float64(total-left) / t,
		AntPct:   float64(ant) / t,
		PostPct:  float64(total-ant) / t,
	}
}

// ActiveAreaRatio returns active cells divided by the template size.
func ActiveAreaRatio(f frame.Frame, templateCells int) float64 {
	if templateCells <= 0 {
		return 0
	}
	return float64(f.ActiveCount()) / float64(templateCells)
}

// Active returns the number of pressed cells.
func Active(f frame.Frame) int {
	return f.ActiveCount()
}
