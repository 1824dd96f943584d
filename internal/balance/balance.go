// Package balance measures postural sway from the centre-of-pressure
// trajectory over a short trailing window.
package balance

import (
	"math"
	"sort"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/sweeney/floor-sensor/internal/cop"
)

const (
	inToCm = 2.54

	// DefaultWindow is the sway window.
	DefaultWindow = 5 * time.Second

	// DefaultStableVelocity is the sway velocity, in cm/s, under which a
	// stance counts as stable.
	DefaultStableVelocity = 2.0
)

// Metrics is the sway summary over the window.
type Metrics struct {
	SwayPathCm  float64 `json:"sway_path_cm"`
	SwayVelCmS  float64 `json:"sway_vel_cm_s"`
	SwayAreaCm2 float64 `json:"sway_area_cm2"`
}

type point struct {
	ts   time.Time
	x, y float64 // inches
}

// Tracker keeps the CoP trajectory of the last window. Not safe for
// concurrent use.
type Tracker struct {
	window     time.Duration
	cellSizeIn float64
	points     []point
}

// NewTracker returns a tracker over the given window with cells of
// cellSizeIn inches.
func NewTracker(window time.Duration, cellSizeIn float64) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if cellSizeIn <= 0 {
		cellSizeIn = 4
	}
	return &Tracker{window: window, cellSizeIn: cellSizeIn}
}

// Update appends a CoP sample and drops samples older than the window.
func (t *Tracker) Update(s cop.Sample) {
	t.points = append(t.points, point{ts: s.Timestamp, x: s.X * t.cellSizeIn, y: s.Y * t.cellSizeIn})
	i := 0
	for i < len(t.points) && s.Timestamp.Sub(t.points[i].ts) > t.window {
		i++
	}
	if i > 0 {
		t.points = append(t.points[:0], t.points[i:]...)
	}
}

// Compute returns path length, mean velocity and convex hull area of the
// trajectory. Everything is zero with fewer than two samples.
func (t *Tracker) Compute() Metrics {
	if len(t.points) < 2 {
		return Metrics{}
	}
	var path float64
	for i := 1; i < len(t.points); i++ {
		path += math.Hypot(t.points[i].x-t.points[i-1].x, t.points[i].y-t.points[i-1].y)
	}
	path *= inToCm

	m := Metrics{SwayPathCm: path}
	if span := t.points[len(t.points)-1].ts.Sub(t.points[0].ts).Seconds(); span > 0 {
		m.SwayVelCmS = path / span
	}
	m.SwayAreaCm2 = t.hullArea() * inToCm * inToCm
	return m
}

// IsStable reports whether sway velocity is below threshold cm/s.
func (t *Tracker) IsStable(threshold float64) bool {
	return t.Compute().SwayVelCmS < threshold
}

// Reset drops the trajectory.
func (t *Tracker) Reset() {
	t.points = nil
}

// Len returns the number of samples in the window.
func (t *Tracker) Len() int {
	return len(t.points)
}

// hullArea returns the convex hull area in square inches. Fewer than four
// samples, or samples that are all collinear, have zero area.
func (t *Tracker) hullArea() float64 {
	if len(t.points) < 4 {
		return 0
	}
	pts := make([]orb.Point, len(t.points))
	for i, p := range t.points {
		pts[i] = orb.Point{p.x, p.y}
	}
	hull := convexHull(pts)
	if len(hull) < 4 { // closed ring of a triangle has 4 points
		return 0
	}
	return math.Abs(planar.Area(hull))
}

// convexHull returns the closed hull ring of pts using the monotone chain
// algorithm. Collinear points are dropped, so a degenerate input yields a ring
// of fewer than four points.
func convexHull(pts []orb.Point) orb.Ring {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i][0] != pts[j][0] {
			return pts[i][0] < pts[j][0]
		}
		return pts[i][1] < pts[j][1]
	})
	cross := func(o, a, b orb.Point) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}
	hull := make([]orb.Point, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	// hull now ends with its first point, closing the ring
	return orb.Ring(hull)
}
