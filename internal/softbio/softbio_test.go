package softbio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sweeney/floor-sensor/internal/frame"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func foot(ts time.Time, r, c int) frame.Frame {
	f := frame.New("d1", ts, 12, 15)
	f.Set(r, c, 200)
	f.Set(r+1, c, 200)
	return f
}

func TestSingleCentroid(t *testing.T) {
	f := frame.FromText("d1", t0,
		"x..x",
		"....",
	)
	blobs := SingleCentroid{}.Extract(f)
	require.Len(t, blobs, 1)
	assert.Equal(t, Point{X: 1.5, Y: 0}, blobs[0].Centroid)
	assert.Equal(t, 2, blobs[0].Cells)

	assert.Empty(t, SingleCentroid{}.Extract(frame.New("d1", t0, 4, 4)))
}

func TestConnectedComponents(t *testing.T) {
	f := frame.FromText("d1", t0,
		"xx....",
		".x...x",
		"......",
		"..x...",
	)
	blobs := ConnectedComponents{MinCells: 1}.Extract(f)
	require.Len(t, blobs, 3)
	assert.Equal(t, 3, blobs[0].Cells)
	assert.Equal(t, Point{X: 5, Y: 1}, blobs[1].Centroid)
	assert.Equal(t, Point{X: 2, Y: 3}, blobs[2].Centroid)

	blobs = ConnectedComponents{MinCells: 2}.Extract(f)
	assert.Len(t, blobs, 1)
}

func TestAssignersDiffer(t *testing.T) {
	tracks := []Point{{0, 0}, {4, 0}}
	blobs := []Point{{2.1, 0}, {5, 0}}

	assert.Equal(t, []int{1, 0}, NearestAssigner{}.Assign(tracks, blobs, 6))
	assert.Equal(t, []int{0, 1}, HungarianAssigner{}.Assign(tracks, blobs, 6))
}

func TestAssignersGate(t *testing.T) {
	tracks := []Point{{0, 0}}
	blobs := []Point{{10, 0}, {1, 0}}
	for name, a := range map[string]Assigner{
		"nearest":   NearestAssigner{},
		"hungarian": HungarianAssigner{},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, []int{-1, 0}, a.Assign(tracks, blobs, 6))
			assert.Equal(t, []int{-1, -1}, a.Assign(nil, blobs, 6))
		})
	}
	assert.Empty(t, HungarianAssigner{}.Assign(tracks, nil, 6))
}

func TestTrackLifecycle(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil, nil)

	out := tr.Ingest(foot(at(0), 5, 5))
	assert.Empty(t, out)
	require.Len(t, tr.Tracks(), 1)
	assert.Equal(t, "a1", tr.Tracks()[0].ID)

	// empty frames inside the timeout keep the track
	tr.Ingest(frame.New("d1", at(4000), 12, 15))
	require.Len(t, tr.Tracks(), 1)

	tr.Ingest(frame.New("d1", at(5100), 12, 15))
	assert.Empty(t, tr.Tracks())

	tr.Ingest(foot(at(6000), 5, 5))
	require.Len(t, tr.Tracks(), 1)
	assert.Equal(t, "a2", tr.Tracks()[0].ID)
}

func TestStationaryContactSteps(t *testing.T) {
	tr := NewTracker(DefaultConfig(), nil, nil)

	var out []Features
	for i := 0; i < 9; i++ {
		out = tr.Ingest(foot(at(i*200), 5, 5))
	}
	require.Len(t, out, 1)
	f := out[0]
	require.Len(t, f.Steps, 3)

	s := f.Steps
	assert.Equal(t, []string{"left", "right", "left"}, []string{s[0].Side, s[1].Side, s[2].Side})
	assert.InDelta(t, 0.4, s[0].StepTimeS, 1e-9)
	assert.InDelta(t, 0.6, s[1].StepTimeS, 1e-9)
	assert.InDelta(t, 0.6, s[2].StepTimeS, 1e-9)
	assert.Equal(t, at(400), s[0].TEnd)
	assert.Equal(t, at(0), s[0].TStart)

	// no motion clamps length to its floor
	for _, st := range s {
		assert.InDelta(t, 0.3, st.StepLenM, 1e-9)
		assert.InDelta(t, 0.6, st.StrideLenM, 1e-9)
		assert.InDelta(t, st.StepTimeS*0.6, st.StanceTimeS, 1e-9)
		assert.InDelta(t, st.StepTimeS*0.4, st.SwingTimeS, 1e-9)
	}
	// width defaults until both sides have landed, then clamps
	assert.InDelta(t, 0.12, s[0].StepWidthM, 1e-9)
	assert.InDelta(t, 0.05, s[1].StepWidthM, 1e-9)
	// double support defaults with under two steps, then clamps at 15
	assert.InDelta(t, 20, s[0].DsPct, 1e-9)
	assert.InDelta(t, 20, s[1].DsPct, 1e-9)
	assert.InDelta(t, 15, s[2].DsPct, 1e-9)

	assert.InDelta(t, 112.5, f.CadenceSPM, 1e-6)
	assert.InDelta(t, 0.3*112.5/120, f.SpeedMPS, 1e-6)
	assert.InDelta(t, 0, f.StepLenCV, 1e-9)
	assert.Greater(t, f.StepCV, 0.0)
	assert.Equal(t, 1.0, f.PathStraightness)
	assert.Equal(t, 0.0, f.TurningRateDegS)
	assert.Equal(t, "a1", f.TrackID)
	assert.Equal(t, at(1600), f.Timestamp)
}

func TestFeatureStepsBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FeatureSteps = 2
	cfg.MaxSteps = 4
	tr := NewTracker(cfg, nil, nil)

	var out []Features
	for i := 0; i < 30; i++ {
		out = tr.Ingest(foot(at(i*300), 5, 2+i%6))
	}
	require.Len(t, out, 1)
	assert.Len(t, out[0].Steps, 2)
	assert.Len(t, tr.Tracks()[0].Steps(), 4)
	for _, st := range out[0].Steps {
		assert.GreaterOrEqual(t, st.StepLenM, 0.3)
		assert.LessOrEqual(t, st.StepLenM, 1.2)
		assert.GreaterOrEqual(t, st.DsPct, 15.0)
		assert.LessOrEqual(t, st.DsPct, 35.0)
		assert.False(t, math.IsNaN(st.StepWidthM))
	}
}

func TestTwoOccupants(t *testing.T) {
	tr := NewTracker(DefaultConfig(), ConnectedComponents{MinCells: 1}, HungarianAssigner{})

	for i := 0; i < 3; i++ {
		f := frame.New("d1", at(i*200), 12, 15)
		f.Set(1, 1, 200)
		f.Set(10, 13, 200)
		tr.Ingest(f)
	}
	tracks := tr.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "a1", tracks[0].ID)
	assert.Equal(t, "a2", tracks[1].ID)
	assert.Equal(t, Point{X: 1, Y: 1}, tracks[0].Position())
	assert.Equal(t, Point{X: 13, Y: 10}, tracks[1].Position())
	assert.Len(t, tracks[0].Steps(), 1)
	assert.Len(t, tracks[1].Steps(), 1)
}

func TestStraightness(t *testing.T) {
	assert.Equal(t, 1.0, straightness([]Point{{0, 0}, {1, 0}, {2, 0}}))
	assert.Equal(t, 0.0, straightness([]Point{{0, 0}, {1, 0}, {0, 0}}))
	assert.Equal(t, 1.0, straightness([]Point{{3, 3}}))
}

func TestTurningRate(t *testing.T) {
	pts := []Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	ts := []time.Time{at(0), at(1000), at(2000), at(3000)}
	assert.InDelta(t, 180, turningRate(pts, ts, 0.5), 1e-9)

	// a single heading change spans no time
	assert.Equal(t, 0.0, turningRate(pts[:3], ts[:3], 0.5))
	// moves under the noise floor carry no heading
	assert.Equal(t, 0.0, turningRate(pts, ts, 2))
}
