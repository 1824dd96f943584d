// Package softbio tracks the people walking on the grid and extracts the
// per-step gait features that downstream soft-biometric models consume.
//
// Contacts are found by a BlobExtractor and matched to tracks by an Assigner;
// both are swappable. The default extractor reduces a frame to one centroid,
// so with it the tracker follows a single occupant per zone.
package softbio

import "time"

// Point is a position in grid-cell units.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Blob is one contact region found in a frame.
type Blob struct {
	Centroid Point
	Cells    int
}

// StepFeature describes one detected step.
type StepFeature struct {
	TStart      time.Time `json:"t_start"`
	TEnd        time.Time `json:"t_end"`
	Side        string    `json:"side"`
	StepTimeS   float64   `json:"step_time_s"`
	StanceTimeS float64   `json:"stance_time_s"`
	SwingTimeS  float64   `json:"swing_time_s"`
	StepLenM    float64   `json:"step_len_m"`
	StrideLenM  float64   `json:"stride_len_m"`
	StepWidthM  float64   `json:"step_width_m"`
	DsPct       float64   `json:"ds_pct"`
}

// Features is the per-track gait summary recomputed every cycle.
type Features struct {
	TrackID          string        `json:"track_id"`
	Timestamp        time.Time     `json:"timestamp"`
	CadenceSPM       float64       `json:"cadence_spm"`
	SpeedMPS         float64       `json:"speed_mps"`
	StepCV           float64       `json:"step_cv"`
	StepLenCV        float64       `json:"step_len_cv"`
	PathStraightness float64       `json:"path_straightness"`
	TurningRateDegS  float64       `json:"turning_rate_deg_s"`
	Steps            []StepFeature `json:"steps"`
}
