// Package pipeline runs one processing cycle per incoming frame: fusion,
// filtering, the gait, balance, sit-to-stand and fall components, the
// multi-target tracker, and rate-limited egress to the configured sinks.
//
// A Pipeline is owned by a single goroutine. Every timeout and rate limit is
// measured on frame timestamps, so replaying the same frames into a fresh
// Pipeline produces the same records.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/floor-sensor/internal/balance"
	"github.com/sweeney/floor-sensor/internal/cop"
	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/frame"
	"github.com/sweeney/floor-sensor/internal/fusion"
	"github.com/sweeney/floor-sensor/internal/gait"
	"github.com/sweeney/floor-sensor/internal/softbio"
	"github.com/sweeney/floor-sensor/internal/sts"
)

// Defaults for egress and history.
const (
	DefaultPublishInterval = 200 * time.Millisecond
	DefaultFeatureInterval = 500 * time.Millisecond
	DefaultAlertHistory    = 50
)

// Config wires the components of one zone.
type Config struct {
	Fusion         fusion.Config
	MedianFilter   bool
	CellSizeIn     float64
	TemplateCells  int
	Gait           gait.Config
	BalanceWindow  time.Duration
	StableVelocity float64 // cm/s
	STS            sts.Config
	Fall           fall.Config
	Tracking       softbio.Config
	Extractor      softbio.BlobExtractor // nil: single centroid
	Assigner       softbio.Assigner      // nil: nearest track

	// PublishInterval is the minimum gap between metrics records sent to the
	// sinks. Zero publishes every cycle. Sit-to-stand events always publish.
	PublishInterval time.Duration
	// FeatureInterval is the minimum gap between feature records per track.
	FeatureInterval time.Duration
	AlertHistory    int
}

// Aliases let Metrics embed the component records and flatten their JSON.
type (
	GaitMetrics    = gait.Metrics
	BalanceMetrics = balance.Metrics
	LoadMetrics    = cop.Load
	STSMetrics     = sts.Metrics
)

// Metrics is the record produced by every cycle.
type Metrics struct {
	Timestamp time.Time `json:"ts"`
	Zone      string    `json:"zone"`
	GaitMetrics
	BalanceMetrics
	LoadMetrics
	ActiveAreaPct float64 `json:"active_area_pct"`
	STSMetrics
	STSState        string                `json:"sts_state"`
	Stable          bool                  `json:"stable"`
	CoP             cop.Sample            `json:"cop"`
	FallState       string                `json:"fall_state"`
	FallProbability float64               `json:"fall_probability"`
	Wander          WanderMetrics         `json:"wander"`
	Devices         []fusion.DeviceStatus `json:"devices"`
}

// Cycle is everything one frame produced.
type Cycle struct {
	Metrics    Metrics
	GaitEvents []gait.Event
	STSEvent   *sts.Event
	Fall       fall.Result
	Window     *fall.Window // set when a window awaits asynchronous scoring
	Features   []softbio.Features
	Published  bool
}

// Stats counts per-frame outcomes.
type Stats struct {
	Cycles            uint64 `json:"cycles"`
	Malformed         uint64 `json:"malformed"`
	DimensionMismatch uint64 `json:"dimension_mismatch"`
	Stale             uint64 `json:"stale"`
	UnknownDevice     uint64 `json:"unknown_device"`
	ClassifierFaults  uint64 `json:"classifier_faults"`
	StaleScores       uint64 `json:"stale_scores"`
	Alerts            uint64 `json:"alerts"`
	Published         uint64 `json:"published"`
	SinkErrors        uint64 `json:"sink_errors"`
}

// AlertSink receives fall alerts.
type AlertSink interface {
	PublishAlert(a fall.Alert) error
}

// MetricsSink receives metrics records.
type MetricsSink interface {
	PublishMetrics(m Metrics) error
}

// FeatureSink receives per-track gait features.
type FeatureSink interface {
	PublishFeatures(f softbio.Features) error
}

// Sinks groups the egress targets. Any of them may be empty.
type Sinks struct {
	Alerts   []AlertSink
	Metrics  []MetricsSink
	Features []FeatureSink
}

// Pipeline processes the frames of one zone. Not safe for concurrent use.
type Pipeline struct {
	cfg        Config
	logger     *zap.Logger
	sinks      Sinks
	classifier fall.Classifier

	fuser   *fusion.Fuser
	gait    *gait.Detector
	balance *balance.Tracker
	sts     *sts.Detector
	fall    *fall.Machine
	tracker *softbio.Tracker
	wander  *wanderTracker

	now         time.Time
	started     bool
	lastPublish time.Time
	published   bool
	lastFeature map[string]time.Time
	latest      *Metrics
	alerts      []fall.Alert
	stats       Stats
}

// New validates cfg and returns a cold pipeline. With a non-nil classifier
// windows are scored synchronously inside Process; otherwise they are handed
// out in Cycle.Window and their scores come back through ApplyScore.
func New(cfg Config, classifier fall.Classifier, sinks Sinks, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fuser, err := fusion.New(cfg.Fusion)
	if err != nil {
		return nil, fmt.Errorf("fusion: %w", err)
	}
	if err := cfg.STS.Zone.Validate(cfg.Fusion.Rows, cfg.Fusion.Cols); err != nil {
		return nil, fmt.Errorf("sts: %w", err)
	}
	if cfg.Fall.Zone == "" {
		cfg.Fall.Zone = cfg.Fusion.Zone
	}
	if cfg.TemplateCells <= 0 {
		cfg.TemplateCells = cop.DefaultTemplateCells
	}
	if cfg.Fall.TemplateCells == 0 {
		cfg.Fall.TemplateCells = cfg.TemplateCells
	}
	if err := cfg.Fall.Validate(); err != nil {
		return nil, err
	}
	if cfg.CellSizeIn <= 0 {
		cfg.CellSizeIn = 4
	}
	if cfg.StableVelocity <= 0 {
		cfg.StableVelocity = balance.DefaultStableVelocity
	}
	if cfg.FeatureInterval <= 0 {
		cfg.FeatureInterval = DefaultFeatureInterval
	}
	if cfg.AlertHistory <= 0 {
		cfg.AlertHistory = DefaultAlertHistory
	}
	if cfg.Gait.CellSizeIn <= 0 {
		cfg.Gait.CellSizeIn = cfg.CellSizeIn
	}

	gd, err := gait.New(cfg.Gait)
	if err != nil {
		return nil, fmt.Errorf("gait: %w", err)
	}

	return &Pipeline{
		cfg:         cfg,
		logger:      logger,
		sinks:       sinks,
		classifier:  classifier,
		fuser:       fuser,
		gait:        gd,
		balance:     balance.NewTracker(cfg.BalanceWindow, cfg.CellSizeIn),
		sts:         sts.New(cfg.STS),
		fall:        fall.New(cfg.Fall),
		tracker:     softbio.NewTracker(cfg.Tracking, cfg.Extractor, cfg.Assigner),
		wander:      newWanderTracker(cfg.CellSizeIn),
		lastFeature: make(map[string]time.Time),
	}, nil
}

// Zone returns the zone name.
func (p *Pipeline) Zone() string {
	return p.cfg.Fusion.Zone
}

// Process ingests one device frame and runs a cycle. Frames that fusion
// rejects are counted and returned as errors; the pipeline state is left
// untouched.
func (p *Pipeline) Process(ctx context.Context, f frame.Frame) (Cycle, error) {
	if p.cfg.MedianFilter {
		// per tile, so the window never spans two devices
		f = frame.MedianFilter3x3(f)
	}
	if err := p.fuser.Update(f); err != nil {
		p.Reject(err)
		return Cycle{}, err
	}
	ts := p.advance(f.Timestamp)
	fused := p.fuser.Fuse(ts)
	return p.cycle(ctx, fused.Frame, fused.Devices), nil
}

// ProcessGrid runs a cycle on a frame that already covers the whole zone.
func (p *Pipeline) ProcessGrid(ctx context.Context, f frame.Frame) (Cycle, error) {
	g, _, err := frame.Conform(f, p.cfg.Fusion.Rows, p.cfg.Fusion.Cols)
	if err != nil {
		err = fmt.Errorf("zone %q: %w", p.Zone(), err)
		p.Reject(err)
		return Cycle{}, err
	}
	if p.cfg.MedianFilter {
		g = frame.MedianFilter3x3(g)
	}
	ts := p.advance(f.Timestamp)
	g.DeviceID = p.Zone()
	g.Timestamp = ts
	return p.cycle(ctx, g, p.fuser.Status(ts)), nil
}

// Reject counts a frame dropped before or during fusion.
func (p *Pipeline) Reject(err error) {
	switch {
	case errors.Is(err, frame.ErrMalformedFrame):
		p.stats.Malformed++
	case errors.Is(err, frame.ErrDimensionMismatch):
		p.stats.DimensionMismatch++
	case errors.Is(err, fusion.ErrStaleFrame):
		p.stats.Stale++
	case errors.Is(err, fusion.ErrUnknownDevice):
		p.stats.UnknownDevice++
	default:
		p.stats.Malformed++
	}
	p.logger.Warn("frame rejected", zap.Error(err))
}

// advance moves the cycle clock. It never runs backwards across devices.
func (p *Pipeline) advance(ts time.Time) time.Time {
	if p.started && ts.Before(p.now) {
		ts = p.now
	}
	p.now = ts
	p.started = true
	return ts
}

func (p *Pipeline) cycle(ctx context.Context, g frame.Frame, devices []fusion.DeviceStatus) Cycle {
	p.stats.Cycles++
	ts := g.Timestamp

	var c Cycle
	var gm gait.Metrics
	c.GaitEvents, gm = p.gait.Update(g)

	center := cop.CoP(g)
	p.balance.Update(center)
	c.STSEvent = p.sts.Update(g)
	if c.STSEvent != nil {
		p.logger.Info("sit-to-stand transition",
			zap.String("type", string(c.STSEvent.Type)),
			zap.Duration("duration", c.STSEvent.Duration))
	}

	if p.classifier != nil {
		c.Fall = p.fall.Process(ctx, g, p.classifier)
	} else {
		if w, ok := p.fall.Push(g); ok {
			c.Window = &w
		}
		c.Fall = fall.Result{State: p.fall.State(), Probability: p.fall.Probability()}
	}
	p.handleFall(c.Fall)

	features := p.tracker.Ingest(g)

	c.Metrics = Metrics{
		Timestamp:       ts,
		Zone:            p.Zone(),
		GaitMetrics:     gm,
		BalanceMetrics:  p.balance.Compute(),
		LoadMetrics:     cop.LoadSplit(g),
		ActiveAreaPct:   cop.ActiveAreaRatio(g, p.cfg.TemplateCells),
		STSMetrics:      p.sts.Metrics(),
		STSState:        p.sts.State().String(),
		Stable:          p.balance.IsStable(p.cfg.StableVelocity),
		CoP:             center,
		FallState:       p.fall.State().String(),
		FallProbability: p.fall.Probability(),
		Wander:          p.wander.update(g),
		Devices:         devices,
	}
	latest := c.Metrics
	p.latest = &latest

	if !p.published || ts.Sub(p.lastPublish) >= p.cfg.PublishInterval || c.STSEvent != nil {
		p.publishMetrics(c.Metrics)
		p.lastPublish = ts
		p.published = true
		c.Published = true
	}
	c.Features = p.publishFeatures(ts, features)
	return c
}

// ApplyScore folds an asynchronously scored window into the fall machine.
func (p *Pipeline) ApplyScore(s fall.Scored) fall.Result {
	res := p.fall.Apply(s.Window, s.Probability, s.Err)
	if res.Stale {
		p.stats.StaleScores++
	}
	p.handleFall(res)
	return res
}

// Force raises a manual alert at ts.
func (p *Pipeline) Force(ts time.Time, confidence float64) fall.Alert {
	a := p.fall.Force(ts, confidence)
	p.recordAlert(a)
	return a
}

func (p *Pipeline) handleFall(res fall.Result) {
	if res.Fault != nil {
		p.stats.ClassifierFaults++
		p.logger.Warn("fall classifier failed", zap.Error(res.Fault))
	}
	if res.Alert != nil {
		p.recordAlert(*res.Alert)
	}
}

func (p *Pipeline) recordAlert(a fall.Alert) {
	p.stats.Alerts++
	p.alerts = append(p.alerts, a)
	if over := len(p.alerts) - p.cfg.AlertHistory; over > 0 {
		p.alerts = append(p.alerts[:0], p.alerts[over:]...)
	}
	p.logger.Warn("fall alert",
		zap.String("id", a.ID),
		zap.String("zone", a.Zone),
		zap.Float64("confidence", a.Confidence),
		zap.Bool("forced", a.Forced))
	for _, s := range p.sinks.Alerts {
		if err := s.PublishAlert(a); err != nil {
			p.sinkError("alert", err)
		}
	}
}

func (p *Pipeline) publishMetrics(m Metrics) {
	for _, s := range p.sinks.Metrics {
		if err := s.PublishMetrics(m); err != nil {
			p.sinkError("metrics", err)
			continue
		}
		p.stats.Published++
	}
}

func (p *Pipeline) publishFeatures(ts time.Time, features []softbio.Features) []softbio.Features {
	var out []softbio.Features
	live := make(map[string]bool, len(features))
	for _, f := range features {
		live[f.TrackID] = true
		if last, ok := p.lastFeature[f.TrackID]; ok && ts.Sub(last) < p.cfg.FeatureInterval {
			continue
		}
		p.lastFeature[f.TrackID] = ts
		out = append(out, f)
		for _, s := range p.sinks.Features {
			if err := s.PublishFeatures(f); err != nil {
				p.sinkError("features", err)
			}
		}
	}
	for id := range p.lastFeature {
		if !live[id] {
			delete(p.lastFeature, id)
		}
	}
	return out
}

func (p *Pipeline) sinkError(kind string, err error) {
	p.stats.SinkErrors++
	p.logger.Error("publish failed", zap.String("kind", kind), zap.Error(err))
}
