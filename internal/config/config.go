// Package config loads the daemon configuration from a YAML file, an
// optional .env file and FLOOR_* environment variables, and turns it into the
// component configurations.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/floor-sensor/internal/balance"
	"github.com/sweeney/floor-sensor/internal/cop"
	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/frame"
	"github.com/sweeney/floor-sensor/internal/fusion"
	"github.com/sweeney/floor-sensor/internal/gait"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/softbio"
	"github.com/sweeney/floor-sensor/internal/stream"
	"github.com/sweeney/floor-sensor/internal/sts"
)

// Grid is a grid size in cells.
type Grid struct {
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`
}

// Device places one sensor tile and names the topic it publishes on.
type Device struct {
	ID      string `yaml:"id"`
	Rows    int    `yaml:"rows"`
	Cols    int    `yaml:"cols"`
	OffsetX int    `yaml:"offset_x"`
	OffsetY int    `yaml:"offset_y"`
	Topic   string `yaml:"topic"` // default floor/<id>/frame
}

// Source is an extra ingress topic, typically a pre-fused zone grid.
type Source struct {
	Topic    string `yaml:"topic"`
	Kind     string `yaml:"kind"` // device or zone_grid
	DeviceID string `yaml:"device_id"`
}

type Gait struct {
	StridePxThreshold float64       `yaml:"stride_px_threshold"`
	HistoryWindow     time.Duration `yaml:"history_window"`
	CadenceWindow     time.Duration `yaml:"cadence_window"`
	EventWindow       time.Duration `yaml:"event_window"`
	TurnNoiseFloor    float64       `yaml:"turn_noise_floor"`
}

type Balance struct {
	Window         time.Duration `yaml:"window"`
	StableVelocity float64       `yaml:"stable_velocity_cm_s"`
}

type STS struct {
	Zone      sts.Zone      `yaml:"zone"`
	Window    time.Duration `yaml:"window"`
	Retention time.Duration `yaml:"retention"`
}

type Fall struct {
	SequenceLength    int           `yaml:"sequence_length"`
	ConsecutiveFrames int           `yaml:"consecutive_frames"`
	Threshold         float64       `yaml:"threshold"`
	Cooldown          time.Duration `yaml:"cooldown"`
	ClassifierURL     string        `yaml:"classifier_url"` // empty disables scoring
	ClassifierPath    string        `yaml:"classifier_path"`
	ClassifierTimeout time.Duration `yaml:"classifier_timeout"`
	Queue             int           `yaml:"queue"`
}

type Tracking struct {
	Extractor         string        `yaml:"extractor"` // single or components
	Assigner          string        `yaml:"assigner"`  // nearest or hungarian
	MinBlobCells      int           `yaml:"min_blob_cells"`
	GateDistanceCells float64       `yaml:"gate_distance_cells"`
	TrackTimeout      time.Duration `yaml:"track_timeout"`
	MinStanceFrames   int           `yaml:"min_stance_frames"`
}

type Publish struct {
	Hz              float64       `yaml:"hz"`
	FeatureInterval time.Duration `yaml:"feature_interval"`
}

type MQTT struct {
	Broker        string `yaml:"broker"`
	ClientID      string `yaml:"client_id"`
	AlertsTopic   string `yaml:"alerts_topic"`
	MetricsTopic  string `yaml:"metrics_topic"`
	FeaturesTopic string `yaml:"features_topic"`
	SystemTopic   string `yaml:"system_topic"`
	BufferSize    int    `yaml:"buffer_size"`
	FrameQueue    int    `yaml:"frame_queue"`
}

type Redis struct {
	Enabled       bool `yaml:"enabled"`
	stream.Config `yaml:",inline"`
}

type FrameLog struct {
	Path string `yaml:"path"` // empty disables recording
}

type HTTP struct {
	Addr string `yaml:"addr"` // empty disables the status server
}

type GPIO struct {
	Enabled  bool          `yaml:"enabled"`
	Pin      int           `yaml:"pin"`
	Debounce time.Duration `yaml:"debounce"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the whole daemon configuration.
type Config struct {
	Zone              string        `yaml:"zone"`
	UnifiedGrid       Grid          `yaml:"unified_grid"`
	Devices           []Device      `yaml:"devices"`
	Sources           []Source      `yaml:"sources"`
	CellSizeIn        float64       `yaml:"cell_size_in"`
	TemplatePixels    int           `yaml:"template_pixels"`
	MedianFilter      bool          `yaml:"median_filter"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	Gait              Gait          `yaml:"gait"`
	Balance           Balance       `yaml:"balance"`
	STS               STS           `yaml:"sts"`
	Fall              Fall          `yaml:"fall"`
	Tracking          Tracking      `yaml:"tracking"`
	Publish           Publish       `yaml:"publish"`
	MQTT              MQTT          `yaml:"mqtt"`
	Redis             Redis         `yaml:"redis"`
	FrameLog          FrameLog      `yaml:"framelog"`
	HTTP              HTTP          `yaml:"http"`
	GPIO              GPIO          `yaml:"gpio"`
	Log               Log           `yaml:"log"`
}

// Defaults returns a runnable single-tile configuration.
func Defaults() Config {
	g := gait.DefaultConfig()
	s := sts.DefaultConfig()
	f := fall.DefaultConfig()
	t := softbio.DefaultConfig()
	rc := stream.DefaultConfig()
	rc.Addr = "localhost:6379"
	return Config{
		Zone:              "zone1",
		UnifiedGrid:       Grid{Rows: 12, Cols: 15},
		Devices:           []Device{{ID: "tile1", Rows: 12, Cols: 15}},
		CellSizeIn:        4,
		TemplatePixels:    cop.DefaultTemplateCells,
		MedianFilter:      true,
		DisconnectTimeout: fusion.DefaultDisconnectTimeout,
		Gait: Gait{
			StridePxThreshold: g.StridePxThreshold,
			HistoryWindow:     g.HistoryWindow,
			CadenceWindow:     g.CadenceWindow,
			EventWindow:       g.EventWindow,
			TurnNoiseFloor:    g.TurnNoiseFloor,
		},
		Balance: Balance{Window: balance.DefaultWindow, StableVelocity: balance.DefaultStableVelocity},
		STS:     STS{Zone: s.Zone, Window: s.Window, Retention: s.Retention},
		Fall: Fall{
			SequenceLength:    f.SequenceLength,
			ConsecutiveFrames: f.ConsecutiveFrames,
			Threshold:         f.Threshold,
			Cooldown:          f.Cooldown,
			ClassifierPath:    "/predict",
			ClassifierTimeout: 2 * time.Second,
			Queue:             4,
		},
		Tracking: Tracking{
			Extractor:         "single",
			Assigner:          "nearest",
			MinBlobCells:      3,
			GateDistanceCells: t.GateDistanceCells,
			TrackTimeout:      t.TrackTimeout,
			MinStanceFrames:   t.MinStanceFrames,
		},
		Publish: Publish{Hz: 5, FeatureInterval: pipeline.DefaultFeatureInterval},
		MQTT: MQTT{
			Broker:        "tcp://localhost:1883",
			ClientID:      "floor-sensor",
			AlertsTopic:   "floor/alerts",
			MetricsTopic:  "pt/metrics",
			FeaturesTopic: "softbio/features",
			SystemTopic:   "floor/system",
			BufferSize:    1000,
			FrameQueue:    256,
		},
		Redis:    Redis{Config: rc},
		FrameLog: FrameLog{},
		HTTP:     HTTP{Addr: ":8080"},
		GPIO:     GPIO{Pin: 17, Debounce: 250 * time.Millisecond},
		Log:      Log{Level: "info", Format: "json"},
	}
}

// Load reads .env (when present) and the YAML file at path over the
// defaults, then applies FLOOR_* environment overrides and validates. An
// empty path skips the file.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over cfg. Unknown keys are errors.
func Parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides selected settings from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("FLOOR_ZONE", &c.Zone)
	str("FLOOR_MQTT_BROKER", &c.MQTT.Broker)
	str("FLOOR_MQTT_CLIENT_ID", &c.MQTT.ClientID)
	str("FLOOR_REDIS_ADDR", &c.Redis.Addr)
	str("FLOOR_REDIS_PASSWORD", &c.Redis.Password)
	str("FLOOR_CLASSIFIER_URL", &c.Fall.ClassifierURL)
	str("FLOOR_FRAMELOG_PATH", &c.FrameLog.Path)
	str("FLOOR_HTTP_ADDR", &c.HTTP.Addr)
	str("FLOOR_LOG_LEVEL", &c.Log.Level)
	str("FLOOR_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("FLOOR_REDIS_ENABLED"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("FLOOR_REDIS_ENABLED: %w", err)
		}
		c.Redis.Enabled = b
	}
	if v, ok := lookup("FLOOR_PUBLISH_HZ"); ok && v != "" {
		hz, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FLOOR_PUBLISH_HZ: %w", err)
		}
		c.Publish.Hz = hz
	}
	if v, ok := lookup("FLOOR_FALL_THRESHOLD"); ok && v != "" {
		th, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("FLOOR_FALL_THRESHOLD: %w", err)
		}
		c.Fall.Threshold = th
	}
	return nil
}

// Validate runs every startup check. Any error is fatal.
func (c Config) Validate() error {
	if c.Zone == "" {
		return errors.New("config: zone is required")
	}
	if c.UnifiedGrid.Rows <= 0 || c.UnifiedGrid.Cols <= 0 {
		return fmt.Errorf("config: unified grid %dx%d must be positive", c.UnifiedGrid.Rows, c.UnifiedGrid.Cols)
	}
	if c.CellSizeIn <= 0 {
		return fmt.Errorf("config: cell_size_in %v must be positive", c.CellSizeIn)
	}
	if c.TemplatePixels <= 0 {
		return fmt.Errorf("config: template_pixels %d must be positive", c.TemplatePixels)
	}
	if _, err := fusion.New(c.FusionConfig()); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.STS.Zone.Validate(c.UnifiedGrid.Rows, c.UnifiedGrid.Cols); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := c.FallConfig().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := gait.New(c.PipelineConfig().Gait); err != nil {
		return fmt.Errorf("config: gait: %w", err)
	}
	if c.Publish.Hz < 0 {
		return fmt.Errorf("config: publish.hz %v must not be negative", c.Publish.Hz)
	}
	if c.Tracking.GateDistanceCells < 0 || c.Tracking.TrackTimeout < 0 || c.Tracking.MinStanceFrames < 0 {
		return errors.New("config: tracking values must not be negative")
	}
	if _, err := c.extractor(); err != nil {
		return err
	}
	if _, err := c.assigner(); err != nil {
		return err
	}
	if _, err := c.Routes(); err != nil {
		return err
	}
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"disconnect_timeout", c.DisconnectTimeout},
		{"balance.window", c.Balance.Window},
		{"sts.window", c.STS.Window},
		{"sts.retention", c.STS.Retention},
		{"gait.history_window", c.Gait.HistoryWindow},
		{"gait.cadence_window", c.Gait.CadenceWindow},
	} {
		if d.v <= 0 {
			return fmt.Errorf("config: %s %v must be positive", d.name, d.v)
		}
	}
	return nil
}

// FusionConfig returns the fusion layout.
func (c Config) FusionConfig() fusion.Config {
	fc := fusion.Config{
		Zone:              c.Zone,
		Rows:              c.UnifiedGrid.Rows,
		Cols:              c.UnifiedGrid.Cols,
		DisconnectTimeout: c.DisconnectTimeout,
	}
	for _, d := range c.Devices {
		fc.Devices = append(fc.Devices, fusion.Device{
			ID: d.ID, Rows: d.Rows, Cols: d.Cols, OffsetX: d.OffsetX, OffsetY: d.OffsetY,
		})
	}
	return fc
}

// FallConfig returns the fall machine configuration.
func (c Config) FallConfig() fall.Config {
	return fall.Config{
		Zone:              c.Zone,
		SequenceLength:    c.Fall.SequenceLength,
		ConsecutiveFrames: c.Fall.ConsecutiveFrames,
		Threshold:         c.Fall.Threshold,
		Cooldown:          c.Fall.Cooldown,
		TemplateCells:     c.TemplatePixels,
	}
}

// PipelineConfig returns the pipeline configuration. The config must be
// valid.
func (c Config) PipelineConfig() pipeline.Config {
	ex, _ := c.extractor()
	as, _ := c.assigner()
	var interval time.Duration
	if c.Publish.Hz > 0 {
		interval = time.Duration(float64(time.Second) / c.Publish.Hz)
	}
	tracking := softbio.DefaultConfig()
	tracking.GateDistanceCells = c.Tracking.GateDistanceCells
	tracking.TrackTimeout = c.Tracking.TrackTimeout
	tracking.MinStanceFrames = c.Tracking.MinStanceFrames
	tracking.CellSizeM = c.CellSizeIn * 0.0254

	return pipeline.Config{
		Fusion:        c.FusionConfig(),
		MedianFilter:  c.MedianFilter,
		CellSizeIn:    c.CellSizeIn,
		TemplateCells: c.TemplatePixels,
		Gait: gait.Config{
			StridePxThreshold: c.Gait.StridePxThreshold,
			HistoryWindow:     c.Gait.HistoryWindow,
			CadenceWindow:     c.Gait.CadenceWindow,
			EventWindow:       c.Gait.EventWindow,
			CellSizeIn:        c.CellSizeIn,
			TurnNoiseFloor:    c.Gait.TurnNoiseFloor,
		},
		BalanceWindow:   c.Balance.Window,
		StableVelocity:  c.Balance.StableVelocity,
		STS:             sts.Config{Zone: c.STS.Zone, Window: c.STS.Window, Retention: c.STS.Retention},
		Fall:            c.FallConfig(),
		Tracking:        tracking,
		Extractor:       ex,
		Assigner:        as,
		PublishInterval: interval,
		FeatureInterval: c.Publish.FeatureInterval,
	}
}

func (c Config) extractor() (softbio.BlobExtractor, error) {
	switch c.Tracking.Extractor {
	case "", "single":
		return softbio.SingleCentroid{}, nil
	case "components":
		return softbio.ConnectedComponents{MinCells: c.Tracking.MinBlobCells}, nil
	}
	return nil, fmt.Errorf("config: unknown tracking.extractor %q", c.Tracking.Extractor)
}

func (c Config) assigner() (softbio.Assigner, error) {
	switch c.Tracking.Assigner {
	case "", "nearest":
		return softbio.NearestAssigner{}, nil
	case "hungarian":
		return softbio.HungarianAssigner{}, nil
	}
	return nil, fmt.Errorf("config: unknown tracking.assigner %q", c.Tracking.Assigner)
}

// Route tells the ingress how to treat frames arriving on one topic.
type Route struct {
	Kind     frame.SourceKind
	DeviceID string
	Rows     int
	Cols     int
}

// Routes resolves every ingress topic once, at startup.
func (c Config) Routes() (map[string]Route, error) {
	routes := make(map[string]Route, len(c.Devices)+len(c.Sources))
	add := func(topic string, r Route) error {
		if topic == "" {
			return errors.New("config: empty ingress topic")
		}
		if _, dup := routes[topic]; dup {
			return fmt.Errorf("config: topic %q routed twice", topic)
		}
		routes[topic] = r
		return nil
	}
	byID := make(map[string]Device, len(c.Devices))
	for _, d := range c.Devices {
		byID[d.ID] = d
		topic := d.Topic
		if topic == "" {
			topic = fmt.Sprintf("floor/%s/frame", d.ID)
		}
		if err := add(topic, Route{Kind: frame.SourceDevice, DeviceID: d.ID, Rows: d.Rows, Cols: d.Cols}); err != nil {
			return nil, err
		}
	}
	for _, s := range c.Sources {
		kind, err := frame.ParseSourceKind(s.Kind)
		if err != nil {
			return nil, fmt.Errorf("config: source %q: %w", s.Topic, err)
		}
		r := Route{Kind: kind}
		switch kind {
		case frame.SourceZoneGrid:
			r.DeviceID, r.Rows, r.Cols = c.Zone, c.UnifiedGrid.Rows, c.UnifiedGrid.Cols
		default:
			d, ok := byID[s.DeviceID]
			if !ok {
				return nil, fmt.Errorf("config: source %q: unknown device %q", s.Topic, s.DeviceID)
			}
			r.DeviceID, r.Rows, r.Cols = d.ID, d.Rows, d.Cols
		}
		if err := add(s.Topic, r); err != nil {
			return nil, err
		}
	}
	return routes, nil
}
