package main

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/floor-sensor/internal/config"
	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/frame"
	"github.com/sweeney/floor-sensor/internal/fusion"
	"github.com/sweeney/floor-sensor/internal/gpio"
	"github.com/sweeney/floor-sensor/internal/mqtt"
	"github.com/sweeney/floor-sensor/internal/pipeline"
	"github.com/sweeney/floor-sensor/internal/softbio"
	"github.com/sweeney/floor-sensor/internal/status"
	"github.com/sweeney/floor-sensor/internal/sts"
	"github.com/sweeney/floor-sensor/internal/web"
)

// TestEnvVarNames verifies the env var constants match what pi-helper writes
// to /run/pi-helper.env. If pi-helper changes its var names, this test fails
// and we update the constants, not the other way around.
func TestEnvVarNames(t *testing.T) {
	want := map[string]string{
		"NETWORK_TYPE":        envNetworkType,
		"NETWORK_IP":          envNetworkIP,
		"NETWORK_STATUS":      envNetworkStatus,
		"NETWORK_GATEWAY":     envNetworkGateway,
		"NETWORK_WIFI_STATUS": envNetworkWifiStatus,
		"NETWORK_WIFI_SSID":   envNetworkWifiSSID,
	}
	for canonical, got := range want {
		if got != canonical {
			t.Errorf("env var constant: got %q, want %q", got, canonical)
		}
	}
}

func TestReadNetworkInfoAllSet(t *testing.T) {
	t.Setenv(envNetworkType, "wifi")
	t.Setenv(envNetworkIP, "192.168.1.100")
	t.Setenv(envNetworkStatus, "connected")
	t.Setenv(envNetworkGateway, "192.168.1.1")
	t.Setenv(envNetworkWifiStatus, "connected")
	t.Setenv(envNetworkWifiSSID, "MyNetwork")

	info := readNetworkInfo()
	if info == nil {
		t.Fatal("expected non-nil NetworkInfo")
	}
	want := status.NetworkInfo{
		Type:       "wifi",
		IP:         "192.168.1.100",
		Status:     "connected",
		Gateway:    "192.168.1.1",
		WifiStatus: "connected",
		SSID:       "MyNetwork",
	}
	if *info != want {
		t.Errorf("got %+v, want %+v", *info, want)
	}
}

func TestReadNetworkInfoNoneSet(t *testing.T) {
	t.Setenv(envNetworkStatus, "")
	if info := readNetworkInfo(); info != nil {
		t.Errorf("expected nil when NETWORK_STATUS is unset, got %+v", info)
	}
}

func TestResolveWSBroker(t *testing.T) {
	logger := zap.NewNop()
	tests := []struct {
		ws, broker, want string
	}{
		{"off", "tcp://10.0.0.5:1883", ""},
		{"ws://other:9001", "tcp://10.0.0.5:1883", "ws://other:9001"},
		{"=broker", "tcp://10.0.0.5:1883", "ws://10.0.0.5:9001"},
		{"=broker", "tcp://broker.local", "ws://broker.local:9001"},
	}
	for _, tt := range tests {
		if got := resolveWSBroker(tt.ws, tt.broker, logger); got != tt.want {
			t.Errorf("resolveWSBroker(%q, %q): got %q, want %q", tt.ws, tt.broker, got, tt.want)
		}
	}
}

// --- loop tests ---

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock returns a function that yields start, start+step, start+2*step, ...
// on successive calls. Only called from the loop goroutine.
func fakeClock(start time.Time, step time.Duration) func() time.Time {
	n := 0
	return func() time.Time {
		t := start.Add(time.Duration(n) * step)
		n++
		return t
	}
}

func repeat(pressed bool, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = pressed
	}
	return out
}

func newTestPipeline(t *testing.T, pub *mqtt.FakePublisher) *pipeline.Pipeline {
	t.Helper()
	cfg := pipeline.Config{
		Fusion: fusion.Config{
			Zone: "hall", Rows: 12, Cols: 15,
			Devices: []fusion.Device{{ID: "d1", Rows: 12, Cols: 15}},
		},
		STS:      sts.DefaultConfig(),
		Fall:     fall.DefaultConfig(),
		Tracking: softbio.DefaultConfig(),
	}
	sinks := pipeline.Sinks{
		Alerts:   []pipeline.AlertSink{pub},
		Metrics:  []pipeline.MetricsSink{pub},
		Features: []pipeline.FeatureSink{pub},
	}
	p, err := pipeline.New(cfg, nil, sinks, nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return p
}

// occupied returns a device frame with a 3x3 block pressed.
func occupied(ts time.Time) frame.Frame {
	f := frame.New("d1", ts, 12, 15)
	for r := 4; r < 7; r++ {
		for c := 6; c < 9; c++ {
			f.Set(r, c, 200)
		}
	}
	return f
}

var deviceRoute = config.Route{Kind: frame.SourceDevice, DeviceID: "d1", Rows: 12, Cols: 15}

// harness drives loop.run from the test goroutine.
type harness struct {
	l      *loop
	frames chan mqtt.Inbound
	tick   chan time.Time
	sig    chan os.Signal
	errCh  chan error
}

func newHarness(t *testing.T, pub *mqtt.FakePublisher, clock func() time.Time) *harness {
	t.Helper()
	h := &harness{
		frames: make(chan mqtt.Inbound),
		tick:   make(chan time.Time),
		sig:    make(chan os.Signal, 1),
		errCh:  make(chan error, 1),
	}
	h.l = &loop{
		pipeline:   newTestPipeline(t, pub),
		frames:     h.frames,
		publisher:  pub,
		mqttStatus: pub,
		now:        clock,
		tick:       h.tick,
		sig:        h.sig,
		logger:     zap.NewNop(),
	}
	return h
}

func (h *harness) start() {
	go func() { h.errCh <- h.l.run(context.Background()) }()
}

func (h *harness) ticks(n int) {
	for i := 0; i < n; i++ {
		h.tick <- time.Time{}
	}
}

func (h *harness) stop(t *testing.T, s os.Signal) {
	t.Helper()
	h.sig <- s
	if err := <-h.errCh; err != nil {
		t.Fatalf("run returned error: %v", err)
	}
}

func TestLoopShutdownOnly(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	h.start()
	h.ticks(3)
	h.stop(t, syscall.SIGTERM)

	if len(pub.SystemEvents) != 1 {
		t.Fatalf("expected 1 system event, got %d", len(pub.SystemEvents))
	}
	ev := pub.SystemEvents[0]
	if ev.Event != "SHUTDOWN" || ev.Reason != "SIGTERM" || !ev.Retained {
		t.Errorf("got %+v, want retained SHUTDOWN/SIGTERM", ev)
	}
	if len(pub.Alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(pub.Alerts))
	}
}

func TestLoopShutdownReasons(t *testing.T) {
	tests := []struct {
		sig  os.Signal
		want string
	}{
		{syscall.SIGINT, "SIGINT"},
		{syscall.SIGTERM, "SIGTERM"},
		{syscall.SIGHUP, "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			pub := mqtt.NewFakePublisher()
			h := newHarness(t, pub, fakeClock(t0, time.Second))
			h.start()
			h.stop(t, tt.sig)
			if got := pub.SystemEvents[0].Reason; got != tt.want {
				t.Errorf("reason: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoopShutdownCarriesStatus(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, time.Second))
	h.l.tracker = status.NewTracker(t0, status.Config{Zone: "hall"})
	h.start()
	h.stop(t, syscall.SIGINT)

	if len(pub.SystemEvents[0].RawPayload) == 0 {
		t.Error("expected a status payload on SHUTDOWN")
	}
}

func TestLoopProcessesFrames(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	tracker := status.NewTracker(t0, status.Config{Zone: "hall"})
	h.l.tracker = tracker
	h.l.dropped = func() uint64 { return 4 }
	h.start()

	for i := 0; i < 3; i++ {
		h.frames <- mqtt.Inbound{Route: deviceRoute, Frame: occupied(t0.Add(time.Duration(i) * 100 * time.Millisecond))}
	}
	h.frames <- mqtt.Inbound{Route: deviceRoute, Err: frame.ErrMalformedFrame}
	h.ticks(1)
	h.stop(t, syscall.SIGTERM)

	stats := h.l.pipeline.Stats()
	if stats.Cycles != 3 {
		t.Errorf("Cycles: got %d, want 3", stats.Cycles)
	}
	if stats.Malformed != 1 {
		t.Errorf("Malformed: got %d, want 1", stats.Malformed)
	}
	if len(pub.Metrics) != 3 {
		t.Errorf("metrics published: got %d, want 3", len(pub.Metrics))
	}

	snap := tracker.Snapshot()
	if !snap.Ready {
		t.Error("expected tracker Ready after frames")
	}
	if snap.Dropped != 4 {
		t.Errorf("Dropped: got %d, want 4", snap.Dropped)
	}
	if snap.Pipeline.Stats.Cycles != 3 {
		t.Errorf("tracker Cycles: got %d, want 3", snap.Pipeline.Stats.Cycles)
	}
}

func TestLoopZoneGridFrames(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	h.start()

	route := config.Route{Kind: frame.SourceZoneGrid, Rows: 12, Cols: 15}
	grid := occupied(t0)
	grid.DeviceID = "hall"
	h.frames <- mqtt.Inbound{Route: route, Frame: grid}
	h.frames <- mqtt.Inbound{Route: route, Frame: frame.New("hall", t0.Add(time.Second), 5, 5)}
	h.stop(t, syscall.SIGTERM)

	stats := h.l.pipeline.Stats()
	if stats.Cycles != 1 {
		t.Errorf("Cycles: got %d, want 1", stats.Cycles)
	}
	if stats.DimensionMismatch != 1 {
		t.Errorf("DimensionMismatch: got %d, want 1", stats.DimensionMismatch)
	}
}

type recordedFrame struct {
	kind frame.SourceKind
	id   string
}

type fakeRecorder struct {
	frames []recordedFrame
	err    error
}

func (r *fakeRecorder) Record(kind frame.SourceKind, f frame.Frame) error {
	r.frames = append(r.frames, recordedFrame{kind, f.DeviceID})
	return r.err
}

func TestLoopRecordsFrames(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	rec := &fakeRecorder{err: errors.New("disk full")}
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	h.l.recorder = rec
	h.start()

	h.frames <- mqtt.Inbound{Route: deviceRoute, Frame: occupied(t0)}
	h.frames <- mqtt.Inbound{Route: deviceRoute, Err: frame.ErrMalformedFrame}
	h.stop(t, syscall.SIGTERM)

	if len(rec.frames) != 1 || rec.frames[0] != (recordedFrame{frame.SourceDevice, "d1"}) {
		t.Errorf("recorded: got %+v, want one d1 device frame", rec.frames)
	}
	if got := h.l.pipeline.Stats().Cycles; got != 1 {
		t.Errorf("a recorder failure must not stop processing: Cycles got %d, want 1", got)
	}
}

func TestLoopScoresWindowsAsync(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	windows := make(chan fall.Window, 8)
	scored := make(chan fall.Scored)
	h.l.submit = func(w fall.Window) bool {
		windows <- w
		return true
	}
	h.l.scored = scored
	h.start()

	// The default machine wants 10 frames per window and 3 high windows.
	for i := 0; i < 12; i++ {
		h.frames <- mqtt.Inbound{Route: deviceRoute, Frame: occupied(t0.Add(time.Duration(i) * 100 * time.Millisecond))}
	}
	for i := 0; i < 3; i++ {
		w := <-windows
		scored <- fall.Scored{Window: w, Probability: 0.95}
	}
	h.stop(t, syscall.SIGTERM)

	if len(pub.Alerts) != 1 {
		t.Fatalf("alerts: got %d, want 1", len(pub.Alerts))
	}
	a := pub.Alerts[0]
	if a.Forced || a.Zone != "hall" || a.Confidence != 0.95 {
		t.Errorf("got %+v", a)
	}
	if got := h.l.pipeline.Snapshot().FallState; got != "ALERTING" {
		t.Errorf("FallState: got %q, want ALERTING", got)
	}
}

func TestLoopClassifierFaultCounted(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	windows := make(chan fall.Window, 8)
	scored := make(chan fall.Scored)
	h.l.submit = func(w fall.Window) bool {
		windows <- w
		return true
	}
	h.l.scored = scored
	h.start()

	for i := 0; i < 10; i++ {
		h.frames <- mqtt.Inbound{Route: deviceRoute, Frame: occupied(t0.Add(time.Duration(i) * 100 * time.Millisecond))}
	}
	scored <- fall.Scored{Window: <-windows, Err: errors.New("timeout")}
	h.stop(t, syscall.SIGTERM)

	if got := h.l.pipeline.Stats().ClassifierFaults; got != 1 {
		t.Errorf("ClassifierFaults: got %d, want 1", got)
	}
	if len(pub.Alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(pub.Alerts))
	}
}

func TestLoopClosedScoreChannel(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	scored := make(chan fall.Scored)
	close(scored)
	h.l.scored = scored
	h.start()

	h.frames <- mqtt.Inbound{Route: deviceRoute, Frame: occupied(t0)}
	h.stop(t, syscall.SIGTERM)

	if got := h.l.pipeline.Stats().Cycles; got != 1 {
		t.Errorf("Cycles: got %d, want 1", got)
	}
}

func TestLoopForceRequest(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	force := make(chan web.ForceRequest)
	h.l.force = force
	h.start()

	reply := make(chan fall.Alert, 1)
	force <- web.ForceRequest{Confidence: 0.7, Reply: reply}
	a := <-reply
	h.stop(t, syscall.SIGTERM)

	if !a.Forced || a.Confidence != 0.7 || a.Zone != "hall" {
		t.Errorf("reply: got %+v", a)
	}
	if len(pub.Alerts) != 1 || pub.Alerts[0].ID != a.ID {
		t.Errorf("published alerts: got %+v, want the forced alert", pub.Alerts)
	}
}

func TestLoopButtonPress(t *testing.T) {
	tests := []struct {
		name    string
		samples []bool
		alerts  int
	}{
		{"released", repeat(false, 8), 0},
		{"held at startup", repeat(true, 8), 0},
		{"pressed", append(repeat(false, 4), repeat(true, 4)...), 1},
		{"bounce", append(repeat(false, 4), true, false, true, false), 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := mqtt.NewFakePublisher()
			h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
			h.l.button = gpio.NewFakeReader(tt.samples)
			h.l.debounce = gpio.NewButton(250 * time.Millisecond)
			h.start()
			h.ticks(len(tt.samples))
			h.stop(t, syscall.SIGTERM)

			if len(pub.Alerts) != tt.alerts {
				t.Fatalf("alerts: got %d, want %d", len(pub.Alerts), tt.alerts)
			}
			if tt.alerts > 0 {
				if a := pub.Alerts[0]; !a.Forced || a.Confidence != buttonConfidence {
					t.Errorf("got %+v, want forced alert at confidence %v", a, buttonConfidence)
				}
			}
		})
	}
}

func TestLoopButtonReadError(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 100*time.Millisecond))
	reader := gpio.NewFakeReader(nil)
	reader.ReadError = errors.New("gpio fault")
	h.l.button = reader
	h.l.debounce = gpio.NewButton(250 * time.Millisecond)
	h.start()
	h.ticks(5)
	h.stop(t, syscall.SIGTERM)

	if len(pub.Alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(pub.Alerts))
	}
}

func TestLoopHeartbeat(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, 500*time.Millisecond))
	h.l.heartbeat = time.Second
	h.l.tracker = status.NewTracker(t0, status.Config{Zone: "hall"})
	h.start()
	h.ticks(4)
	h.stop(t, syscall.SIGTERM)

	got := pub.SystemEventNames()
	want := []string{"HEARTBEAT", "HEARTBEAT", "SHUTDOWN"}
	if len(got) != len(want) {
		t.Fatalf("system events: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, got[i], want[i])
		}
	}
	if len(pub.SystemEvents[0].RawPayload) == 0 {
		t.Error("expected a status payload on HEARTBEAT")
	}
}

func TestLoopHeartbeatDisabled(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	h := newHarness(t, pub, fakeClock(t0, time.Hour))
	h.start()
	h.ticks(5)
	h.stop(t, syscall.SIGTERM)

	if names := pub.SystemEventNames(); len(names) != 1 || names[0] != "SHUTDOWN" {
		t.Errorf("system events: got %v, want [SHUTDOWN]", names)
	}
}

func TestLoopHeartbeatPublishErrorContinues(t *testing.T) {
	pub := mqtt.NewFakePublisher()
	pub.PublishSystemError = errors.New("offline")
	h := newHarness(t, pub, fakeClock(t0, time.Second))
	h.l.heartbeat = time.Second
	h.start()
	h.ticks(3)
	h.frames <- mqtt.Inbound{Route: deviceRoute, Frame: occupied(t0.Add(time.Hour))}
	h.stop(t, syscall.SIGTERM)

	if got := h.l.pipeline.Stats().Cycles; got != 1 {
		t.Errorf("Cycles: got %d, want 1", got)
	}
}
