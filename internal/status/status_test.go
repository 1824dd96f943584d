package status

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sweeney/floor-sensor/internal/fall"
	"github.com/sweeney/floor-sensor/internal/fusion"
	"github.com/sweeney/floor-sensor/internal/pipeline"
)

func testPipelineSnapshot(cycles uint64) pipeline.Snapshot {
	ts := time.Date(2026, 1, 1, 0, 10, 0, 0, time.UTC)
	return pipeline.Snapshot{
		Zone:            "zone1",
		Timestamp:       ts,
		FallState:       "CONFIRMING",
		FallProbability: 0.82,
		Tracks:          []pipeline.TrackStatus{{ID: "t1", Steps: 4}},
		Devices:         []fusion.DeviceStatus{{ID: "tile1", LastUpdate: ts, Connected: true}},
		Stats:           pipeline.Stats{Cycles: cycles, Malformed: 2, Alerts: 1},
	}
}

func TestNewTracker(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := Config{Zone: "zone1", PublishHz: 5, Broker: "tcp://localhost:1883", HTTPPort: ":8080"}
	tr := NewTracker(start, cfg)

	snap := tr.Snapshot()
	if !snap.StartTime.Equal(start) {
		t.Errorf("StartTime: got %v, want %v", snap.StartTime, start)
	}
	if snap.Config.PublishHz != 5 {
		t.Errorf("Config.PublishHz: got %v, want 5", snap.Config.PublishHz)
	}
	if snap.Config.HTTPPort != ":8080" {
		t.Errorf("Config.HTTPPort: got %q, want %q", snap.Config.HTTPPort, ":8080")
	}
	if snap.Pipeline.Zone != "zone1" {
		t.Errorf("Pipeline.Zone: got %q, want zone1", snap.Pipeline.Zone)
	}
	if snap.Ready {
		t.Error("expected Ready=false initially")
	}
	if snap.MQTTConnected {
		t.Error("expected MQTTConnected=false initially")
	}
}

func TestUpdateAndSnapshot(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.Update(testPipelineSnapshot(12), 3)

	snap := tr.Snapshot()
	if snap.Pipeline.FallState != "CONFIRMING" {
		t.Errorf("FallState: got %q, want CONFIRMING", snap.Pipeline.FallState)
	}
	if !snap.Ready {
		t.Error("expected Ready=true")
	}
	if snap.Dropped != 3 {
		t.Errorf("Dropped: got %d, want 3", snap.Dropped)
	}
	if snap.Pipeline.Stats.Cycles != 12 {
		t.Errorf("Stats.Cycles: got %d, want 12", snap.Pipeline.Stats.Cycles)
	}
}

func TestUpdateNotReadyWithoutCycles(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.Update(testPipelineSnapshot(0), 0)
	if tr.Snapshot().Ready {
		t.Error("expected Ready=false before the first cycle")
	}
}

func TestSetMQTTConnected(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	tr.SetMQTTConnected(true)
	if !tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=true")
	}

	tr.SetMQTTConnected(false)
	if tr.Snapshot().MQTTConnected {
		t.Error("expected MQTTConnected=false")
	}
}

func TestSetNetwork(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})

	if tr.Snapshot().Network != nil {
		t.Error("expected nil Network initially")
	}

	net := &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected"}
	tr.SetNetwork(net)

	snap := tr.Snapshot()
	if snap.Network == nil {
		t.Fatal("expected non-nil Network")
	}
	if snap.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want %q", snap.Network.IP, "192.168.1.42")
	}
}

func TestSnapshotUptime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(15 * time.Minute),
	}

	if snap.Uptime() != 15*time.Minute {
		t.Errorf("Uptime: got %v, want 15m", snap.Uptime())
	}
}

func TestSnapshotNowIsSet(t *testing.T) {
	tr := NewTracker(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), Config{})
	fixed := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }

	if got := tr.Snapshot().Now; !got.Equal(fixed) {
		t.Errorf("Now: got %v, want %v", got, fixed)
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	tr.Update(testPipelineSnapshot(1), 0)

	snap1 := tr.Snapshot()

	next := testPipelineSnapshot(2)
	next.FallState = "ALERTING"
	tr.Update(next, 5)

	// snap1 should still reflect old state
	if snap1.Pipeline.FallState != "CONFIRMING" {
		t.Error("snapshot should be a copy; FallState was modified")
	}
	if snap1.Dropped != 0 {
		t.Error("snapshot should be a copy; Dropped was modified")
	}
}

func TestFormatJSON(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := testPipelineSnapshot(40)
	p.Alerts = []fall.Alert{{ID: "a1", Timestamp: start.Add(5 * time.Minute)}}
	snap := Snapshot{
		Pipeline:      p,
		Ready:         true,
		Dropped:       7,
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{Zone: "zone1", Rows: 12, Cols: 15, Devices: 1, PublishHz: 5, HeartbeatMs: 900000, Broker: "tcp://localhost:1883", HTTPPort: ":8080"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.FallState != "CONFIRMING" {
		t.Errorf("FallState: got %q, want CONFIRMING", parsed.Status.FallState)
	}
	if parsed.Status.FallProbability != 0.82 {
		t.Errorf("FallProbability: got %v, want 0.82", parsed.Status.FallProbability)
	}
	if parsed.Status.Occupants != 1 {
		t.Errorf("Occupants: got %d, want 1", parsed.Status.Occupants)
	}
	if !parsed.Status.Ready {
		t.Error("expected Ready=true")
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
	if parsed.Status.MQTT.Connected != true {
		t.Error("expected MQTT.Connected=true")
	}
	if parsed.Status.Counts.Cycles != 40 || parsed.Status.Counts.Malformed != 2 || parsed.Status.Counts.Dropped != 7 {
		t.Errorf("Counts: got %+v", parsed.Status.Counts)
	}
	if parsed.Status.LastFrame != "2026-01-01T00:10:00Z" {
		t.Errorf("LastFrame: got %q", parsed.Status.LastFrame)
	}
	if parsed.Status.LastAlert != "2026-01-01T00:05:00Z" {
		t.Errorf("LastAlert: got %q", parsed.Status.LastAlert)
	}
	if len(parsed.Status.Devices) != 1 || !parsed.Status.Devices[0].Connected {
		t.Errorf("Devices: got %+v", parsed.Status.Devices)
	}
	if parsed.Status.Config.Grid != [2]int{12, 15} {
		t.Errorf("Config.Grid: got %v, want [12 15]", parsed.Status.Config.Grid)
	}
	// Event and Reason should be omitted
	if parsed.Status.Event != "" {
		t.Errorf("expected empty Event for web format, got %q", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("expected empty Reason for web format, got %q", parsed.Status.Reason)
	}
}

func TestFormatJSONUnknownState(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
		Config:    Config{Zone: "zone9"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	json.Unmarshal(data, &parsed)

	if parsed.Status.FallState != "UNKNOWN" {
		t.Errorf("FallState: got %q, want UNKNOWN", parsed.Status.FallState)
	}
	if parsed.Status.Zone != "zone9" {
		t.Errorf("Zone: got %q, want zone9 from config", parsed.Status.Zone)
	}
	if parsed.Status.LastFrame != "" {
		t.Errorf("LastFrame: got %q, want empty", parsed.Status.LastFrame)
	}
	if parsed.Status.Devices == nil {
		t.Error("Devices should encode as an empty list")
	}
}

func TestFormatStatusEvent(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Pipeline:      testPipelineSnapshot(3),
		Ready:         true,
		StartTime:     start,
		Now:           start.Add(15 * time.Minute),
		MQTTConnected: true,
		Config:        Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "HEARTBEAT", "")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "HEARTBEAT" {
		t.Errorf("Event: got %q, want HEARTBEAT", parsed.Status.Event)
	}
	if parsed.Status.Reason != "" {
		t.Errorf("Reason: got %q, want empty", parsed.Status.Reason)
	}
	if parsed.Status.Zone != "zone1" {
		t.Errorf("Zone: got %q, want zone1", parsed.Status.Zone)
	}
	if parsed.Status.UptimeSeconds != 900 {
		t.Errorf("UptimeSeconds: got %d, want 900", parsed.Status.UptimeSeconds)
	}
}

func TestFormatStatusEventShutdown(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	snap := Snapshot{
		StartTime: start,
		Now:       start.Add(30 * time.Minute),
		Config:    Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatStatusEvent(snap, "SHUTDOWN", "SIGTERM")

	var parsed StatusJSON
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}

	if parsed.Status.Event != "SHUTDOWN" {
		t.Errorf("Event: got %q, want SHUTDOWN", parsed.Status.Event)
	}
	if parsed.Status.Reason != "SIGTERM" {
		t.Errorf("Reason: got %q, want SIGTERM", parsed.Status.Reason)
	}
}

func TestFormatStatusEventOmitsReasonWhenEmpty(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC),
	}

	data := FormatStatusEvent(snap, "STARTUP", "")

	// Verify "reason" is not in the raw JSON output
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	status := raw["status"].(map[string]interface{})
	if _, exists := status["reason"]; exists {
		t.Error("reason should be omitted when empty")
	}
	if _, exists := status["network"]; exists {
		t.Error("network should be omitted when unknown")
	}
	if status["event"] != "STARTUP" {
		t.Errorf("event: got %v, want STARTUP", status["event"])
	}
}

func TestFormatJSONWithNetwork(t *testing.T) {
	snap := Snapshot{
		StartTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Now:       time.Date(2026, 1, 1, 0, 1, 0, 0, time.UTC),
		Network:   &NetworkInfo{Type: "wifi", IP: "192.168.1.42", Status: "connected", SSID: "MyNet"},
		Config:    Config{Broker: "tcp://localhost:1883"},
	}

	data := FormatJSON(snap)

	var parsed StatusJSON
	json.Unmarshal(data, &parsed)

	if parsed.Status.Network == nil {
		t.Fatal("expected Network in JSON")
	}
	if parsed.Status.Network.IP != "192.168.1.42" {
		t.Errorf("Network.IP: got %q, want 192.168.1.42", parsed.Status.Network.IP)
	}
	if parsed.Status.Network.SSID != "MyNet" {
		t.Errorf("Network.SSID: got %q, want MyNet", parsed.Status.Network.SSID)
	}
}

func TestConcurrentAccess(t *testing.T) {
	tr := NewTracker(time.Now(), Config{})
	var wg sync.WaitGroup

	// Writer
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			tr.Update(testPipelineSnapshot(uint64(i)), uint64(i))
			tr.SetMQTTConnected(i%2 == 0)
			tr.SetNetwork(&NetworkInfo{IP: "1.2.3.4"})
		}
	}()

	// Reader
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			snap := tr.Snapshot()
			_ = FormatJSON(snap)
		}
	}()

	wg.Wait()
}
