package status

import (
	"encoding/json"
	"time"

	"github.com/sweeney/floor-sensor/internal/fusion"
	"github.com/sweeney/floor-sensor/internal/pipeline"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event           string                `json:"event,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	Zone            string                `json:"zone"`
	FallState       string                `json:"fall_state"`
	FallProbability float64               `json:"fall_probability"`
	Occupants       int                   `json:"occupants"`
	Ready           bool                  `json:"ready"`
	UptimeSeconds   int64                 `json:"uptime_seconds"`
	StartTime       string                `json:"start_time"`
	Timestamp       string                `json:"timestamp"`
	LastFrame       string                `json:"last_frame,omitempty"`
	LastAlert       string                `json:"last_alert,omitempty"`
	MQTT            MQTTStatus            `json:"mqtt"`
	Counts          CountsJSON            `json:"frame_counts"`
	Devices         []fusion.DeviceStatus `json:"devices"`
	Network         *NetworkJSON          `json:"network,omitempty"`
	Config          ConfigJSON            `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// CountsJSON is the JSON representation of the pipeline counters.
type CountsJSON struct {
	pipeline.Stats
	Dropped uint64 `json:"dropped"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Zone        string  `json:"zone"`
	Grid        [2]int  `json:"grid"`
	Devices     int     `json:"devices"`
	PublishHz   float64 `json:"publish_hz"`
	HeartbeatMs int64   `json:"heartbeat_ms"`
	Broker      string  `json:"broker"`
	HTTPPort    string  `json:"http_port"`
	WSBroker    string  `json:"ws_broker,omitempty"`
	Classifier  string  `json:"classifier,omitempty"`
}

func buildInner(snap Snapshot) StatusInner {
	p := snap.Pipeline
	fallState := p.FallState
	if fallState == "" {
		fallState = "UNKNOWN"
	}
	zone := p.Zone
	if zone == "" {
		zone = snap.Config.Zone
	}
	devices := p.Devices
	if devices == nil {
		devices = []fusion.DeviceStatus{}
	}

	inner := StatusInner{
		Zone:            zone,
		FallState:       fallState,
		FallProbability: p.FallProbability,
		Occupants:       len(p.Tracks),
		Ready:           snap.Ready,
		UptimeSeconds:   int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:       snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:       snap.Now.UTC().Format(time.RFC3339),
		MQTT:            MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Counts:          CountsJSON{Stats: p.Stats, Dropped: snap.Dropped},
		Devices:         devices,
		Config: ConfigJSON{
			Zone:        snap.Config.Zone,
			Grid:        [2]int{snap.Config.Rows, snap.Config.Cols},
			Devices:     snap.Config.Devices,
			PublishHz:   snap.Config.PublishHz,
			HeartbeatMs: snap.Config.HeartbeatMs,
			Broker:      snap.Config.Broker,
			HTTPPort:    snap.Config.HTTPPort,
			WSBroker:    snap.Config.WSBroker,
			Classifier:  snap.Config.Classifier,
		},
	}
	if snap.Ready && !p.Timestamp.IsZero() {
		inner.LastFrame = p.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	if n := len(p.Alerts); n > 0 {
		inner.LastAlert = p.Alerts[n-1].Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return inner
}

func buildNetwork(snap Snapshot, inner *StatusInner) {
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	inner := buildInner(snap)
	buildNetwork(snap, &inner)

	data, _ := json.MarshalIndent(StatusJSON{Status: inner}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason
	buildNetwork(snap, &inner)

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
