package mqtt

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sweeney/floor-sensor/internal/config"
	"github.com/sweeney/floor-sensor/internal/frame"
	"github.com/sweeney/floor-sensor/internal/fusion"
)

// DefaultFrameQueue bounds the number of decoded frames waiting for the
// pipeline.
const DefaultFrameQueue = 64

// Inbound is one message taken off an ingress topic. Err is set when the
// payload could not be turned into a frame; Frame is then zero.
type Inbound struct {
	Topic string
	Route config.Route
	Frame frame.Frame
	Err   error
}

// Ingress routes messages from subscribed topics to a bounded frame queue.
// Handle never blocks: when the queue is full the message is dropped and
// counted.
type Ingress struct {
	routes  map[string]config.Route
	out     chan Inbound
	now     func() time.Time
	dropped atomic.Uint64
	logger  *zap.Logger
}

// NewIngress creates an ingress for the given topic routes.
func NewIngress(routes map[string]config.Route, queue int, logger *zap.Logger) *Ingress {
	if queue <= 0 {
		queue = DefaultFrameQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingress{
		routes: routes,
		out:    make(chan Inbound, queue),
		now:    time.Now,
		logger: logger,
	}
}

// Frames is the queue the pipeline loop reads from.
func (in *Ingress) Frames() <-chan Inbound {
	return in.out
}

// Topics lists the subscribed topics in a stable order.
func (in *Ingress) Topics() []string {
	topics := make([]string, 0, len(in.routes))
	for t := range in.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Dropped reports how many messages were discarded because the queue was full.
func (in *Ingress) Dropped() uint64 {
	return in.dropped.Load()
}

// Handle decodes one message and queues the result.
func (in *Ingress) Handle(topic string, payload []byte) {
	msg := Inbound{Topic: topic}
	route, ok := in.routes[topic]
	if !ok {
		msg.Err = fmt.Errorf("%w: no route for topic %q", fusion.ErrUnknownDevice, topic)
	} else {
		msg.Route = route
		msg.Frame, msg.Err = DecodePayload(route, payload, in.now())
	}

	select {
	case in.out <- msg:
	default:
		if in.dropped.Add(1) == 1 {
			in.logger.Warn("frame queue full, dropping", zap.String("topic", topic))
		}
	}
}

// framePayload covers the JSON envelopes the sensors emit.
type framePayload struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	Rows       int             `json:"rows"`
	Cols       int             `json:"cols"`
	Frame      json.RawMessage `json:"frame"`
	Data       json.RawMessage `json:"data"`
	Compressed *bool           `json:"compressed"`
	Payload    *struct {
		Timestamp json.RawMessage `json:"timestamp"`
		Data      json.RawMessage `json:"data"`
	} `json:"payload"`
}

// DecodePayload turns one MQTT payload into a frame conformed to the route's
// grid. Accepted forms:
//
//	[[0,1,...],...]                                     bare 2-D array
//	{"timestamp":..., "frame":[[...]]}                  matrix envelope
//	{"timestamp":..., "rows":R, "cols":C,
//	 "frame":"<base64>", "compressed":true}             packed bytes, optionally gzip
//	{"payload":{"data":[[...]]}}                        gateway envelope
//
// Packed bytes without a "compressed" key are gunzipped when they carry the
// gzip header. The timestamp may be RFC 3339, ISO 8601 without a zone (read
// as UTC) or epoch seconds; when absent or unreadable, received is used.
func DecodePayload(r config.Route, payload []byte, received time.Time) (frame.Frame, error) {
	body := bytes.TrimSpace(payload)
	if len(body) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: empty payload", frame.ErrMalformedFrame)
	}
	if body[0] == '[' {
		return decodeMatrix(r, received, body)
	}

	var p framePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", frame.ErrMalformedFrame, err)
	}
	grid, rawTS := p.Frame, p.Timestamp
	if len(grid) == 0 {
		grid = p.Data
	}
	if len(grid) == 0 && p.Payload != nil {
		grid = p.Payload.Data
		if len(rawTS) == 0 {
			rawTS = p.Payload.Timestamp
		}
	}
	if len(grid) == 0 {
		return frame.Frame{}, fmt.Errorf("%w: no grid in payload", frame.ErrMalformedFrame)
	}
	ts, err := parseTimestamp(rawTS, received)
	if err != nil {
		return frame.Frame{}, err
	}

	if grid[0] == '"' {
		var packed string
		if err := json.Unmarshal(grid, &packed); err != nil {
			return frame.Frame{}, fmt.Errorf("%w: %v", frame.ErrMalformedFrame, err)
		}
		raw, err := base64.StdEncoding.DecodeString(packed)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("%w: base64: %v", frame.ErrMalformedFrame, err)
		}
		rows, cols := p.Rows, p.Cols
		if rows == 0 && cols == 0 {
			rows, cols = r.Rows, r.Cols
		}
		compressed := isGzip(raw)
		if p.Compressed != nil {
			compressed = *p.Compressed
		}
		f, err := frame.Decode(r.DeviceID, ts, raw, rows, cols, compressed)
		if err != nil {
			return frame.Frame{}, err
		}
		out, _, err := frame.Conform(f, r.Rows, r.Cols)
		return out, err
	}
	return decodeMatrix(r, ts, grid)
}

func decodeMatrix(r config.Route, ts time.Time, raw []byte) (frame.Frame, error) {
	var cells [][]any
	if err := json.Unmarshal(raw, &cells); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %v", frame.ErrMalformedFrame, err)
	}
	m := make([][]float64, len(cells))
	for i, row := range cells {
		m[i] = make([]float64, len(row))
		for j, v := range row {
			switch x := v.(type) {
			case float64:
				m[i][j] = x
			case bool:
				if x {
					m[i][j] = 1
				}
			default:
				return frame.Frame{}, fmt.Errorf("%w: cell %d,%d is %T", frame.ErrMalformedFrame, i, j, v)
			}
		}
	}
	return frame.FromMatrix(r.DeviceID, ts, m, r.Rows, r.Cols)
}

// timestampLayouts are tried in order; layouts without a zone parse as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func isGzip(b []byte) bool {
	return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b
}

func parseTimestamp(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return fallback, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("%w: timestamp: %v", frame.ErrMalformedFrame, err)
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return fallback, nil
	}
	var secs float64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp: %v", frame.ErrMalformedFrame, err)
	}
	if math.IsNaN(secs) || math.IsInf(secs, 0) || secs < 0 {
		return time.Time{}, fmt.Errorf("%w: timestamp %v", frame.ErrMalformedFrame, secs)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3).UTC(), nil
}
