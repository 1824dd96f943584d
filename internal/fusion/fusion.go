// Package fusion places the frames of several sensor tiles into one unified
// zone grid. Each device owns a fixed rectangle of the grid; a device that has
// gone silent contributes zeros.
package fusion

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sweeney/floor-sensor/internal/frame"
)

// DefaultDisconnectTimeout is how long a device may stay silent before its
// rectangle is zeroed.
const DefaultDisconnectTimeout = 5 * time.Second

var (
	// ErrConfigOutOfBounds is returned by New when a device rectangle does not
	// fit inside the unified grid. It is fatal at startup.
	ErrConfigOutOfBounds = errors.New("device placement out of bounds")

	// ErrUnknownDevice is returned by Update for frames from unconfigured devices.
	ErrUnknownDevice = errors.New("unknown device")

	// ErrStaleFrame is returned by Update for a frame older than the device's
	// latest. Frames are never reordered.
	ErrStaleFrame = errors.New("stale frame")
)

// Device is the placement of one sensor tile in the unified grid.
type Device struct {
	ID      string
	Rows    int
	Cols    int
	OffsetX int // column of the tile's left edge
	OffsetY int // row of the tile's top edge
}

// Config describes the unified grid and the devices fused into it.
type Config struct {
	Zone              string
	Rows              int
	Cols              int
	Devices           []Device
	DisconnectTimeout time.Duration
}

// DeviceStatus is the connection state of one device at a given instant.
type DeviceStatus struct {
	ID         string    `json:"id"`
	LastUpdate time.Time `json:"last_update"` // zero if never seen
	Connected  bool      `json:"connected"`
}

// Fused is one unified frame plus the device states it was built from.
type Fused struct {
	Frame   frame.Frame
	Devices []DeviceStatus
}

type slot struct {
	dev    Device
	latest frame.Frame
	seen   bool
}

// Fuser keeps the latest frame of every device. Not safe for concurrent use.
type Fuser struct {
	cfg   Config
	slots map[string]*slot
	order []string
}

// New validates the placement of every device and returns a Fuser.
func New(cfg Config) (*Fuser, error) {
	if cfg.Rows <= 0 || cfg.Cols <= 0 {
		return nil, fmt.Errorf("unified grid %dx%d: size must be positive", cfg.Rows, cfg.Cols)
	}
	if len(cfg.Devices) == 0 {
		return nil, errors.New("no devices configured")
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	f := &Fuser{cfg: cfg, slots: make(map[string]*slot, len(cfg.Devices))}
	for _, d := range cfg.Devices {
		if d.ID == "" {
			return nil, errors.New("device with empty id")
		}
		if _, dup := f.slots[d.ID]; dup {
			return nil, fmt.Errorf("device %q configured twice", d.ID)
		}
		if d.Rows <= 0 || d.Cols <= 0 {
			return nil, fmt.Errorf("device %q: size %dx%d must be positive", d.ID, d.Rows, d.Cols)
		}
		if d.OffsetX < 0 || d.OffsetY < 0 ||
			d.OffsetX+d.Cols > cfg.Cols || d.OffsetY+d.Rows > cfg.Rows {
			return nil, fmt.Errorf("%w: device %q at (%d,%d) size %dx%d exceeds grid %dx%d",
				ErrConfigOutOfBounds, d.ID, d.OffsetX, d.OffsetY, d.Rows, d.Cols, cfg.Rows, cfg.Cols)
		}
		f.slots[d.ID] = &slot{dev: d}
		f.order = append(f.order, d.ID)
	}
	sort.Strings(f.order)
	return f, nil
}

// Config returns the fuser configuration with defaults applied.
func (f *Fuser) Config() Config {
	return f.cfg
}

// Device returns the placement of a configured device.
func (f *Fuser) Device(id string) (Device, bool) {
	s, ok := f.slots[id]
	if !ok {
		return Device{}, false
	}
	return s.dev, true
}

// Update stores the latest frame of a device. The frame is conformed to the
// device's declared shape, transposing once if needed.
func (f *Fuser) Update(fr frame.Frame) error {
	s, ok := f.slots[fr.DeviceID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownDevice, fr.DeviceID)
	}
	conformed, _, err := frame.Conform(fr, s.dev.Rows, s.dev.Cols)
	if err != nil {
		return fmt.Errorf("device %q: %w", fr.DeviceID, err)
	}
	if s.seen && fr.Timestamp.Before(s.latest.Timestamp) {
		return fmt.Errorf("%w: device %q at %s, latest %s", ErrStaleFrame, fr.DeviceID,
			fr.Timestamp.Format(time.RFC3339Nano), s.latest.Timestamp.Format(time.RFC3339Nano))
	}
	s.latest = conformed
	s.seen = true
	return nil
}

// Fuse builds the unified frame at now. Devices silent for longer than the
// disconnect timeout, or never seen, contribute zeros.
func (f *Fuser) Fuse(now time.Time) Fused {
	out := frame.New(f.cfg.Zone, now, f.cfg.Rows, f.cfg.Cols)
	statuses := make([]DeviceStatus, 0, len(f.order))
	for _, id := range f.order {
		s := f.slots[id]
		st := f.status(s, now)
		statuses = append(statuses, st)
		if !st.Connected {
			continue
		}
		d := s.dev
		for r := 0; r < d.Rows; r++ {
			dst := (d.OffsetY+r)*f.cfg.Cols + d.OffsetX
			copy(out.Cells[dst:dst+d.Cols], s.latest.Cells[r*d.Cols:(r+1)*d.Cols])
		}
	}
	return Fused{Frame: out, Devices: statuses}
}

// Status reports the connection state of every device at now, sorted by id.
func (f *Fuser) Status(now time.Time) []DeviceStatus {
	out := make([]DeviceStatus, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.status(f.slots[id], now))
	}
	return out
}

func (f *Fuser) status(s *slot, now time.Time) DeviceStatus {
	st := DeviceStatus{ID: s.dev.ID}
	if !s.seen {
		return st
	}
	st.LastUpdate = s.latest.Timestamp
	st.Connected = now.Sub(s.latest.Timestamp) <= f.cfg.DisconnectTimeout
	return st
}
