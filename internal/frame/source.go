package frame

import "fmt"

// SourceKind identifies how an ingress stream's frames enter the pipeline.
// Kinds are resolved once from configuration; nothing dispatches on stream
// names at runtime.
type SourceKind int

const (
	// SourceDevice frames come from one sensor tile and are fused into the
	// zone grid at the device's configured offset.
	SourceDevice SourceKind = iota
	// SourceZoneGrid frames already cover the whole zone grid and bypass
	// fusion placement.
	SourceZoneGrid
)

func (k SourceKind) String() string {
	switch k {
	case SourceDevice:
		return "device"
	case SourceZoneGrid:
		return "zone_grid"
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

// ParseSourceKind maps a configuration string to a SourceKind.
func ParseSourceKind(s string) (SourceKind, error) {
	switch s {
	case "", "device":
		return SourceDevice, nil
	case "zone_grid":
		return SourceZoneGrid, nil
	}
	return 0, fmt.Errorf("unknown source kind %q", s)
}
