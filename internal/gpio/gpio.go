// Package gpio reads the caregiver call button that forces a fall alert.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

// Reader reads the button input.
type Reader interface {
	// Read returns the logical button state.
	// The raw line is active-low: raw 0 = pressed.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

// DefaultPin is the button line (BCM numbering).
const DefaultPin = 17
