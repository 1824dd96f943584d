package gpio

import "time"

// Button debounces raw button samples into press events. Time is always
// passed in; the button never reads the clock.
type Button struct {
	debounce     time.Duration
	stable       bool
	pending      bool
	pendingSince time.Time
	observing    bool
	baselined    bool
	presses      int
}

// NewButton creates a debouncer requiring a state to hold for debounce
// before it is accepted.
func NewButton(debounce time.Duration) *Button {
	return &Button{debounce: debounce}
}

// Process takes one sample and reports whether it completed a press. A
// button already held at startup is taken as the baseline, not a press.
func (b *Button) Process(pressed bool, now time.Time) bool {
	if !b.observing || pressed != b.pending {
		b.pending = pressed
		b.pendingSince = now
		b.observing = true
		if b.baselined && pressed == b.stable {
			b.observing = false
		}
		return false
	}

	if now.Sub(b.pendingSince) < b.debounce {
		return false
	}
	b.observing = false

	if !b.baselined {
		b.stable = pressed
		b.baselined = true
		return false
	}
	if pressed == b.stable {
		return false
	}
	b.stable = pressed
	if pressed {
		b.presses++
		return true
	}
	return false
}

// Baselined reports whether the initial state has settled.
func (b *Button) Baselined() bool {
	return b.baselined
}

// Presses returns the number of presses since startup.
func (b *Button) Presses() int {
	return b.presses
}
