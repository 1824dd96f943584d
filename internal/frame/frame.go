// Package frame defines the pressure-grid frame delivered by a floor sensor
// and the decoding and normalisation applied before any analysis.
//
// A frame is a row-major grid of cell values. A cell is active when its value
// is non-zero; boolean sensors report 0/1, intensity sensors 0..255.
package frame

import "time"

// Frame is a single pressure-grid sample. Frames are treated as immutable once
// built: every transformation returns a new Frame.
type Frame struct {
	DeviceID  string
	Timestamp time.Time
	Rows      int
	Cols      int
	Cells     []uint8 // row-major, len == Rows*Cols
}

// New returns an all-zero frame of the given size.
func New(deviceID string, ts time.Time, rows, cols int) Frame {
	return Frame{
		DeviceID:  deviceID,
		Timestamp: ts,
		Rows:      rows,
		Cols:      cols,
		Cells:     make([]uint8, rows*cols),
	}
}

// At returns the value at row r, column c.
func (f Frame) At(r, c int) uint8 {
	return f.Cells[r*f.Cols+c]
}

// Set writes v at row r, column c. Only used while building a frame.
func (f Frame) Set(r, c int, v uint8) {
	f.Cells[r*f.Cols+c] = v
}

// Active reports whether the cell at row r, column c is pressed.
func (f Frame) Active(r, c int) bool {
	return f.Cells[r*f.Cols+c] > 0
}

// ActiveCount returns the number of pressed cells.
func (f Frame) ActiveCount() int {
	n := 0
	for _, v := range f.Cells {
		if v > 0 {
			n++
		}
	}
	return n
}

// Empty reports whether no cell is pressed.
func (f Frame) Empty() bool {
	for _, v := range f.Cells {
		if v > 0 {
			return false
		}
	}
	return true
}

// Clone returns a deep copy.
func (f Frame) Clone() Frame {
	out := f
	out.Cells = make([]uint8, len(f.Cells))
	copy(out.Cells, f.Cells)
	return out
}

// Transpose returns the frame with rows and columns swapped.
func (f Frame) Transpose() Frame {
	out := New(f.DeviceID, f.Timestamp, f.Cols, f.Rows)
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			out.Cells[c*out.Cols+r] = f.Cells[r*f.Cols+c]
		}
	}
	return out
}
