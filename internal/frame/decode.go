package frame

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/klauspost/compress/gzip"
)

// maxDecompressed bounds the inflated size of a single frame payload.
const maxDecompressed = 1 << 20

// Decode turns a raw byte payload into a frame of the declared shape. Each byte
// is one cell. When compressed is set the payload is gzip-inflated first.
func Decode(deviceID string, ts time.Time, payload []byte, rows, cols int, compressed bool) (Frame, error) {
	if rows <= 0 || cols <= 0 {
		return Frame{}, fmt.Errorf("%w: declared shape %dx%d", ErrMalformedFrame, rows, cols)
	}
	data := payload
	if compressed {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: gzip header: %v", ErrMalformedFrame, err)
		}
		defer zr.Close()
		data, err = io.ReadAll(io.LimitReader(zr, maxDecompressed+1))
		if err != nil {
			return Frame{}, fmt.Errorf("%w: inflate: %v", ErrMalformedFrame, err)
		}
	}
	if len(data) != rows*cols {
		return Frame{}, fmt.Errorf("%w: got %d cells, want %dx%d", ErrMalformedFrame, len(data), rows, cols)
	}
	f := New(deviceID, ts, rows, cols)
	copy(f.Cells, data)
	return f, nil
}

// FromMatrix builds a frame from a 2-D array of cell values (booleans encoded
// as 0/1 or intensities 0..255) and conforms it to the declared shape.
func FromMatrix(deviceID string, ts time.Time, m [][]float64, rows, cols int) (Frame, error) {
	if len(m) == 0 || len(m[0]) == 0 {
		return Frame{}, fmt.Errorf("%w: empty grid", ErrMalformedFrame)
	}
	h, w := len(m), len(m[0])
	f := New(deviceID, ts, h, w)
	for r, row := range m {
		if len(row) != w {
			return Frame{}, fmt.Errorf("%w: ragged row %d (len %d, want %d)", ErrMalformedFrame, r, len(row), w)
		}
		for c, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return Frame{}, fmt.Errorf("%w: non-finite value at %d,%d", ErrMalformedFrame, r, c)
			}
			f.Cells[r*w+c] = clampCell(v)
		}
	}
	out, _, err := Conform(f, rows, cols)
	return out, err
}

func clampCell(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	case v < 1:
		// fractional activations still count as pressed
		return 1
	}
	return uint8(math.Round(v))
}

// Conform checks f against the declared shape. A frame delivered with rows and
// columns swapped is transposed once; any other shape is rejected.
func Conform(f Frame, rows, cols int) (Frame, bool, error) {
	if f.Rows == rows && f.Cols == cols {
		return f, false, nil
	}
	if f.Rows == cols && f.Cols == rows {
		return f.Transpose(), true, nil
	}
	return Frame{}, false, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrDimensionMismatch, f.Rows, f.Cols, rows, cols)
}
