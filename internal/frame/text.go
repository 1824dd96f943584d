package frame

import "time"

// FromText builds a frame from one string per row. '.' and ' ' are empty
// cells, '1'-'9' are intensities 1-9 and any other rune is a fully pressed
// cell. Rows shorter than the first are padded with empty cells. Intended for
// fixtures and fakes.
func FromText(deviceID string, ts time.Time, lines ...string) Frame {
	if len(lines) == 0 {
		return New(deviceID, ts, 0, 0)
	}
	cols := len(lines[0])
	f := New(deviceID, ts, len(lines), cols)
	for r, line := range lines {
		for c := 0; c < cols && c < len(line); c++ {
			switch ch := line[c]; {
			case ch == '.' || ch == ' ':
			case ch >= '1' && ch <= '9':
				f.Cells[r*cols+c] = ch - '0'
			default:
				f.Cells[r*cols+c] = 1
			}
		}
	}
	return f
}
