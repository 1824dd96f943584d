package frame

// MedianFilter3x3 replaces every cell with the median of its 3x3
// neighbourhood. Borders are handled by repeating the edge cells, so an
// isolated pressed cell is removed while solid contact regions survive.
func MedianFilter3x3(f Frame) Frame {
	out := New(f.DeviceID, f.Timestamp, f.Rows, f.Cols)
	var win [9]uint8
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			n := 0
			for dr := -1; dr <= 1; dr++ {
				rr := clampIndex(r+dr, f.Rows)
				for dc := -1; dc <= 1; dc++ {
					win[n] = f.Cells[rr*f.Cols+clampIndex(c+dc, f.Cols)]
					n++
				}
			}
			out.Cells[r*f.Cols+c] = median9(&win)
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func median9(w *[9]uint8) uint8 {
	for i := 1; i < len(w); i++ {
		for j := i; j > 0 && w[j] < w[j-1]; j-- {
			w[j], w[j-1] = w[j-1], w[j]
		}
	}
	return w[4]
}
