package softbio

import "github.com/sweeney/floor-sensor/internal/frame"

// BlobExtractor finds contact regions in a frame. Blobs are returned in a
// deterministic order.
type BlobExtractor interface {
	Extract(f frame.Frame) []Blob
}

// SingleCentroid reduces the whole frame to the centroid of its active cells.
type SingleCentroid struct{}

// Extract returns at most one blob.
func (SingleCentroid) Extract(f frame.Frame) []Blob {
	var sx, sy float64
	n := 0
	for r := 0; r < f.Rows; r++ {
		for c := 0; c < f.Cols; c++ {
			if f.Active(r, c) {
				sx += float64(c)
				sy += float64(r)
				n++
			}
		}
	}
	if n == 0 {
		return nil
	}
	return []Blob{{Centroid: Point{X: sx / float64(n), Y: sy / float64(n)}, Cells: n}}
}

// ConnectedComponents splits the frame into 8-connected regions and keeps
// those with at least MinCells cells. Blobs come out in row-major order of
// their first cell.
type ConnectedComponents struct {
	MinCells int
}

// Extract returns one blob per region.
func (e ConnectedComponents) Extract(f frame.Frame) []Blob {
	seen := make([]bool, len(f.Cells))
	var blobs []Blob
	var stack []int
	for start := range f.Cells {
		if seen[start] || f.Cells[start] == 0 {
			continue
		}
		seen[start] = true
		stack = append(stack[:0], start)
		var sx, sy float64
		n := 0
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			r, c := i/f.Cols, i%f.Cols
			sx += float64(c)
			sy += float64(r)
			n++
			for dr := -1; dr <= 1; dr++ {
				for dc := -1; dc <= 1; dc++ {
					rr, cc := r+dr, c+dc
					if rr < 0 || rr >= f.Rows || cc < 0 || cc >= f.Cols {
						continue
					}
					j := rr*f.Cols + cc
					if !seen[j] && f.Cells[j] > 0 {
						seen[j] = true
						stack = append(stack, j)
					}
				}
			}
		}
		if n >= e.MinCells {
			blobs = append(blobs, Blob{Centroid: Point{X: sx / float64(n), Y: sy / float64(n)}, Cells: n})
		}
	}
	return blobs
}
