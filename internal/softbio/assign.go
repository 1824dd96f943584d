package softbio

import "math"

// Assigner matches blob centroids to track positions. The result has one
// entry per blob: the index of its track, or -1 when no track lies within the
// gate distance (in cells). A track is matched to at most one blob.
type Assigner interface {
	Assign(tracks, blobs []Point, gate float64) []int
}

// NearestAssigner matches each blob, in order, to the closest free track.
type NearestAssigner struct{}

// Assign implements Assigner.
func (NearestAssigner) Assign(tracks, blobs []Point, gate float64) []int {
	out := make([]int, len(blobs))
	used := make([]bool, len(tracks))
	for i, b := range blobs {
		out[i] = -1
		best := math.Inf(1)
		for j, t := range tracks {
			if used[j] {
				continue
			}
			if d := dist(b, t); d <= gate && d < best {
				best = d
				out[i] = j
			}
		}
		if out[i] >= 0 {
			used[out[i]] = true
		}
	}
	return out
}

// HungarianAssigner finds the assignment with the least total squared
// distance, with pairs beyond the gate forbidden.
type HungarianAssigner struct{}

// Assign implements Assigner.
func (HungarianAssigner) Assign(tracks, blobs []Point, gate float64) []int {
	if len(blobs) == 0 {
		return nil
	}
	cost := make([][]float64, len(blobs))
	for i, b := range blobs {
		cost[i] = make([]float64, len(tracks))
		for j, t := range tracks {
			d := dist(b, t)
			if d > gate {
				cost[i][j] = forbidden
			} else {
				cost[i][j] = d * d
			}
		}
	}
	return hungarian(cost)
}

func dist(a, b Point) float64 {
	return math.Hypot(a.X-b.X, a.Y-b.Y)
}

// forbidden marks a cost-matrix entry that must never be selected.
const forbidden = 1e18

// hungarian solves the rectangular assignment problem for an n x m cost
// matrix with the Kuhn-Munkres algorithm (potentials form). It returns
// result[i] = column assigned to row i, or -1 when row i is unassigned or only
// reachable through a forbidden entry.
func hungarian(cost [][]float64) []int {
	n := len(cost)
	result := make([]int, n)
	for i := range result {
		result[i] = -1
	}
	if n == 0 || len(cost[0]) == 0 {
		return result
	}
	m := len(cost[0])

	dim := n
	if m > dim {
		dim = m
	}
	c := make([][]float64, dim)
	for i := range c {
		c[i] = make([]float64, dim)
		for j := range c[i] {
			if i < n && j < m {
				c[i][j] = cost[i][j]
			} else {
				c[i][j] = forbidden
			}
		}
	}

	// 1-indexed; column 0 is virtual
	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= dim; j++ {
			minv[j] = inf
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				break
			}
			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			p[j0] = p[way[j0]]
			j0 = way[j0]
		}
	}

	for j := 1; j <= dim; j++ {
		i := p[j] - 1
		if i < 0 || i >= n || j-1 >= m {
			continue
		}
		if cost[i][j-1] < forbidden {
			result[i] = j - 1
		}
	}
	return result
}
