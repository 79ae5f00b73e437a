// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package restore

import (
	"math"
)

// Minkowski returns the inverse Minkowski distance of every offset in
// a (2w+1)x(2w+1) window from its centre, in row-major order. The
// centre entry is 0 rather than infinity, so a pixel never counts
// towards its own estimate.
func Minkowski(w, p int) []float64 {
	n := 2*w + 1
	table := make([]float64, n*n)
	pf := float64(p)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx := math.Abs(float64(x - w))
			dy := math.Abs(float64(y - w))
			d := math.Pow(math.Pow(dx, pf)+math.Pow(dy, pf), 1/pf)
			if d == 0 {
				continue
			}
			table[y*n+x] = 1 / d
		}
	}
	return table
}

// falloff raises a weight to the power k. A zero weight is left alone.
func falloff(wt float64, k int) float64 {
	if wt == 0 || k == 1 {
		return wt
	}
	return math.Pow(wt, float64(k))
}

// Weights builds the spatial weight table used by the filter: the
// inverse Minkowski distances of a window of radius w, each raised to
// the fall-off exponent k.
func Weights(w, p, k int) []float64 {
	table := Minkowski(w, p)
	for i, wt := range table {
		table[i] = falloff(wt, k)
	}
	return table
}
