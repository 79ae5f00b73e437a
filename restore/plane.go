// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package restore

import (
	"math"
)

// moments holds the weighted offset moments of the clean pixels
// around a corrupted one.
type moments struct {
	s, p, q, r, t float64
}

func (m *moments) add(xx, yy int, wt float64) {
	x, y := float64(xx), float64(yy)
	m.s += wt * y * y
	m.p += wt * x * x
	m.q += wt * x * y
	m.r += wt * x
	m.t += wt * y
}

// plane fits the local intensity gradient (gx, gy) from the moments.
// ok is false if the system is singular, in which case no tilt
// correction should be applied.
func (m moments) plane() (gx, gy float64, ok bool) {
	r, t := -m.r, -m.t
	det := m.p*m.s - m.q*m.q
	if det == 0 || m.p == 0 {
		return 0, 0, false
	}
	gy = (m.p*t - m.q*r) / det
	gx = (r - m.q*gy) / m.p
	if !finite(gx) || !finite(gy) {
		return 0, 0, false
	}
	return gx, gy, true
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
