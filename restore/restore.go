// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// restore implements an adaptive weighted mean filter for removing
// impulse ("salt and pepper") noise from grayscale images.
//
// Each pixel the Classifier flags as noise is replaced by a weighted
// mean of the clean pixels around it. The weights are inverse
// Minkowski distances raised to a fall-off exponent, tilted by a
// plane fitted to the clean neighbours so that pixels near an edge
// are not pulled towards the other side of it. Where a whole window
// is noise the pixel takes the value of the majority kind.
package restore

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
)

const (
	minValue = 0
	maxValue = 255
)

// ErrInvalidParams is returned when filter parameters are out of
// range.
var ErrInvalidParams = errors.New("invalid filter parameters")

// Params are the filter parameters: W is the window radius, P the
// Minkowski exponent used for distances and K the fall-off exponent
// applied to the inverse distances. All must be at least 1.
type Params struct {
	W int `yaml:"w"`
	P int `yaml:"p"`
	K int `yaml:"k"`
}

// DefaultParams returns the parameters used when none are given.
func DefaultParams() Params {
	return Params{W: 1, P: 1, K: 4}
}

// Validate checks that each parameter is in range.
func (p Params) Validate() error {
	if p.W < 1 {
		return fmt.Errorf("%w: window radius %d is less than 1", ErrInvalidParams, p.W)
	}
	if p.P < 1 {
		return fmt.Errorf("%w: minkowski exponent %d is less than 1", ErrInvalidParams, p.P)
	}
	if p.K < 1 {
		return fmt.Errorf("%w: fall-off exponent %d is less than 1", ErrInvalidParams, p.K)
	}
	return nil
}

func (p Params) String() string {
	return fmt.Sprintf("w=%d p=%d k=%d", p.W, p.P, p.K)
}

// Stats counts what happened to the pixels of an image during
// restoration.
type Stats struct {
	Pixels        int `yaml:"pixels"`
	Corrupted     int `yaml:"corrupted"`
	Salt          int `yaml:"salt"`
	Pepper        int `yaml:"pepper"`
	MajorityVotes int `yaml:"majority_votes"` // whole window was noise
	Untilted      int `yaml:"untilted"`       // tilted weights summed to zero
	Singular      int `yaml:"singular"`       // no gradient plane could be fitted
	Underflowed   int `yaml:"underflowed"`    // every clean neighbour had zero weight
}

func (s *Stats) add(o Stats) {
	s.Pixels += o.Pixels
	s.Corrupted += o.Corrupted
	s.Salt += o.Salt
	s.Pepper += o.Pepper
	s.MajorityVotes += o.MajorityVotes
	s.Untilted += o.Untilted
	s.Singular += o.Singular
	s.Underflowed += o.Underflowed
}

// Density returns the proportion of pixels which were found to be
// corrupted.
func (s Stats) Density() float64 {
	if s.Pixels == 0 {
		return 0
	}
	return float64(s.Corrupted) / float64(s.Pixels)
}

// Filter restores images using a set of parameters and a Classifier.
// A nil Classifier means Naive. If Workers is more than 1 the image
// is split into bands of rows which are restored concurrently.
type Filter struct {
	Params
	Classifier Classifier
	Workers    int
}

// Restore returns a restored copy of img, using a single goroutine.
func Restore(img *image.Gray, c Classifier, p Params) (*image.Gray, error) {
	f := Filter{Params: p, Classifier: c}
	restored, _, err := f.Restore(img)
	return restored, err
}

// Restore returns a restored copy of img, along with counts of how
// each pixel was handled. img is not modified.
func (f *Filter) Restore(img *image.Gray) (*image.Gray, Stats, error) {
	var stats Stats
	if img == nil {
		return nil, stats, errors.New("no image to restore")
	}
	err := f.Params.Validate()
	if err != nil {
		return nil, stats, err
	}
	c := f.Classifier
	if c == nil {
		c = Naive
	}

	b := img.Bounds()
	out := image.NewGray(b)
	height := b.Dy()

	workers := f.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > height {
		workers = height
	}
	if workers == 0 {
		return out, stats, nil
	}

	weights := Weights(f.W, f.P, f.K)
	band := (height + workers - 1) / workers
	results := make([]Stats, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		y0 := i * band
		y1 := min(y0+band, height)
		if y0 >= y1 {
			continue
		}
		wg.Add(1)
		go func(i, y0, y1 int) {
			defer wg.Done()
			wk := newWorker(img, out, c, f.W, weights)
			results[i] = wk.rows(y0, y1)
		}(i, y0, y1)
	}
	wg.Wait()

	for _, r := range results {
		stats.add(r)
	}
	return out, stats, nil
}

// Count classifies every pixel of img without restoring anything.
func Count(img *image.Gray, c Classifier) Stats {
	var stats Stats
	if c == nil {
		c = Naive
	}
	b := img.Bounds()
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		for _, v := range row {
			stats.Pixels++
			bad, kind := c.Classify(v)
			if !bad {
				continue
			}
			stats.Corrupted++
			if kind == Salt {
				stats.Salt++
			} else {
				stats.Pepper++
			}
		}
	}
	return stats
}

// outcome records which path was taken to restore a pixel.
type outcome int

const (
	tilted outcome = iota
	majority
	untilted
	singular
	underflowed
)

// worker restores a band of rows. Each worker has its own scratch
// weight table, and writes only to its own rows of dst.
type worker struct {
	src, dst      *image.Gray
	width, height int
	w             int
	c             Classifier
	weights       []float64
	scratch       []float64
}

func newWorker(src, dst *image.Gray, c Classifier, w int, weights []float64) *worker {
	b := src.Bounds()
	return &worker{
		src:     src,
		dst:     dst,
		width:   b.Dx(),
		height:  b.Dy(),
		w:       w,
		c:       c,
		weights: weights,
		scratch: make([]float64, len(weights)),
	}
}

// at returns the value at (x, y), relative to the image origin.
func (wk *worker) at(x, y int) uint8 {
	return wk.src.Pix[y*wk.src.Stride+x]
}

func (wk *worker) rows(y0, y1 int) Stats {
	var stats Stats
	for y := y0; y < y1; y++ {
		for x := 0; x < wk.width; x++ {
			stats.Pixels++
			v := wk.at(x, y)
			bad, kind := wk.c.Classify(v)
			if !bad {
				wk.dst.Pix[y*wk.dst.Stride+x] = v
				continue
			}
			stats.Corrupted++
			if kind == Salt {
				stats.Salt++
			} else {
				stats.Pepper++
			}
			nv, o := wk.pixel(x, y, wk.weights)
			wk.dst.Pix[y*wk.dst.Stride+x] = nv
			switch o {
			case majority:
				stats.MajorityVotes++
			case untilted:
				stats.Untilted++
			case singular:
				stats.Singular++
			case underflowed:
				stats.Underflowed++
			}
		}
	}
	return stats
}

// pixel returns the restored value of the corrupted pixel at (x, y).
func (wk *worker) pixel(x, y int, weights []float64) (uint8, outcome) {
	est, o := wk.estimate(x, y, weights)
	return clamp(est), o
}

// estimate works out the value of the corrupted pixel at (x, y) from
// its neighbourhood, using the spatial weight table weights.
func (wk *worker) estimate(x, y int, weights []float64) (float64, outcome) {
	win := clip(x, y, wk.width, wk.height, wk.w)

	// classify neighbours, and gather moments of the clean ones
	var m moments
	var salt, pepper int
	clean := false
	win.each(func(xx, yy, i int) {
		bad, kind := wk.c.Classify(wk.at(x+xx, y+yy))
		if bad {
			if kind == Salt {
				salt++
			} else {
				pepper++
			}
			return
		}
		clean = true
		m.add(xx, yy, weights[i])
	})

	if !clean {
		return vote(salt, pepper), majority
	}

	// tilt the weights of clean neighbours by the local gradient
	adjusted := wk.scratch
	copy(adjusted, weights)
	gx, gy, ok := m.plane()
	if ok {
		win.each(func(xx, yy, i int) {
			if bad, _ := wk.c.Classify(wk.at(x+xx, y+yy)); bad {
				return
			}
			wt := adjusted[i]
			adjusted[i] = wt + wt*(float64(xx)*gx+float64(yy)*gy)
		})
	}

	var sumw, sumi, sumwo, sumio float64
	win.each(func(xx, yy, i int) {
		v := wk.at(x+xx, y+yy)
		if bad, _ := wk.c.Classify(v); bad {
			return
		}
		sumw += adjusted[i]
		sumi += adjusted[i] * float64(v)
		sumwo += weights[i]
		sumio += weights[i] * float64(v)
	})

	// with a large fall-off exponent far weights can underflow to
	// zero, leaving nothing to average
	if sumwo == 0 {
		return vote(salt, pepper), underflowed
	}

	o := tilted
	if !ok {
		o = singular
	}
	est := sumi / sumw
	if sumw == 0 || !finite(est) {
		est = sumio / sumwo
		o = untilted
	}
	return est, o
}

// vote returns the value of the more common kind of noise, favouring
// Pepper on a tie.
func vote(salt, pepper int) float64 {
	if salt > pepper {
		return minValue
	}
	return maxValue
}

// clamp limits f to the representable range and truncates any
// fractional part.
func clamp(f float64) uint8 {
	if math.IsNaN(f) {
		return minValue
	}
	if f < minValue {
		return minValue
	}
	if f > maxValue {
		return maxValue
	}
	return uint8(f)
}
