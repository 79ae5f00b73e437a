// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// noise adds synthetic impulse noise to grayscale images, for
// testing how well they can be restored.
package noise

import (
	"errors"
	"fmt"
	"image"
	"math/rand"

	"rescribe.xyz/uwmf/restore"
)

// ErrDensity is returned when a noise density is outside [0, 1].
var ErrDensity = errors.New("noise density must be between 0 and 1")

// Corrupt returns a copy of img in which each pixel has been replaced,
// with probability density, by either 0 or 255 with equal chance. The
// random source is passed in so that runs can be reproduced.
func Corrupt(img *image.Gray, density float64, r *rand.Rand) (*image.Gray, error) {
	if !(density >= 0 && density <= 1) {
		return nil, fmt.Errorf("%w: got %g", ErrDensity, density)
	}
	if r == nil {
		return nil, errors.New("no random source given")
	}

	b := img.Bounds()
	out := image.NewGray(b)
	for y := 0; y < b.Dy(); y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+b.Dx()]
		dst := out.Pix[y*out.Stride : y*out.Stride+b.Dx()]
		for x, v := range src {
			if r.Float64() < density {
				if r.Intn(2) == 0 {
					v = 255
				} else {
					v = 0
				}
			}
			dst[x] = v
		}
	}
	return out, nil
}

// Density returns the proportion of pixels in img which c considers
// to be noise.
func Density(img *image.Gray, c restore.Classifier) float64 {
	return restore.Count(img, c).Density()
}
