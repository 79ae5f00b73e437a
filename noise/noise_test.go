// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package noise

import (
	"errors"
	"fmt"
	"image"
	"math"
	"math/rand"
	"testing"

	"rescribe.xyz/uwmf/restore"
)

func flat(w, h int, v uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return img
}

func TestCorrupt(t *testing.T) {
	cases := []struct {
		density float64
		err     error
	}{
		{0, nil},
		{0.1, nil},
		{0.5, nil},
		{1, nil},
		{-0.1, ErrDensity},
		{1.5, ErrDensity},
		{math.NaN(), ErrDensity},
	}

	orig := flat(200, 100, 128)

	for _, c := range cases {
		t.Run(fmt.Sprintf("%g", c.density), func(t *testing.T) {
			noisy, err := Corrupt(orig, c.density, rand.New(rand.NewSource(42)))
			if !errors.Is(err, c.err) {
				t.Fatalf("Expected error %v, got %v", c.err, err)
			}
			if c.err != nil {
				return
			}

			var salt, pepper int
			for _, v := range noisy.Pix {
				switch v {
				case 0:
					salt++
				case 255:
					pepper++
				case 128:
				default:
					t.Fatalf("Unexpected value %d in corrupted image", v)
				}
			}

			got := Density(noisy, restore.Naive)
			if math.Abs(got-c.density) > 0.02 {
				t.Fatalf("Expected density near %g, got %g", c.density, got)
			}
			if c.density > 0 && (salt == 0 || pepper == 0) {
				t.Fatalf("Expected both kinds of noise, got %d salt and %d pepper", salt, pepper)
			}
			if orig.Pix[0] != 128 || Density(orig, restore.Naive) != 0 {
				t.Fatalf("Original image was modified")
			}
		})
	}
}

func TestCorruptReproducible(t *testing.T) {
	orig := flat(50, 50, 77)
	a, err := Corrupt(orig, 0.3, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("Error corrupting: %v", err)
	}
	b, err := Corrupt(orig, 0.3, rand.New(rand.NewSource(5)))
	if err != nil {
		t.Fatalf("Error corrupting: %v", err)
	}
	for i := range a.Pix {
		if a.Pix[i] != b.Pix[i] {
			t.Fatalf("Corruption with the same seed differed at %d", i)
		}
	}
}
