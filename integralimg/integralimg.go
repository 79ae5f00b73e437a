// Copyright 2020 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// integralimg contains summed area tables ("integral images") of
// grayscale images, which allow the sum, mean and variance of any
// rectangle of an image to be found in constant time.
//
// Each table has one more row and column than its image, with the
// first row and column zero, so a rectangle starting at the image
// edge needs no special handling.
package integralimg

import (
	"errors"
	"image"
	"math"
)

// I is the Integral Image
type I [][]uint64

// WithSq contains an Integral Image and its Square
type WithSq struct {
	Img I
	Sq  I
}

// Pair contains the Integral Images of two images of the same size,
// their Squares, and the Integral Image of their product.
type Pair struct {
	A, B WithSq
	AB   I
}

// Window is a rectangular part of an Integral Image
type Window struct {
	topleft     uint64
	topright    uint64
	bottomleft  uint64
	bottomright uint64
	width       int
	height      int
}

// build creates an integral image of the value returned by f for
// each pixel offset from the image origin.
func build(width, height int, f func(x, y int) uint64) I {
	integral := make(I, height+1)
	for y := range integral {
		integral[y] = make([]uint64, width+1)
	}
	for y := 0; y < height; y++ {
		var rowsum uint64
		for x := 0; x < width; x++ {
			rowsum += f(x, y)
			integral[y+1][x+1] = integral[y][x+1] + rowsum
		}
	}
	return integral
}

func pix(img *image.Gray, x, y int) uint64 {
	return uint64(img.Pix[y*img.Stride+x])
}

// ToIntegralImg creates an integral image
func ToIntegralImg(img *image.Gray) I {
	b := img.Bounds()
	return build(b.Dx(), b.Dy(), func(x, y int) uint64 {
		return pix(img, x, y)
	})
}

// ToSqIntegralImg creates an integral image of the square of all
// pixel values
func ToSqIntegralImg(img *image.Gray) I {
	b := img.Bounds()
	return build(b.Dx(), b.Dy(), func(x, y int) uint64 {
		v := pix(img, x, y)
		return v * v
	})
}

// ToAllIntegralImg creates a WithSq containing a regular and
// squared Integral Image
func ToAllIntegralImg(img *image.Gray) WithSq {
	return WithSq{Img: ToIntegralImg(img), Sq: ToSqIntegralImg(img)}
}

// ToPairIntegralImg creates the Integral Images needed to compare two
// images window by window.
func ToPairIntegralImg(a, b *image.Gray) (Pair, error) {
	ba, bb := a.Bounds(), b.Bounds()
	if ba.Dx() != bb.Dx() || ba.Dy() != bb.Dy() {
		return Pair{}, errors.New("images are different sizes")
	}
	ab := build(ba.Dx(), ba.Dy(), func(x, y int) uint64 {
		return pix(a, x, y) * pix(b, x, y)
	})
	return Pair{A: ToAllIntegralImg(a), B: ToAllIntegralImg(b), AB: ab}, nil
}

// Width returns the width of the image the Integral Image was made from
func (i I) Width() int {
	if len(i) == 0 {
		return 0
	}
	return len(i[0]) - 1
}

// Height returns the height of the image the Integral Image was made from
func (i I) Height() int {
	return len(i) - 1
}

// Rect gets the part of an Integral Image covering pixels from
// (x0, y0) up to but not including (x1, y1), clipped to the image.
func (i I) Rect(x0, y0, x1, y1 int) Window {
	x0 = max(x0, 0)
	y0 = max(y0, 0)
	x1 = min(x1, i.Width())
	y1 = min(y1, i.Height())
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return Window{i[y0][x0], i[y0][x1], i[y1][x0], i[y1][x1], x1 - x0, y1 - y0}
}

// GetWindow gets the values of the corners of a part of an
// Integral Image centred on (x, y), plus the dimensions of the part,
// which can be used to quickly calculate the mean of the area
func (i I) GetWindow(x, y, size int) Window {
	step := size / 2
	return i.Rect(x-step, y-step, x-step+size, y-step+size)
}

// Sum returns the sum of all pixels in a Window
func (w Window) Sum() uint64 {
	return w.bottomright + w.topleft - w.topright - w.bottomleft
}

// Size returns the total size of a Window
func (w Window) Size() int {
	return w.width * w.height
}

// Mean returns the average value of pixels in a Window
func (w Window) Mean() float64 {
	if w.Size() == 0 {
		return 0
	}
	return float64(w.Sum()) / float64(w.Size())
}

// MeanWindow calculates the mean value of a section of an Integral
// Image
func (i I) MeanWindow(x, y, size int) float64 {
	return i.GetWindow(x, y, size).Mean()
}

// MeanStdDevWindow calculates the mean and standard deviation of
// a section on an Integral Image
func (i WithSq) MeanStdDevWindow(x, y, size int) (float64, float64) {
	imean := i.Img.GetWindow(x, y, size).Mean()
	smean := i.Sq.GetWindow(x, y, size).Mean()

	variance := smean - (imean * imean)
	if variance < 0 {
		variance = 0
	}

	return imean, math.Sqrt(variance)
}

// Moments are the means, variances and covariance of two images over
// the same window.
type Moments struct {
	MeanA, MeanB float64
	VarA, VarB   float64
	Cov          float64
}

// RectMoments calculates the Moments of both images over the pixels
// from (x0, y0) up to but not including (x1, y1). Variances are of
// the population, not a sample.
func (p Pair) RectMoments(x0, y0, x1, y1 int) Moments {
	var m Moments
	wa := p.A.Img.Rect(x0, y0, x1, y1)
	n := float64(wa.Size())
	if n == 0 {
		return m
	}
	m.MeanA = wa.Mean()
	m.MeanB = p.B.Img.Rect(x0, y0, x1, y1).Mean()
	m.VarA = float64(p.A.Sq.Rect(x0, y0, x1, y1).Sum())/n - m.MeanA*m.MeanA
	m.VarB = float64(p.B.Sq.Rect(x0, y0, x1, y1).Sum())/n - m.MeanB*m.MeanB
	m.Cov = float64(p.AB.Rect(x0, y0, x1, y1).Sum())/n - m.MeanA*m.MeanB
	return m
}
