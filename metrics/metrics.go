// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// metrics measures how close a restored image is to the original it
// was made from.
package metrics

import (
	"errors"
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
	"rescribe.xyz/uwmf/integralimg"
)

const maxValue = 255

// SSIM stabilisation constants
var (
	c1 = (0.01 * maxValue) * (0.01 * maxValue)
	c2 = (0.03 * maxValue) * (0.03 * maxValue)
)

// DefaultWindow is the window size used by Compare for MSSIM.
const DefaultWindow = 8

// ErrDimensionMismatch is returned when two images being compared are
// not the same size.
var ErrDimensionMismatch = errors.New("images have different dimensions")

func sameSize(a, b *image.Gray) error {
	ba, bb := a.Bounds(), b.Bounds()
	if ba.Dx() != bb.Dx() || ba.Dy() != bb.Dy() {
		return fmt.Errorf("%w: %dx%d and %dx%d", ErrDimensionMismatch, ba.Dx(), ba.Dy(), bb.Dx(), bb.Dy())
	}
	return nil
}

// Pairs calls fn with each pair of corresponding pixel values in a
// and b, row by row.
func Pairs(a, b *image.Gray, fn func(va, vb uint8)) error {
	err := sameSize(a, b)
	if err != nil {
		return err
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	for y := 0; y < h; y++ {
		ra := a.Pix[y*a.Stride : y*a.Stride+w]
		rb := b.Pix[y*b.Stride : y*b.Stride+w]
		for x := range ra {
			fn(ra[x], rb[x])
		}
	}
	return nil
}

// SE returns the sum of squared differences between a and b.
func SE(a, b *image.Gray) (float64, error) {
	var se float64
	err := Pairs(a, b, func(va, vb uint8) {
		d := float64(va) - float64(vb)
		se += d * d
	})
	return se, err
}

// MSE returns the mean squared difference between a and b.
func MSE(a, b *image.Gray) (float64, error) {
	se, err := SE(a, b)
	if err != nil {
		return 0, err
	}
	n := a.Bounds().Dx() * a.Bounds().Dy()
	if n == 0 {
		return 0, nil
	}
	return se / float64(n), nil
}

// PSNR returns the peak signal to noise ratio of restored against
// original, in decibels. Identical images give +Inf.
func PSNR(original, restored *image.Gray) (float64, error) {
	mse, err := MSE(original, restored)
	if err != nil {
		return 0, err
	}
	return 10 * math.Log10((maxValue*maxValue)/mse), nil
}

// IEF returns the image enhancement factor: how much smaller the
// squared error of restored is than that of noisy, both against
// original. A perfect restoration gives +Inf.
func IEF(original, restored, noisy *image.Gray) (float64, error) {
	before, err := SE(noisy, original)
	if err != nil {
		return 0, err
	}
	after, err := SE(restored, original)
	if err != nil {
		return 0, err
	}
	if after == 0 {
		return math.Inf(1), nil
	}
	return before / after, nil
}

// values returns the pixels of img as a slice of floats.
func values(img *image.Gray) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	v := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for _, p := range img.Pix[y*img.Stride : y*img.Stride+w] {
			v = append(v, float64(p))
		}
	}
	return v
}

func ssim(ma, mb, va, vb, cov float64) float64 {
	return ((2*ma*mb + c1) * (2*cov + c2)) /
		((ma*ma + mb*mb + c1) * (va + vb + c2))
}

// SSIM returns the structural similarity of a and b, computed over
// the whole image at once.
func SSIM(a, b *image.Gray) (float64, error) {
	err := sameSize(a, b)
	if err != nil {
		return 0, err
	}
	va, vb := values(a), values(b)
	if len(va) < 2 {
		return 1, nil
	}
	ma, vara := stat.MeanVariance(va, nil)
	mb, varb := stat.MeanVariance(vb, nil)
	cov := stat.Covariance(va, vb, nil)
	return ssim(ma, mb, vara, varb, cov), nil
}

// MSSIM returns the mean structural similarity of a and b over every
// size x size window which fits inside the images. If the images are
// smaller than a window, the global SSIM is returned.
func MSSIM(a, b *image.Gray, size int) (float64, error) {
	p, err := integralimg.ToPairIntegralImg(a, b)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDimensionMismatch, err)
	}
	w, h := a.Bounds().Dx(), a.Bounds().Dy()
	if size < 2 || size > w || size > h {
		return SSIM(a, b)
	}

	var total float64
	var n int
	for y := 0; y+size <= h; y++ {
		for x := 0; x+size <= w; x++ {
			m := p.RectMoments(x, y, x+size, y+size)
			total += ssim(m.MeanA, m.MeanB, m.VarA, m.VarB, m.Cov)
			n++
		}
	}
	return total / float64(n), nil
}

// Report holds the quality metrics of one restoration.
type Report struct {
	MSE   float64 `yaml:"mse"`
	PSNR  float64 `yaml:"psnr"`
	SSIM  float64 `yaml:"ssim"`
	MSSIM float64 `yaml:"mssim"`
	IEF   float64 `yaml:"ief"`
}

// Compare computes every metric for a restoration of noisy, which was
// made from original.
func Compare(original, restored, noisy *image.Gray) (Report, error) {
	var r Report
	var err error
	if r.MSE, err = MSE(original, restored); err != nil {
		return r, err
	}
	if r.PSNR, err = PSNR(original, restored); err != nil {
		return r, err
	}
	if r.SSIM, err = SSIM(original, restored); err != nil {
		return r, err
	}
	if r.MSSIM, err = MSSIM(original, restored, DefaultWindow); err != nil {
		return r, err
	}
	if r.IEF, err = IEF(original, restored, noisy); err != nil {
		return r, err
	}
	return r, nil
}

func (r Report) String() string {
	return fmt.Sprintf("MSE %.3f PSNR %.3f SSIM %.4f MSSIM %.4f IEF %.3f", r.MSE, r.PSNR, r.SSIM, r.MSSIM, r.IEF)
}
