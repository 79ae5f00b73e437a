// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package restore

// Kind is the type of impulse noise a corrupted pixel carries.
type Kind int

const (
	None Kind = iota
	Salt
	Pepper
)

func (k Kind) String() string {
	switch k {
	case Salt:
		return "salt"
	case Pepper:
		return "pepper"
	}
	return "none"
}

// Classifier decides whether a pixel value is noise, and if so of
// which kind. Implementations must be pure, as the filter may call
// Classify several times for the same pixel.
type Classifier interface {
	Classify(v uint8) (bool, Kind)
}

// ClassifierFunc allows an ordinary function to be used as a
// Classifier.
type ClassifierFunc func(v uint8) (bool, Kind)

func (f ClassifierFunc) Classify(v uint8) (bool, Kind) {
	return f(v)
}

// Naive treats the two extreme intensities as noise: 0 is Salt and
// 255 is Pepper.
var Naive Classifier = ClassifierFunc(naive)

func naive(v uint8) (bool, Kind) {
	switch v {
	case minValue:
		return true, Salt
	case maxValue:
		return true, Pepper
	}
	return false, None
}

// Range returns a Classifier which treats any value at or below lo as
// Salt and any value at or above hi as Pepper. It is useful for
// images where impulse noise does not quite reach the extremes, for
// example after lossy compression.
func Range(lo, hi uint8) Classifier {
	return ClassifierFunc(func(v uint8) (bool, Kind) {
		if v <= lo {
			return true, Salt
		}
		if v >= hi {
			return true, Pepper
		}
		return false, None
	})
}
