// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package restore

// window is the part of a (2w+1)x(2w+1) neighbourhood around a pixel
// which lies inside the image. Offsets are relative to the pixel.
type window struct {
	startx, starty int
	endx, endy     int
	first          int // weight table index of (startx, starty)
	leap           int // index step from the end of one row to the start of the next
}

// clip returns the window of radius w around (x, y) truncated to
// [0,width)x[0,height).
func clip(x, y, width, height, w int) window {
	win := window{
		startx: max(-w, -x),
		starty: max(-w, -y),
		endx:   min(w, width-1-x),
		endy:   min(w, height-1-y),
	}
	win.first = (w+win.starty)*(2*w+1) + w + win.startx
	win.leap = 2*w + win.startx - win.endx
	return win
}

// each calls fn for every offset in the window, row by row, along
// with the offset's index into the weight table. The order is always
// the same for a given window.
func (win window) each(fn func(xx, yy, i int)) {
	i := win.first
	for yy := win.starty; yy <= win.endy; yy++ {
		for xx := win.startx; xx <= win.endx; xx++ {
			fn(xx, yy, i)
			i++
		}
		i += win.leap
	}
}

// size returns the number of pixels in the window.
func (win window) size() int {
	return (win.endx - win.startx + 1) * (win.endy - win.starty + 1)
}
