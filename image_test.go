// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadGray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 7, 5))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	path := filepath.Join(t.TempDir(), "img.png")
	err := SavePNG(path, img)
	if err != nil {
		t.Fatalf("Error saving png: %v", err)
	}
	loaded, err := LoadGray(path)
	if err != nil {
		t.Fatalf("Error loading png: %v", err)
	}
	if loaded.Bounds() != img.Bounds() {
		t.Fatalf("Bounds differ: %v and %v", loaded.Bounds(), img.Bounds())
	}
	for i := range img.Pix {
		if loaded.Pix[i] != img.Pix[i] {
			t.Fatalf("Pixel %d differs: expected %d, got %d", i, img.Pix[i], loaded.Pix[i])
		}
	}
}

func TestLoadGrayErrors(t *testing.T) {
	_, err := LoadGray(filepath.Join(t.TempDir(), "missing.png"))
	if err == nil {
		t.Fatalf("Expected an error loading a missing file")
	}

	path := filepath.Join(t.TempDir(), "notimage.png")
	err = os.WriteFile(path, []byte("not an image"), 0644)
	if err != nil {
		t.Fatalf("Could not write file: %v", err)
	}
	_, err = LoadGray(path)
	if err == nil {
		t.Fatalf("Expected an error loading a file which isn't an image")
	}
}

func TestToGray(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			rgba.Set(x, y, color.RGBA{uint8(x * 60), uint8(x * 60), uint8(x * 60), 255})
		}
	}
	sub := rgba.SubImage(image.Rect(1, 1, 4, 3))
	g := ToGray(sub)
	if g.Bounds() != image.Rect(0, 0, 3, 2) {
		t.Fatalf("Expected bounds to start at the origin, got %v", g.Bounds())
	}
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			expected := uint8((x + 1) * 60)
			if v := g.GrayAt(x, y).Y; v != expected {
				t.Fatalf("Pixel %d,%d: expected %d, got %d", x, y, expected, v)
			}
		}
	}

	gray := image.NewGray(image.Rect(0, 0, 2, 2))
	if ToGray(gray) != gray {
		t.Fatalf("Expected a gray image at the origin to be returned unchanged")
	}
}
