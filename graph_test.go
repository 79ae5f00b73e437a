// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestGraph(t *testing.T) {
	cases := []struct {
		name   string
		points []GraphPoint
		err    error
	}{
		{"empty", nil, ErrNotEnoughPoints},
		{"one", []GraphPoint{{X: 0.1, Y: 30}}, ErrNotEnoughPoints},
		{"infinite", []GraphPoint{{X: 0.1, Y: 30}, {X: 0.2, Y: math.Inf(1)}}, ErrNotEnoughPoints},
		{"flat", []GraphPoint{{X: 0.1, Y: 30}, {X: 0.2, Y: 30}}, nil},
		{"labelled", []GraphPoint{
			{X: 0.5, Y: 20, Label: "0.5"},
			{X: 0.1, Y: 35, Label: "0.1"},
			{X: 0.3, Y: 27},
			{X: 0.9, Y: math.Inf(1)},
		}, nil},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Graph(c.points, "PSNR", "Density", "PSNR (dB)", &buf)
			if !errors.Is(err, c.err) {
				t.Fatalf("Expected error %v, got %v", c.err, err)
			}
			if err == nil && !bytes.HasPrefix(buf.Bytes(), pngMagic) {
				t.Fatalf("Graph output is not a PNG")
			}
		})
	}
}

func TestPdf(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	err := Graph([]GraphPoint{{X: 1, Y: 1}, {X: 2, Y: 3}}, "", "x", "y", &buf)
	if err != nil {
		t.Fatalf("Error creating graph: %v", err)
	}
	imgpath := filepath.Join(dir, "graph.png")
	err = os.WriteFile(imgpath, buf.Bytes(), 0644)
	if err != nil {
		t.Fatalf("Error saving graph: %v", err)
	}

	var p Fpdf
	err = p.Setup()
	if err != nil {
		t.Fatalf("Error setting up pdf: %v", err)
	}
	err = p.AddPage(imgpath, []string{"0001.png", "MSE 1.000 PSNR 48.131"})
	if err != nil {
		t.Fatalf("Error adding page: %v", err)
	}
	err = p.AddPage(filepath.Join(dir, "missing.png"), nil)
	if err == nil {
		t.Fatalf("Expected an error adding a missing image")
	}

	pdfpath := filepath.Join(dir, "report.pdf")
	err = p.Save(pdfpath)
	if err != nil {
		t.Fatalf("Error saving pdf: %v", err)
	}
	b, err := os.ReadFile(pdfpath)
	if err != nil {
		t.Fatalf("Error reading pdf: %v", err)
	}
	if !bytes.HasPrefix(b, []byte("%PDF")) {
		t.Fatalf("Saved file is not a PDF")
	}
}
