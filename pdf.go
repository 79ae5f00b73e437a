// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nickjwhite/gofpdf"
)

const pageWidth = 5 // pageWidth in inches
const captionSize = 10
const lineHeight = captionSize * 1.4

// pxToPt converts a pixel value into a pt value (72 pts per inch)
// This uses pageWidth to determine the appropriate value
func pxToPt(i int) float64 {
	return float64(i) / pageWidth
}

// Fpdf builds a PDF report with one image per page, each followed by
// some lines of caption text.
type Fpdf struct {
	fpdf *gofpdf.Fpdf
}

// Setup creates a new PDF with appropriate settings and fonts
func (p *Fpdf) Setup() error {
	p.fpdf = gofpdf.New("P", "pt", "A4", "")
	p.fpdf.SetFont("Helvetica", "", captionSize)
	p.fpdf.SetAutoPageBreak(false, float64(0))
	return p.fpdf.Error()
}

// AddPage adds a page to the pdf with an image and caption lines
// underneath it
func (p *Fpdf) AddPage(imgpath string, caption []string) error {
	f, err := os.Open(imgpath)
	if err != nil {
		return fmt.Errorf("Could not open file %s: %w", imgpath, err)
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("Could not decode image %s: %w", imgpath, err)
	}

	wd, ht := pxToPt(cfg.Width), pxToPt(cfg.Height)
	// small images still need room for the caption text
	pagewd := wd
	if pagewd < 200 {
		pagewd = 200
	}
	pageht := ht + lineHeight*float64(len(caption)+1)
	p.fpdf.AddPageFormat("P", gofpdf.SizeType{Wd: pagewd, Ht: pageht})

	p.fpdf.RegisterImageOptions(imgpath, gofpdf.ImageOptions{})
	p.fpdf.ImageOptions(imgpath, 0, 0, wd, ht, false, gofpdf.ImageOptions{}, 0, "")

	p.fpdf.SetXY(0, ht+lineHeight/2)
	for _, l := range caption {
		p.fpdf.CellFormat(pagewd, lineHeight, l, "", 2, "L", false, 0, "")
	}
	return p.fpdf.Error()
}

// Save saves the PDF to the file at path
func (p *Fpdf) Save(path string) error {
	return p.fpdf.OutputFileAndClose(path)
}
