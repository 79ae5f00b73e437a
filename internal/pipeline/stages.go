// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/restore"
)

// maxLabelled is the most images a graph will label individually
const maxLabelled = 30

// SummaryHeader is the header row of a batch summary table
var SummaryHeader = []string{"image", "width", "height", "w", "p", "k", "pixels", "corrupted", "density", "salt", "pepper", "majority_votes", "untilted", "singular", "underflowed"}

// ImageStats records the restoration of one image of a batch.
type ImageStats struct {
	Image    string         `yaml:"image"`
	Restored string         `yaml:"restored"`
	Width    int            `yaml:"width"`
	Height   int            `yaml:"height"`
	Params   restore.Params `yaml:"params"`
	Stats    restore.Stats  `yaml:"stats"`
	Density  float64        `yaml:"density"`
}

// WriteStats saves s as YAML to path
func WriteStats(path string, s ImageStats) error {
	b, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("Error encoding statistics for %s: %w", s.Image, err)
	}
	return os.WriteFile(path, b, 0644)
}

// ReadStats reads a statistics file saved by WriteStats
func ReadStats(path string) (ImageStats, error) {
	var s ImageStats
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	err = yaml.Unmarshal(b, &s)
	if err != nil {
		return s, fmt.Errorf("Error parsing statistics file %s: %w", path, err)
	}
	return s, nil
}

// row formats s for a summary table
func (s ImageStats) row() []string {
	i := strconv.Itoa
	return []string{
		s.Image, i(s.Width), i(s.Height),
		i(s.Params.W), i(s.Params.P), i(s.Params.K),
		i(s.Stats.Pixels), i(s.Stats.Corrupted), strconv.FormatFloat(s.Density, 'f', 6, 64),
		i(s.Stats.Salt), i(s.Stats.Pepper),
		i(s.Stats.MajorityVotes), i(s.Stats.Untilted), i(s.Stats.Singular),
		i(s.Stats.Underflowed),
	}
}

// caption describes s in a few lines for a PDF page
func (s ImageStats) caption() []string {
	return []string{
		fmt.Sprintf("%s (%dx%d), restored with %s", s.Image, s.Width, s.Height, s.Params),
		fmt.Sprintf("Corrupted: %d of %d pixels (%.2f%%), salt %d, pepper %d", s.Stats.Corrupted, s.Stats.Pixels, s.Density*100, s.Stats.Salt, s.Stats.Pepper),
		fmt.Sprintf("Majority votes %d, untilted %d, singular %d, underflowed %d", s.Stats.MajorityVotes, s.Stats.Untilted, s.Stats.Singular, s.Stats.Underflowed),
	}
}

// Restore returns a stage which restores each image with f, creating
// a restored png and a statistics file for each. If bin is set the
// restored image is also binarised.
func Restore(f restore.Filter, bin bool) Process {
	return func(ctx context.Context, torestore chan string, up chan string, errc chan error, logger *zerolog.Logger) {
		defer close(up)
		for path := range torestore {
			if ctx.Err() != nil {
				return
			}
			logger.Info().Str("image", path).Stringer("params", f.Params).Msg("Restoring")
			img, err := uwmf.LoadGray(path)
			if err != nil {
				sendErr(ctx, errc, err)
				return
			}
			restored, stats, err := f.Restore(img)
			if err != nil {
				sendErr(ctx, errc, fmt.Errorf("Error restoring %s: %w", path, err))
				return
			}
			logger.Debug().
				Str("image", path).
				Int("corrupted", stats.Corrupted).
				Int("majority_votes", stats.MajorityVotes).
				Int("untilted", stats.Untilted).
				Int("singular", stats.Singular).
				Int("underflowed", stats.Underflowed).
				Msg("Restored")

			base := strings.TrimSuffix(path, filepath.Ext(path))
			rpath := base + "_restored.png"
			err = uwmf.SavePNG(rpath, restored)
			if err != nil {
				sendErr(ctx, errc, err)
				return
			}

			spath := base + ".stats.yml"
			b := img.Bounds()
			err = WriteStats(spath, ImageStats{
				Image:    filepath.Base(path),
				Restored: filepath.Base(rpath),
				Width:    b.Dx(),
				Height:   b.Dy(),
				Params:   f.Params,
				Stats:    stats,
				Density:  stats.Density(),
			})
			if err != nil {
				sendErr(ctx, errc, err)
				return
			}

			var binarised []string
			if bin {
				logger.Info().Str("image", rpath).Msg("Binarising")
				binarised, err = binarise(rpath)
				if err != nil {
					sendErr(ctx, errc, fmt.Errorf("Error binarising %s: %w", rpath, err))
					return
				}
			}

			_ = os.Remove(path)
			for _, p := range append([]string{rpath, spath}, binarised...) {
				if !send(ctx, up, p) {
					return
				}
			}
		}
	}
}

// Analyse returns a stage which reads the statistics files of a batch
// and creates a summary table, a graph of noise density, and a PDF of
// every restored image with its statistics. The restored images are
// downloaded from the batch as they are needed.
func Analyse(conn Downloader) Process {
	return func(ctx context.Context, toanalyse chan string, up chan string, errc chan error, logger *zerolog.Logger) {
		defer close(up)
		var all []ImageStats
		savedir := ""

		for path := range toanalyse {
			if ctx.Err() != nil {
				return
			}
			if savedir == "" {
				savedir = filepath.Dir(path)
			}
			logger.Debug().Str("path", path).Msg("Reading statistics")
			s, err := ReadStats(path)
			if err != nil {
				sendErr(ctx, errc, err)
				return
			}
			all = append(all, s)
			_ = os.Remove(path)
		}

		if len(all) == 0 {
			logger.Warn().Msg("No statistics found to analyse")
			return
		}

		sort.Slice(all, func(i, j int) bool { return all[i].Image < all[j].Image })
		batch := filepath.Base(savedir)

		logger.Info().Str("batch", batch).Msg("Saving summary table")
		var rows [][]string
		var total float64
		for _, s := range all {
			rows = append(rows, s.row())
			total += s.Density
		}
		summaryfn := filepath.Join(savedir, "summary.csv.zst")
		err := uwmf.WriteTable(summaryfn, SummaryHeader, rows)
		if err != nil {
			sendErr(ctx, errc, err)
			return
		}
		if !send(ctx, up, summaryfn) {
			return
		}

		logger.Info().Str("batch", batch).Msg("Creating graph")
		var points []uwmf.GraphPoint
		for i, s := range all {
			p := uwmf.GraphPoint{X: float64(i + 1), Y: s.Density * 100}
			if len(all) <= maxLabelled {
				p.Label = s.Image
			}
			points = append(points, p)
		}
		graphfn := filepath.Join(savedir, "graph.png")
		f, err := os.Create(graphfn)
		if err != nil {
			sendErr(ctx, errc, fmt.Errorf("Error creating file %s: %w", graphfn, err))
			return
		}
		err = uwmf.Graph(points, batch, "Image", "Noise density (%)", f)
		f.Close()
		graphok := err == nil
		if !graphok {
			_ = os.Remove(graphfn)
		}
		if err != nil && !errors.Is(err, uwmf.ErrNotEnoughPoints) {
			sendErr(ctx, errc, fmt.Errorf("Error rendering graph: %w", err))
			return
		}

		pdf := new(uwmf.Fpdf)
		err = pdf.Setup()
		if err != nil {
			sendErr(ctx, errc, fmt.Errorf("Failed to set up PDF: %w", err))
			return
		}
		if graphok {
			err = pdf.AddPage(graphfn, []string{
				batch,
				fmt.Sprintf("%d images, mean noise density %.2f%%", len(all), total/float64(len(all))*100),
			})
			if err != nil {
				sendErr(ctx, errc, fmt.Errorf("Failed to add graph to PDF: %w", err))
				return
			}
			if !send(ctx, up, graphfn) {
				return
			}
		}

		for _, s := range all {
			if ctx.Err() != nil {
				return
			}

			key := batch + "/" + RestoredDir + "/" + s.Restored
			fn := filepath.Join(savedir, s.Restored)
			logger.Info().Str("key", key).Msg("Downloading restored image to add to PDF")
			err = conn.Download(conn.WIPStorageId(), key, fn)
			if err != nil {
				logger.Warn().Err(err).Str("key", key).Msg("Download failed; skipping page")
				continue
			}
			err = pdf.AddPage(fn, s.caption())
			if err != nil {
				sendErr(ctx, errc, fmt.Errorf("Failed to add page %s to PDF: %w", s.Restored, err))
				return
			}
			err = os.Remove(fn)
			if err != nil {
				sendErr(ctx, errc, err)
				return
			}
		}

		pdffn := filepath.Join(savedir, batch+".pdf")
		err = pdf.Save(pdffn)
		if err != nil {
			sendErr(ctx, errc, fmt.Errorf("Failed to save pdf: %w", err))
			return
		}
		send(ctx, up, pdffn)
	}
}
