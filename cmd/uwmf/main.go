// Copyright 2024 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

// uwmf removes salt and pepper noise from grayscale images, and can
// simulate noise to measure how well it is removed.
package main

import (
	"errors"
	"flag"
	"fmt"
	"image"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"rescribe.xyz/uwmf"
	"rescribe.xyz/uwmf/internal/pipeline"
	"rescribe.xyz/uwmf/metrics"
	"rescribe.xyz/uwmf/noise"
	"rescribe.xyz/uwmf/restore"
)

const usage = `Usage: uwmf [-w radius] [-p exponent] [-k falloff] [-lo salt] [-hi pepper]
            [-c config.yml] [-j workers] [-v]
            [-i in] [-o out] [-d density] [-r repeats] [-s seed]
            [-ref original] [-graph graph.png] [-pdf report.pdf] [-csv table.csv]
            [restore|corrupt|simulate]

Removes salt and pepper noise from a grayscale image using a noise
adaptive weighted mean filter. Any pixel which is pure black or pure
white is treated as noise, or with -lo and -hi, any pixel at or below
-lo or at or above -hi.

restore (the default) restores the image given by -i, saving it to
-o. If -ref is given the result is compared with that original.

corrupt adds noise to the image given by -i with density -d, saving
it to -o.

simulate corrupts the clean image given by -i at a range of noise
densities (or just -d if it is given), restores each -r times, and
reports how well each was restored. The results can be saved as a
table (-csv, compressed if it ends in .zst), a graph of PSNR against
density (-graph) and a PDF report (-pdf). If -o is given it is a
directory in which to save the noisy and restored images.

Exit status is 0 on success, 1 if an image couldn't be read or
written, and 2 if the arguments were wrong.
`

// errArgs marks errors which are the fault of the arguments given
var errArgs = errors.New("bad arguments")

type options struct {
	cfg        uwmf.Config
	mode       string
	in, out    string
	density    float64
	densitySet bool
	ref        string
	graph      string
	pdf        string
	csv        string
}

// parse reads the command line, loading any config file and
// overriding it with flags which were explicitly set
func parse(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("uwmf", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), usage)
		fs.PrintDefaults()
	}

	def := uwmf.DefaultConfig()
	w := fs.Int("w", def.W, "window radius")
	p := fs.Int("p", def.P, "minkowski distance exponent")
	k := fs.Int("k", def.K, "weight fall-off exponent")
	lo := fs.Int("lo", def.Low, "highest value treated as salt noise")
	hi := fs.Int("hi", def.High, "lowest value treated as pepper noise")
	configpath := fs.String("c", "", "YAML configuration file")
	workers := fs.Int("j", def.Workers, "number of goroutines to restore with")
	verbose := fs.Bool("v", def.Verbose, "verbose")
	repeats := fs.Int("r", def.Repeats, "number of times to repeat each simulation")
	seed := fs.Int64("s", def.Seed, "random seed for corruption")
	fs.StringVar(&o.in, "i", "", "input image")
	fs.StringVar(&o.out, "o", "", "output image (or directory, for simulate)")
	fs.Float64Var(&o.density, "d", 0.3, "noise density to corrupt with")
	fs.StringVar(&o.ref, "ref", "", "original image to compare a restoration with")
	fs.StringVar(&o.graph, "graph", "", "save a graph of a simulation to this png")
	fs.StringVar(&o.pdf, "pdf", "", "save a report of a simulation to this pdf")
	fs.StringVar(&o.csv, "csv", "", "save a table of simulation results to this file")

	err := fs.Parse(args)
	if err != nil {
		return o, fmt.Errorf("%w: %w", errArgs, err)
	}

	o.cfg = def
	if *configpath != "" {
		o.cfg, err = uwmf.LoadConfig(*configpath)
		if err != nil {
			return o, fmt.Errorf("%w: %w", errArgs, err)
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "w":
			o.cfg.W = *w
		case "p":
			o.cfg.P = *p
		case "k":
			o.cfg.K = *k
		case "lo":
			o.cfg.Low = *lo
		case "hi":
			o.cfg.High = *hi
		case "j":
			o.cfg.Workers = *workers
		case "v":
			o.cfg.Verbose = *verbose
		case "r":
			o.cfg.Repeats = *repeats
		case "s":
			o.cfg.Seed = *seed
		case "d":
			o.densitySet = true
		}
	})

	switch fs.NArg() {
	case 0:
		o.mode = "restore"
	case 1:
		o.mode = fs.Arg(0)
	default:
		fs.Usage()
		return o, fmt.Errorf("%w: too many arguments", errArgs)
	}

	err = o.cfg.Params.Validate()
	if err != nil {
		return o, fmt.Errorf("%w: %w", errArgs, err)
	}
	err = o.cfg.CheckNoiseRange()
	if err != nil {
		return o, fmt.Errorf("%w: %w", errArgs, err)
	}
	if o.cfg.Repeats < 1 {
		return o, fmt.Errorf("%w: repeat count must be at least 1", errArgs)
	}
	if !(o.density >= 0 && o.density <= 1) {
		return o, fmt.Errorf("%w: density %g is out of range", errArgs, o.density)
	}
	if o.in == "" {
		return o, fmt.Errorf("%w: an input image must be given with -i", errArgs)
	}
	switch o.mode {
	case "restore":
		if o.out == "" {
			o.out = strings.TrimSuffix(o.in, filepath.Ext(o.in)) + "_restored.png"
		}
	case "corrupt":
		if o.out == "" {
			return o, fmt.Errorf("%w: an output image must be given with -o", errArgs)
		}
	case "simulate":
	default:
		return o, fmt.Errorf("%w: unknown mode %q", errArgs, o.mode)
	}
	return o, nil
}

func filter(cfg uwmf.Config) restore.Filter {
	return restore.Filter{Params: cfg.Params, Classifier: cfg.Classifier(), Workers: cfg.Workers}
}

func runRestore(o options, logger *zerolog.Logger, stdout io.Writer) error {
	img, err := uwmf.LoadGray(o.in)
	if err != nil {
		return err
	}
	f := filter(o.cfg)
	logger.Debug().Str("image", o.in).Stringer("params", f.Params).Msg("Restoring")
	restored, stats, err := f.Restore(img)
	if err != nil {
		return err
	}
	logger.Debug().
		Int("corrupted", stats.Corrupted).
		Int("salt", stats.Salt).
		Int("pepper", stats.Pepper).
		Int("majority_votes", stats.MajorityVotes).
		Int("untilted", stats.Untilted).
		Int("singular", stats.Singular).
		Int("underflowed", stats.Underflowed).
		Msg("Restored")
	err = uwmf.SavePNG(o.out, restored)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: %d of %d pixels restored (%.2f%%)\n", o.out, stats.Corrupted, stats.Pixels, stats.Density()*100)

	if o.ref != "" {
		ref, err := uwmf.LoadGray(o.ref)
		if err != nil {
			return err
		}
		r, err := metrics.Compare(ref, restored, img)
		if err != nil {
			return fmt.Errorf("%w: %w", errArgs, err)
		}
		fmt.Fprintln(stdout, r)
	}
	return nil
}

func runCorrupt(o options, logger *zerolog.Logger, stdout io.Writer) error {
	img, err := uwmf.LoadGray(o.in)
	if err != nil {
		return err
	}
	logger.Debug().Str("image", o.in).Float64("density", o.density).Msg("Corrupting")
	noisy, err := noise.Corrupt(img, o.density, rand.New(rand.NewSource(o.cfg.Seed)))
	if err != nil {
		return fmt.Errorf("%w: %w", errArgs, err)
	}
	err = uwmf.SavePNG(o.out, noisy)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: measured noise density %.4f\n", o.out, noise.Density(noisy, o.cfg.Classifier()))
	return nil
}

// result is the average outcome of restoring an image corrupted at
// one density
type result struct {
	density  float64
	measured float64
	report   metrics.Report
	noisy    string
	restored string
}

// simulate corrupts and restores clean at each density, repeats
// times, averaging the metrics. If dir is set the images from the
// first repeat at each density are saved there.
func simulate(clean *image.Gray, densities []float64, cfg uwmf.Config, dir string, logger *zerolog.Logger) ([]result, error) {
	rng := rand.New(rand.NewSource(cfg.Seed))
	f := filter(cfg)
	var results []result
	for _, d := range densities {
		res := result{density: d}
		for i := 0; i < cfg.Repeats; i++ {
			noisy, err := noise.Corrupt(clean, d, rng)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", errArgs, err)
			}
			restored, _, err := f.Restore(noisy)
			if err != nil {
				return nil, err
			}
			r, err := metrics.Compare(clean, restored, noisy)
			if err != nil {
				return nil, err
			}
			logger.Debug().Float64("density", d).Int("repeat", i).Stringer("report", r).Msg("Simulated")

			res.measured += noise.Density(noisy, f.Classifier)
			res.report.MSE += r.MSE
			res.report.PSNR += r.PSNR
			res.report.SSIM += r.SSIM
			res.report.MSSIM += r.MSSIM
			res.report.IEF += r.IEF

			if i == 0 && dir != "" {
				name := strconv.FormatFloat(d, 'f', 2, 64)
				res.noisy = filepath.Join(dir, "noisy_"+name+".png")
				res.restored = filepath.Join(dir, "restored_"+name+".png")
				err = uwmf.SavePNG(res.noisy, noisy)
				if err == nil {
					err = uwmf.SavePNG(res.restored, restored)
				}
				if err != nil {
					return nil, err
				}
			}
		}
		n := float64(cfg.Repeats)
		res.measured /= n
		res.report.MSE /= n
		res.report.PSNR /= n
		res.report.SSIM /= n
		res.report.MSSIM /= n
		res.report.IEF /= n
		results = append(results, res)
	}
	return results, nil
}

var tableHeader = []string{"density", "measured", "mse", "psnr", "ssim", "mssim", "ief"}

func (r result) row() []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
	return []string{f(r.density), f(r.measured), f(r.report.MSE), f(r.report.PSNR), f(r.report.SSIM), f(r.report.MSSIM), f(r.report.IEF)}
}

func runSimulate(o options, logger *zerolog.Logger, stdout io.Writer) error {
	clean, err := uwmf.LoadGray(o.in)
	if err != nil {
		return err
	}
	densities := o.cfg.Densities
	if o.densitySet || len(densities) == 0 {
		densities = []float64{o.density}
	}

	dir := o.out
	if dir == "" && o.pdf != "" {
		dir, err = os.MkdirTemp("", "uwmf")
		if err != nil {
			return err
		}
		defer os.RemoveAll(dir)
	}
	if dir != "" {
		err = os.MkdirAll(dir, 0755)
		if err != nil {
			return err
		}
	}

	results, err := simulate(clean, densities, o.cfg, dir, logger)
	if err != nil {
		return err
	}

	var rows [][]string
	fmt.Fprintln(stdout, strings.Join(tableHeader, "\t"))
	for _, r := range results {
		rows = append(rows, r.row())
		fmt.Fprintln(stdout, strings.Join(r.row(), "\t"))
	}

	if o.csv != "" {
		err = uwmf.WriteTable(o.csv, tableHeader, rows)
		if err != nil {
			return err
		}
	}

	graphpath := o.graph
	if graphpath == "" && o.pdf != "" {
		graphpath = filepath.Join(dir, "graph.png")
	}
	graphok := false
	if graphpath != "" {
		var points []uwmf.GraphPoint
		for _, r := range results {
			points = append(points, uwmf.GraphPoint{X: r.density, Y: r.report.PSNR, Label: fmt.Sprintf("%.1f", r.report.PSNR)})
		}
		f, err := os.Create(graphpath)
		if err != nil {
			return err
		}
		err = uwmf.Graph(points, filepath.Base(o.in)+" "+o.cfg.Params.String(), "Noise density", "PSNR (dB)", f)
		f.Close()
		switch {
		case errors.Is(err, uwmf.ErrNotEnoughPoints):
			logger.Warn().Msg("Not enough finite results to graph")
			_ = os.Remove(graphpath)
		case err != nil:
			return err
		default:
			graphok = true
		}
	}

	if o.pdf != "" {
		pdf := new(uwmf.Fpdf)
		err = pdf.Setup()
		if err != nil {
			return err
		}
		if graphok {
			err = pdf.AddPage(graphpath, []string{
				fmt.Sprintf("%s restored with %s, %d repeats", o.in, o.cfg.Params, o.cfg.Repeats),
			})
			if err != nil {
				return err
			}
		}
		for _, r := range results {
			for _, page := range []struct {
				path, what string
			}{{r.noisy, "Corrupted"}, {r.restored, "Restored"}} {
				err = pdf.AddPage(page.path, []string{
					fmt.Sprintf("%s at density %.2f (measured %.4f)", page.what, r.density, r.measured),
					r.report.String(),
				})
				if err != nil {
					return err
				}
			}
		}
		err = pdf.Save(o.pdf)
		if err != nil {
			return err
		}
	}
	return nil
}

// run runs the command with args, returning the exit status
func run(args []string, stdout, stderr io.Writer) int {
	o, err := parse(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	logger := pipeline.NewLogger(stderr, o.cfg.Verbose, false)

	switch o.mode {
	case "restore":
		err = runRestore(o, logger, stdout)
	case "corrupt":
		err = runCorrupt(o, logger, stdout)
	case "simulate":
		err = runSimulate(o, logger, stdout)
	}
	if err != nil {
		logger.Error().Err(err).Str("mode", o.mode).Msg("Failed")
		if errors.Is(err, errArgs) {
			return 2
		}
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

