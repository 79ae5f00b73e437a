// Copyright 2019 Nick White.
// Use of this source code is governed by the GPLv3
// license that can be found in the LICENSE file.

package uwmf

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"
)

const maxticks = 40
const yticknum = 20

// ErrNotEnoughPoints is returned by Graph if there are too few points
// to draw a line.
var ErrNotEnoughPoints = errors.New("Not enough points to graph")

// GraphPoint is one point on a graph. If Label is set the point is
// annotated with it.
type GraphPoint struct {
	X, Y  float64
	Label string
}

// createLine creates a horizontal line with a particular y value for
// a graph
func createLine(xvalues []float64, y float64, c drawing.Color) chart.ContinuousSeries {
	var yvalues []float64
	for range xvalues {
		yvalues = append(yvalues, y)
	}
	return chart.ContinuousSeries{
		XValues: xvalues,
		YValues: yvalues,
		Style: chart.Style{
			StrokeColor:     c,
			StrokeDashArray: []float64{5.0, 5.0},
		},
	}
}

// Graph draws a line graph of points, sorted by X, as a PNG to w.
// A dashed line marks the mean Y value. Infinite Y values are left out.
func Graph(points []GraphPoint, title, xaxis, yaxis string, w io.Writer) error {
	var finite []GraphPoint
	for _, p := range points {
		if math.IsInf(p.Y, 0) || math.IsNaN(p.Y) {
			continue
		}
		finite = append(finite, p)
	}
	if len(finite) < 2 {
		return ErrNotEnoughPoints
	}

	sort.Slice(finite, func(i, j int) bool { return finite[i].X < finite[j].X })

	var xvalues, yvalues []float64
	var ticks, yticks []chart.Tick
	var annotations []chart.Value2
	tickevery := len(finite) / maxticks
	if tickevery < 1 {
		tickevery = 1
	}
	miny, maxy, total := math.Inf(1), math.Inf(-1), 0.0
	for i, p := range finite {
		xvalues = append(xvalues, p.X)
		yvalues = append(yvalues, p.Y)
		if i%tickevery == 0 {
			ticks = append(ticks, chart.Tick{Value: p.X, Label: fmt.Sprintf("%.2f", p.X)})
		}
		if p.Label != "" {
			annotations = append(annotations, chart.Value2{Label: p.Label, XValue: p.X, YValue: p.Y})
		}
		miny = math.Min(miny, p.Y)
		maxy = math.Max(maxy, p.Y)
		total += p.Y
	}
	// Make last tick the final point
	final := finite[len(finite)-1]
	ticks[len(ticks)-1] = chart.Tick{Value: final.X, Label: fmt.Sprintf("%.2f", final.X)}

	if maxy == miny {
		maxy = miny + 1
	}
	for i := 0; i <= yticknum; i++ {
		n := miny + float64(i)*(maxy-miny)/yticknum
		yticks = append(yticks, chart.Tick{Value: n, Label: fmt.Sprintf("%.2f", n)})
	}

	mean := total / float64(len(finite))
	annotations = append(annotations, chart.Value2{Label: fmt.Sprintf("mean %.2f", mean), XValue: final.X, YValue: mean})

	mainSeries := chart.ContinuousSeries{
		Style: chart.Style{
			StrokeColor: chart.ColorBlue,
			FillColor:   chart.ColorAlternateBlue,
		},
		XValues: xvalues,
		YValues: yvalues,
	}

	graph := chart.Chart{
		Title:  title,
		Width:  1920,
		Height: 1080,
		XAxis: chart.XAxis{
			Name: xaxis,
			Range: &chart.ContinuousRange{
				Min: xvalues[0],
				Max: final.X,
			},
			Ticks: ticks,
		},
		YAxis: chart.YAxis{
			Name: yaxis,
			Range: &chart.ContinuousRange{
				Min: miny,
				Max: maxy,
			},
			Ticks: yticks,
		},
		Series: []chart.Series{
			mainSeries,
			createLine(xvalues, mean, chart.ColorAlternateGray),
			chart.AnnotationSeries{
				Annotations: annotations,
			},
		},
	}
	return graph.Render(chart.PNG, w)
}
