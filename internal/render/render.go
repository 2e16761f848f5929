// Package render draws lead signals and evaluation scores as PNG charts.
package render

import (
	"bytes"
	"fmt"
	"io"

	"ecg-diagnosis/internal/signal"

	"github.com/wcharczuk/go-chart/v2"
)

// Plot dimensions.
const (
	Width  = 512
	Height = 256
)

// LeadPNG writes a plot of lead to w. When yMin != yMax the y axis is fixed
// to that range, otherwise it fits the data.
func LeadPNG(w io.Writer, lead signal.LeadSignal, yMin, yMax float64) error {
	if lead.Len() < 2 {
		return fmt.Errorf("lead %s: need at least 2 samples to plot, have %d", lead.Name, lead.Len())
	}

	var chartRange chart.Range
	if yMin != yMax {
		chartRange = &chart.ContinuousRange{Min: yMin, Max: yMax}
	}

	graph := chart.Chart{
		Title:  lead.Name,
		Width:  Width,
		Height: Height,
		XAxis: chart.XAxis{
			Style: chart.Hidden(),
		},
		YAxis: chart.YAxis{
			Style: chart.Hidden(),
			Range: chartRange,
		},
		Series: []chart.Series{
			chart.ContinuousSeries{
				XValues: intSeq(lead.Len()),
				YValues: lead.Samples,
			},
		},
	}

	// Render to a buffer so a failed render writes nothing
	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return fmt.Errorf("render lead %s: %w", lead.Name, err)
	}
	_, err := buffer.WriteTo(w)
	return err
}

func intSeq(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// ScoresPNG writes a bar chart of per-class scores in [0, 1], one bar per
// label, in the given order.
func ScoresPNG(w io.Writer, title string, labels []string, values []float64) error {
	if len(labels) == 0 || len(labels) != len(values) {
		return fmt.Errorf("scores chart needs one value per label, have %d labels and %d values", len(labels), len(values))
	}

	bars := make([]chart.Value, len(labels))
	for i, l := range labels {
		bars[i] = chart.Value{Label: l, Value: values[i]}
	}

	graph := chart.BarChart{
		Title:    title,
		Width:    Width * 2,
		Height:   Height * 2,
		BarWidth: 60,
		Background: chart.Style{
			Padding: chart.Box{Top: 40},
		},
		YAxis: chart.YAxis{
			Range: &chart.ContinuousRange{Min: 0, Max: 1},
		},
		Bars: bars,
	}

	buffer := bytes.NewBuffer([]byte{})
	if err := graph.Render(chart.PNG, buffer); err != nil {
		return fmt.Errorf("render %s: %w", title, err)
	}
	_, err := buffer.WriteTo(w)
	return err
}
