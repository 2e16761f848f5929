// Package extract digitizes lead waveforms from a photographed or scanned
// 12-lead ECG printout.
package extract

import (
	"context"
	"fmt"
	"image"

	"ecg-diagnosis/internal/common"
	"ecg-diagnosis/internal/signal"

	"github.com/disintegration/imaging"
)

// Extractor turns a printout image into lead signals.
type Extractor interface {
	Extract(ctx context.Context, img image.Image) ([]signal.LeadSignal, error)
}

// Printout geometry. Uploads are resized to the canvas before cropping.
const (
	CanvasWidth  = 2213
	CanvasHeight = 1572

	leadTraceWidth  = 450
	leadTraceHeight = 300
	longTraceWidth  = 2213
)

// Region locates one lead on the canvas.
type Region struct {
	Lead string
	Rect image.Rectangle
}

// StandardRegions returns the crop rectangles of the 3x4 lead grid, in
// canonical lead order, followed by the long rhythm strip.
func StandardRegions() []Region {
	rows := [][2]int{{300, 600}, {600, 900}, {900, 1200}}
	cols := [][2]int{{150, 643}, {646, 1135}, {1140, 1625}, {1630, 2125}}

	leads := common.StandardLeads()
	out := make([]Region, 0, len(leads)+1)
	for r, ry := range rows {
		for c, cx := range cols {
			out = append(out, Region{
				Lead: leads[r*len(cols)+c],
				Rect: image.Rect(cx[0], ry[0], cx[1], ry[1]),
			})
		}
	}
	return append(out, Region{Lead: common.LeadLong, Rect: image.Rect(150, 1250, 2125, 1480)})
}

// GridExtractor reads leads from the standard printout layout.
type GridExtractor struct {
	SamplesPerLead int
	IncludeLong    bool
	Regions        []Region
}

// NewGridExtractor returns an extractor for the standard layout.
func NewGridExtractor(samplesPerLead int, includeLong bool) *GridExtractor {
	if samplesPerLead <= 1 {
		samplesPerLead = common.DefaultSamplesPerLead
	}
	return &GridExtractor{
		SamplesPerLead: samplesPerLead,
		IncludeLong:    includeLong,
		Regions:        StandardRegions(),
	}
}

// Extract implements Extractor. Every returned lead has exactly
// SamplesPerLead samples scaled to [0, 1].
func (g *GridExtractor) Extract(ctx context.Context, img image.Image) ([]signal.LeadSignal, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, &signal.EmptyInputError{Reason: "empty image"}
	}

	canvas := imaging.Resize(img, CanvasWidth, CanvasHeight, imaging.Lanczos)

	leads := make([]signal.LeadSignal, 0, len(g.Regions))
	for _, r := range g.Regions {
		if r.Lead == common.LeadLong && !g.IncludeLong {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		samples, err := g.lead(canvas, r)
		if err != nil {
			return nil, err
		}
		leads = append(leads, signal.LeadSignal{Name: r.Lead, Samples: samples})
	}
	return leads, nil
}

// Crops returns the preprocessed lead images (grayscale, blurred, resized)
// keyed by lead, for inspection.
func (g *GridExtractor) Crops(img image.Image) map[string]*image.NRGBA {
	canvas := imaging.Resize(img, CanvasWidth, CanvasHeight, imaging.Lanczos)
	out := make(map[string]*image.NRGBA, len(g.Regions))
	for _, r := range g.Regions {
		if r.Lead == common.LeadLong && !g.IncludeLong {
			continue
		}
		out[r.Lead] = preprocess(canvas, r)
	}
	return out
}

func (g *GridExtractor) lead(canvas *image.NRGBA, r Region) ([]float64, error) {
	prepared := preprocess(canvas, r)

	xs, ys, ok := traceColumns(prepared, otsuThreshold(prepared))
	if !ok {
		return nil, &signal.EmptyInputError{Lead: r.Lead, Reason: "no trace found"}
	}

	samples, err := resample(xs, ys, g.SamplesPerLead)
	if err != nil {
		return nil, fmt.Errorf("resample lead %s: %w", r.Lead, err)
	}
	minMaxScale(samples)
	return samples, nil
}

func preprocess(canvas *image.NRGBA, r Region) *image.NRGBA {
	crop := imaging.Crop(canvas, r.Rect)
	gray := imaging.Grayscale(crop)
	blurred := imaging.Blur(gray, 1.0)

	w := leadTraceWidth
	if r.Lead == common.LeadLong {
		w = longTraceWidth
	}
	return imaging.Resize(blurred, w, leadTraceHeight, imaging.Lanczos)
}
