package extract

import (
	"image"

	"gonum.org/v1/gonum/interp"
)

// otsuThreshold returns the gray level that maximizes between-class
// variance of the histogram of img's red channel. img must be grayscale.
func otsuThreshold(img *image.NRGBA) uint8 {
	var hist [256]int
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			hist[row[x*4]]++
		}
	}

	total := b.Dx() * b.Dy()
	var sumAll float64
	for i, n := range hist {
		sumAll += float64(i * n)
	}

	var (
		sumB     float64
		wB       int
		best     float64
		bestT    int
		foundAny bool
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sumAll - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if !foundAny || between > best {
			best, bestT, foundAny = between, t, true
		}
	}
	return uint8(bestT)
}

// traceColumns returns, for each column holding at least one pixel at or
// below threshold, the column index and the trace height measured from the
// bottom edge (mean row of the dark pixels, inverted so up is positive).
// ok is false when the dark pixels look like background rather than a trace.
func traceColumns(img *image.NRGBA, threshold uint8) (xs, ys []float64, ok bool) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	dark := 0
	for x := 0; x < w; x++ {
		var sum, n int
		for y := 0; y < h; y++ {
			if img.Pix[y*img.Stride+x*4] <= threshold {
				sum += y
				n++
			}
		}
		if n == 0 {
			continue
		}
		dark += n
		xs = append(xs, float64(x))
		ys = append(ys, float64(h-1)-float64(sum)/float64(n))
	}

	// More dark than light means the threshold split the paper, not the ink.
	if len(xs) < 2 || dark*2 > w*h {
		return nil, nil, false
	}
	return xs, ys, true
}

// resample fits a piecewise linear curve through (xs, ys) and samples it at
// n evenly spaced positions spanning the traced columns.
func resample(xs, ys []float64, n int) ([]float64, error) {
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return nil, err
	}

	lo, hi := xs[0], xs[len(xs)-1]
	out := make([]float64, n)
	if n == 1 {
		out[0] = pl.Predict(lo)
		return out, nil
	}
	step := (hi - lo) / float64(n-1)
	for i := range out {
		x := lo + step*float64(i)
		if x > hi {
			x = hi
		}
		out[i] = pl.Predict(x)
	}
	return out, nil
}

// minMaxScale rescales v in place to [0, 1]. A flat signal scales to zeros.
func minMaxScale(v []float64) {
	if len(v) == 0 {
		return
	}
	lo, hi := v[0], v[0]
	for _, x := range v[1:] {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	span := hi - lo
	for i, x := range v {
		if span == 0 {
			v[i] = 0
			continue
		}
		v[i] = (x - lo) / span
	}
}
