package extract

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"math"
	"strings"
	"testing"

	"ecg-diagnosis/internal/common"
	"ecg-diagnosis/internal/signal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syntheticPrintout draws a dark waveform inside every lead region of a
// white canvas. Lead I gets a rising ramp so its shape can be checked.
func syntheticPrintout() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, CanvasWidth, CanvasHeight))
	for i := 0; i < len(img.Pix); i++ {
		img.Pix[i] = 255
	}

	for _, r := range StandardRegions() {
		rect := r.Rect.Inset(10)
		mid := (rect.Min.Y + rect.Max.Y) / 2
		amp := float64(rect.Dy()) / 3
		for x := rect.Min.X; x < rect.Max.X; x++ {
			t := float64(x-rect.Min.X) / float64(rect.Dx())
			var y int
			if r.Lead == common.LeadI {
				y = rect.Max.Y - 1 - int(t*float64(rect.Dy()-1))
			} else {
				y = mid - int(amp*math.Sin(2*math.Pi*3*t))
			}
			for dy := -2; dy <= 2; dy++ {
				img.Set(x, y+dy, color.Black)
			}
		}
	}
	return img
}

func blank(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i++ {
		img.Pix[i] = 255
	}
	return img
}

func TestGridExtractor_StandardLeads(t *testing.T) {
	g := NewGridExtractor(255, false)

	leads, err := g.Extract(context.Background(), syntheticPrintout())
	require.NoError(t, err)
	require.Len(t, leads, 12)

	for i, l := range leads {
		assert.Equal(t, common.StandardLeads()[i], l.Name)
		require.Len(t, l.Samples, 255, l.Name)

		lo, hi := l.Samples[0], l.Samples[0]
		for _, v := range l.Samples {
			assert.GreaterOrEqual(t, v, 0.0)
			assert.LessOrEqual(t, v, 1.0)
			lo, hi = math.Min(lo, v), math.Max(hi, v)
		}
		assert.Equal(t, 0.0, lo, l.Name)
		assert.Equal(t, 1.0, hi, l.Name)
	}

	ramp := leads[0].Samples
	assert.Less(t, ramp[0], 0.1)
	assert.Greater(t, ramp[len(ramp)-1], 0.9)
}

func TestGridExtractor_LongLead(t *testing.T) {
	g := NewGridExtractor(64, true)

	leads, err := g.Extract(context.Background(), syntheticPrintout())
	require.NoError(t, err)
	require.Len(t, leads, 13)
	assert.Equal(t, common.LeadLong, leads[12].Name)
	assert.Len(t, leads[12].Samples, 64)

	_, err = signal.NewStandardBuilder(true).Build(leads)
	assert.NoError(t, err)
}

func TestGridExtractor_BlankImage(t *testing.T) {
	g := NewGridExtractor(255, false)

	_, err := g.Extract(context.Background(), blank(800, 600))

	var empty *signal.EmptyInputError
	require.ErrorAs(t, err, &empty)
	assert.Equal(t, common.LeadI, empty.Lead)
}

func TestGridExtractor_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewGridExtractor(255, false).Extract(ctx, syntheticPrintout())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGridExtractor_Defaults(t *testing.T) {
	g := NewGridExtractor(0, false)
	assert.Equal(t, common.DefaultSamplesPerLead, g.SamplesPerLead)

	_, err := g.Extract(context.Background(), nil)
	var empty *signal.EmptyInputError
	assert.ErrorAs(t, err, &empty)
}

func TestGridExtractor_Crops(t *testing.T) {
	crops := NewGridExtractor(255, true).Crops(syntheticPrintout())
	require.Len(t, crops, 13)
	assert.Equal(t, image.Rect(0, 0, 450, 300), crops[common.LeadV6].Bounds())
	assert.Equal(t, image.Rect(0, 0, 2213, 300), crops[common.LeadLong].Bounds())

	assert.Len(t, NewGridExtractor(255, false).Crops(syntheticPrintout()), 12)
}

func TestStandardRegions(t *testing.T) {
	regions := StandardRegions()
	require.Len(t, regions, 13)

	assert.Equal(t, Region{Lead: common.LeadI, Rect: image.Rect(150, 300, 643, 600)}, regions[0])
	assert.Equal(t, Region{Lead: common.LeadII, Rect: image.Rect(150, 600, 643, 900)}, regions[4])
	assert.Equal(t, Region{Lead: common.LeadV6, Rect: image.Rect(1630, 900, 2125, 1200)}, regions[11])
	assert.Equal(t, common.LeadLong, regions[12].Lead)

	canvas := image.Rect(0, 0, CanvasWidth, CanvasHeight)
	for _, r := range regions {
		assert.True(t, r.Rect.In(canvas), r.Lead)
	}
}

func TestOtsuThreshold_SplitsTwoLevels(t *testing.T) {
	img := blank(10, 10)
	for x := 0; x < 10; x++ {
		for y := 0; y < 3; y++ {
			img.Set(x, y, color.Gray{Y: 40})
		}
	}

	th := otsuThreshold(img)
	assert.GreaterOrEqual(t, th, uint8(40))
	assert.Less(t, th, uint8(255))
}

func TestTraceColumns(t *testing.T) {
	img := blank(4, 5)
	img.Set(0, 4, color.Black)
	img.Set(2, 0, color.Black)

	xs, ys, ok := traceColumns(img, 100)
	require.True(t, ok)
	assert.Equal(t, []float64{0, 2}, xs)
	assert.Equal(t, []float64{0, 4}, ys)

	_, _, ok = traceColumns(blank(4, 5), 100)
	assert.False(t, ok)
}

func TestResample(t *testing.T) {
	out, err := resample([]float64{0, 10}, []float64{0, 5}, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 2.5, 5}, out, 1e-12)

	_, err = resample([]float64{1, 1}, []float64{0, 1}, 3)
	assert.Error(t, err)
}

func TestMinMaxScale(t *testing.T) {
	v := []float64{2, 4, 6}
	minMaxScale(v)
	assert.Equal(t, []float64{0, 0.5, 1}, v)

	flat := []float64{3, 3}
	minMaxScale(flat)
	assert.Equal(t, []float64{0, 0}, flat)
}

func TestDecode(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, syntheticPrintout()))

	img, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, CanvasWidth, img.Bounds().Dx())

	_, err = Decode(strings.NewReader("not an image"))
	var de *DecodeError
	assert.ErrorAs(t, err, &de)
}

func TestDecode_PixelLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, EncodePNG(&buf, blank(4, 4)))
	data := buf.Bytes()

	// Rewrite the IHDR chunk to declare a 30000x30000 canvas. Width and
	// height follow the 8 byte signature and the chunk length and type.
	binary.BigEndian.PutUint32(data[16:20], 30000)
	binary.BigEndian.PutUint32(data[20:24], 30000)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))

	_, err := Decode(bytes.NewReader(data))
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, err.Error(), "pixel limit")
}

func TestGrayscale(t *testing.T) {
	img := blank(2, 2)
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})

	g := Grayscale(img)
	c := g.NRGBAAt(0, 0)
	assert.Equal(t, c.R, c.G)
	assert.Equal(t, c.G, c.B)
}
