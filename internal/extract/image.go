package extract

import (
	"bytes"
	"fmt"
	"image"
	"io"

	"ecg-diagnosis/internal/common"

	"github.com/disintegration/imaging"
)

// DecodeError reports an upload that is not a readable JPEG or PNG image.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("unreadable image: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode reads an image, applying any EXIF orientation so phone photos of
// printouts come out upright. The header is checked first and images over
// common.MaxImagePixels are rejected before any pixel data is allocated.
func Decode(r io.Reader) (image.Image, error) {
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > common.MaxImagePixels {
		return nil, &DecodeError{Err: fmt.Errorf("image is %dx%d, over the %d pixel limit",
			cfg.Width, cfg.Height, common.MaxImagePixels)}
	}

	img, err := imaging.Decode(io.MultiReader(&header, r), imaging.AutoOrientation(true))
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 2 {
		return nil, &DecodeError{Err: fmt.Errorf("image is %dx%d", b.Dx(), b.Dy())}
	}
	return img, nil
}

// Grayscale returns a grayscale copy of img.
func Grayscale(img image.Image) *image.NRGBA {
	return imaging.Grayscale(img)
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}
