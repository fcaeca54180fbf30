// Package imaging validates untrusted image bytes and prepares them for face
// detection. Decoding applies EXIF orientation and drops every other piece
// of metadata; EncodeJPEG writes pixels only.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"slices"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/kozaktomas/face-finder/internal/apperr"
)

// Format is a supported image container.
type Format string

const (
	FormatUnknown Format = ""
	FormatJPEG    Format = "jpeg"
	FormatPNG     Format = "png"
	FormatWebP    Format = "webp"
)

// MIME returns the media type of the format.
func (f Format) MIME() string {
	switch f {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// DetectFormat identifies the container by its magic number.
func DetectFormat(data []byte) Format {
	switch {
	// JPEG: FF D8
	case len(data) >= 2 && data[0] == 0xFF && data[1] == 0xD8:
		return FormatJPEG
	// PNG: 89 50 4E 47
	case len(data) >= 4 && data[0] == 0x89 && data[1] == 0x50 && data[2] == 0x4E && data[3] == 0x47:
		return FormatPNG
	// WebP: RIFF .... WEBP
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return FormatWebP
	default:
		return FormatUnknown
	}
}

// MaxPixels caps width × height of any decoded image. Compressed size says
// nothing about the decoded buffer.
const MaxPixels = 40_000_000

// Limits bounds an accepted image.
type Limits struct {
	MinSize     int64
	MaxSize     int64
	AllowedMIME []string // empty allows every supported format
}

// Validate checks size and magic number. It returns the detected format or a
// classified input error.
func Validate(data []byte, limits Limits) (Format, error) {
	size := int64(len(data))
	if limits.MaxSize > 0 && size > limits.MaxSize {
		return FormatUnknown, apperr.New(apperr.KindFileTooLarge,
			fmt.Sprintf("image exceeds the %d byte limit", limits.MaxSize))
	}
	if size == 0 || size < limits.MinSize {
		return FormatUnknown, apperr.New(apperr.KindInvalidInput,
			fmt.Sprintf("image must be at least %d bytes", limits.MinSize))
	}
	format := DetectFormat(data)
	if format == FormatUnknown {
		return FormatUnknown, apperr.New(apperr.KindInvalidFileType, "unsupported image format")
	}
	if len(limits.AllowedMIME) > 0 && !slices.Contains(limits.AllowedMIME, format.MIME()) {
		return FormatUnknown, apperr.New(apperr.KindInvalidFileType, "image type not allowed")
	}
	return format, nil
}

// Decode decodes an image and applies its EXIF orientation (JPEG only).
// The header is checked against MaxPixels before any pixel is allocated.
func Decode(data []byte) (image.Image, Format, error) {
	format := DetectFormat(data)
	if format == FormatUnknown {
		return nil, format, apperr.New(apperr.KindInvalidImage, "unrecognized image data")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, format, apperr.Wrap(apperr.KindInvalidImage, "image could not be decoded", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, format, apperr.New(apperr.KindInvalidImage,
			fmt.Sprintf("image dimensions %dx%d exceed the %d pixel limit", cfg.Width, cfg.Height, MaxPixels))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, apperr.Wrap(apperr.KindInvalidImage, "image could not be decoded", err)
	}
	if format == FormatJPEG {
		img = applyOrientation(img, jpegOrientation(data))
	}
	return img, format, nil
}

// Fit scales img down so its larger side is at most maxDim, keeping the
// aspect ratio. It returns the image and the factor that maps output pixels
// back to input pixels (1 when no resize happened).
func Fit(img image.Image, maxDim int) (image.Image, float64) {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return img, 1
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxDim
		newHeight = max(1, int(float64(height)*float64(maxDim)/float64(width)))
	} else {
		newHeight = maxDim
		newWidth = max(1, int(float64(width)*float64(maxDim)/float64(height)))
	}

	resized := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.CatmullRom.Scale(resized, resized.Bounds(), img, bounds, draw.Over, nil)

	return resized, float64(width) / float64(newWidth)
}

// EncodeJPEG encodes img as a metadata-free JPEG.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}
