package images

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"math"
	"path"
	"strings"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// ErrNoEncoder is returned when an image can be decoded but not written back
// in its own format.
var ErrNoEncoder = errors.New("no encoder for image format")

// CropSpec describes an interactive edit. Rotate is clockwise in steps of 90
// degrees and is applied before cropping. The crop rectangle is expressed in
// the zoomed view, so it is divided by Zoom to get image pixels. An empty
// rectangle keeps the whole image. Brightness (-100 to 100) is only applied
// to previews.
type CropSpec struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Rotate     int     `json:"rotate"`
	Zoom       float64 `json:"zoom"`
	Brightness float64 `json:"brightness"`
}

// ApplyCrop rotates and crops src. The result keeps the MIME type of src,
// except for WebP which is written as PNG.
func ApplyCrop(src Source, spec CropSpec) (Source, error) {
	img, err := decode(src)
	if err != nil {
		return src, apperr.Validation("invalid_image", "%s cannot be decoded: %v", displayName(src), err)
	}
	out, err := transform(img, spec)
	if err != nil {
		return src, err
	}
	return encodeAs(src, out, 95)
}

// Preview is ApplyCrop with the brightness filter applied, for display while
// editing.
func Preview(src Source, spec CropSpec) (Source, error) {
	img, err := decode(src)
	if err != nil {
		return src, apperr.Validation("invalid_image", "%s cannot be decoded: %v", displayName(src), err)
	}
	out, err := transform(img, spec)
	if err != nil {
		return src, err
	}
	if spec.Brightness != 0 {
		out = imaging.AdjustBrightness(out, math.Max(-100, math.Min(100, spec.Brightness)))
	}
	return encodeAs(src, out, 80)
}

func transform(img image.Image, spec CropSpec) (image.Image, error) {
	switch ((spec.Rotate % 360) + 360) % 360 {
	case 0:
	case 90:
		img = imaging.Rotate270(img)
	case 180:
		img = imaging.Rotate180(img)
	case 270:
		img = imaging.Rotate90(img)
	default:
		return nil, apperr.Validation("invalid_crop", "rotation must be a multiple of 90 degrees, got %d", spec.Rotate)
	}

	if spec.Width <= 0 || spec.Height <= 0 {
		return img, nil
	}
	zoom := spec.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	scale := func(v int) int { return int(math.Round(float64(v) / zoom)) }
	rect := image.Rect(scale(spec.X), scale(spec.Y), scale(spec.X+spec.Width), scale(spec.Y+spec.Height))
	rect = rect.Add(img.Bounds().Min).Intersect(img.Bounds())
	if rect.Empty() {
		return nil, apperr.Validation("invalid_crop", "crop area lies outside the image")
	}
	return imaging.Crop(img, rect), nil
}

func decode(src Source) (image.Image, error) {
	return imaging.Decode(bytes.NewReader(src.Data), imaging.AutoOrientation(true))
}

func encode(img image.Image, mimeType string, quality int) ([]byte, error) {
	var (
		buf bytes.Buffer
		err error
	)
	switch mimeType {
	case MIMEJPEG:
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case MIMEPNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	default:
		return nil, fmt.Errorf("%s: %w", mimeType, ErrNoEncoder)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeAs writes img in the format of src, switching to PNG when that
// format has no encoder.
func encodeAs(src Source, img image.Image, quality int) (Source, error) {
	out := Source{Name: src.Name, MIME: src.MIME}
	if out.MIME == MIMEWebP {
		out.MIME = MIMEPNG
		out.Name = strings.TrimSuffix(src.Name, path.Ext(src.Name)) + ".png"
	}
	data, err := encode(img, out.MIME, quality)
	if err != nil {
		return src, fmt.Errorf("failed to encode image: %w", err)
	}
	out.Data = data
	return out, nil
}
