package images

import (
	"fmt"

	"github.com/disintegration/imaging"
)

// Compress scales src down to fit cfg.MaxWidth x cfg.MaxHeight, keeping its
// aspect ratio, and re-encodes it at cfg.Quality. Name and MIME type are
// kept. When the image already fits and re-encoding does not make it
// smaller, src is returned unchanged.
func Compress(src Source, cfg Config) (Source, error) {
	img, err := decode(src)
	if err != nil {
		return src, fmt.Errorf("failed to decode %s: %w", displayName(src), err)
	}

	b := img.Bounds()
	resized := cfg.MaxWidth > 0 && cfg.MaxHeight > 0 && (b.Dx() > cfg.MaxWidth || b.Dy() > cfg.MaxHeight)
	if resized {
		img = imaging.Fit(img, cfg.MaxWidth, cfg.MaxHeight, imaging.Lanczos)
	}

	quality := cfg.Quality
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	data, err := encode(img, src.MIME, quality)
	if err != nil {
		return src, err
	}
	if !resized && len(data) >= len(src.Data) {
		return src, nil
	}
	return Source{Name: src.Name, MIME: src.MIME, Data: data}, nil
}
