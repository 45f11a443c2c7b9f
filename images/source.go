// Package images turns selected or captured files into stored, URL
// referenced image assets: validate, crop, compress, upload, persist.
package images

import (
	"fmt"
	"path"
	"strings"

	"github.com/Bamington/battleplanapp-sub000/config"
)

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEWebP = "image/webp"
)

// Source is an image file held in memory. Length is set instead of Data for
// a file that was not read because its reported size is over the limit.
type Source struct {
	Name   string
	MIME   string
	Data   []byte
	Length int64
}

// Ext returns the lower-case extension of the file name, including the dot.
func (s Source) Ext() string {
	return strings.ToLower(path.Ext(s.Name))
}

func (s Source) Size() int64 {
	return max(s.Length, int64(len(s.Data)))
}

// Mode selects the limits applied to an upload.
type Mode string

const (
	// ModeCapture is a single camera or gallery capture.
	ModeCapture Mode = "capture"
	// ModeBatch is an explicit multi-file selection.
	ModeBatch Mode = "batch"
)

// ParseMode maps a request parameter to a Mode, defaulting to capture.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeCapture:
		return ModeCapture, nil
	case ModeBatch:
		return ModeBatch, nil
	}
	return "", fmt.Errorf("unknown upload mode %q", s)
}

// Config bounds one upload. Quality is a JPEG quality between 1 and 100.
type Config struct {
	MaxBytes  int64
	MaxWidth  int
	MaxHeight int
	Quality   int
}

func CaptureConfig() Config {
	return Config{MaxBytes: 50 << 20, MaxWidth: 1200, MaxHeight: 1200, Quality: 80}
}

func BatchConfig() Config {
	return Config{MaxBytes: 10 << 20, MaxWidth: 1200, MaxHeight: 1200, Quality: 80}
}

// ConfigsFrom builds the per-mode limits from server configuration.
func ConfigsFrom(c config.ImageConfig) map[Mode]Config {
	base := Config{MaxWidth: c.MaxWidth, MaxHeight: c.MaxHeight, Quality: c.Quality}
	capture, batch := base, base
	capture.MaxBytes = c.MaxCaptureBytes
	batch.MaxBytes = c.MaxBatchBytes
	return map[Mode]Config{ModeCapture: capture, ModeBatch: batch}
}
