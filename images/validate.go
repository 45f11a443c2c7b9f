package images

import (
	"fmt"
	"mime"
	"strings"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/h2non/filetype"
)

var supportedMIME = map[string]bool{
	MIMEJPEG: true,
	MIMEPNG:  true,
	MIMEWebP: true,
}

// Some browsers and cameras report these files with an empty, generic or
// non-standard MIME type, so they are accepted by extension.
var extensionMIME = map[string]string{
	".jpg":   MIMEJPEG,
	".jpeg":  MIMEJPEG,
	".jfif":  MIMEJPEG,
	".pjpeg": MIMEJPEG,
	".png":   MIMEPNG,
	".webp":  MIMEWebP,
}

var mimeAliases = map[string]string{
	"image/jpg":   MIMEJPEG,
	"image/pjpeg": MIMEJPEG,
	"image/jfif":  MIMEJPEG,
	"image/x-png": MIMEPNG,
}

// Validate checks the size and type of src before anything else happens to
// it. The returned Source carries the normalized MIME type.
func Validate(src Source, cfg Config) (Source, error) {
	if cfg.MaxBytes > 0 && src.Size() > cfg.MaxBytes {
		return src, apperr.Validation("too_large", "%s is too large: maximum %s, got %s",
			displayName(src), formatLimit(cfg.MaxBytes), formatSize(src.Size()))
	}
	if len(src.Data) == 0 {
		return src, apperr.Validation("invalid_type", "%s is empty", displayName(src))
	}

	declared := normalizeMIME(src.MIME)
	if !supportedMIME[declared] {
		byExt, ok := extensionMIME[src.Ext()]
		if !ok {
			return src, invalidType(src)
		}
		declared = byExt
	}

	// The content wins over the declared type when it is recognized.
	if kind, err := filetype.Match(src.Data); err == nil && kind != filetype.Unknown {
		if !supportedMIME[kind.MIME.Value] {
			return src, invalidType(src)
		}
		declared = kind.MIME.Value
	}

	src.MIME = declared
	return src, nil
}

func normalizeMIME(s string) string {
	if s == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(s)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(s))
	}
	if alias, ok := mimeAliases[mt]; ok {
		return alias
	}
	return mt
}

func invalidType(src Source) error {
	return apperr.Validation("invalid_type", "%s is not a supported image, use JPEG, PNG or WebP", displayName(src))
}

func displayName(src Source) string {
	if src.Name == "" {
		return "file"
	}
	return fmt.Sprintf("%q", src.Name)
}

func formatLimit(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%dMB", n>>20)
	}
	return formatSize(n)
}

func formatSize(n int64) string {
	return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
}
