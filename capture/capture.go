// Package capture takes still images from a camera. A camera is held only
// between Acquire and the release it returns, and release runs on every
// exit path of CaptureStill.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/images"
	"github.com/disintegration/imaging"
	"github.com/sirupsen/logrus"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrNoDevice         = errors.New("no camera found")
	ErrDeviceInUse      = errors.New("camera is in use")
)

type (
	Constraints struct {
		DeviceID string
		Width    int
		Height   int
	}

	// Stream is a live camera stream.
	Stream interface {
		Frame(ctx context.Context) (image.Image, error)
		Stop() error
	}

	// Devices opens camera streams.
	Devices interface {
		Open(ctx context.Context, c Constraints) (Stream, error)
	}

	// GrabFunc reads the current frame of an acquired stream.
	GrabFunc func(ctx context.Context) (image.Image, error)
)

// Acquire opens a stream. The caller must call release once it is
// done; calling it more than once is harmless.
func Acquire(ctx context.Context, devices Devices, c Constraints) (grab GrabFunc, release func(), err error) {
	stream, err := devices.Open(ctx, c)
	if err != nil {
		return nil, nil, classify(err)
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			if err := stream.Stop(); err != nil {
				logrus.WithError(err).Warn("Failed to stop camera stream")
			}
		})
	}
	grab = func(ctx context.Context) (image.Image, error) {
		img, err := stream.Frame(ctx)
		if err != nil {
			return nil, classify(err)
		}
		return img, nil
	}
	return grab, release, nil
}

// CaptureStill grabs one frame and returns it as a JPEG source ready for the
// image pipeline.
func CaptureStill(ctx context.Context, devices Devices, c Constraints) (images.Source, error) {
	grab, release, err := Acquire(ctx, devices, c)
	if err != nil {
		return images.Source{}, err
	}
	defer release()

	frame, err := grab(ctx)
	if err != nil {
		return images.Source{}, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, frame, imaging.JPEG, imaging.JPEGQuality(95)); err != nil {
		return images.Source{}, fmt.Errorf("failed to encode frame: %w", err)
	}
	return images.Source{
		Name: fmt.Sprintf("capture-%d.jpg", time.Now().UnixMilli()),
		MIME: images.MIMEJPEG,
		Data: buf.Bytes(),
	}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return apperr.Transient("permission_denied", "Camera access was denied. Allow camera access and try again.", err)
	case errors.Is(err, ErrNoDevice):
		return apperr.Transient("no_device", "No camera was found.", err)
	case errors.Is(err, ErrDeviceInUse):
		return apperr.Transient("in_use", "The camera is being used by another application.", err)
	}
	return err
}
