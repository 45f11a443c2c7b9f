package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"net/http"
	"sync"

	"github.com/disintegration/imaging"
)

// HTTPDevices reads frames from network cameras that serve a JPEG snapshot
// per GET request. DeviceID selects a camera by name; an empty id uses the
// first configured camera.
type HTTPDevices struct {
	Client  *http.Client
	Cameras map[string]string
	Default string
}

// NewHTTPDevices creates devices for a single snapshot URL.
func NewHTTPDevices(snapshotURL string) *HTTPDevices {
	return &HTTPDevices{
		Client:  http.DefaultClient,
		Cameras: map[string]string{"default": snapshotURL},
		Default: "default",
	}
}

func (d *HTTPDevices) Open(ctx context.Context, c Constraints) (Stream, error) {
	id := c.DeviceID
	if id == "" {
		id = d.Default
	}
	url, ok := d.Cameras[id]
	if !ok || url == "" {
		return nil, fmt.Errorf("camera %q: %w", id, ErrNoDevice)
	}
	return &httpStream{client: d.Client, url: url, constraints: c}, nil
}

type httpStream struct {
	client      *http.Client
	url         string
	constraints Constraints

	mu      sync.Mutex
	stopped bool
}

func (s *httpStream) Frame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return nil, errors.New("camera stream stopped")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%v: %w", err, ErrNoDevice)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrPermissionDenied
	case http.StatusNotFound:
		return nil, ErrNoDevice
	case http.StatusConflict, http.StatusLocked, http.StatusServiceUnavailable:
		return nil, ErrDeviceInUse
	default:
		return nil, fmt.Errorf("camera returned %s", resp.Status)
	}

	img, err := imaging.Decode(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if s.constraints.Width > 0 && s.constraints.Height > 0 {
		img = imaging.Fit(img, s.constraints.Width, s.constraints.Height, imaging.Lanczos)
	}
	return img, nil
}

func (s *httpStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.client.CloseIdleConnections()
	return nil
}
