package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/images"
)

type mockStream struct {
	frameErr error
	stops    int
}

func (s *mockStream) Frame(ctx context.Context) (image.Image, error) {
	if s.frameErr != nil {
		return nil, s.frameErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	img.Set(1, 1, color.White)
	return img, nil
}

func (s *mockStream) Stop() error {
	s.stops++
	return errors.New("already stopped")
}

type mockDevices struct {
	stream  *mockStream
	openErr error
}

func (d *mockDevices) Open(ctx context.Context, c Constraints) (Stream, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	return d.stream, nil
}

func TestCaptureStill_ReleasesOnSuccess(t *testing.T) {
	devices := &mockDevices{stream: &mockStream{}}

	src, err := CaptureStill(context.Background(), devices, Constraints{})
	if err != nil {
		t.Fatalf("CaptureStill failed: %v", err)
	}
	if devices.stream.stops != 1 {
		t.Errorf("Expected stream stopped once, got %d", devices.stream.stops)
	}
	if src.MIME != images.MIMEJPEG || len(src.Data) == 0 {
		t.Errorf("Unexpected source: %s %d bytes", src.MIME, len(src.Data))
	}
	if _, err := images.Validate(src, images.CaptureConfig()); err != nil {
		t.Errorf("Expected capture to pass validation, got %v", err)
	}
}

func TestCaptureStill_ReleasesOnFrameError(t *testing.T) {
	devices := &mockDevices{stream: &mockStream{frameErr: ErrDeviceInUse}}

	_, err := CaptureStill(context.Background(), devices, Constraints{})
	if apperr.KindOf(err) != apperr.KindTransient || apperr.CodeOf(err) != "in_use" {
		t.Errorf("Expected in_use transient error, got %v", err)
	}
	if devices.stream.stops != 1 {
		t.Errorf("Expected stream stopped once, got %d", devices.stream.stops)
	}
}

func TestCaptureStill_ReleasesOnCancel(t *testing.T) {
	devices := &mockDevices{stream: &mockStream{}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := CaptureStill(ctx, devices, Constraints{}); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if devices.stream.stops != 1 {
		t.Errorf("Expected stream stopped once, got %d", devices.stream.stops)
	}
}

func TestAcquire_ClassifiesOpenErrors(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{ErrPermissionDenied, "permission_denied"},
		{ErrNoDevice, "no_device"},
		{ErrDeviceInUse, "in_use"},
	}
	for _, tt := range tests {
		_, _, err := Acquire(context.Background(), &mockDevices{openErr: tt.err}, Constraints{})
		if apperr.CodeOf(err) != tt.code {
			t.Errorf("Expected %s, got %v", tt.code, err)
		}
		if !errors.Is(err, tt.err) {
			t.Errorf("Expected cause %v kept, got %v", tt.err, err)
		}
	}
}

func TestAcquire_ReleaseIsIdempotent(t *testing.T) {
	devices := &mockDevices{stream: &mockStream{}}
	_, release, err := Acquire(context.Background(), devices, Constraints{})
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()
	if devices.stream.stops != 1 {
		t.Errorf("Expected one stop, got %d", devices.stream.stops)
	}
}

func TestHTTPDevices(t *testing.T) {
	var status atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		var buf bytes.Buffer
		png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 64, 32)))
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	defer server.Close()

	devices := NewHTTPDevices(server.URL)

	status.Store(http.StatusOK)
	src, err := CaptureStill(context.Background(), devices, Constraints{Width: 32, Height: 32})
	if err != nil {
		t.Fatalf("CaptureStill failed: %v", err)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(src.Data))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Width != 32 || cfg.Height != 16 {
		t.Errorf("Expected 32x16 frame, got %dx%d", cfg.Width, cfg.Height)
	}

	status.Store(http.StatusForbidden)
	if _, err := CaptureStill(context.Background(), devices, Constraints{}); apperr.CodeOf(err) != "permission_denied" {
		t.Errorf("Expected permission_denied, got %v", err)
	}

	if _, err := CaptureStill(context.Background(), devices, Constraints{DeviceID: "garage"}); apperr.CodeOf(err) != "no_device" {
		t.Errorf("Expected no_device, got %v", err)
	}
}

func TestHTTPDevices_CancelledIsNotMissingCamera(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()
	devices := NewHTTPDevices(server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := CaptureStill(ctx, devices, Constraints{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if apperr.KindOf(err) != "" {
		t.Errorf("Expected unclassified error, got kind %q", apperr.KindOf(err))
	}

	server.Close()
	if _, err := CaptureStill(context.Background(), devices, Constraints{}); apperr.CodeOf(err) != "no_device" {
		t.Errorf("Expected no_device for an unreachable camera, got %v", err)
	}
}
