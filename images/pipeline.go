package images

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/Bamington/battleplanapp-sub000/mutation"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type (
	Pipeline struct {
		objects     core.ObjectStore
		coordinator *mutation.Coordinator
		bucket      string
		configs     map[Mode]Config
		concurrency int
		now         func() time.Time
	}

	Option func(*Pipeline)

	// AttachRequest adds one image to a parent record.
	AttachRequest struct {
		UserID   string
		ParentID string
		Source   Source
		Mode     Mode
		// Crop is nil when the user skipped interactive editing.
		Crop *CropSpec
		// DisplayOrder of zero appends after the last sibling.
		DisplayOrder int
	}

	// FileFailure is one file of a batch that could not be attached.
	FileFailure struct {
		Name string
		Err  error
	}

	BatchResult struct {
		Attempted int
		Succeeded int
		Assets    []core.ImageAsset
		Failures  []FileFailure
	}
)

// WithConfigs replaces the per-mode limits.
func WithConfigs(configs map[Mode]Config) Option {
	return func(p *Pipeline) {
		for mode, cfg := range configs {
			p.configs[mode] = cfg
		}
	}
}

// WithConcurrency bounds the number of batch files processed at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) { p.concurrency = n }
}

// WithClock replaces time.Now when naming uploads.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline storing files in the coordinator's bucket.
func NewPipeline(objects core.ObjectStore, coordinator *mutation.Coordinator, opts ...Option) *Pipeline {
	p := &Pipeline{
		objects:     objects,
		coordinator: coordinator,
		bucket:      coordinator.Bucket(),
		configs:     map[Mode]Config{ModeCapture: CaptureConfig(), ModeBatch: BatchConfig()},
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the limits of a mode.
func (p *Pipeline) Config(mode Mode) Config {
	if cfg, ok := p.configs[mode]; ok {
		return cfg
	}
	return p.configs[ModeCapture]
}

// Prepare runs the local stages: validate, the optional crop and compress.
// A compression failure keeps the bytes from before compression.
func (p *Pipeline) Prepare(src Source, mode Mode, crop *CropSpec) (Source, error) {
	cfg := p.Config(mode)
	src, err := Validate(src, cfg)
	if err != nil {
		return src, err
	}
	if crop != nil {
		if src, err = ApplyCrop(src, *crop); err != nil {
			return src, err
		}
	}

	compressed, err := Compress(src, cfg)
	if err != nil {
		log := logrus.WithField("name", src.Name).WithError(err)
		if errors.Is(err, ErrNoEncoder) {
			log.Debug("Uploading image without compression")
		} else {
			log.Warn("Compression failed, uploading original image")
		}
		return src, nil
	}
	return compressed, nil
}

// ObjectPath names an upload under the owner's prefix with a collision
// resistant file name that keeps the original extension.
func (p *Pipeline) ObjectPath(userID string, src Source) string {
	id := ulid.Make().String()
	name := fmt.Sprintf("%d-%s%s", p.now().UnixMilli(), strings.ToLower(id[10:]), src.Ext())
	return path.Join(userID, name)
}

// Upload stores src and returns its public URL and storage path.
func (p *Pipeline) Upload(ctx context.Context, userID string, src Source) (url, storagePath string, err error) {
	if userID == "" {
		return "", "", apperr.Validation("no_identity", "signing in is required to upload images")
	}
	stored, err := p.objects.Upload(ctx, p.bucket, p.ObjectPath(userID, src), src.Data, core.UploadOptions{ContentType: src.MIME})
	if err != nil {
		return "", "", apperr.Backend("upload image", err)
	}
	return p.objects.PublicURL(p.bucket, stored), stored, nil
}

// discard removes an uploaded file whose reference could not be saved.
func (p *Pipeline) discard(ctx context.Context, storagePath string) {
	if err := p.objects.Remove(ctx, p.bucket, storagePath); err != nil {
		logrus.WithError(err).WithField("path", storagePath).Warn("Failed to remove orphaned upload")
	}
}

// Attach runs the whole pipeline for one file and records it as an image of
// req.ParentID.
func (p *Pipeline) Attach(ctx context.Context, req AttachRequest) (*core.ImageAsset, error) {
	if req.ParentID == "" {
		return nil, apperr.Validation("required", "%s is required", core.FieldParentID)
	}
	if req.UserID == "" {
		return nil, apperr.Validation("no_identity", "signing in is required to upload images")
	}
	if _, err := p.coordinator.Parent(ctx, req.UserID, req.ParentID); err != nil {
		return nil, err
	}
	src, err := p.Prepare(req.Source, req.Mode, req.Crop)
	if err != nil {
		return nil, err
	}
	url, storagePath, err := p.Upload(ctx, req.UserID, src)
	if err != nil {
		return nil, err
	}

	asset, err := p.coordinator.AddImage(ctx, core.ImageAsset{
		ParentID:     req.ParentID,
		UserID:       req.UserID,
		Name:         src.Name,
		MIME:         src.MIME,
		URL:          url,
		StoragePath:  storagePath,
		DisplayOrder: req.DisplayOrder,
	})
	if err != nil {
		p.discard(ctx, storagePath)
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"parent_id": req.ParentID,
		"path":      storagePath,
		"bytes":     len(src.Data),
	}).Info("Image attached")
	return asset, nil
}

// AttachBatch attaches several files selected together. Only the first file
// is cropped. It is attached before the others start, so it becomes primary
// on a parent without images; the rest run concurrently. Display orders
// follow selection order. Files that fail are reported and do not stop the
// others.
func (p *Pipeline) AttachBatch(ctx context.Context, userID, parentID string, sources []Source, firstCrop *CropSpec) (BatchResult, error) {
	result := BatchResult{Attempted: len(sources)}
	if len(sources) == 0 {
		return result, nil
	}
	if userID == "" {
		return result, apperr.Validation("no_identity", "signing in is required to upload images")
	}

	if _, err := p.coordinator.Parent(ctx, userID, parentID); err != nil {
		return result, err
	}
	base, err := p.coordinator.NextDisplayOrder(ctx, userID, parentID)
	if err != nil {
		return result, err
	}

	assets := make([]*core.ImageAsset, len(sources))
	errs := make([]error, len(sources))
	attach := func(i int) {
		req := AttachRequest{
			UserID:       userID,
			ParentID:     parentID,
			Source:       sources[i],
			Mode:         ModeBatch,
			DisplayOrder: base + i,
		}
		if i == 0 {
			req.Crop = firstCrop
		}
		assets[i], errs[i] = p.Attach(ctx, req)
	}

	attach(0)
	var g errgroup.Group
	g.SetLimit(max(p.concurrency, 1))
	for i := 1; i < len(sources); i++ {
		g.Go(func() error {
			attach(i)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for i, err := range errs {
		if err != nil {
			logrus.WithError(err).WithField("name", sources[i].Name).Warn("Batch image failed")
			result.Failures = append(result.Failures, FileFailure{Name: sources[i].Name, Err: err})
			failed = append(failed, fmt.Errorf("%s: %w", sources[i].Name, err))
			continue
		}
		result.Succeeded++
		result.Assets = append(result.Assets, *assets[i])
	}
	if len(failed) > 0 {
		return result, apperr.Partial("attach images", result.Succeeded, result.Attempted, errors.Join(failed...))
	}
	return result, nil
}

// SetResourceImage runs the pipeline for a record type that holds a single
// image in its image_url field, replacing any previous image. The file is
// stored under userID even for records shared by every user.
func (p *Pipeline) SetResourceImage(ctx context.Context, userID string, key cache.Key, id string, src Source, crop *CropSpec) (*core.Resource, error) {
	prepared, err := p.Prepare(src, ModeCapture, crop)
	if err != nil {
		return nil, err
	}
	url, storagePath, err := p.Upload(ctx, userID, prepared)
	if err != nil {
		return nil, err
	}
	updated, err := p.coordinator.ReplaceImage(ctx, key, id, url, storagePath)
	if err != nil {
		p.discard(ctx, storagePath)
		return nil, err
	}
	return updated, nil
}
