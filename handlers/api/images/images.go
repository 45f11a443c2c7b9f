// Package images serves image upload, editing preview and ordering.
package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/cache"
	"github.com/Bamington/battleplanapp-sub000/capture"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/Bamington/battleplanapp-sub000/handlers/api/respond"
	pipeline "github.com/Bamington/battleplanapp-sub000/images"
	"github.com/Bamington/battleplanapp-sub000/middleware"
	"github.com/Bamington/battleplanapp-sub000/mutation"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

const (
	maxFilesPerRequest = 10
	// multipartMemory is kept in memory before spilling to temp files.
	multipartMemory = 32 << 20
	// uploadSlack lets a request with a file over its limit be parsed, so the
	// file is reported by name instead of failing the whole request.
	uploadSlack = 8 << 20
)

type (
	Gallery interface {
		Images(ctx context.Context, userID, parentID string) ([]core.ImageAsset, error)
		SetPrimary(ctx context.Context, userID, parentID, imageID string) error
		RemoveImage(ctx context.Context, userID, parentID, imageID string) error
		RemoveImages(ctx context.Context, userID, parentID string, imageIDs []string) (mutation.BulkResult, error)
		ReorderImages(ctx context.Context, userID, parentID string, orderedIDs []string) ([]core.ImageAsset, error)
	}

	Attacher interface {
		Config(mode pipeline.Mode) pipeline.Config
		Attach(ctx context.Context, req pipeline.AttachRequest) (*core.ImageAsset, error)
		AttachBatch(ctx context.Context, userID, parentID string, sources []pipeline.Source, firstCrop *pipeline.CropSpec) (pipeline.BatchResult, error)
		SetResourceImage(ctx context.Context, userID string, key cache.Key, id string, src pipeline.Source, crop *pipeline.CropSpec) (*core.Resource, error)
	}

	ReorderRequest struct {
		IDs []string `json:"ids"`
	}

	CaptureRequest struct {
		DeviceID string              `json:"device_id"`
		Crop     *pipeline.CropSpec `json:"crop"`
	}

	FileFailure struct {
		Name  string `json:"name"`
		Error string `json:"error"`
	}

	ItemFailure struct {
		ID    string `json:"id"`
		Error string `json:"error"`
	}

	DeleteResponse struct {
		Attempted int           `json:"attempted"`
		Succeeded int           `json:"succeeded"`
		Failures  []ItemFailure `json:"failures,omitempty"`
	}

	UploadResponse struct {
		Images    []core.ImageAsset `json:"images"`
		Attempted int               `json:"attempted"`
		Succeeded int               `json:"succeeded"`
		Failures  []FileFailure     `json:"failures,omitempty"`
	}
)

func HandleList(g Gallery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := g.Images(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "parentID"))
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		render.JSON(w, r, list)
	}
}

// readUpload parses a multipart body holding one or more "file" parts and
// an optional "crop" JSON part. fileLimit returns the per-file limit for a
// request with the given number of files; larger files are not read.
func readUpload(w http.ResponseWriter, r *http.Request, limit int64, fileLimit func(files int) int64) ([]pipeline.Source, *pipeline.CropSpec, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respond.Error(w, r, apperr.Validation("too_large", "request exceeds %d bytes", tooLarge.Limit))
			return nil, nil, false
		}
		respond.BadRequest(w, r, "Invalid multipart body")
		return nil, nil, false
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		respond.BadRequest(w, r, "At least one file is required")
		return nil, nil, false
	}
	if len(headers) > maxFilesPerRequest {
		respond.BadRequest(w, r, fmt.Sprintf("At most %d files can be uploaded at once", maxFilesPerRequest))
		return nil, nil, false
	}

	perFile := fileLimit(len(headers))
	sources := make([]pipeline.Source, 0, len(headers))
	for _, fh := range headers {
		src, err := readFile(fh, perFile)
		if err != nil {
			logrus.WithError(err).WithField("name", fh.Filename).Error("Failed to read uploaded file")
			respond.BadRequest(w, r, "Failed to read uploaded file")
			return nil, nil, false
		}
		sources = append(sources, src)
	}

	var crop *pipeline.CropSpec
	if raw := r.FormValue("crop"); raw != "" {
		crop = &pipeline.CropSpec{}
		if err := json.Unmarshal([]byte(raw), crop); err != nil {
			respond.BadRequest(w, r, "Invalid crop")
			return nil, nil, false
		}
	}
	return sources, crop, true
}

// bodyLimit bounds a request carrying up to files files of the given mode.
func bodyLimit(a Attacher, mode pipeline.Mode, files int) int64 {
	return a.Config(mode).MaxBytes*int64(files) + uploadSlack
}

// fixedLimit is a fileLimit that does not depend on the number of files.
func fixedLimit(a Attacher, mode pipeline.Mode) func(int) int64 {
	return func(int) int64 { return a.Config(mode).MaxBytes }
}

// readFile reads a file part unless its size is over maxBytes, in which case
// only its size is kept so validation can report it.
func readFile(fh *multipart.FileHeader, maxBytes int64) (pipeline.Source, error) {
	src := pipeline.Source{Name: fh.Filename, MIME: fh.Header.Get("Content-Type")}
	if maxBytes > 0 && fh.Size > maxBytes {
		src.Length = fh.Size
		return src, nil
	}
	f, err := fh.Open()
	if err != nil {
		return pipeline.Source{}, err
	}
	defer f.Close()
	if src.Data, err = io.ReadAll(f); err != nil {
		return pipeline.Source{}, err
	}
	return src, nil
}

// HandleUpload attaches uploaded files to a parent. A single file in
// capture mode runs the capture limits; anything else is a batch.
func HandleUpload(a Attacher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode, err := pipeline.ParseMode(r.URL.Query().Get("mode"))
		if err != nil {
			respond.BadRequest(w, r, err.Error())
			return
		}
		limit := max(bodyLimit(a, pipeline.ModeCapture, 1), bodyLimit(a, pipeline.ModeBatch, maxFilesPerRequest))
		fileLimit := func(files int) int64 {
			if mode == pipeline.ModeCapture && files == 1 {
				return a.Config(pipeline.ModeCapture).MaxBytes
			}
			return a.Config(pipeline.ModeBatch).MaxBytes
		}
		sources, crop, ok := readUpload(w, r, limit, fileLimit)
		if !ok {
			return
		}
		userID := middleware.UserID(r.Context())
		parentID := chi.URLParam(r, "parentID")

		if mode == pipeline.ModeCapture && len(sources) == 1 {
			asset, err := a.Attach(r.Context(), pipeline.AttachRequest{
				UserID:   userID,
				ParentID: parentID,
				Source:   sources[0],
				Mode:     mode,
				Crop:     crop,
			})
			if err != nil {
				respond.Error(w, r, err)
				return
			}
			render.Status(r, http.StatusCreated)
			render.JSON(w, r, UploadResponse{Images: []core.ImageAsset{*asset}, Attempted: 1, Succeeded: 1})
			return
		}

		result, err := a.AttachBatch(r.Context(), userID, parentID, sources, crop)
		if err != nil && apperr.KindOf(err) != apperr.KindPartial {
			respond.Error(w, r, err)
			return
		}
		resp := UploadResponse{Images: result.Assets, Attempted: result.Attempted, Succeeded: result.Succeeded}
		if resp.Images == nil {
			resp.Images = []core.ImageAsset{}
		}
		for _, f := range result.Failures {
			resp.Failures = append(resp.Failures, FileFailure{Name: f.Name, Error: respond.Message(f.Err)})
		}
		if err != nil {
			render.Status(r, http.StatusMultiStatus)
		} else {
			render.Status(r, http.StatusCreated)
		}
		render.JSON(w, r, resp)
	}
}

// HandleCapture takes a still from a camera and attaches it to a parent.
func HandleCapture(a Attacher, devices capture.Devices) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if devices == nil {
			respond.Error(w, r, apperr.Transient("no_device", "No camera is configured.", capture.ErrNoDevice))
			return
		}
		var req CaptureRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				respond.BadRequest(w, r, "Invalid request body")
				return
			}
		}

		src, err := capture.CaptureStill(r.Context(), devices, capture.Constraints{DeviceID: req.DeviceID})
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		asset, err := a.Attach(r.Context(), pipeline.AttachRequest{
			UserID:   middleware.UserID(r.Context()),
			ParentID: chi.URLParam(r, "parentID"),
			Source:   src,
			Mode:     pipeline.ModeCapture,
			Crop:     req.Crop,
		})
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, asset)
	}
}

// HandlePreview returns the first uploaded file with the crop and the
// brightness filter applied. Nothing is stored.
func HandlePreview(a Attacher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := a.Config(pipeline.ModeCapture)
		sources, crop, ok := readUpload(w, r, bodyLimit(a, pipeline.ModeCapture, 1), fixedLimit(a, pipeline.ModeCapture))
		if !ok {
			return
		}
		src, err := pipeline.Validate(sources[0], cfg)
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		if crop == nil {
			crop = &pipeline.CropSpec{}
		}
		preview, err := pipeline.Preview(src, *crop)
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		w.Header().Set("Content-Type", preview.MIME)
		w.Write(preview.Data)
	}
}

func HandleSetPrimary(g Gallery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserID(r.Context())
		parentID := chi.URLParam(r, "parentID")
		if err := g.SetPrimary(r.Context(), userID, parentID, chi.URLParam(r, "imageID")); err != nil {
			respond.Error(w, r, err)
			return
		}
		list, err := g.Images(r.Context(), userID, parentID)
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		render.JSON(w, r, list)
	}
}

func HandleReorder(g Gallery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()
		var req ReorderRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respond.BadRequest(w, r, "Invalid request body")
			return
		}
		list, err := g.ReorderImages(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "parentID"), req.IDs)
		if err != nil && apperr.KindOf(err) != apperr.KindPartial {
			respond.Error(w, r, err)
			return
		}
		if err != nil {
			render.Status(r, http.StatusMultiStatus)
		}
		render.JSON(w, r, list)
	}
}

func HandleDelete(g Gallery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := g.RemoveImage(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "parentID"), chi.URLParam(r, "imageID"))
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// HandleDeleteMany removes the images listed in the comma separated ids
// query parameter. Partial success answers 207.
func HandleDeleteMany(g Gallery) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ids []string
		for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			respond.BadRequest(w, r, "ids is required")
			return
		}

		result, err := g.RemoveImages(r.Context(), middleware.UserID(r.Context()), chi.URLParam(r, "parentID"), ids)
		resp := DeleteResponse{Attempted: result.Attempted, Succeeded: result.Succeeded}
		for _, f := range result.Failures {
			resp.Failures = append(resp.Failures, ItemFailure{ID: f.ID, Error: respond.Message(f.Err)})
		}
		if err != nil {
			render.Status(r, respond.Status(err))
		}
		render.JSON(w, r, resp)
	}
}

// HandleSetResourceImage replaces the single image of a record.
func HandleSetResourceImage(a Attacher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources, crop, ok := readUpload(w, r, bodyLimit(a, pipeline.ModeCapture, 1), fixedLimit(a, pipeline.ModeCapture))
		if !ok {
			return
		}
		if len(sources) != 1 {
			respond.BadRequest(w, r, "Exactly one file is required")
			return
		}
		userID := middleware.UserID(r.Context())
		key := cache.KeyFor(chi.URLParam(r, "type"), userID)
		updated, err := a.SetResourceImage(r.Context(), userID, key, chi.URLParam(r, "id"), sources[0], crop)
		if err != nil {
			respond.Error(w, r, err)
			return
		}
		render.JSON(w, r, updated)
	}
}
