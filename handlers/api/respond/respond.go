// Package respond maps errors from the core packages to HTTP responses.
package respond

import (
	"context"
	"errors"
	"net/http"

	"github.com/Bamington/battleplanapp-sub000/apperr"
	"github.com/Bamington/battleplanapp-sub000/core"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Code  string `json:"code,omitempty"`
}

// Status returns the HTTP status for err.
func Status(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPartial:
		return http.StatusMultiStatus
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	}
	switch {
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case apperr.KindOf(err) == apperr.KindBackend:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// Message returns the text of err that is safe to show a user. Causes of
// backend and unclassified errors are not exposed.
func Message(err error) string {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr) && appErr.Message != "":
		return appErr.Message
	case errors.Is(err, core.ErrNotFound):
		return "Not found"
	}
	return http.StatusText(Status(err))
}

// Error writes err as a JSON error body.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	status := Status(err)
	body := ErrorResponse{Error: Message(err)}

	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		body.Kind = string(appErr.Kind)
		body.Code = appErr.Code
	}

	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", r.URL.Path).Error("Request failed")
	}
	render.Status(r, status)
	render.JSON(w, r, body)
}

// BadRequest writes a 400 with msg.
func BadRequest(w http.ResponseWriter, r *http.Request, msg string) {
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: msg, Kind: string(apperr.KindValidation)})
}
