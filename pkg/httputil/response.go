package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/platinummonkey/keel/pkg/observability"
)

// ErrorBody is the error payload written for every failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps ErrorBody under an "error" key.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful response (200 OK) with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a successful creation response (201 Created) with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// WriteError writes err as a typed JSON error. Only the code and the generic
// message reach the client; server-side failures are logged with their cause.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	appErr := apperrors.FromError(err)
	if appErr == nil {
		appErr = apperrors.ErrInternal
	}

	if appErr.HTTPStatus >= http.StatusInternalServerError && r != nil {
		observability.FromContext(r.Context()).
			WithError(err).
			WithField("code", appErr.Code).
			WithField("path", r.URL.Path).
			Error("request failed")
	}

	_ = WriteJSON(w, appErr.HTTPStatus, ErrorResponse{
		Error: ErrorBody{Code: appErr.Code, Message: appErr.Message},
	})
}
