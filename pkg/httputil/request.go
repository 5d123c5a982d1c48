package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/keel/pkg/apperrors"
)

// MaxJSONBodyBytes bounds request bodies decoded by ParseJSON.
const MaxJSONBodyBytes = 1 << 20

// ParseJSON decodes the request body into dest, rejecting unknown fields.
func ParseJSON(w http.ResponseWriter, r *http.Request, dest interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return apperrors.ErrBadRequest.WithMessage("invalid JSON body").WithCause(err)
	}
	return nil
}

// PathInt64 extracts and parses an int64 mux path parameter.
func PathInt64(r *http.Request, key string) (int64, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return 0, apperrors.ErrBadRequest.WithMessage("missing path parameter: " + key)
	}
	val, err := strconv.ParseInt(str, 10, 64)
	if err != nil || val <= 0 {
		return 0, apperrors.ErrBadRequest.WithMessage("invalid path parameter: " + key)
	}
	return val, nil
}
