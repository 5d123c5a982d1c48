package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/platinummonkey/keel/pkg/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error
}

func TestWriteErrorTyped(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteError(rec, req, fmt.Errorf("gate: %w", apperrors.ErrFeatureNotAvailable))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, apperrors.CodeFeatureNotAvailable, body.Code)
}

func TestWriteErrorDoesNotLeakCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	WriteError(rec, req, errors.New("pq: password authentication failed for user keel"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, strings.Contains(rec.Body.String(), "password"))
	assert.Equal(t, apperrors.CodeInternal, decodeError(t, rec).Code)
}

func TestParseJSON(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		var p payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"acme"}`))
		require.NoError(t, ParseJSON(httptest.NewRecorder(), req, &p))
		assert.Equal(t, "acme", p.Name)
	})

	t.Run("unknown field", func(t *testing.T) {
		var p payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"acme","owner":true}`))
		err := ParseJSON(httptest.NewRecorder(), req, &p)
		assert.True(t, errors.Is(err, apperrors.ErrBadRequest))
	})

	t.Run("garbage", func(t *testing.T) {
		var p payload
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{`))
		assert.Error(t, ParseJSON(httptest.NewRecorder(), req, &p))
	})
}

func TestPathInt64(t *testing.T) {
	req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"tenant_id": "42"})
	id, err := PathInt64(req, "tenant_id")
	require.NoError(t, err)
	assert.Equal(t, int64(42), id)

	for _, v := range []string{"", "abc", "-1", "0"} {
		req := mux.SetURLVars(httptest.NewRequest(http.MethodGet, "/", nil), map[string]string{"tenant_id": v})
		_, err := PathInt64(req, "tenant_id")
		assert.True(t, errors.Is(err, apperrors.ErrBadRequest), v)
	}
}
