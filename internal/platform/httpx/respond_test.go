package httpx

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRespondErrorStatusMapping(t *testing.T) {
	cases := map[error]int{
		fmt.Errorf("wrap: %w", ErrNotFound): http.StatusNotFound,
		ErrConflict:                         http.StatusConflict,
		ErrValidation:                       http.StatusBadRequest,
		ErrForbidden:                        http.StatusForbidden,
		ErrUnauthorized:                     http.StatusUnauthorized,
		ErrRateLimited:                      http.StatusTooManyRequests,
		ErrUnavailable:                      http.StatusServiceUnavailable,
		fmt.Errorf("boom"):                  http.StatusInternalServerError,
	}
	for err, status := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, err)
		require.Equal(t, status, rec.Code, err.Error())
		require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))

		var body ProblemDetail
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, status, body.Status)
	}
}

func TestInternalErrorsHideDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, fmt.Errorf("pq: password authentication failed"))
	require.NotContains(t, rec.Body.String(), "password")
}

func TestDecodeJSON(t *testing.T) {
	var target struct {
		Name string `json:"name"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a"}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.Equal(t, "a", target.Name)

	for _, body := range []string{`{"nope":1}`, `{"name":"a"}{"name":"b"}`, `not json`} {
		req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		require.ErrorIs(t, DecodeJSON(req, &target), ErrValidation, body)
	}
}
