package steps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pms/internal/engine"
	"github.com/rendis/pms/pkg/schema"
)

func runHTTP(t *testing.T, params map[string]any) (schema.ResponseData, map[string]any) {
	t.Helper()
	payload, err := json.Marshal(params)
	require.NoError(t, err)
	data, err := HTTPHandler(HTTPConfig{})(context.Background(), engine.TaskRequest{Type: TaskHTTP, Payload: payload})
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data.Payload, &out))
	return data, out
}

func TestHTTPHandler_JSONRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"echo":` + string(body) + `}`))
	}))
	defer srv.Close()

	data, out := runHTTP(t, map[string]any{
		"method": "post",
		"url":    srv.URL,
		"body":   map[string]any{"n": 1},
		"auth":   map[string]any{"type": "bearer", "token": "tok"},
	})
	assert.Equal(t, schema.StatusSucceeded, data.Status)
	assert.Equal(t, float64(200), out["status_code"])
	assert.Equal(t, map[string]any{"echo": map[string]any{"n": float64(1)}}, out["body"])
}

func TestHTTPHandler_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	data, out := runHTTP(t, map[string]any{"url": srv.URL})
	assert.Equal(t, schema.StatusSucceeded, data.Status)
	assert.Equal(t, float64(403), out["status_code"])

	data, _ = runHTTP(t, map[string]any{"url": srv.URL, "fail_on_error_status": true})
	assert.Equal(t, schema.StatusFailed, data.Status)
	require.NotNil(t, data.Failure)
	assert.Equal(t, []schema.FailureType{schema.FailureAuthorization}, data.Failure.Types)
}

func TestHTTPHandler_NoRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/next", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte("done"))
	}))
	defer srv.Close()

	_, out := runHTTP(t, map[string]any{"url": srv.URL + "/", "follow_redirects": false})
	assert.Equal(t, float64(302), out["status_code"])

	_, out = runHTTP(t, map[string]any{"url": srv.URL + "/"})
	assert.Equal(t, float64(200), out["status_code"])
	assert.Equal(t, "done", out["body"])
}

func TestHTTPHandler_InvalidURL(t *testing.T) {
	_, err := HTTPHandler(HTTPConfig{})(context.Background(), engine.TaskRequest{Payload: json.RawMessage(`{"url":"ftp://x"}`)})
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

func TestStatusFailure(t *testing.T) {
	assert.Equal(t, schema.FailureAuthentication, statusFailure(401))
	assert.Equal(t, schema.FailureAuthorization, statusFailure(403))
	assert.Equal(t, schema.FailureTimeout, statusFailure(504))
	assert.Equal(t, schema.FailureConnectivity, statusFailure(503))
	assert.Equal(t, schema.FailureApplication, statusFailure(500))
}
