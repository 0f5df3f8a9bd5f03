package imagegen

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\nfake")

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hf_test", r.Header.Get("Authorization"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, strings.Contains(body["inputs"].(string), "single red mug"))
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c := NewClient(Config{Token: "hf_test", URL: srv.URL, OutputDir: dir}, srv.Client(), nil)

	path, err := c.Generate(context.Background(), "red mug")
	require.NoError(t, err)
	assert.Equal(t, ".png", filepath.Ext(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, data)
}

func TestGenerate_MissingToken(t *testing.T) {
	c := NewClient(Config{URL: "http://unused"}, nil, nil)
	_, err := c.Generate(context.Background(), "mug")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestRefine_FallsBackOnGone(t *testing.T) {
	var refineCalls, generateCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/refine", func(w http.ResponseWriter, r *http.Request) {
		refineCalls.Add(1)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Contains(t, body, "parameters")
		http.Error(w, "deprecated", http.StatusGone)
	})
	mux.HandleFunc("/generate", func(w http.ResponseWriter, _ *http.Request) {
		generateCalls.Add(1)
		_, _ = w.Write(pngBytes)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	base := filepath.Join(dir, "base.png")
	require.NoError(t, os.WriteFile(base, pngBytes, 0o644))

	c := NewClient(Config{Token: "hf_test", URL: srv.URL + "/generate", RefineURL: srv.URL + "/refine", OutputDir: dir}, srv.Client(), nil)
	path, err := c.Refine(context.Background(), base, "gold mug")
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, int32(1), refineCalls.Load())
	assert.Equal(t, int32(1), generateCalls.Load())
}

func TestRefine_OtherErrorsPropagate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	base := filepath.Join(dir, "base.png")
	require.NoError(t, os.WriteFile(base, pngBytes, 0o644))

	c := NewClient(Config{Token: "hf_test", URL: srv.URL, OutputDir: dir}, srv.Client(), nil)
	_, err := c.Refine(context.Background(), base, "mug")
	var herr *HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusServiceUnavailable, herr.StatusCode)
}
