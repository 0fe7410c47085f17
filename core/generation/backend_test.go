package generation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"MuseGen/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

var testEndpoints = Endpoints{
	FromDescription:     "http://backend/from-description",
	WithLyrics:          "http://backend/with-lyrics",
	WithDescribedLyrics: "http://backend/with-described-lyrics",
}

func TestBuildCallModes(t *testing.T) {
	call, err := BuildCall(&model.Song{FullDescribedSong: strPtr("lofi beats to study to")}, testEndpoints)
	require.NoError(t, err)
	assert.Equal(t, model.InputFullDescription, call.Mode)
	assert.Equal(t, testEndpoints.FromDescription, call.Endpoint)
	assert.Equal(t, "lofi beats to study to", call.Body.FullDescribedSong)

	call, err = BuildCall(&model.Song{Prompt: strPtr("jazz"), Lyrics: strPtr("[verse]\nhello")}, testEndpoints)
	require.NoError(t, err)
	assert.Equal(t, model.InputCustomLyrics, call.Mode)
	assert.Equal(t, testEndpoints.WithLyrics, call.Endpoint)
	assert.Equal(t, "jazz", call.Body.Prompt)
	assert.Equal(t, "[verse]\nhello", call.Body.Lyrics)
	assert.Empty(t, call.Body.DescribedLyrics)

	call, err = BuildCall(&model.Song{Prompt: strPtr("jazz"), DescribedLyrics: strPtr("about rain")}, testEndpoints)
	require.NoError(t, err)
	assert.Equal(t, model.InputDescribedLyrics, call.Mode)
	assert.Equal(t, testEndpoints.WithDescribedLyrics, call.Endpoint)
	assert.Equal(t, "about rain", call.Body.DescribedLyrics)
}

func TestBuildCallRejectsAmbiguousInput(t *testing.T) {
	_, err := BuildCall(&model.Song{}, testEndpoints)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = BuildCall(&model.Song{FullDescribedSong: strPtr("x"), Prompt: strPtr("p"), Lyrics: strPtr("l")}, testEndpoints)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestBuildCallMissingEndpoint(t *testing.T) {
	_, err := BuildCall(&model.Song{FullDescribedSong: strPtr("x")}, Endpoints{})
	assert.Error(t, err)
}

func TestBackendRequestOmitsUnsetParameters(t *testing.T) {
	scale := 15.0
	raw, err := json.Marshal(BackendRequest{FullDescribedSong: "x", GuidanceScale: &scale})
	require.NoError(t, err)
	assert.JSONEq(t, `{"fullDescribedSong":"x","guidanceScale":15}`, string(raw))

	f := false
	seed := int64(0)
	raw, err = json.Marshal(BackendRequest{Prompt: "p", Lyrics: "l", Instrumental: &f, Seed: &seed})
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"p","lyrics":"l","instrumental":false,"seed":0}`, string(raw))
}

func TestHTTPBackendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "wk-key", r.Header.Get("Modal-Key"))
		assert.Equal(t, "ws-secret", r.Header.Get("Modal-Secret"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"fullDescribedSong":"lofi"}`, string(body))
		_, _ = w.Write([]byte(`{"s3_key":"abc.wav","cover_image_s3_key":"abc.png","categories":["lofi"],"title":"Rain"}`))
	}))
	defer srv.Close()

	b := NewHTTPBackend("wk-key", "ws-secret", time.Second, nil)
	res, status, err := b.Generate(context.Background(), srv.URL, BackendRequest{FullDescribedSong: "lofi"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, &BackendResult{MasterKey: "abc.wav", ThumbnailKey: "abc.png", Categories: []string{"lofi"}}, res)
}

func TestHTTPBackendFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"CUDA out of memory"}`},
		{"bad request", http.StatusUnprocessableEntity, `{}`},
		{"undecodable", http.StatusOK, `<html>`},
		{"missing key", http.StatusOK, `{"categories":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, status, err := NewHTTPBackend("k", "s", time.Second, nil).Generate(context.Background(), srv.URL, BackendRequest{})
			assert.True(t, errors.Is(err, ErrUpstreamGenerationFailed))
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestHTTPBackendTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, status, err := NewHTTPBackend("k", "s", time.Second, nil).Generate(context.Background(), url, BackendRequest{})
	assert.ErrorIs(t, err, ErrUpstreamGenerationFailed)
	assert.Zero(t, status)
}
