package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"MuseGen/core/delivery"
	"MuseGen/core/worker"
	"MuseGen/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testWorkerKey = "worker-secret"

func newWorkerFixture(t *testing.T) (*httptest.Server, *testsupport.MemoryStore, *testsupport.FakeTranscoder) {
	t.Helper()
	store := testsupport.NewMemoryStore()
	store.Seed("songs/x.wav", []byte("RIFF-master"))
	engine := &testsupport.FakeTranscoder{}
	svc := worker.NewService(store, engine, worker.Options{WatermarkPath: "assets/watermark.mp3", TempDir: t.TempDir()})
	srv := httptest.NewServer(NewWorkerRouter(NewWorkerHandler(svc, testWorkerKey), nil))
	t.Cleanup(srv.Close)
	return srv, store, engine
}

func postProcess(t *testing.T, url, key, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/process-audio", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(worker.APIKeyHeader, key)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func previewBody() string {
	raw, _ := json.Marshal(worker.Request{
		Task:      delivery.TaskCreatePreview,
		SongKey:   "songs/x.wav",
		OutputKey: "songs/x-30s-preview.mp3",
		Params:    worker.Params{Duration: 30, Bitrate: "128k"},
	})
	return string(raw)
}

func TestProcessAudioRequiresAPIKey(t *testing.T) {
	srv, store, engine := newWorkerFixture(t)

	for _, key := range []string{"", "wrong", testWorkerKey + "x"} {
		resp, body := postProcess(t, srv.URL, key, previewBody())
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, "Unauthorized", body["error"])
	}
	assert.Zero(t, engine.Calls())
	assert.Zero(t, store.PutCount("songs/x-30s-preview.mp3"))
}

func TestProcessAudioRejectsEmptyConfiguredKey(t *testing.T) {
	h := NewWorkerHandler(nil, "")
	srv := httptest.NewServer(NewWorkerRouter(h, nil))
	defer srv.Close()

	resp, _ := postProcess(t, srv.URL, "", previewBody())
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestProcessAudioSuccessThenCached(t *testing.T) {
	srv, store, engine := newWorkerFixture(t)

	resp, body := postProcess(t, srv.URL, testWorkerKey, previewBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "songs/x-30s-preview.mp3", body["outputKey"])
	assert.Equal(t, false, body["cached"])

	resp, body = postProcess(t, srv.URL, testWorkerKey, previewBody())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["cached"])

	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, 1, store.PutCount("songs/x-30s-preview.mp3"))
}

func TestProcessAudioBadRequests(t *testing.T) {
	srv, _, engine := newWorkerFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing fields", `{"task":"CREATE_PREVIEW"}`},
		{"unknown task", `{"task":"REVERSE","songKey":"songs/x.wav","outputKey":"songs/x-rev.mp3"}`},
		{"bad bitrate", `{"task":"CONVERT_TO_MP3","songKey":"songs/x.wav","outputKey":"songs/x.mp3","params":{"bitrate":"abc"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postProcess(t, srv.URL, testWorkerKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
	assert.Zero(t, engine.Calls())
}

func TestProcessAudioEngineFailure(t *testing.T) {
	srv, store, engine := newWorkerFixture(t)
	engine.Err = errors.New("exit status 1")

	resp, body := postProcess(t, srv.URL, testWorkerKey, previewBody())
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "audio processing failed", body["error"])
	assert.Equal(t, "transcode", body["stage"])
	assert.Equal(t, "fake engine failure", body["details"])
	assert.Zero(t, store.PutCount("songs/x-30s-preview.mp3"))
}

func TestProcessAudioDownloadFailure(t *testing.T) {
	srv, _, _ := newWorkerFixture(t)
	raw, _ := json.Marshal(worker.Request{Task: delivery.TaskConvertToMP3, SongKey: "songs/missing.wav", OutputKey: "songs/missing.mp3"})

	resp, body := postProcess(t, srv.URL, testWorkerKey, string(raw))
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "download", body["stage"])
}

func TestPing(t *testing.T) {
	srv, _, _ := newWorkerFixture(t)
	resp, err := http.Get(srv.URL + "/ping")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", body["message"])
}

func TestWorkerClientAgainstHandler(t *testing.T) {
	srv, store, _ := newWorkerFixture(t)
	client := worker.NewClient(srv.URL, testWorkerKey, 5*time.Second)

	err := client.Produce(context.Background(), delivery.ProduceRequest{
		Task:      delivery.TaskConvertToMP3,
		SongKey:   "songs/x.wav",
		OutputKey: "songs/x.mp3",
		Bitrate:   "192k",
	})
	require.NoError(t, err)
	obj, ok := store.Object("songs/x.mp3")
	require.True(t, ok)
	assert.True(t, bytes.HasPrefix(obj.Data, []byte("MP3:")))

	bad := worker.NewClient(srv.URL, "nope", 5*time.Second)
	_, err = bad.Process(context.Background(), worker.Request{Task: delivery.TaskConvertToMP3, SongKey: "songs/x.wav", OutputKey: "songs/y.mp3"})
	var remote *worker.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusUnauthorized, remote.StatusCode)
}
