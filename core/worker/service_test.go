package worker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"MuseGen/core/delivery"
	"MuseGen/core/worker"
	"MuseGen/model"
	"MuseGen/testsupport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T) (*worker.Service, *testsupport.MemoryStore, *testsupport.FakeTranscoder, string) {
	t.Helper()
	store := testsupport.NewMemoryStore()
	store.Seed("songs/x.wav", []byte("RIFF-master"))
	engine := &testsupport.FakeTranscoder{}
	tmp := t.TempDir()
	svc := worker.NewService(store, engine, worker.Options{WatermarkPath: "assets/watermark.mp3", TempDir: tmp})
	return svc, store, engine, tmp
}

func previewRequest() worker.Request {
	return worker.Request{
		Task:      delivery.TaskCreatePreview,
		SongKey:   "songs/x.wav",
		OutputKey: "songs/x-30s-preview.mp3",
		Params:    worker.Params{Duration: 30, Bitrate: "128k"},
	}
}

func assertTempDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcessIsIdempotent(t *testing.T) {
	svc, store, engine, tmp := newService(t)
	ctx := context.Background()

	first, err := svc.Process(ctx, previewRequest())
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.Cached)
	assert.Equal(t, "songs/x-30s-preview.mp3", first.OutputKey)

	obj, ok := store.Object("songs/x-30s-preview.mp3")
	require.True(t, ok)
	assert.Equal(t, "audio/mpeg", obj.ContentType)
	assert.Equal(t, "songs/x.wav", obj.Metadata["source-key"])
	assert.Equal(t, "CREATE_PREVIEW", obj.Metadata["task"])
	assert.Equal(t, "128k", obj.Metadata["bitrate"])

	second, err := svc.Process(ctx, previewRequest())
	require.NoError(t, err)
	assert.True(t, second.Cached)

	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, 1, store.PutCount("songs/x-30s-preview.mp3"))
	again, _ := store.Object("songs/x-30s-preview.mp3")
	assert.Equal(t, obj.Data, again.Data)
	assertTempDirEmpty(t, tmp)
}

func TestProcessTaskSpecs(t *testing.T) {
	svc, _, engine, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Process(ctx, worker.Request{Task: delivery.TaskConvertToMP3, SongKey: "songs/x.wav", OutputKey: "songs/x.mp3"})
	require.NoError(t, err)
	_, err = svc.Process(ctx, worker.Request{Task: delivery.TaskCreatePreview, SongKey: "songs/x.wav", OutputKey: "songs/x-30s-preview.mp3"})
	require.NoError(t, err)

	jobs := engine.Jobs()
	require.Len(t, jobs, 2)

	assert.Equal(t, "192k", jobs[0].Spec.Bitrate)
	assert.Zero(t, jobs[0].Spec.TrimSeconds)
	assert.Nil(t, jobs[0].Spec.Watermark)
	assert.Equal(t, ".wav", filepath.Ext(jobs[0].InputPath))

	assert.Equal(t, "128k", jobs[1].Spec.Bitrate)
	assert.Equal(t, 30, jobs[1].Spec.TrimSeconds)
	require.NotNil(t, jobs[1].Spec.Watermark)
	assert.Equal(t, "assets/watermark.mp3", jobs[1].Spec.Watermark.ClipPath)
}

func TestProcessColdRunsAreDeterministic(t *testing.T) {
	svcA, storeA, _, _ := newService(t)
	svcB, storeB, _, _ := newService(t)
	ctx := context.Background()

	_, err := svcA.Process(ctx, previewRequest())
	require.NoError(t, err)
	_, err = svcB.Process(ctx, previewRequest())
	require.NoError(t, err)

	a, _ := storeA.Object("songs/x-30s-preview.mp3")
	b, _ := storeB.Object("songs/x-30s-preview.mp3")
	assert.Equal(t, a.Data, b.Data)
}

func TestProcessValidation(t *testing.T) {
	svc, _, engine, _ := newService(t)
	ctx := context.Background()

	for _, req := range []worker.Request{
		{SongKey: "a.wav", OutputKey: "a.mp3"},
		{Task: delivery.TaskConvertToMP3, OutputKey: "a.mp3"},
		{Task: delivery.TaskConvertToMP3, SongKey: "a.wav"},
		{Task: "NORMALIZE", SongKey: "a.wav", OutputKey: "a.mp3"},
		{Task: delivery.TaskConvertToMP3, SongKey: "a.mp3", OutputKey: "a.mp3"},
		{Task: delivery.TaskConvertToMP3, SongKey: "songs/x.wav", OutputKey: "songs/x.mp3", Params: worker.Params{Bitrate: "abc"}},
		{Task: delivery.TaskCreatePreview, SongKey: "songs/x.wav", OutputKey: "songs/x-30s-preview.mp3", Params: worker.Params{Bitrate: "12.8k"}},
	} {
		_, err := svc.Process(ctx, req)
		assert.ErrorIs(t, err, worker.ErrInvalidRequest)
	}
	assert.Zero(t, engine.Calls())
}

func TestProcessEngineFailureLeavesNoObject(t *testing.T) {
	svc, store, engine, tmp := newService(t)
	engine.Err = errors.New("exit status 1")

	_, err := svc.Process(context.Background(), previewRequest())
	require.Error(t, err)

	var se *worker.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, worker.StageTranscode, se.Stage)
	assert.Equal(t, "fake engine failure", se.Details)

	_, ok := store.Object("songs/x-30s-preview.mp3")
	assert.False(t, ok)
	assertTempDirEmpty(t, tmp)
}

func TestProcessDownloadFailure(t *testing.T) {
	svc, _, engine, tmp := newService(t)
	_, err := svc.Process(context.Background(), worker.Request{
		Task: delivery.TaskConvertToMP3, SongKey: "songs/missing.wav", OutputKey: "songs/missing.mp3",
	})

	var se *worker.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, worker.StageDownload, se.Stage)
	assert.Zero(t, engine.Calls())
	assertTempDirEmpty(t, tmp)
}

func TestProcessUploadFailure(t *testing.T) {
	svc, store, _, tmp := newService(t)
	store.FailPut(errors.New("bucket is read-only"))

	_, err := svc.Process(context.Background(), previewRequest())
	var se *worker.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, worker.StageUpload, se.Stage)
	assert.Contains(t, se.Details, "read-only")
	assertTempDirEmpty(t, tmp)
}

func TestProcessLookupFailure(t *testing.T) {
	svc, store, engine, _ := newService(t)
	store.FailExists(errors.New("connection refused"))

	_, err := svc.Process(context.Background(), previewRequest())
	var se *worker.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, worker.StageLookup, se.Stage)
	assert.Zero(t, engine.Calls())
}

func TestProcessCollapsesConcurrentCalls(t *testing.T) {
	svc, store, engine, _ := newService(t)
	engine.Gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Process(context.Background(), previewRequest())
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return engine.Calls() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(engine.Gate)
	wg.Wait()

	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, 1, store.PutCount("songs/x-30s-preview.mp3"))
}

func TestProcessSurvivesFirstCallerDisconnect(t *testing.T) {
	svc, store, engine, _ := newService(t)
	engine.Gate = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.Process(ctx, previewRequest())
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return engine.Calls() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan error, 1)
	go func() {
		_, err := svc.Process(context.Background(), previewRequest())
		second <- err
	}()

	cancel()
	select {
	case err := <-firstErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnected caller did not return")
	}

	close(engine.Gate)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting caller did not return")
	}
	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, 1, store.PutCount("songs/x-30s-preview.mp3"))
}

// 免费用户播放已发布歌曲：首次生成试听并上传，第二次直接走缓存
func TestResolverWithLocalWorker(t *testing.T) {
	svc, store, engine, _ := newService(t)
	records := testsupport.NewRecords()
	master := "songs/x.wav"
	records.PutUser(model.User{ID: "fan", Package: "free"})
	records.PutSong(model.Song{ID: "s1", UserID: "owner", MasterKey: &master, Published: true, Status: model.SongStatusCompleted})

	resolver := delivery.NewResolver(delivery.Deps{
		Songs:    records.Songs(),
		Users:    records.Users(),
		Store:    store,
		Producer: worker.Local{Service: svc},
	})

	ctx := context.Background()
	res, err := resolver.Resolve(ctx, "s1", "fan", delivery.OpPlay)
	require.NoError(t, err)
	assert.Equal(t, "songs/x-30s-preview.mp3", res.Key)
	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, 1, store.PutCount("songs/x-30s-preview.mp3"))

	_, err = resolver.Resolve(ctx, "s1", "fan", delivery.OpPlay)
	require.NoError(t, err)
	assert.Equal(t, 1, engine.Calls())
	assert.Equal(t, 1, store.PutCount("songs/x-30s-preview.mp3"))
}
