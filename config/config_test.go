package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	unset(t, "FFMPEG_PATH", "FFPROBE_PATH", "PRESIGN_EXPIRY", "JOB_WORKERS", "WORKER_ADDR", "DEFAULT_GUIDANCE_SCALE", "DEFAULT_AUDIO_DURATION")

	cfg := FromEnv()

	assert.Equal(t, "ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "ffprobe", cfg.FFprobePath)
	assert.Equal(t, time.Hour, cfg.PresignExpiry)
	assert.Equal(t, 4, cfg.JobWorkers)
	assert.Equal(t, ":3001", cfg.WorkerAddr)
	assert.Equal(t, 15.0, cfg.DefaultGuidanceScale)
	assert.Equal(t, 180.0, cfg.DefaultAudioDuration)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("FFMPEG_PATH", "/opt/bin/ffmpeg")
	t.Setenv("PRESIGN_EXPIRY", "90")
	t.Setenv("WORKER_TIMEOUT", "45s")
	t.Setenv("DISTRIBUTED_LOCK", "true")
	t.Setenv("JOB_WORKERS", "not-a-number")

	cfg := FromEnv()

	assert.Equal(t, "/opt/bin/ffmpeg", cfg.FFmpegPath)
	assert.Equal(t, "/opt/bin/ffprobe", cfg.FFprobePath)
	assert.Equal(t, 90*time.Second, cfg.PresignExpiry)
	assert.Equal(t, 45*time.Second, cfg.WorkerTimeout)
	assert.True(t, cfg.DistributedLock)
	assert.Equal(t, 4, cfg.JobWorkers, "invalid ints fall back to the default")
}

func TestGenerationEndpointsConfigured(t *testing.T) {
	cfg := &Config{GenerateFromDescriptionURL: "a", GenerateWithLyricsURL: "b"}
	assert.False(t, cfg.GenerationEndpointsConfigured())

	cfg.GenerateWithDescribedLyricsURL = "c"
	assert.True(t, cfg.GenerationEndpointsConfigured())
}

// unset 删除环境变量，测试结束后由 t.Setenv 恢复原值
func unset(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}
