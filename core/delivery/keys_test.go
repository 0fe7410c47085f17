package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDerivativeKey(t *testing.T) {
	tests := []struct {
		name   string
		master string
		spec   TranscodeSpec
		want   string
	}{
		{"wav to mp3", "songs/x.wav", fullMP3, "songs/x.mp3"},
		{"mp3 master is not overwritten", "songs/x.mp3", fullMP3, "songs/x-192k.mp3"},
		{"preview", "songs/x.wav", preview, "songs/x-30s-preview.mp3"},
		{"preview of mp3 master", "songs/x.mp3", preview, "songs/x-30s-preview.mp3"},
		{"non default bitrate", "songs/x.wav", TranscodeSpec{Task: TaskConvertToMP3, Bitrate: "320k"}, "songs/x-320k.mp3"},
		{"bare bitrate is normalized", "songs/x.wav", TranscodeSpec{Task: TaskConvertToMP3, Bitrate: "192"}, "songs/x.mp3"},
		{"trim without watermark", "songs/x.wav", TranscodeSpec{Bitrate: "128k", TrimSeconds: 15}, "songs/x-15s.mp3"},
		{"preview with other bitrate", "songs/x.wav", TranscodeSpec{Bitrate: "64k", TrimSeconds: 30, Watermark: true}, "songs/x-30s-64k-preview.mp3"},
		{"no extension", "songs/x", fullMP3, "songs/x.mp3"},
		{"flac keeps its format", "songs/x.flac", fullMP3, "songs/x-flac.mp3"},
		{"flac preview", "songs/x.FLAC", preview, "songs/x-flac-30s-preview.mp3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DerivativeKey(tt.master, tt.spec))
		})
	}
}

func TestDerivativeKeysAreDistinct(t *testing.T) {
	master := "songs/x.wav"
	seen := map[string]bool{master: true}
	for _, spec := range []TranscodeSpec{
		fullMP3,
		preview,
		{Bitrate: "128k", TrimSeconds: 30},
		{Bitrate: "128k", TrimSeconds: 60, Watermark: true},
		{Bitrate: "320k"},
	} {
		k := DerivativeKey(master, spec)
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
}

func TestMastersInOtherFormatsDoNotShareKeys(t *testing.T) {
	for _, spec := range []TranscodeSpec{fullMP3, preview} {
		assert.NotEqual(t, DerivativeKey("songs/a.wav", spec), DerivativeKey("songs/a.flac", spec))
		assert.NotEqual(t, DerivativeKey("songs/a.wav", spec), DerivativeKey("songs/a.aiff", spec))
	}
}

func TestIsDerivativeKey(t *testing.T) {
	assert.True(t, IsDerivativeKey("songs/x-30s-preview.mp3"))
	assert.True(t, IsDerivativeKey("songs/x-192k.mp3"))
	assert.True(t, IsDerivativeKey("songs/x-15s.mp3"))
	assert.False(t, IsDerivativeKey("songs/x.wav"))
	assert.False(t, IsDerivativeKey("songs/x.mp3"))
}

func TestDerivativeKeys(t *testing.T) {
	keys := []string{
		"songs/a.wav",
		"songs/a.mp3",
		"songs/a-30s-preview.mp3",
		"songs/b.mp3",
		"songs/b-192k.mp3",
		"songs/c.flac",
		"songs/c-flac.mp3",
		"covers/a.png",
	}
	assert.Equal(t, []string{"songs/a.mp3", "songs/a-30s-preview.mp3", "songs/b-192k.mp3", "songs/c-flac.mp3"}, DerivativeKeys(keys))
}
