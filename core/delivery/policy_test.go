package delivery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanMatrix(t *testing.T) {
	const master = "songs/x.wav"

	original := DeliveryPlan{SourceKey: master}
	mp3 := DeliveryPlan{
		SourceKey:     master,
		DerivativeKey: "songs/x.mp3",
		Transcode:     &TranscodeSpec{Task: TaskConvertToMP3, Bitrate: "192k"},
	}
	prev := DeliveryPlan{
		SourceKey:     master,
		DerivativeKey: "songs/x-30s-preview.mp3",
		Transcode:     &TranscodeSpec{Task: TaskCreatePreview, Bitrate: "128k", TrimSeconds: 30, Watermark: true},
	}

	tests := []struct {
		tier  Tier
		owner bool
		op    Operation
		want  DeliveryPlan
	}{
		{TierCreator, true, OpPlay, original},
		{TierCreator, true, OpDownload, original},
		{TierCreator, false, OpPlay, original},
		{TierCreator, false, OpDownload, original},
		{TierStarter, true, OpPlay, original},
		{TierStarter, true, OpDownload, original},
		{TierStarter, false, OpPlay, mp3},
		{TierStarter, false, OpDownload, mp3},
		{TierFree, true, OpDownload, mp3},
		{TierFree, true, OpPlay, prev},
		{TierFree, false, OpPlay, prev},
		{TierFree, false, OpDownload, prev},
	}

	for _, tt := range tests {
		name := string(tt.tier) + "/" + map[bool]string{true: "owner", false: "other"}[tt.owner] + "/" + string(tt.op)
		t.Run(name, func(t *testing.T) {
			got, err := Plan(tt.op, tt.owner, tt.tier, master)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlanIsDeterministic(t *testing.T) {
	a, err := Plan(OpPlay, false, TierFree, "songs/x.wav")
	require.NoError(t, err)
	b, err := Plan(OpPlay, false, TierFree, "songs/x.wav")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestPlanErrors(t *testing.T) {
	_, err := Plan(OpPlay, true, Tier("platinum"), "songs/x.wav")
	assert.True(t, errors.Is(err, ErrUnsupportedTier))

	_, err = Plan(OpDownload, true, TierCreator, "")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = Plan(Operation("stream"), true, TierCreator, "songs/x.wav")
	assert.Error(t, err)
}

func TestParseTier(t *testing.T) {
	tier, err := ParseTier("")
	require.NoError(t, err)
	assert.Equal(t, TierFree, tier)

	tier, err = ParseTier(" Creator ")
	require.NoError(t, err)
	assert.Equal(t, TierCreator, tier)

	_, err = ParseTier("enterprise")
	assert.ErrorIs(t, err, ErrUnsupportedTier)
}

func TestDeliveredKey(t *testing.T) {
	p, _ := Plan(OpPlay, true, TierCreator, "songs/x.wav")
	assert.True(t, p.IsOriginal())
	assert.Equal(t, "songs/x.wav", p.DeliveredKey())

	p, _ = Plan(OpPlay, false, TierFree, "songs/x.wav")
	assert.False(t, p.IsOriginal())
	assert.Equal(t, "songs/x-30s-preview.mp3", p.DeliveredKey())
}
