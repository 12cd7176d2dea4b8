package client

import (
	"testing"

	"voicechat/internal/core/domain"
	apperrors "voicechat/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestORTCDevice_LoadIsIdempotent(t *testing.T) {
	d := NewORTCDevice(nil, zap.NewNop().Sugar())
	assert.False(t, d.Loaded())

	require.NoError(t, d.Load(opusCaps()))
	require.True(t, d.Loaded())
	first := d.RTPCapabilities()

	other := domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{{
		Kind:                 domain.MediaKindAudio,
		MimeType:             "audio/PCMU",
		PreferredPayloadType: 0,
		ClockRate:            8000,
	}}}
	require.NoError(t, d.Load(other))
	assert.Equal(t, first, d.RTPCapabilities())
}

func TestORTCDevice_LoadRequiresAudio(t *testing.T) {
	d := NewORTCDevice(nil, zap.NewNop().Sugar())

	err := d.Load(domain.RTPCapabilities{Codecs: []domain.RTPCodecCapability{{
		Kind:      "video",
		MimeType:  "video/VP8",
		ClockRate: 90000,
	}}})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNegotiationFailed))
	assert.False(t, d.Loaded())
}

func TestORTCDevice_TransportNeedsLoad(t *testing.T) {
	d := NewORTCDevice(nil, zap.NewNop().Sugar())
	_, err := d.CreateSendTransport(domain.TransportParams{ID: "t1"}, nil)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNegotiationFailed))
}

func TestGestureGate(t *testing.T) {
	g := NewGestureGate()
	ran := 0
	g.Once(func() { ran++ })
	g.Once(func() { ran++ })
	assert.Equal(t, 2, g.Pending())
	assert.Equal(t, 0, ran)

	assert.Equal(t, 2, g.Gesture())
	assert.Equal(t, 2, ran)
	assert.True(t, g.Occurred())

	// after the gesture callbacks run at once
	g.Once(func() { ran++ })
	assert.Equal(t, 3, ran)
	assert.Equal(t, 0, g.Gesture())
}

func TestOpusFrameLevel(t *testing.T) {
	assert.Zero(t, opusFrameLevel(make([]byte, 3)))
	assert.Equal(t, 1.0, opusFrameLevel(make([]byte, 400)))
	mid := opusFrameLevel(make([]byte, 84))
	assert.InDelta(t, 0.5, mid, 0.01)
}
