package ingress

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ent0n29/voicebench/internal/protocol"
)

func TestAllowRequiresConnection(t *testing.T) {
	g := New(Config{SampleRate: 16000, SpeakingThreshold: 0.22})

	assert.False(t, g.Allow(false, true, 0.9))
	assert.True(t, g.Allow(true, true, 0.01))
	assert.Equal(t, Stats{Sent: 1, Dropped: 1}, g.Stats())
}

func TestBargeInAudioPassesWhileAgentSpeaks(t *testing.T) {
	g := New(Config{SampleRate: 16000, SpeakingThreshold: 0.22})

	assert.True(t, g.Allow(true, false, 0.5))
	assert.False(t, g.Allow(true, false, 0.22), "threshold itself is not above threshold")
	assert.False(t, g.Allow(true, false, 0.1))
}

func TestFrameCarriesSampleRateHeader(t *testing.T) {
	g := New(Config{SampleRate: 24000})
	out := g.Frame([]int16{1, -1})

	require.Len(t, out, protocol.FrameHeaderSize+4)
	assert.Equal(t, uint32(24000), binary.LittleEndian.Uint32(out))
	rate, pcm, err := protocol.DecodeAudioFrame(out)
	require.NoError(t, err)
	assert.Equal(t, uint32(24000), rate)
	assert.Equal(t, []byte{0x01, 0x00, 0xff, 0xff}, pcm)
}

func TestZeroSampleRateDefaults(t *testing.T) {
	assert.Equal(t, 16000, New(Config{}).SampleRate())
}

func TestQuietFramesNeverLeaveOutsideListening(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		threshold := rapid.Float64Range(0.05, 0.9).Draw(t, "threshold")
		g := New(Config{SampleRate: 16000, SpeakingThreshold: threshold})
		volume := rapid.Float64Range(0, 1).Draw(t, "volume")
		connected := rapid.Bool().Draw(t, "connected")

		if got := g.Allow(connected, false, volume); got != (connected && volume > threshold) {
			t.Fatalf("Allow(%v, false, %v) = %v with threshold %v", connected, volume, got, threshold)
		}
	})
}
