// Package ingress decides which captured audio frames reach the agent and
// wraps the ones that do in the outbound frame layout.
package ingress

import (
	"sync/atomic"

	"github.com/ent0n29/voicebench/internal/protocol"
)

type Config struct {
	SampleRate        int
	SpeakingThreshold float64
}

type Stats struct {
	Sent    uint64
	Dropped uint64
}

// Gate never buffers or reorders: a frame is either framed for sending now or
// dropped.
type Gate struct {
	sampleRate uint32
	threshold  float64

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config) *Gate {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	return &Gate{sampleRate: uint32(sr), threshold: cfg.SpeakingThreshold}
}

// Allow reports whether a frame at the given volume may be transmitted. Loud
// frames pass outside listening so barge-in audio reaches the agent.
func (g *Gate) Allow(connected, listening bool, volume float64) bool {
	ok := connected && (listening || volume > g.threshold)
	if ok {
		g.sent.Add(1)
	} else {
		g.dropped.Add(1)
	}
	return ok
}

// Frame prefixes samples with the capture sample rate header.
func (g *Gate) Frame(samples []int16) []byte {
	return protocol.EncodeAudioFrame(g.sampleRate, samples)
}

func (g *Gate) SampleRate() int { return int(g.sampleRate) }

func (g *Gate) Stats() Stats {
	return Stats{Sent: g.sent.Load(), Dropped: g.dropped.Load()}
}
