package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameHeaderSize is the little-endian uint32 sample-rate prefix of every
// outbound binary audio frame.
const FrameHeaderSize = 4

var ErrShortFrame = errors.New("audio frame shorter than header")

// EncodeAudioFrame packs PCM16 samples behind the sample-rate header.
func EncodeAudioFrame(sampleRate uint32, samples []int16) []byte {
	out := make([]byte, FrameHeaderSize+2*len(samples))
	binary.LittleEndian.PutUint32(out[:FrameHeaderSize], sampleRate)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[FrameHeaderSize+2*i:], uint16(s))
	}
	return out
}

// DecodeAudioFrame splits a binary frame into its sample rate and raw
// PCM16LE payload. The payload aliases frame.
func DecodeAudioFrame(frame []byte) (uint32, []byte, error) {
	if len(frame) < FrameHeaderSize {
		return 0, nil, ErrShortFrame
	}
	rate := binary.LittleEndian.Uint32(frame[:FrameHeaderSize])
	pcm := frame[FrameHeaderSize:]
	if rate == 0 {
		return 0, nil, errors.New("audio frame sample rate is zero")
	}
	if len(pcm)%2 != 0 {
		return 0, nil, fmt.Errorf("audio frame payload has odd length %d", len(pcm))
	}
	return rate, pcm, nil
}
