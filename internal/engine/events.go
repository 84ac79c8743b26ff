package engine

import (
	"github.com/ent0n29/voicebench/internal/device"
	"github.com/ent0n29/voicebench/internal/protocol"
)

// event is everything the controller loop consumes. Events carrying gen
// belong to one session attempt and are dropped once it is torn down.
type event interface {
	isEvent()
}

type connectIntent struct {
	profile string
	reply   chan error
}

type disconnectIntent struct{ reply chan error }

type endTurnIntent struct{ reply chan error }

type interruptIntent struct{ reply chan error }

type deviceAcquired struct {
	gen     uint64
	capture device.Capture
	err     error
}

type streamDialed struct {
	gen    uint64
	stream Stream
	err    error
}

type frameCaptured struct {
	gen   uint64
	frame device.Frame
}

type captureEnded struct{ gen uint64 }

type inboundEvent struct {
	gen  uint64
	kind protocol.MessageType
	msg  any
	err  error
}

type streamClosed struct {
	gen uint64
	err error
}

type silenceElapsed struct {
	gen    uint64
	vadGen uint64
}

type connectTimedOut struct{ gen uint64 }

func (connectIntent) isEvent()    {}
func (disconnectIntent) isEvent() {}
func (endTurnIntent) isEvent()    {}
func (interruptIntent) isEvent()  {}
func (deviceAcquired) isEvent()   {}
func (streamDialed) isEvent()     {}
func (frameCaptured) isEvent()    {}
func (captureEnded) isEvent()     {}
func (inboundEvent) isEvent()     {}
func (streamClosed) isEvent()     {}
func (silenceElapsed) isEvent()   {}
func (connectTimedOut) isEvent()  {}
