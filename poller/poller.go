// Package poller is a small level-triggered readiness multiplexer over
// epoll(7). Each registered descriptor carries a caller chosen token that is
// handed back with every readiness event.
package poller

import (
	"errors"
	"time"
)

// Forever makes Poll block until at least one event is ready.
const Forever time.Duration = -1

var ErrUnsupported = errors.New("poller: this platform is not supported")

// Token identifies a registered descriptor in returned events.
type Token uint64

// Interest selects which readiness a descriptor is watched for. Only one of
// Readable or Writable is in effect per descriptor.
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

func (i Interest) String() string {
	switch i {
	case Readable:
		return "readable"
	case Writable:
		return "writable"
	default:
		return "invalid"
	}
}

// Readiness is the set of conditions reported for one descriptor.
type Readiness uint32

const (
	ReadReady Readiness = 1 << iota
	WriteReady
	ErrorReady
	HangupReady
)

func (r Readiness) IsReadable() bool { return r&ReadReady != 0 }
func (r Readiness) IsWritable() bool { return r&WriteReady != 0 }
func (r Readiness) IsError() bool    { return r&ErrorReady != 0 }
func (r Readiness) IsHangup() bool   { return r&HangupReady != 0 }

// Event is one ready descriptor from a Poll call.
type Event struct {
	Token     Token
	Readiness Readiness
}
