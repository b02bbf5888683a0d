package parser

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfMemory is reported when the buffer chain would grow past
	// Config.MaxBuffers. The parse is abandoned and the chain cleared.
	ErrOutOfMemory = errors.New("buffer chain limit exceeded")
	// ErrTerminated is reported for work refused after Terminate.
	ErrTerminated = errors.New("stream parser terminated")
	// ErrLoopStopped is returned by Dispatch once an event loop stopped.
	ErrLoopStopped = errors.New("event loop stopped")
	// ErrNotStarted is returned when data arrives before OnStartRequest.
	ErrNotStarted = errors.New("stream not started")
	// ErrStreamEnded is returned when data arrives after OnStopRequest.
	ErrStreamEnded = errors.New("stream already ended")

	errAlreadyStarted = errors.New("stream already started")
	errMoreOutput     = errors.New("decoder output buffer full")
)

// IllegalInputError is returned by a Decoder that hit a malformed byte
// sequence. Len is the number of source bytes, counted from the returned
// nSrc, that form the malformed sequence.
type IllegalInputError struct {
	Len int
}

func (e *IllegalInputError) Error() string {
	return fmt.Sprintf("illegal byte sequence of length %d", e.Len)
}
