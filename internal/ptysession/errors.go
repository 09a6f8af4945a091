package ptysession

import "errors"

// ErrChannelClosed is returned by Write/Resize once the session's loop has
// exited (the child may still be running; the daemon has simply stopped
// talking to it).
var ErrChannelClosed = errors.New("ptysession: channel closed")

// ErrBackpressure is returned when the input channel is full: the caller
// is outpacing the PTY writer and should back off rather than block.
var ErrBackpressure = errors.New("ptysession: input backpressure")
