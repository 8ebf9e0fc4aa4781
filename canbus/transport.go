package canbus

import (
	"time"

	"github.com/brutella/can"
	"github.com/pkg/errors"
)

var (
	// ErrTimeout is returned by Receive when no frame arrives in time.
	ErrTimeout = errors.New("canbus: receive timeout")
	// ErrNotInitialized is returned for any operation before Open.
	ErrNotInitialized = errors.New("canbus: not initialized")
	// ErrInvalidFrame is returned for malformed frames (length > 8).
	ErrInvalidFrame = errors.New("canbus: invalid frame")
	// ErrBusy is reserved for transports that cannot take another frame.
	ErrBusy = errors.New("canbus: busy")
)

// Transport moves raw CAN frames over a physical bus. It has no knowledge
// of the diagnostic protocol layered on top.
type Transport interface {
	Open() error
	Close() error
	Send(frame can.Frame) error
	// Receive blocks for up to timeout waiting for the next frame and
	// returns ErrTimeout if none arrives.
	Receive(timeout time.Duration) (can.Frame, error)
	// Available reports whether a frame is already buffered, so callers
	// can poll without blocking.
	Available() bool
	Name() string
}

func checkFrame(frame can.Frame) error {
	if frame.Length > 8 {
		return errors.Wrapf(ErrInvalidFrame, "payload length %d", frame.Length)
	}
	return nil
}
