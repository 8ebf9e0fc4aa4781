package obd2

import (
	"time"

	"github.com/brutella/can"
	"github.com/pkg/errors"

	"motolink/canbus"
)

const (
	requestID     uint32 = 0x7DF
	responseIDMin uint32 = 0x7E8
	responseIDMax uint32 = 0x7EF

	serviceCurrentData uint8 = 0x01
	positiveResponse   uint8 = 0x41

	maxPayload = 5

	// DefaultTimeout bounds one request/response exchange. It must stay
	// small relative to the poll period since the wait blocks the cycle.
	DefaultTimeout = 500 * time.Millisecond

	pollInterval = time.Millisecond
)

// Clock is the time source used while waiting for a response.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Client issues mode-01 parameter requests over a frame transport and
// decodes the responses. Exchanges are strictly synchronous with a single
// request outstanding: the bus is a shared broadcast medium and overlapping
// requests cannot be demultiplexed.
type Client struct {
	tp      canbus.Transport
	clock   Clock
	timeout time.Duration
}

func NewClient(tp canbus.Transport, clock Clock) *Client {
	return &Client{
		tp:      tp,
		clock:   clock,
		timeout: DefaultTimeout,
	}
}

// SetTimeout overrides the per-request response budget.
func (c *Client) SetTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.timeout = timeout
	}
}

// Request broadcasts a mode-01 request for the given PID.
func (c *Client) Request(pid PID) error {
	frame := can.Frame{
		ID:     requestID,
		Length: 8,
		Data:   [8]uint8{0x02, serviceCurrentData, uint8(pid)},
	}
	if err := c.tp.Send(frame); err != nil {
		return errors.Wrapf(err, "unable to request %s", pid)
	}
	return nil
}

// Await polls the transport until a matching response for pid arrives or
// the timeout elapses. Frames that are not the awaited response are
// discarded and polling continues; the deadline is honored even while a
// flood of foreign frames keeps the receive buffer full. Returns the
// response payload, at most maxPayload bytes.
func (c *Client) Await(pid PID, timeout time.Duration) ([]byte, error) {
	deadline := c.clock.Now().Add(timeout)
	for {
		for c.tp.Available() {
			if !c.clock.Now().Before(deadline) {
				return nil, canbus.ErrTimeout
			}
			frame, err := c.tp.Receive(pollInterval)
			if err != nil {
				if errors.Cause(err) == canbus.ErrTimeout {
					break
				}
				return nil, errors.Wrapf(err, "unable to receive response for %s", pid)
			}
			if data, ok := matchResponse(frame, pid); ok {
				return data, nil
			}
		}
		if !c.clock.Now().Before(deadline) {
			return nil, canbus.ErrTimeout
		}
		c.clock.Sleep(pollInterval)
	}
}

// Query is Request followed by Await with the client's timeout.
func (c *Client) Query(pid PID) ([]byte, error) {
	if err := c.Request(pid); err != nil {
		return nil, err
	}
	return c.Await(pid, c.timeout)
}

// IsTimeout reports whether err is a response timeout.
func IsTimeout(err error) bool {
	return errors.Cause(err) == canbus.ErrTimeout
}

// ReadEngineSpeed queries PID 0x0C. On failure it returns the 0 sentinel
// alongside the error rather than a stale value.
func (c *Client) ReadEngineSpeed() (uint16, error) {
	data, err := c.Query(EngineRPM)
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, errors.Errorf("short response for %s: %d bytes", EngineRPM, len(data))
	}
	return DecodeEngineSpeed(data[0], data[1]), nil
}

// ReadVehicleSpeed queries PID 0x0D; sentinel 0 on failure.
func (c *Client) ReadVehicleSpeed() (uint8, error) {
	data, err := c.Query(VehicleSpeed)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, errors.Errorf("short response for %s", VehicleSpeed)
	}
	return DecodeVehicleSpeed(data[0]), nil
}

// ReadCoolantTemp queries PID 0x05; sentinel -40 on failure.
func (c *Client) ReadCoolantTemp() (int16, error) {
	data, err := c.Query(CoolantTemp)
	if err != nil {
		return -40, err
	}
	if len(data) < 1 {
		return -40, errors.Errorf("short response for %s", CoolantTemp)
	}
	return DecodeCoolantTemp(data[0]), nil
}

// ReadThrottlePosition queries PID 0x11; sentinel 0 on failure.
func (c *Client) ReadThrottlePosition() (uint8, error) {
	data, err := c.Query(ThrottlePosition)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, errors.Errorf("short response for %s", ThrottlePosition)
	}
	return DecodeThrottlePosition(data[0]), nil
}

// matchResponse accepts a frame only if it is the functional response to
// the awaited PID: identifier in [0x7E8,0x7EF], at least three payload
// bytes, positive-response service code and a matching PID byte.
func matchResponse(frame can.Frame, pid PID) ([]byte, bool) {
	if frame.ID < responseIDMin || frame.ID > responseIDMax {
		return nil, false
	}
	if frame.Length < 3 {
		return nil, false
	}
	if frame.Data[1] != positiveResponse || frame.Data[2] != uint8(pid) {
		return nil, false
	}
	n := int(frame.Data[0]) - 2
	if n < 0 {
		n = 0
	}
	if n > maxPayload {
		n = maxPayload
	}
	data := make([]byte, n)
	copy(data, frame.Data[3:3+n])
	return data, true
}
