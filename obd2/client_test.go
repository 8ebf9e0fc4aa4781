package obd2

import (
	"sync"
	"testing"
	"time"

	"github.com/brutella/can"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motolink/canbus"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTransport struct {
	sent    []can.Frame
	pending []can.Frame
	sendErr error
}

func (tp *fakeTransport) Open() error  { return nil }
func (tp *fakeTransport) Close() error { return nil }
func (tp *fakeTransport) Name() string { return "fake" }

func (tp *fakeTransport) Send(frame can.Frame) error {
	if tp.sendErr != nil {
		return tp.sendErr
	}
	tp.sent = append(tp.sent, frame)
	return nil
}

func (tp *fakeTransport) Receive(timeout time.Duration) (can.Frame, error) {
	if len(tp.pending) == 0 {
		return can.Frame{}, canbus.ErrTimeout
	}
	frame := tp.pending[0]
	tp.pending = tp.pending[1:]
	return frame, nil
}

func (tp *fakeTransport) Available() bool {
	return len(tp.pending) > 0
}

func responseFrame(id uint32, pid PID, data ...uint8) can.Frame {
	frame := can.Frame{
		ID:     id,
		Length: 8,
	}
	frame.Data[0] = uint8(len(data)) + 2
	frame.Data[1] = 0x41
	frame.Data[2] = uint8(pid)
	copy(frame.Data[3:], data)
	return frame
}

func TestRequestFrameLayout(t *testing.T) {
	tp := &fakeTransport{}
	c := NewClient(tp, newFakeClock())

	require.NoError(t, c.Request(EngineRPM))
	require.Len(t, tp.sent, 1)

	frame := tp.sent[0]
	assert.Equal(t, uint32(0x7DF), frame.ID)
	assert.Equal(t, uint8(8), frame.Length)
	assert.Equal(t, [8]uint8{0x02, 0x01, 0x0C, 0, 0, 0, 0, 0}, frame.Data)
}

func TestRequestSendFailure(t *testing.T) {
	tp := &fakeTransport{sendErr: canbus.ErrNotInitialized}
	c := NewClient(tp, newFakeClock())
	assert.Error(t, c.Request(EngineRPM))
}

func TestAwaitMatchingResponse(t *testing.T) {
	tp := &fakeTransport{
		pending: []can.Frame{responseFrame(0x7E8, EngineRPM, 0x0F, 0xA0)},
	}
	c := NewClient(tp, newFakeClock())

	data, err := c.Await(EngineRPM, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Equal(t, uint16(1000), DecodeEngineSpeed(data[0], data[1]))
}

func TestAwaitDiscardsNonMatching(t *testing.T) {
	tp := &fakeTransport{
		pending: []can.Frame{
			// outside the functional response range
			responseFrame(0x7E7, EngineRPM, 0x0F, 0xA0),
			responseFrame(0x7F0, EngineRPM, 0x0F, 0xA0),
			// wrong service code
			{ID: 0x7E8, Length: 8, Data: [8]uint8{0x04, 0x7F, 0x0C, 0, 0}},
			// response to a different PID
			responseFrame(0x7E8, VehicleSpeed, 0x40),
			// too short
			{ID: 0x7E8, Length: 2, Data: [8]uint8{0x02, 0x41}},
			// the one we asked for
			responseFrame(0x7E9, EngineRPM, 0x20, 0x00),
		},
	}
	c := NewClient(tp, newFakeClock())

	data, err := c.Await(EngineRPM, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, uint16(2048), DecodeEngineSpeed(data[0], data[1]))
}

func TestAwaitNeverAcceptsOutOfRangeID(t *testing.T) {
	tp := &fakeTransport{
		pending: []can.Frame{responseFrame(0x123, EngineRPM, 0x0F, 0xA0)},
	}
	c := NewClient(tp, newFakeClock())

	_, err := c.Await(EngineRPM, 20*time.Millisecond)
	assert.True(t, IsTimeout(err))
}

func TestAwaitTimeoutBounded(t *testing.T) {
	tp := &fakeTransport{}
	clock := newFakeClock()
	c := NewClient(tp, clock)

	before := clock.Now()
	_, err := c.Await(EngineRPM, 50*time.Millisecond)
	assert.True(t, IsTimeout(err))

	// the wait may overshoot by at most the poll granularity
	elapsed := clock.Now().Sub(before)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.LessOrEqual(t, elapsed, 50*time.Millisecond+2*pollInterval)
}

// floodTransport always has a foreign frame buffered and consumes a poll
// interval of clock time per receive, like a saturated bus would.
type floodTransport struct {
	fakeTransport
	clock *fakeClock
}

func (tp *floodTransport) Available() bool { return true }

func (tp *floodTransport) Receive(timeout time.Duration) (can.Frame, error) {
	tp.clock.Sleep(pollInterval)
	return responseFrame(0x7E8, VehicleSpeed, 0x40), nil
}

func TestAwaitTimeoutBoundedUnderFloodedBus(t *testing.T) {
	clock := newFakeClock()
	tp := &floodTransport{clock: clock}
	c := NewClient(tp, clock)

	before := clock.Now()
	_, err := c.Await(EngineRPM, 50*time.Millisecond)
	assert.True(t, IsTimeout(err))

	// a non-stop stream of foreign frames must not push the timeout past
	// the poll granularity
	elapsed := clock.Now().Sub(before)
	assert.LessOrEqual(t, elapsed, 50*time.Millisecond+2*pollInterval)
}

type brokenTransport struct {
	fakeTransport
}

func (tp *brokenTransport) Available() bool { return true }

func (tp *brokenTransport) Receive(timeout time.Duration) (can.Frame, error) {
	return can.Frame{}, canbus.ErrNotInitialized
}

func TestAwaitSurfacesTransportError(t *testing.T) {
	c := NewClient(&brokenTransport{}, newFakeClock())

	_, err := c.Await(EngineRPM, 100*time.Millisecond)
	require.Error(t, err)
	assert.False(t, IsTimeout(err), "transport failure must not be masked as a timeout")
	assert.Equal(t, canbus.ErrNotInitialized, errors.Cause(err))
}

func TestAwaitPayloadCapped(t *testing.T) {
	frame := can.Frame{ID: 0x7E8, Length: 8}
	frame.Data = [8]uint8{0x07, 0x41, uint8(EngineRuntime), 1, 2, 3, 4, 5}
	tp := &fakeTransport{pending: []can.Frame{frame}}
	c := NewClient(tp, newFakeClock())

	data, err := c.Await(EngineRuntime, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, data)
}

func TestReadSentinelsOnTimeout(t *testing.T) {
	tp := &fakeTransport{}
	c := NewClient(tp, newFakeClock())
	c.SetTimeout(10 * time.Millisecond)

	rpm, err := c.ReadEngineSpeed()
	assert.Error(t, err)
	assert.Equal(t, uint16(0), rpm)

	speed, err := c.ReadVehicleSpeed()
	assert.Error(t, err)
	assert.Equal(t, uint8(0), speed)

	temp, err := c.ReadCoolantTemp()
	assert.Error(t, err)
	assert.Equal(t, int16(-40), temp)

	throttle, err := c.ReadThrottlePosition()
	assert.Error(t, err)
	assert.Equal(t, uint8(0), throttle)
}

func TestReadEngineSpeed(t *testing.T) {
	tp := &fakeTransport{
		pending: []can.Frame{responseFrame(0x7E8, EngineRPM, 0x0F, 0xA0)},
	}
	c := NewClient(tp, newFakeClock())

	rpm, err := c.ReadEngineSpeed()
	require.NoError(t, err)
	assert.Equal(t, uint16(1000), rpm)

	// re-requesting with identical response bytes yields an identical value
	tp.pending = []can.Frame{responseFrame(0x7E8, EngineRPM, 0x0F, 0xA0)}
	again, err := c.ReadEngineSpeed()
	require.NoError(t, err)
	assert.Equal(t, rpm, again)
}
