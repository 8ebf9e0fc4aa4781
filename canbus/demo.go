package canbus

import (
	"sync"
	"time"

	"github.com/brutella/can"
)

// Demo emulates an OBD2-capable ECU for bench bring-up and tests. It
// answers mode-01 requests sent to the broadcast identifier with a
// synthetic rev sweep, so the full protocol stack can run without a
// vehicle attached.
type Demo struct {
	mu    sync.Mutex
	open  bool
	queue []can.Frame

	rpm  int
	down bool
}

func NewDemo() *Demo {
	return &Demo{rpm: 900}
}

func (d *Demo) Name() string {
	return "demo"
}

func (d *Demo) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	return nil
}

func (d *Demo) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.queue = nil
	return nil
}

func (d *Demo) Send(frame can.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return ErrNotInitialized
	}
	if err := checkFrame(frame); err != nil {
		return err
	}
	// only mode-01 broadcast requests get an answer; everything else
	// disappears into the simulated bus
	if frame.ID != 0x7DF || frame.Length != 8 || frame.Data[1] != 0x01 {
		return nil
	}
	if resp, ok := d.respond(frame.Data[2]); ok {
		d.queue = append(d.queue, resp)
	}
	return nil
}

func (d *Demo) Receive(timeout time.Duration) (can.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return can.Frame{}, ErrNotInitialized
	}
	if len(d.queue) == 0 {
		return can.Frame{}, ErrTimeout
	}
	frame := d.queue[0]
	d.queue = d.queue[1:]
	return frame, nil
}

func (d *Demo) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && len(d.queue) > 0
}

func (d *Demo) respond(pid uint8) (can.Frame, bool) {
	switch pid {
	case 0x0C: // engine rpm, two bytes of rpm*4
		d.step()
		raw := uint16(d.rpm * 4)
		return response(pid, uint8(raw>>8), uint8(raw)), true
	case 0x0D: // vehicle speed tracks the sweep
		return response(pid, uint8(d.rpm/60)), true
	case 0x05: // coolant warms with rpm, offset encoded
		return response(pid, uint8(80+d.rpm/400+40)), true
	case 0x11: // throttle proportional to the sweep
		return response(pid, uint8(d.rpm*255/8000)), true
	case 0x2F: // fuel level, fixed half tank
		return response(pid, 0x80), true
	}
	return can.Frame{}, false
}

func (d *Demo) step() {
	if d.down {
		d.rpm -= 100
	} else {
		d.rpm += 100
	}
	if d.rpm >= 8000 {
		d.down = true
	} else if d.rpm <= 900 {
		d.down = false
	}
}

func response(pid uint8, data ...uint8) can.Frame {
	frame := can.Frame{
		ID:     0x7E8,
		Length: 8,
	}
	frame.Data[0] = uint8(len(data)) + 2
	frame.Data[1] = 0x41
	frame.Data[2] = pid
	copy(frame.Data[3:], data)
	return frame
}
