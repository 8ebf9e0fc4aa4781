package canbus

import (
	"time"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

const recvBufferSize = 16

// Bus is the subset of brutella/can used by the SocketCAN transport.
type Bus interface {
	SubscribeFunc(can.HandlerFunc)
	ConnectAndPublish() error
	Disconnect() error
	Publish(can.Frame) error
}

// to allow testing
var newBus = func(iface string) (Bus, error) {
	return can.NewBusForInterfaceWithName(iface)
}

// SocketCAN drives a Linux SocketCAN interface. Received frames are
// buffered in a small channel; the buffer is deliberately shallow since the
// protocol layer only ever cares about the response to the request it just
// sent.
type SocketCAN struct {
	iface  string
	bus    Bus
	rxChan chan can.Frame
}

func NewSocketCAN(iface string) *SocketCAN {
	return &SocketCAN{iface: iface}
}

func (s *SocketCAN) Name() string {
	return "socketcan"
}

func (s *SocketCAN) Open() error {
	bus, err := newBus(s.iface)
	if err != nil {
		return err
	}
	s.bus = bus
	s.rxChan = make(chan can.Frame, recvBufferSize)
	bus.SubscribeFunc(s.handleFrame)

	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			log.WithField("err", err).Error("socketcan: receive loop ended")
		}
	}()
	log.WithField("interface", s.iface).Info("CAN bus opened and subscribed")
	return nil
}

func (s *SocketCAN) Close() error {
	if s.bus == nil {
		return nil
	}
	return s.bus.Disconnect()
}

func (s *SocketCAN) Send(frame can.Frame) error {
	if s.bus == nil {
		return ErrNotInitialized
	}
	if err := checkFrame(frame); err != nil {
		return err
	}
	return s.bus.Publish(frame)
}

func (s *SocketCAN) Receive(timeout time.Duration) (can.Frame, error) {
	if s.bus == nil {
		return can.Frame{}, ErrNotInitialized
	}
	select {
	case frame := <-s.rxChan:
		return frame, nil
	case <-time.After(timeout):
		return can.Frame{}, ErrTimeout
	}
}

func (s *SocketCAN) Available() bool {
	return s.bus != nil && len(s.rxChan) > 0
}

func (s *SocketCAN) handleFrame(frame can.Frame) {
	select {
	case s.rxChan <- frame:
	default:
		log.WithField("canID", frame.ID).Debug("socketcan: rx buffer full, dropping frame")
	}
}
