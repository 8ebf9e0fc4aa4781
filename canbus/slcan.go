package canbus

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brutella/can"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// to allow testing
var openPort = func(name string, baud int) (serial.Port, error) {
	return serial.Open(name, &serial.Mode{BaudRate: baud})
}

// SLCAN drives a Lawicel-protocol USB CAN adapter over a serial port.
// Frames are exchanged as ASCII records terminated by CR, e.g.
// "t7DF8022101..." for an 11-bit frame.
type SLCAN struct {
	portName string
	baud     int

	port   serial.Port
	rxChan chan can.Frame
	done   chan struct{}
}

func NewSLCAN(portName string, baud int) *SLCAN {
	return &SLCAN{portName: portName, baud: baud}
}

func (s *SLCAN) Name() string {
	return "slcan"
}

func (s *SLCAN) Open() error {
	port, err := openPort(s.portName, s.baud)
	if err != nil {
		return errors.Wrapf(err, "unable to open serial port %s", s.portName)
	}
	s.port = port
	s.rxChan = make(chan can.Frame, recvBufferSize)
	s.done = make(chan struct{})

	// close a possibly-open channel, set 500kbit, open
	for _, cmd := range []string{"C\r", "S6\r", "O\r"} {
		if _, err := port.Write([]byte(cmd)); err != nil {
			port.Close()
			s.port = nil
			return errors.Wrap(err, "slcan setup failed")
		}
	}

	go s.readLoop()
	log.WithField("port", s.portName).Info("slcan adapter opened")
	return nil
}

func (s *SLCAN) Close() error {
	if s.port == nil {
		return nil
	}
	close(s.done)
	if _, err := s.port.Write([]byte("C\r")); err != nil {
		log.WithField("err", err).Warn("slcan: unable to close channel")
	}
	err := s.port.Close()
	s.port = nil
	return err
}

func (s *SLCAN) Send(frame can.Frame) error {
	if s.port == nil {
		return ErrNotInitialized
	}
	if err := checkFrame(frame); err != nil {
		return err
	}
	_, err := s.port.Write([]byte(encodeSLCAN(frame)))
	return errors.Wrap(err, "slcan send failed")
}

func (s *SLCAN) Receive(timeout time.Duration) (can.Frame, error) {
	if s.port == nil {
		return can.Frame{}, ErrNotInitialized
	}
	select {
	case frame := <-s.rxChan:
		return frame, nil
	case <-time.After(timeout):
		return can.Frame{}, ErrTimeout
	}
}

func (s *SLCAN) Available() bool {
	return s.port != nil && len(s.rxChan) > 0
}

func (s *SLCAN) readLoop() {
	reader := bufio.NewReader(s.port)
	for {
		select {
		case <-s.done:
			return
		default:
		}
		line, err := reader.ReadString('\r')
		if err != nil {
			select {
			case <-s.done:
			default:
				log.WithField("err", err).Error("slcan: read loop ended")
			}
			return
		}
		frame, ok := parseSLCAN(strings.TrimSuffix(line, "\r"))
		if !ok {
			continue
		}
		select {
		case s.rxChan <- frame:
		default:
			log.WithField("canID", frame.ID).Debug("slcan: rx buffer full, dropping frame")
		}
	}
}

func encodeSLCAN(frame can.Frame) string {
	var b strings.Builder
	fmt.Fprintf(&b, "t%03X%d", frame.ID&0x7FF, frame.Length)
	for i := uint8(0); i < frame.Length; i++ {
		fmt.Fprintf(&b, "%02X", frame.Data[i])
	}
	b.WriteString("\r")
	return b.String()
}

// parseSLCAN decodes an 11-bit ("t") or 29-bit ("T") data frame record.
// Remote frames and adapter status records are ignored.
func parseSLCAN(line string) (can.Frame, bool) {
	if len(line) == 0 {
		return can.Frame{}, false
	}
	var idLen int
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 8
	default:
		return can.Frame{}, false
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, false
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return can.Frame{}, false
	}
	length, err := strconv.Atoi(line[1+idLen : 1+idLen+1])
	if err != nil || length > 8 {
		return can.Frame{}, false
	}
	hexData := line[1+idLen+1:]
	if len(hexData) < length*2 {
		return can.Frame{}, false
	}
	frame := can.Frame{
		ID:     uint32(id),
		Length: uint8(length),
	}
	for i := 0; i < length; i++ {
		v, err := strconv.ParseUint(hexData[i*2:i*2+2], 16, 8)
		if err != nil {
			return can.Frame{}, false
		}
		frame.Data[i] = uint8(v)
	}
	return frame, true
}
