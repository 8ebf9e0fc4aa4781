package forwarder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"motolink"
)

type Header struct {
	Type uint8
}

var maxTelemetrySize = int(unsafe.Sizeof(Header{}) + unsafe.Sizeof(motolink.Snapshot{}))

const (
	TypeTelemetry = 1
	TypeStatus    = 2
)

type UDPConfig struct {
	Server string
	Port   int
}

// UDPForwarder streams binary snapshot records to a collection server.
// Forward never blocks the poll cycle; records are dropped when the
// forwarding goroutine falls behind.
type UDPForwarder struct {
	Config *UDPConfig

	conn    net.Conn
	fwdChan chan *motolink.Snapshot
}

func NewUDPForwarder(fileName string) (*UDPForwarder, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return nil, errors.Wrap(err, "unable to determine binary location")
	}
	file, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return NewUDPForwarderFromReader(file)
}

func NewUDPForwarderFromReader(configReader io.Reader) (*UDPForwarder, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	config := UDPConfig{}
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return nil, errors.Wrap(err, "unable to load udp forwarder configuration")
	}
	udp := &UDPForwarder{
		Config:  &config,
		fwdChan: make(chan *motolink.Snapshot, 1),
	}
	if err = udp.connect(); err != nil {
		return nil, err
	}
	return udp, nil
}

func (udp *UDPForwarder) Close() error {
	return udp.conn.Close()
}

func (udp *UDPForwarder) Forward(newSnapshot motolink.Snapshot, prevSnapshot motolink.Snapshot) error {
	select {
	// copy crosses to the forwarding goroutine
	case udp.fwdChan <- &newSnapshot:
	default:
		// if channel is full, skip
	}
	return nil
}

func (udp *UDPForwarder) Start(ctx context.Context) error {
	limiter := time.Tick(100 * time.Millisecond)
	for {
		<-limiter
		select {
		case snap := <-udp.fwdChan:
			if err := udp.forward(snap); err != nil {
				log.Error("unable to forward telemetry to server ", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (udp *UDPForwarder) forward(snap *motolink.Snapshot) error {
	buf := bytes.NewBuffer([]byte{})
	hdr := Header{
		Type: TypeTelemetry,
	}
	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return errors.Wrap(err, "unable to write udp packet header")
	}
	if err := binary.Write(buf, binary.LittleEndian, snap); err != nil {
		return errors.Wrap(err, "unable to write telemetry udp packet")
	}
	return binary.Write(udp.conn, binary.LittleEndian, buf.Bytes())
}

func (udp *UDPForwarder) connect() error {
	writeBufSize := maxTelemetrySize * 2

	conn, err := net.Dial("udp", fmt.Sprintf("%s:%d",
		udp.Config.Server,
		udp.Config.Port))
	if err != nil {
		return err
	}
	udpConn := conn.(*net.UDPConn)
	if err = udpConn.SetWriteBuffer(writeBufSize); err != nil {
		return errors.Wrapf(err, "unable to set OS write buffer to %v", writeBufSize)
	}

	udp.conn = conn
	return nil
}
