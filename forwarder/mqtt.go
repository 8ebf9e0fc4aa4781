package forwarder

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"motolink"
)

type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// to allow testing
var newMQTTClient = func(opts *mqtt.ClientOptions) mqtt.Client {
	return mqtt.NewClient(opts)
}

// MQTTForwarder publishes each snapshot as a JSON record to a broker topic.
// It implements Retryable so the broker connection is reopened when lost.
type MQTTForwarder struct {
	Config *MQTTConfig

	client  mqtt.Client
	fwdChan chan *motolink.Snapshot
}

func NewMQTTForwarder(fileName string) (*MQTTForwarder, error) {
	dir, err := filepath.Abs(filepath.Dir(os.Args[0]))
	if err != nil {
		return nil, errors.Wrap(err, "unable to determine binary location")
	}
	file, err := os.Open(filepath.Join(dir, fileName))
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open file %s", fileName)
	}
	defer file.Close()
	return NewMQTTForwarderFromReader(file)
}

func NewMQTTForwarderFromReader(configReader io.Reader) (*MQTTForwarder, error) {
	configData, err := io.ReadAll(configReader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config reader")
	}
	config := MQTTConfig{
		ClientID: fmt.Sprintf("motolink-%d", time.Now().Unix()),
		Topic:    "motolink/telemetry",
	}
	if _, err := toml.Decode(string(configData), &config); err != nil {
		return nil, errors.Wrap(err, "unable to load mqtt forwarder configuration")
	}
	if config.Broker == "" {
		return nil, errors.New("mqtt forwarder requires a broker address")
	}
	return &MQTTForwarder{
		Config:  &config,
		fwdChan: make(chan *motolink.Snapshot, 1),
	}, nil
}

func (m *MQTTForwarder) Name() string {
	return "mqtt"
}

func (m *MQTTForwarder) Open() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.Config.Broker)
	opts.SetClientID(m.Config.ClientID)
	if m.Config.Username != "" {
		opts.SetUsername(m.Config.Username)
		opts.SetPassword(m.Config.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.WithField("err", err).Warn("mqtt: connection lost")
	})

	client := newMQTTClient(opts)
	token := client.Connect()
	token.Wait()
	if token.Error() != nil {
		return errors.Wrapf(token.Error(), "unable to connect to broker %s", m.Config.Broker)
	}
	m.client = client
	log.WithField("broker", m.Config.Broker).Info("mqtt: connected")
	return nil
}

func (m *MQTTForwarder) Close() error {
	if m.client == nil {
		return nil
	}
	m.client.Disconnect(250)
	m.client = nil
	return nil
}

func (m *MQTTForwarder) Forward(newSnapshot motolink.Snapshot, prevSnapshot motolink.Snapshot) error {
	select {
	case m.fwdChan <- &newSnapshot:
	default:
		// if channel is full, skip
	}
	return nil
}

func (m *MQTTForwarder) Start(ctx context.Context) error {
	if m.client == nil {
		return errors.New("mqtt forwarder is not connected")
	}
	limiter := time.Tick(100 * time.Millisecond)
	for {
		<-limiter
		select {
		case snap := <-m.fwdChan:
			if err := m.publish(snap); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *MQTTForwarder) publish(snap *motolink.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "unable to marshal snapshot")
	}
	token := m.client.Publish(m.Config.Topic, m.Config.QoS, false, payload)
	token.Wait()
	return errors.Wrap(token.Error(), "unable to publish snapshot")
}
