package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"motolink"
	"motolink/canbus"
	"motolink/forwarder"
	"motolink/link"
	"motolink/obd2"
)

const statusPeriod = time.Second

var (
	configFile     = flag.String("config", "motolink.toml", "core configuration file")
	udpConfigFile  = flag.String("udp-config", "", "enable the UDP forwarder with this config file")
	mqttConfigFile = flag.String("mqtt-config", "", "enable the MQTT forwarder with this config file")
	testMode       = flag.Bool("testmode", false, "use the demo ECU instead of a real bus")
	printTelemetry = flag.Bool("print-telemetry", false, "print snapshots to stdout")
)

func main() {
	log.SetLevel(log.InfoLevel)
	flag.Parse()

	ctx := context.Background()
	clock := motolink.SystemClock{}

	cfg, err := motolink.LoadConfig(*configFile)
	if err != nil {
		log.WithField("err", err).Warn("no usable config, continuing with defaults")
		cfg = motolink.DefaultConfig()
	}

	tp := buildTransport(cfg)
	state := motolink.StateInit
	if err := tp.Open(); err != nil {
		// the only fatal condition: without a bus there is nothing to
		// poll, so the system parks in the error state until restarted
		log.WithField("err", err).WithField("transport", tp.Name()).
			Error("CAN transport initialization failed")
		state = motolink.StateError
	} else {
		state = motolink.StateIdle
	}

	client := obd2.NewClient(tp, clock)
	if cfg.Poll.TimeoutMs > 0 {
		client.SetTimeout(time.Duration(cfg.Poll.TimeoutMs) * time.Millisecond)
	}

	poller := motolink.NewPoller(client, clock)
	if cfg.Poll.PeriodMs > 0 {
		poller.SetPeriod(time.Duration(cfg.Poll.PeriodMs) * time.Millisecond)
	}

	server := link.NewServer(cfg.Link.ListenAddr, clock)
	poller.AddForwarder(server)

	if *udpConfigFile != "" {
		udp, err := forwarder.NewUDPForwarder(*udpConfigFile)
		if err != nil {
			log.Fatal("unable to load UDP forwarder: ", err)
		}
		go func() {
			_ = udp.Start(ctx)
		}()
		poller.AddForwarder(udp)
	}

	if *mqttConfigFile != "" {
		mq, err := forwarder.NewMQTTForwarder(*mqttConfigFile)
		if err != nil {
			log.Fatal("unable to load MQTT forwarder: ", err)
		}
		go func() {
			_ = forwarder.Retry(ctx, mq)
		}()
		poller.AddForwarder(mq)
	}

	if *printTelemetry {
		poller.AddForwarder(printForwarder{})
	}

	go func() {
		if err := server.Run(ctx); err != nil {
			log.WithField("err", err).Error("link server stopped")
		}
	}()

	if state != motolink.StateError {
		go func() {
			_ = poller.Run(ctx)
		}()
	}

	run(server, poller, state)
}

func buildTransport(cfg motolink.Config) canbus.Transport {
	if *testMode {
		return canbus.NewDemo()
	}
	switch cfg.CAN.Transport {
	case "slcan":
		return canbus.NewSLCAN(cfg.CAN.Port, cfg.CAN.Baud)
	case "demo":
		return canbus.NewDemo()
	default:
		return canbus.NewSocketCAN(cfg.CAN.Interface)
	}
}

// run is the coordination loop: it advances the link watchdog and the
// status channel on their fixed cadences and derives the coarse system
// state from the latest poll outcome.
func run(server *link.Server, poller *motolink.Poller, state motolink.SystemState) {
	watchdogTick := time.NewTicker(link.WatchdogPeriod)
	defer watchdogTick.Stop()
	statusTick := time.NewTicker(statusPeriod)
	defer statusTick.Stop()

	for {
		select {
		case <-watchdogTick.C:
			server.CheckWatchdog()
		case <-statusTick.C:
			if state != motolink.StateError {
				if poller.Snapshot().DataValid {
					state = motolink.StateReadingData
				} else {
					state = motolink.StateIdle
				}
			}
			err := server.PublishStatus(state, server.Connected(), 0)
			if err != nil && err != link.ErrNotConnected {
				log.WithField("err", err).Debug("status publish failed")
			}
		}
	}
}

type printForwarder struct{}

func (printForwarder) Forward(newSnapshot motolink.Snapshot, _ motolink.Snapshot) error {
	fmt.Fprintf(os.Stdout, "%+v\n", newSnapshot)
	return nil
}
