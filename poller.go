package motolink

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	DefaultPollPeriod = 200 * time.Millisecond

	// pause between consecutive parameter reads to let the bus settle
	interReadDelay = 10 * time.Millisecond
)

// ParameterSource reads single vehicle parameters from the diagnostic bus.
// Implementations substitute sentinel values (0, or -40 for temperature)
// when a read fails, so the returned value is always usable.
type ParameterSource interface {
	ReadEngineSpeed() (uint16, error)
	ReadVehicleSpeed() (uint8, error)
	ReadCoolantTemp() (int16, error)
	ReadThrottlePosition() (uint8, error)
}

// Forwarder receives each published snapshot. Forward is called on the poll
// cycle and must not block significantly or trigger a new cycle.
type Forwarder interface {
	Forward(newSnapshot Snapshot, prevSnapshot Snapshot) error
}

// Poller drives the fixed parameter cycle against a ParameterSource and
// fans the assembled snapshot out to registered forwarders.
type Poller struct {
	source ParameterSource
	clock  Clock
	period time.Duration

	forwarders []Forwarder

	mu       sync.Mutex
	snapshot Snapshot
	prev     Snapshot
	start    time.Time
}

func NewPoller(source ParameterSource, clock Clock) *Poller {
	return &Poller{
		source: source,
		clock:  clock,
		period: DefaultPollPeriod,
		start:  clock.Now(),
	}
}

// SetPeriod overrides the default 200ms cycle period.
func (p *Poller) SetPeriod(period time.Duration) {
	if period > 0 {
		p.period = period
	}
}

// AddForwarder registers a snapshot consumer. Not safe to call once the
// poller is running.
func (p *Poller) AddForwarder(fwd Forwarder) {
	p.forwarders = append(p.forwarders, fwd)
}

// Snapshot returns a copy of the most recently assembled snapshot.
func (p *Poller) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// PollOnce runs a single acquisition cycle: the four polled parameters are
// read sequentially with a settle delay between them. The cycle error is
// non-nil if any read failed, but the snapshot is still published to
// forwarders as long as the engine speed read succeeded; the remaining
// parameters carry their sentinel values and are retried next cycle.
func (p *Poller) PollOnce() error {
	var cycleErr error

	rpm, err := p.source.ReadEngineSpeed()
	speedOK := err == nil
	if err != nil {
		cycleErr = err
	}
	p.clock.Sleep(interReadDelay)

	speed, err := p.source.ReadVehicleSpeed()
	if err != nil {
		cycleErr = err
	}
	p.clock.Sleep(interReadDelay)

	coolant, err := p.source.ReadCoolantTemp()
	if err != nil {
		cycleErr = err
	}
	p.clock.Sleep(interReadDelay)

	throttle, err := p.source.ReadThrottlePosition()
	if err != nil {
		cycleErr = err
	}

	p.mu.Lock()
	p.snapshot = Snapshot{
		EngineSpeed:      rpm,
		VehicleSpeed:     speed,
		CoolantTemp:      coolant,
		ThrottlePosition: throttle,
		EngineRunning:    rpm > 0,
		DataValid:        speedOK,
		LastUpdate:       p.clock.Now().Sub(p.start).Milliseconds(),
	}
	snap := p.snapshot
	prev := p.prev
	if speedOK {
		p.prev = p.snapshot
	}
	p.mu.Unlock()

	if speedOK {
		for _, fwd := range p.forwarders {
			if err := fwd.Forward(snap, prev); err != nil {
				log.WithField("err", err).Warn("forwarder failed")
			}
		}
	}

	return cycleErr
}

// Run ticks the poll cycle until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(); err != nil {
				log.WithField("err", err).Debug("poll cycle incomplete")
			}
		}
	}
}
