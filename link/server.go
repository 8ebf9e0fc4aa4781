package link

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"motolink"
)

const (
	// at most one telemetry notification per interval, regardless of how
	// often the poller publishes
	notifyInterval = 100 * time.Millisecond

	// a connected peer that has seen no successful notification for this
	// long is assumed gone, whatever the socket layer claims
	watchdogTimeout = 10 * time.Second

	// WatchdogPeriod is the cadence callers should invoke CheckWatchdog at.
	WatchdogPeriod = 2 * time.Second

	// settle delay before accepting a new peer after any disconnect
	readvertiseDelay = 500 * time.Millisecond
)

// ErrNotConnected is returned when publishing without a peer. Callers
// treat it as a no-op, not a failure.
var ErrNotConnected = errors.New("link: no peer connected")

// State of the transport state machine.
type State int

const (
	StateAdvertising State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "advertising"
}

// Clock is the time source for throttling and silence detection.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// dataNotification is pushed on the data channel once per accepted publish.
type dataNotification struct {
	Channel string `json:"channel"`
	motolink.Snapshot
}

// statusNotification is pushed on the status channel at the caller's cadence.
type statusNotification struct {
	Channel          string `json:"channel"`
	Timestamp        int64  `json:"timestamp"`
	SystemState      string `json:"system_state"`
	LinkConnected    bool   `json:"link_connected"`
	SignalStrength   int    `json:"signal_strength"`
	SessionConnected bool   `json:"session_connected"`
}

// session tracks the single peer connection's lifecycle. It is reset on
// every disconnect, forced or genuine.
type session struct {
	connected    bool
	lastActivity time.Time
	lastNotify   time.Time
}

// Server advertises the telemetry service and streams notifications to a
// single peer. Disconnect detection deliberately trusts elapsed silence
// over anything the socket layer self-reports: some peer stacks never
// signal a teardown, so a watchdog forces the session back to advertising
// when notifications stop landing.
type Server struct {
	addr     string
	clock    Clock
	upgrader websocket.Upgrader
	start    time.Time

	mu          sync.Mutex
	peer        *websocket.Conn
	sess        session
	claimed     bool
	acceptAfter time.Time

	srv *http.Server
}

func NewServer(addr string, clock Clock) *Server {
	return &Server{
		addr:  addr,
		clock: clock,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		start: clock.Now(),
	}
}

// Run serves the advertised endpoint until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", s.handlePeer)
	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutCtx)
	}()

	log.WithField("addr", s.addr).Info("link: advertising telemetry service")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// State reports the transport state machine's current state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.connected {
		return StateConnected
	}
	return StateAdvertising
}

// Connected reports whether the session believes a peer is attached.
func (s *Server) Connected() bool {
	return s.State() == StateConnected
}

// PublishTelemetry pushes a snapshot on the data channel. Returns
// ErrNotConnected without a peer. Calls inside the throttle window are
// silently absorbed.
func (s *Server) PublishTelemetry(snap motolink.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sess.connected {
		return ErrNotConnected
	}
	now := s.clock.Now()
	if !s.sess.lastNotify.IsZero() && now.Sub(s.sess.lastNotify) < notifyInterval {
		return nil
	}
	payload, err := json.Marshal(dataNotification{
		Channel:  "data",
		Snapshot: snap,
	})
	if err != nil {
		return errors.Wrap(err, "unable to marshal telemetry notification")
	}
	if err := s.peer.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "unable to notify peer")
	}
	s.sess.lastNotify = now
	s.sess.lastActivity = now
	return nil
}

// PublishStatus pushes system status on the status channel. Unlike the
// data channel it is not throttled beyond the caller's own cadence.
func (s *Server) PublishStatus(state motolink.SystemState, linkConnected bool, signalStrength int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sess.connected {
		return ErrNotConnected
	}
	payload, err := json.Marshal(statusNotification{
		Channel:          "status",
		Timestamp:        s.clock.Now().Sub(s.start).Milliseconds(),
		SystemState:      state.String(),
		LinkConnected:    linkConnected,
		SignalStrength:   signalStrength,
		SessionConnected: s.sess.connected,
	})
	if err != nil {
		return errors.Wrap(err, "unable to marshal status notification")
	}
	if err := s.peer.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrap(err, "unable to notify peer")
	}
	return nil
}

// CheckWatchdog forces a connected session back to advertising when no
// activity has been recorded for watchdogTimeout. Invoke it on a fixed
// cadence (WatchdogPeriod) while the session is connected.
func (s *Server) CheckWatchdog() {
	s.mu.Lock()
	if !s.sess.connected {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	if s.sess.lastActivity.IsZero() {
		s.sess.lastActivity = now
		s.mu.Unlock()
		return
	}
	if now.Sub(s.sess.lastActivity) < watchdogTimeout {
		s.mu.Unlock()
		return
	}

	log.WithField("idle", now.Sub(s.sess.lastActivity)).
		Warn("link: peer silent, forcing disconnect")
	peer := s.peer
	s.resetSession(now)
	s.mu.Unlock()

	if peer != nil {
		_ = peer.Close()
	}
}

// Forward lets the server act as a snapshot forwarder on the poll cycle.
// Publishing without a peer is expected and absorbed.
func (s *Server) Forward(newSnapshot motolink.Snapshot, _ motolink.Snapshot) error {
	err := s.PublishTelemetry(newSnapshot)
	if errors.Cause(err) == ErrNotConnected {
		return nil
	}
	return err
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	if !s.claimSession() {
		http.Error(w, "peer already connected", http.StatusConflict)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("link: upgrade failed")
		s.releaseClaim()
		return
	}

	s.onConnect(conn)
	s.readPump(conn)
	s.onDisconnect(conn)
}

// claimSession reserves the session slot before the upgrade handshake
// starts, so two peers dialing at once cannot both pass the gate. The
// claim is converted into a session by onConnect or released by
// releaseClaim when the handshake fails.
func (s *Server) claimSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess.connected || s.claimed || s.clock.Now().Before(s.acceptAfter) {
		return false
	}
	s.claimed = true
	return true
}

func (s *Server) releaseClaim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = false
}

func (s *Server) onConnect(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = false
	s.peer = conn
	s.sess = session{
		connected:    true,
		lastActivity: s.clock.Now(),
	}
	log.WithField("peer", conn.RemoteAddr()).Info("link: peer connected")
}

func (s *Server) onDisconnect(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// a watchdog-forced disconnect may already have reset the session
	if s.peer != conn {
		return
	}
	log.Info("link: peer disconnected, advertising restarts")
	s.resetSession(s.clock.Now())
}

// resetSession requires s.mu held.
func (s *Server) resetSession(now time.Time) {
	s.peer = nil
	s.sess = session{}
	s.acceptAfter = now.Add(readvertiseDelay)
}

// readPump drains the peer connection so close frames are processed. No
// request/response exchange is defined on the channels, so inbound payloads
// are discarded.
func (s *Server) readPump(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
