package csms

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chargefleet/csms/internal/storage"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 90% of pongWait
	maxMessageSize = 65536
	sendBufferSize = 256
)

// SubprotocolOCPP16 is the WebSocket subprotocol chargers negotiate.
const SubprotocolOCPP16 = "ocpp1.6"

// ChargerConn is one WebSocket session. A device session owns the
// registry entry for its serial; a monitor session only joins the
// charger's broadcast group.
type ChargerConn struct {
	server      *SessionServer
	conn        *websocket.Conn
	serial      string
	stationCode string
	identity    Identity
	monitor     bool

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	lastFrame time.Time
	mu        sync.Mutex
}

func newChargerConn(server *SessionServer, conn *websocket.Conn, serial, station string, identity Identity, monitor bool) *ChargerConn {
	return &ChargerConn{
		server:      server,
		conn:        conn,
		serial:      serial,
		stationCode: station,
		identity:    identity,
		monitor:     monitor,
		send:        make(chan []byte, sendBufferSize),
		done:        make(chan struct{}),
		lastFrame:   time.Now(),
	}
}

func (c *ChargerConn) Serial() string {
	return c.serial
}

// Deliver queues a broadcast frame without blocking. A full buffer
// loses the frame and reports false.
func (c *ChargerConn) Deliver(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// enqueue queues a protocol response. Unlike Deliver it waits for
// buffer space, because call responses must not be silently dropped.
func (c *ChargerConn) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *ChargerConn) touch() {
	c.mu.Lock()
	c.lastFrame = time.Now()
	c.mu.Unlock()
}

func (c *ChargerConn) lastFrameAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFrame
}

func (c *ChargerConn) readPump() {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warn("unexpected close",
					zap.String("serial", c.serial),
					zap.Error(err),
				)
			}
			return
		}

		c.touch()

		if response := c.server.router.Handle(c.server.ctx, c.serial, message); response != nil {
			c.enqueue(response)
		}
	}
}

func (c *ChargerConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// Close tears the session down exactly once. The registry removal is
// conn-aware, so a displaced session closing late cannot evict its
// replacement, and calling Close repeatedly is harmless.
func (c *ChargerConn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)

		c.server.fanout.Leave(GroupName(c.serial), c)

		if !c.monitor {
			c.server.registry.Unregister(c.serial, c)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.server.store.SetConnected(ctx, c.serial, false); err != nil {
				c.server.logger.Warn("failed to mark charger disconnected",
					zap.String("serial", c.serial),
					zap.Error(err),
				)
			}
			c.server.metrics.SetChargersOnline(int64(c.server.registry.Count()))
		}

		c.conn.Close()
		c.server.sessionClosed()

		c.server.logger.Info("session closed",
			zap.String("serial", c.serial),
			zap.Bool("monitor", c.monitor),
		)
	})
}

// SessionOptions wires a SessionServer's collaborators.
type SessionOptions struct {
	Registry          *Registry
	Fanout            *Fanout
	Router            *Router
	Store             *storage.ChargerStore
	Introspector      TokenIntrospector
	RequireIdentity   bool
	Alerter           *Alerter
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  int
	Logger            *zap.Logger
	Metrics           *Metrics
}

// SessionServer accepts charger and monitor WebSocket connections and
// runs the heartbeat watchdog over registered device sessions.
type SessionServer struct {
	registry        *Registry
	fanout          *Fanout
	router          *Router
	store           *storage.ChargerStore
	introspector    TokenIntrospector
	requireIdentity bool
	alerter         *Alerter

	allowedOrigins    []string
	heartbeatInterval time.Duration
	heartbeatTimeout  int

	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *Metrics
	ctx      context.Context

	sessions atomic.Int64
}

func NewSessionServer(ctx context.Context, opts SessionOptions) *SessionServer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	s := &SessionServer{
		registry:          opts.Registry,
		fanout:            opts.Fanout,
		router:            opts.Router,
		store:             opts.Store,
		introspector:      opts.Introspector,
		requireIdentity:   opts.RequireIdentity,
		alerter:           opts.Alerter,
		allowedOrigins:    opts.AllowedOrigins,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		logger:            opts.Logger,
		metrics:           opts.Metrics,
		ctx:               ctx,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:  s.checkOrigin,
		Subprotocols: []string{SubprotocolOCPP16},
	}
	return s
}

// ServeWS is the device channel: the connecting peer becomes the
// charger's registered session.
func (s *SessionServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, false)
}

// ServeMonitorWS is the command/monitoring channel: the peer joins
// the charger's broadcast group without touching the registry.
func (s *SessionServer) ServeMonitorWS(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, true)
}

func (s *SessionServer) serve(w http.ResponseWriter, r *http.Request, monitor bool) {
	serial := r.PathValue("serial")
	station := r.PathValue("station")

	identity := resolveIdentity(r.Context(), s.introspector, r, s.logger)
	if s.requireIdentity && identity.Anonymous() {
		s.metrics.RecordConnection("rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		s.metrics.RecordConnection("rejected")
		return
	}

	if _, err := s.store.GetOrCreateCharger(s.ctx, serial, station); err != nil {
		s.logger.Error("failed to resolve charger on connect",
			zap.String("serial", serial),
			zap.Error(err),
		)
		s.metrics.RecordConnection("failed")
		conn.Close()
		return
	}

	c := newChargerConn(s, conn, serial, station, identity, monitor)

	if !monitor {
		if prev := s.registry.Register(serial, c); prev != nil {
			s.metrics.RecordConnection("replaced")
			prev.Close()
		}
		if err := s.store.SetConnected(s.ctx, serial, true); err != nil {
			s.logger.Warn("failed to mark charger connected",
				zap.String("serial", serial),
				zap.Error(err),
			)
		}
		s.metrics.SetChargersOnline(int64(s.registry.Count()))
	}
	s.fanout.Join(GroupName(serial), c)

	s.metrics.RecordConnection("accepted")
	s.metrics.SetActiveSessions(s.sessions.Add(1))

	// Snapshot is queued before the pumps start, so it is always the
	// first frame the peer sees.
	s.queueSnapshot(c)

	go c.writePump()
	go c.readPump()

	s.logger.Info("session opened",
		zap.String("serial", serial),
		zap.String("station", station),
		zap.String("username", identity.Username),
		zap.Bool("monitor", monitor),
	)
}

func (s *SessionServer) queueSnapshot(c *ChargerConn) {
	status, err := s.store.LatestStatus(s.ctx, c.serial)
	if err != nil {
		s.logger.Warn("failed to load status snapshot",
			zap.String("serial", c.serial),
			zap.Error(err),
		)
		s.metrics.RecordError("session", "snapshot")
		return
	}

	data, err := json.Marshal(Update{
		Event:  EventStatusSnapshot,
		Serial: c.serial,
		Status: status,
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return
	}
	c.send <- data
}

func (s *SessionServer) sessionClosed() {
	s.metrics.SetActiveSessions(s.sessions.Add(-1))
}

// Run drives the heartbeat watchdog until the server context ends,
// then closes every registered session.
func (s *SessionServer) Run() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			for _, conn := range s.registry.Snapshot() {
				conn.Close()
			}
			return
		case <-ticker.C:
			s.checkHeartbeats()
		}
	}
}

func (s *SessionServer) checkHeartbeats() {
	timeout := s.heartbeatInterval * time.Duration(s.heartbeatTimeout)
	now := time.Now()

	for serial, conn := range s.registry.Snapshot() {
		if now.Sub(conn.lastFrameAt()) > timeout {
			s.logger.Warn("charger heartbeat timeout", zap.String("serial", serial))
			s.alerter.ChargerOffline(serial)
			conn.Close()
		}
	}
}

func (s *SessionServer) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
