// Package sim is a charge point simulator for exercising the session
// layer without hardware: it boots, heartbeats, reports status, and
// acknowledges every remote command it receives.
package sim

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chargefleet/csms/internal/ocpp"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	readDeadline  = 90 * time.Second
	writeDeadline = 10 * time.Second
)

// Options configures a simulated charge point.
type Options struct {
	ServerURL         string // ws://host:port
	StationCode       string
	Serial            string
	Vendor            string
	Model             string
	FirmwareVersion   string
	HeartbeatInterval time.Duration
	Backoff           *Backoff
	Logger            *zap.Logger
}

// Simulator maintains one device session with jittered reconnect.
type Simulator struct {
	opts   Options
	logger *zap.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	status   string
	statusMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Simulator, error) {
	if opts.ServerURL == "" || opts.Serial == "" {
		return nil, fmt.Errorf("server url and serial are required")
	}
	if opts.StationCode == "" {
		opts.StationCode = "SIM-STATION"
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Simulator{
		opts:   opts,
		logger: opts.Logger,
		status: "Available",
		done:   make(chan struct{}),
	}, nil
}

func (s *Simulator) endpoint() string {
	base := strings.TrimSuffix(s.opts.ServerURL, "/")
	return fmt.Sprintf("%s/ws/charging/station/%s/%s/", base, s.opts.StationCode, s.opts.Serial)
}

// Run connects and keeps the session alive until ctx ends,
// reconnecting with backoff on every drop.
func (s *Simulator) Run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		if err := s.session(ctx); err != nil {
			wait := s.opts.Backoff.Duration()
			s.logger.Warn("session ended, reconnecting",
				zap.String("serial", s.opts.Serial),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stop ends the session and waits for Run to return.
func (s *Simulator) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMu.Unlock()
	<-s.done
}

func (s *Simulator) session(ctx context.Context) error {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"ocpp1.6"},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, s.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	defer conn.Close()

	s.opts.Backoff.Reset()
	s.logger.Info("connected",
		zap.String("serial", s.opts.Serial),
		zap.String("endpoint", s.endpoint()),
	)

	if err := s.sendBoot(); err != nil {
		return err
	}
	if err := s.sendStatus(s.currentStatus()); err != nil {
		return err
	}

	heartbeats := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeats.Stop()

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn) }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-heartbeats.C:
			if err := s.sendCall(ocpp.ActionHeartbeat, map[string]any{}); err != nil {
				return err
			}
		}
	}
}

func (s *Simulator) readLoop(conn *websocket.Conn) error {
	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		frame, err := ocpp.ParseFrame(data)
		if err != nil {
			s.logger.Debug("ignoring unparseable frame", zap.Error(err))
			continue
		}

		switch frame.MessageType {
		case ocpp.MessageTypeCall:
			s.handleRemoteCall(frame)
		case ocpp.MessageTypeCallResult, ocpp.MessageTypeCallError:
			// Acks for our own calls.
		}
	}
}

// handleRemoteCall acknowledges a server-initiated command and tracks
// the resulting local state.
func (s *Simulator) handleRemoteCall(frame *ocpp.Frame) {
	switch frame.Action {
	case "RemoteStartTransaction":
		s.setStatus("Charging")
	case "RemoteStopTransaction":
		s.setStatus("Available")
	}

	ack, err := frame.Result(map[string]any{"status": "Accepted"})
	if err != nil {
		return
	}
	if err := s.write(ack); err != nil {
		s.logger.Warn("failed to ack remote call",
			zap.String("action", frame.Action),
			zap.Error(err),
		)
		return
	}

	// Follow the command with the status report a real charge point
	// would emit.
	switch frame.Action {
	case "RemoteStartTransaction", "RemoteStopTransaction":
		if err := s.sendStatus(s.currentStatus()); err != nil {
			s.logger.Warn("failed to report status", zap.Error(err))
		}
	}
}

func (s *Simulator) sendBoot() error {
	return s.sendCall(ocpp.ActionBootNotification, map[string]any{
		"chargePointVendor":       s.opts.Vendor,
		"chargePointModel":        s.opts.Model,
		"chargePointSerialNumber": s.opts.Serial,
		"firmwareVersion":         s.opts.FirmwareVersion,
	})
}

func (s *Simulator) sendStatus(status string) error {
	return s.sendCall(ocpp.ActionStatusNotification, map[string]any{
		"connectorId": 1,
		"status":      status,
		"errorCode":   "NoError",
	})
}

func (s *Simulator) sendCall(action string, payload any) error {
	data, err := ocpp.NewCall(uuid.NewString(), action, payload)
	if err != nil {
		return err
	}
	return s.write(data)
}

func (s *Simulator) write(data []byte) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("not connected")
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Simulator) setStatus(status string) {
	s.statusMu.Lock()
	s.status = status
	s.statusMu.Unlock()
}

func (s *Simulator) currentStatus() string {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.status
}

// Status reports the simulator's local charge state. Used in tests.
func (s *Simulator) Status() string {
	return s.currentStatus()
}
