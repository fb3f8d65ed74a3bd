package csms

import (
	"sync"

	"go.uber.org/zap"
)

// Registry maps charger serials to their live device sessions. At
// most one session per charger: a new registration displaces the old
// one (last writer wins) and the displaced session is handed back to
// the caller for teardown.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*ChargerConn
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*ChargerConn),
	}
}

// Register installs conn as the session for serial and returns the
// session it displaced, if any.
func (r *Registry) Register(serial string, conn *ChargerConn) *ChargerConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.sessions[serial]
	r.sessions[serial] = conn
	if prev != nil {
		r.logger.Info("Replacing existing charger session",
			zap.String("serial", serial))
	}
	return prev
}

// Unregister removes the entry for serial only if it still points at
// conn. A stale teardown from a displaced session leaves the current
// entry alone, and repeated teardown is a no-op.
func (r *Registry) Unregister(serial string, conn *ChargerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sessions[serial] == conn {
		delete(r.sessions, serial)
	}
}

// Lookup returns the current session for serial. The result is
// informational; the session may close at any moment after return.
func (r *Registry) Lookup(serial string) (*ChargerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.sessions[serial]
	return conn, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the registered sessions at this instant. Used by
// the heartbeat watchdog sweep.
func (r *Registry) Snapshot() map[string]*ChargerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*ChargerConn, len(r.sessions))
	for serial, conn := range r.sessions {
		out[serial] = conn
	}
	return out
}
