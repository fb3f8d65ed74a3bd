package csms

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Broadcast event kinds.
const (
	EventStatusUpdate    = "status_update"
	EventHeartbeatUpdate = "heartbeat_update"
	EventStatusSnapshot  = "status_snapshot"
)

// Update is the broadcast envelope delivered to every member of a
// charger's group.
type Update struct {
	Event  string `json:"event"`
	Serial string `json:"charger_serial_number"`
	Status string `json:"status,omitempty"`
	Time   string `json:"time,omitempty"`
}

// GroupMember receives broadcast frames. Deliver must not block; it
// reports false when the member's buffer is full and the frame was
// dropped.
type GroupMember interface {
	Deliver(msg []byte) bool
}

// TapFunc observes every published update after group delivery.
type TapFunc func(update Update)

// GroupName returns the broadcast group for a charger serial.
func GroupName(serial string) string {
	return "ev_charger_" + serial
}

// Fanout is the in-process broadcast layer: named groups of session
// members, best-effort at-most-once delivery, plus taps for bridges.
type Fanout struct {
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	groups map[string]map[GroupMember]struct{}
	taps   []TapFunc
}

func NewFanout(logger *zap.Logger, metrics *Metrics) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{
		logger:  logger,
		metrics: metrics,
		groups:  make(map[string]map[GroupMember]struct{}),
	}
}

// AddTap registers an observer for all subsequent publishes. Taps are
// wired at startup, before any session exists.
func (f *Fanout) AddTap(tap TapFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taps = append(f.taps, tap)
}

func (f *Fanout) Join(group string, member GroupMember) {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, ok := f.groups[group]
	if !ok {
		members = make(map[GroupMember]struct{})
		f.groups[group] = members
	}
	members[member] = struct{}{}
}

// Leave removes member from group. Leaving a group the member is not
// in is a no-op, so teardown paths can call it unconditionally.
func (f *Fanout) Leave(group string, member GroupMember) {
	f.mu.Lock()
	defer f.mu.Unlock()

	members, ok := f.groups[group]
	if !ok {
		return
	}
	delete(members, member)
	if len(members) == 0 {
		delete(f.groups, group)
	}
}

func (f *Fanout) MemberCount(group string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.groups[group])
}

// Publish marshals update once and delivers it to every member of
// group. A member with a full buffer loses this frame; delivery never
// blocks the publisher. Taps run after group delivery.
func (f *Fanout) Publish(group string, update Update) {
	if update.Time == "" {
		update.Time = time.Now().UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		f.logger.Error("Failed to encode broadcast", zap.String("event", update.Event), zap.Error(err))
		f.metrics.RecordError("fanout", "encode")
		return
	}

	f.mu.RLock()
	members := make([]GroupMember, 0, len(f.groups[group]))
	for m := range f.groups[group] {
		members = append(members, m)
	}
	taps := f.taps
	f.mu.RUnlock()

	for _, m := range members {
		if m.Deliver(data) {
			f.metrics.RecordBroadcast(update.Event, "delivered")
		} else {
			f.logger.Warn("Dropped broadcast for slow subscriber",
				zap.String("group", group),
				zap.String("event", update.Event))
			f.metrics.RecordBroadcast(update.Event, "dropped")
		}
	}

	for _, tap := range taps {
		tap(update)
	}
}
