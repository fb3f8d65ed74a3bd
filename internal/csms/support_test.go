package csms

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/chargefleet/csms/internal/storage"
	_ "modernc.org/sqlite"
)

func newTestStore(t *testing.T) (*storage.ChargerStore, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "csms_test.db")+"?_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := storage.NewMigrationRunner(db).Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return storage.NewChargerStore(db, nil), db
}

func seedCharger(t *testing.T, store *storage.ChargerStore, serial string, state *storage.ChargerState) {
	t.Helper()
	if _, err := store.GetOrCreateCharger(context.Background(), serial, "DTS-CC-001"); err != nil {
		t.Fatalf("seed charger: %v", err)
	}
	if state != nil {
		if err := store.UpdateChargerState(context.Background(), serial, *state); err != nil {
			t.Fatalf("seed state: %v", err)
		}
	}
}

func seedCustomer(t *testing.T, store *storage.ChargerStore, username string) {
	t.Helper()
	err := store.UpsertCustomer(context.Background(), storage.Customer{
		Username: username,
		FullName: "Test Customer",
		CarPlate: "XX-000-YY",
	})
	if err != nil {
		t.Fatalf("seed customer: %v", err)
	}
}

// fakeIntrospector resolves a fixed token map.
type fakeIntrospector struct {
	mu       sync.Mutex
	tokens   map[string]Identity
	calls    int
	failWith error
}

func (f *fakeIntrospector) Introspect(ctx context.Context, token string) (Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failWith != nil {
		return Identity{}, f.failWith
	}
	identity, ok := f.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return identity, nil
}

func (f *fakeIntrospector) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeMember is a GroupMember that records deliveries.
type fakeMember struct {
	mu       sync.Mutex
	messages [][]byte
	full     bool
}

func (m *fakeMember) Deliver(msg []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.messages = append(m.messages, msg)
	return true
}

func (m *fakeMember) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *fakeMember) last() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) == 0 {
		return nil
	}
	return m.messages[len(m.messages)-1]
}

// fakeAlertSession records sent embeds.
type fakeAlertSession struct {
	mu     sync.Mutex
	embeds []*discordgo.MessageEmbed
	err    error
}

func (f *fakeAlertSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.embeds = append(f.embeds, embed)
	return &discordgo.Message{}, nil
}

func (f *fakeAlertSession) titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.embeds))
	for _, e := range f.embeds {
		out = append(out, e.Title)
	}
	return out
}
