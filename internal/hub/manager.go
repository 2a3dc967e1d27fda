package hub

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"syncd/internal/store"
	"syncd/internal/wire"
)

// Notifier is the push-notification hook: it fires when a change event finds
// zero live connections for its account. Delivery is the collaborator's
// problem.
type Notifier interface {
	OfflineDelivery(accountID string, ev store.ChangeEvent)
}

// NopNotifier discards offline-delivery signals.
type NopNotifier struct{}

func (NopNotifier) OfflineDelivery(string, store.ChangeEvent) {}

// Manager owns one single-goroutine actor per account. Accounts are
// independent partitions: ops for different accounts run in parallel, ops
// for one account are strictly serialized by its actor mailbox.
type Manager struct {
	store    *store.Store
	log      zerolog.Logger
	notifier Notifier

	mu     sync.Mutex
	actors map[string]*accountActor
}

func NewManager(st *store.Store, log zerolog.Logger, notifier Notifier) *Manager {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Manager{
		store:    st,
		log:      log.With().Str("component", "hub").Logger(),
		notifier: notifier,
		actors:   make(map[string]*accountActor),
	}
}

func (m *Manager) actorFor(accountID string) *accountActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.actors[accountID]
	if a == nil {
		a = newAccountActor(accountID, m)
		m.actors[accountID] = a
		go a.run()
	}
	return a
}

// retire removes an actor that just dropped its last connection. Called from
// the actor goroutine; a concurrent Attach that already enqueued a register
// op keeps the actor alive.
func (m *Manager) retire(a *accountActor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.mb.closeIfEmpty() {
		delete(m.actors, a.accountID)
	}
}

// Attach registers an authenticated device connection and returns its handle.
// A previous connection for the same device is evicted first.
func (m *Manager) Attach(accountID, deviceID string, sock Socket) *Conn {
	c := newConn(accountID, deviceID, sock)
	c.setState(StateAuthenticated)
	for {
		a := m.actorFor(accountID)
		if a.mb.put(func() { a.register(c) }) {
			return c
		}
	}
}

// Receive routes an inbound client envelope to the account actor. Messages
// for an evicted connection are dropped.
func (m *Manager) Receive(c *Conn, env wire.Envelope) {
	m.mu.Lock()
	a := m.actors[c.AccountID]
	m.mu.Unlock()
	if a == nil {
		return
	}
	a.mb.put(func() { a.message(c, env) })
}

// Detach removes a connection after its socket is gone.
func (m *Manager) Detach(c *Conn) {
	m.mu.Lock()
	a := m.actors[c.AccountID]
	m.mu.Unlock()
	if a == nil {
		return
	}
	a.mb.put(func() { a.disconnect(c) })
}

// HandleChange implements store.EventSink. Events reach the account actor in
// emission order; with no live connections the push hook fires instead.
func (m *Manager) HandleChange(ev store.ChangeEvent) {
	m.mu.Lock()
	a := m.actors[ev.AccountID]
	m.mu.Unlock()
	if a == nil || !a.mb.put(func() { a.fanout(ev) }) {
		m.notifier.OfflineDelivery(ev.AccountID, ev)
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
