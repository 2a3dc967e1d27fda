package hub

import (
	"github.com/rs/zerolog"

	"syncd/internal/store"
	"syncd/internal/wire"
)

// accountActor serializes everything that happens to one account's
// connections. All methods below run on the actor goroutine only.
type accountActor struct {
	accountID string
	mgr       *Manager
	mb        *mailbox
	log       zerolog.Logger

	// live connections by device id; at most one per device.
	conns map[string]*Conn
}

func newAccountActor(accountID string, mgr *Manager) *accountActor {
	return &accountActor{
		accountID: accountID,
		mgr:       mgr,
		mb:        newMailbox(),
		log:       mgr.log.With().Str("account", accountID).Logger(),
		conns:     make(map[string]*Conn),
	}
}

func (a *accountActor) run() {
	for {
		op, ok := a.mb.take()
		if !ok {
			return
		}
		op()
	}
}

func (a *accountActor) register(c *Conn) {
	if prev, ok := a.conns[c.DeviceID]; ok {
		_ = prev.send(wire.Evicted{Type: wire.TypeEvicted})
		prev.close()
		a.log.Info().Str("device", c.DeviceID).Msg("evicted stale connection")
	}
	a.conns[c.DeviceID] = c
	c.setState(StateActive)
}

func (a *accountActor) disconnect(c *Conn) {
	if a.conns[c.DeviceID] == c {
		delete(a.conns, c.DeviceID)
	}
	c.close()
	if len(a.conns) == 0 {
		a.mgr.retire(a)
	}
}

// dropConn evicts a connection whose socket failed. Isolated to that
// connection: siblings keep receiving.
func (a *accountActor) dropConn(c *Conn, reason string) {
	a.log.Warn().Str("device", c.DeviceID).Str("reason", reason).Msg("dropping connection")
	if a.conns[c.DeviceID] == c {
		delete(a.conns, c.DeviceID)
	}
	c.close()
	if len(a.conns) == 0 {
		a.mgr.retire(a)
	}
}

// fanout pushes a change to every live connection except the originating
// device. Each send is independent; a failed send evicts only that
// connection.
func (a *accountActor) fanout(ev store.ChangeEvent) {
	if len(a.conns) == 0 {
		a.mgr.notifier.OfflineDelivery(a.accountID, ev)
		return
	}

	msg := wire.NewChange(string(ev.EntityType), ev.EntityID, ev.Version, ev.Payload, ev.Active)
	var failed []*Conn
	for deviceID, c := range a.conns {
		if deviceID == ev.OriginDeviceID {
			continue
		}
		if err := c.send(msg); err != nil {
			a.log.Warn().Str("device", deviceID).Err(err).Msg("fanout send failed")
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		a.dropConn(c, "fanout write failed")
	}
}

// message dispatches one inbound envelope. Unknown types get a typed error;
// nothing here can take down the actor or sibling connections.
func (a *accountActor) message(c *Conn, env wire.Envelope) {
	if a.conns[c.DeviceID] != c || c.State() == StateClosed {
		return
	}
	h, ok := dispatchTable[env.Type]
	if !ok {
		a.reply(c, wire.NewError(env.ID, wire.CodeValidation, "unknown message type"))
		return
	}
	h(a, c, env)
}

// reply sends a direct response to the calling connection, evicting it on
// write failure.
func (a *accountActor) reply(c *Conn, v any) {
	if err := c.send(v); err != nil {
		a.dropConn(c, "reply write failed")
	}
}
