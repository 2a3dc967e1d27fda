package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"syncd/internal/model"
	"syncd/internal/store"
	"syncd/internal/wire"
)

type testSocket struct {
	mu     sync.Mutex
	msgs   []any
	fail   bool
	closed bool
}

var errWrite = errors.New("write failed")

func (s *testSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errWrite
	}
	s.msgs = append(s.msgs, v)
	return nil
}

func (s *testSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *testSocket) snapshot() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]any(nil), s.msgs...)
}

func (s *testSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type recordNotifier struct {
	mu    sync.Mutex
	calls []store.ChangeEvent
}

func (n *recordNotifier) OfflineDelivery(accountID string, ev store.ChangeEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, ev)
}

func (n *recordNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *recordNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = nil
}

func newTestHub(t *testing.T) (*store.Store, *Manager, *recordNotifier) {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	notifier := &recordNotifier{}
	mgr := NewManager(st, zerolog.Nop(), notifier)
	st.SetSink(mgr)
	return st, mgr, notifier
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func attach(t *testing.T, mgr *Manager, accountID, deviceID string) (*Conn, *testSocket) {
	t.Helper()
	sock := &testSocket{}
	c := mgr.Attach(accountID, deviceID, sock)
	waitFor(t, "connection active", func() bool { return c.State() == StateActive })
	return c, sock
}

func envelope(t *testing.T, msgType, id string, payload any) wire.Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return wire.Envelope{Type: msgType, ID: id, Payload: data}
}

func changesOf(msgs []any) []wire.Change {
	var out []wire.Change
	for _, m := range msgs {
		if ch, ok := m.(wire.Change); ok {
			out = append(out, ch)
		}
	}
	return out
}

func TestManager_FanoutPreservesWriteOrder(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, s1 := attach(t, mgr, "acct", "d1")
	_, s2 := attach(t, mgr, "acct", "d2")

	for i := int64(1); i <= 3; i++ {
		if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, i, []byte("p"), "", 1000+i); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	for _, sock := range []*testSocket{s1, s2} {
		waitFor(t, "3 changes", func() bool { return len(changesOf(sock.snapshot())) == 3 })
		chs := changesOf(sock.snapshot())
		for i, ch := range chs {
			if ch.Version != int64(i+2) {
				t.Fatalf("out-of-order delivery: got version %d at index %d", ch.Version, i)
			}
		}
	}
}

func TestManager_EchoSuppression(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c1, s1 := attach(t, mgr, "acct", "d1")
	_, s3 := attach(t, mgr, "acct", "d3")

	mgr.Receive(c1, envelope(t, wire.TypeSessionUpdate, "m1", wire.UpdateRequest{ID: e.ID, ExpectedVersion: 1, Payload: []byte("p1")}))

	waitFor(t, "write ack", func() bool {
		for _, m := range s1.snapshot() {
			if ack, ok := m.(wire.WriteAck); ok && ack.ReplyTo == "m1" && ack.Version == 2 {
				return true
			}
		}
		return false
	})
	waitFor(t, "sibling change", func() bool { return len(changesOf(s3.snapshot())) == 1 })

	if len(changesOf(s1.snapshot())) != 0 {
		t.Fatalf("originating device received its own change")
	}
	ch := changesOf(s3.snapshot())[0]
	if ch.Version != 2 || ch.EntityID != e.ID {
		t.Fatalf("unexpected change: %+v", ch)
	}
}

func TestManager_EvictsPreviousDeviceConnection(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c1, s1 := attach(t, mgr, "acct", "d1")
	_, s1b := attach(t, mgr, "acct", "d1")

	waitFor(t, "first connection closed", func() bool { return s1.isClosed() })
	if c1.State() != StateClosed {
		t.Fatalf("expected evicted connection closed, got %s", c1.State())
	}

	evicted := false
	for _, m := range s1.snapshot() {
		if _, ok := m.(wire.Evicted); ok {
			evicted = true
		}
	}
	if !evicted {
		t.Fatalf("expected eviction notice on stale connection")
	}

	if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, 1, []byte("p1"), "", 1001); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "replacement receives change", func() bool { return len(changesOf(s1b.snapshot())) == 1 })
	if len(changesOf(s1.snapshot())) != 0 {
		t.Fatalf("evicted connection still received fan-out")
	}
}

func TestManager_OfflineDeliveryHook(t *testing.T) {
	st, _, notifier := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	notifier.reset()

	if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, 1, []byte("p1"), "", 1001); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if notifier.count() != 1 {
		t.Fatalf("expected offline-delivery signal, got %d", notifier.count())
	}
}

func TestManager_DetachRetiresActor(t *testing.T) {
	st, mgr, notifier := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c1, _ := attach(t, mgr, "acct", "d1")
	mgr.Detach(c1)
	waitFor(t, "connection closed", func() bool { return c1.State() == StateClosed })
	notifier.reset()

	if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, 1, []byte("p1"), "", 1001); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "offline delivery after detach", func() bool { return notifier.count() == 1 })
}

func TestManager_UnknownMessageTypeRejected(t *testing.T) {
	_, mgr, _ := newTestHub(t)
	c1, s1 := attach(t, mgr, "acct", "d1")

	mgr.Receive(c1, wire.Envelope{Type: "bogus", ID: "m1"})

	waitFor(t, "validation error", func() bool {
		for _, m := range s1.snapshot() {
			if e, ok := m.(wire.Error); ok && e.Code == wire.CodeValidation && e.ReplyTo == "m1" {
				return true
			}
		}
		return false
	})
	if c1.State() != StateActive {
		t.Fatalf("unknown message type closed the connection")
	}
}

func TestManager_StaleWriteGetsVersionMismatch(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, 1, []byte("p1"), "", 1001); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c1, s1 := attach(t, mgr, "acct", "d1")
	mgr.Receive(c1, envelope(t, wire.TypeSessionUpdate, "m1", wire.UpdateRequest{ID: e.ID, ExpectedVersion: 1, Payload: []byte("stale")}))

	waitFor(t, "version mismatch reply", func() bool {
		for _, m := range s1.snapshot() {
			if vm, ok := m.(wire.VersionMismatch); ok {
				if vm.CurrentVersion != 2 || string(vm.CurrentPayload) != "p1" {
					t.Fatalf("unexpected mismatch payload: %+v", vm)
				}
				return true
			}
		}
		return false
	})
}

func TestManager_CrossAccountUpdateDenied(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "owner", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c1, s1 := attach(t, mgr, "intruder", "d1")
	mgr.Receive(c1, envelope(t, wire.TypeSessionUpdate, "m1", wire.UpdateRequest{ID: e.ID, ExpectedVersion: 1, Payload: []byte("x")}))

	waitFor(t, "authorization denied", func() bool {
		for _, m := range s1.snapshot() {
			if e, ok := m.(wire.Error); ok && e.Code == wire.CodeAuthorizationDenied {
				return true
			}
		}
		return false
	})
	if c1.State() != StateActive {
		t.Fatalf("per-message authorization error closed the connection")
	}
}

func TestManager_ResyncReplaysBacklogThenCompletes(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// d1 writes while d2 is offline: version 1 -> 2.
	_, _ = attach(t, mgr, "acct", "d1")
	if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, 1, []byte("p1"), "d1", 1001); err != nil {
		t.Fatalf("Write: %v", err)
	}

	c2, s2 := attach(t, mgr, "acct", "d2")
	mgr.Receive(c2, envelope(t, wire.TypeResyncRequest, "r1", wire.ResyncRequest{
		Cursors: []wire.ResyncCursor{{EntityType: "session", EntityID: e.ID, LastVersion: 1}},
	}))

	waitFor(t, "resync complete", func() bool {
		for _, m := range s2.snapshot() {
			if rc, ok := m.(wire.ResyncComplete); ok && rc.ReplyTo == "r1" {
				return true
			}
		}
		return false
	})

	msgs := s2.snapshot()
	sawChange := false
	for _, m := range msgs {
		switch v := m.(type) {
		case wire.Change:
			if sawChange {
				t.Fatalf("backlog contained duplicate change")
			}
			if v.Version != 2 || v.EntityID != e.ID {
				t.Fatalf("unexpected backlog change: %+v", v)
			}
			sawChange = true
		case wire.ResyncComplete:
			if !sawChange {
				t.Fatalf("resync-complete arrived before backlog")
			}
		}
	}
	if !sawChange {
		t.Fatalf("backlog change missing")
	}
	if c2.State() != StateActive {
		t.Fatalf("expected connection active after resync, got %s", c2.State())
	}
}

func TestManager_ResyncUnknownEntityFailsDistinctly(t *testing.T) {
	_, mgr, _ := newTestHub(t)
	c1, s1 := attach(t, mgr, "acct", "d1")

	mgr.Receive(c1, envelope(t, wire.TypeResyncRequest, "r1", wire.ResyncRequest{
		Cursors: []wire.ResyncCursor{{EntityType: "session", EntityID: "vanished", LastVersion: 7}},
	}))

	waitFor(t, "resync error and completion", func() bool {
		gotErr, gotDone := false, false
		for _, m := range s1.snapshot() {
			if re, ok := m.(wire.ResyncError); ok && re.Code == wire.CodeNotFound && re.EntityID == "vanished" {
				gotErr = true
			}
			if _, ok := m.(wire.ResyncComplete); ok {
				gotDone = true
			}
		}
		return gotErr && gotDone
	})
}

func TestManager_FanoutSkipsAndEvictsFailedConnection(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c1, s1 := attach(t, mgr, "acct", "d1")
	_, s2 := attach(t, mgr, "acct", "d2")
	s1.mu.Lock()
	s1.fail = true
	s1.mu.Unlock()

	if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, 1, []byte("p1"), "", 1001); err != nil {
		t.Fatalf("Write: %v", err)
	}

	waitFor(t, "healthy sibling receives change", func() bool { return len(changesOf(s2.snapshot())) == 1 })
	waitFor(t, "failed connection evicted", func() bool { return c1.State() == StateClosed })

	if _, err := st.Write(context.Background(), model.EntitySession, "acct", e.ID, 2, []byte("p2"), "", 1002); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, "second change delivered", func() bool { return len(changesOf(s2.snapshot())) == 2 })
}

func TestManager_HeartbeatTouchesWithoutFanout(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntityMachine, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c1, s1 := attach(t, mgr, "acct", "d1")
	_, s2 := attach(t, mgr, "acct", "d2")

	mgr.Receive(c1, envelope(t, wire.TypeMachineHeartbeat, "hb1", wire.LivenessRequest{ID: e.ID, Time: 4242}))

	waitFor(t, "lastActiveAt updated", func() bool {
		got, err := st.Get(context.Background(), model.EntityMachine, "acct", e.ID)
		return err == nil && got.LastActiveAt == 4242
	})
	waitFor(t, "liveness ack", func() bool {
		for _, m := range s1.snapshot() {
			if ack, ok := m.(wire.Ack); ok && ack.ReplyTo == "hb1" {
				return true
			}
		}
		return false
	})

	got, err := st.Get(context.Background(), model.EntityMachine, "acct", e.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Version != 1 {
		t.Fatalf("heartbeat bumped version to %d", got.Version)
	}
	if len(changesOf(s2.snapshot())) != 0 {
		t.Fatalf("heartbeat fanned out a change")
	}
}

func TestManager_PermissionDecisionValidation(t *testing.T) {
	st, mgr, _ := newTestHub(t)
	e, err := st.Create(context.Background(), model.EntitySession, "acct", []byte("p0"), 1000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	c1, s1 := attach(t, mgr, "acct", "d1")
	_, s2 := attach(t, mgr, "acct", "d2")

	mgr.Receive(c1, envelope(t, wire.TypePermissionDecision, "m1", wire.PermissionDecision{
		SessionID: e.ID, RequestID: "req-1", Decision: "maybe", ExpectedVersion: 1, Payload: []byte("p1"),
	}))
	waitFor(t, "validation error for bad decision", func() bool {
		for _, m := range s1.snapshot() {
			if e, ok := m.(wire.Error); ok && e.Code == wire.CodeValidation && e.ReplyTo == "m1" {
				return true
			}
		}
		return false
	})

	mgr.Receive(c1, envelope(t, wire.TypePermissionDecision, "m2", wire.PermissionDecision{
		SessionID: e.ID, RequestID: "req-1", Decision: "allow", ExpectedVersion: 1, Payload: []byte("p1"),
	}))
	waitFor(t, "decision applied and fanned out", func() bool {
		for _, m := range s1.snapshot() {
			if ack, ok := m.(wire.WriteAck); ok && ack.ReplyTo == "m2" && ack.Version == 2 {
				return len(changesOf(s2.snapshot())) == 1
			}
		}
		return false
	})
}

func TestManager_PingPong(t *testing.T) {
	_, mgr, _ := newTestHub(t)
	c1, s1 := attach(t, mgr, "acct", "d1")

	mgr.Receive(c1, wire.Envelope{Type: wire.TypePing, ID: "p1"})
	waitFor(t, "pong", func() bool {
		for _, m := range s1.snapshot() {
			if p, ok := m.(wire.Pong); ok && p.ReplyTo == "p1" {
				return true
			}
		}
		return false
	})
}
