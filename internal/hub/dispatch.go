package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"syncd/internal/model"
	"syncd/internal/store"
	"syncd/internal/wire"
)

// handlerFunc runs on the account actor goroutine.
type handlerFunc func(a *accountActor, c *Conn, env wire.Envelope)

var dispatchTable = map[string]handlerFunc{
	wire.TypePing:               handlePing,
	wire.TypeSessionUpdate:      entityUpdate(model.EntitySession),
	wire.TypeMachineUpdate:      entityUpdate(model.EntityMachine),
	wire.TypeArtifactWrite:      entityUpdate(model.EntityArtifact),
	wire.TypeAccessKeyUpdate:    entityUpdate(model.EntityAccessKey),
	wire.TypeSessionAlive:       liveness(model.EntitySession, false),
	wire.TypeSessionEnd:         liveness(model.EntitySession, true),
	wire.TypeMachineHeartbeat:   liveness(model.EntityMachine, false),
	wire.TypePermissionDecision: handlePermissionDecision,
	wire.TypeResyncRequest:      handleResync,
}

func handlePing(a *accountActor, c *Conn, env wire.Envelope) {
	a.reply(c, wire.Pong{Type: wire.TypePong, ReplyTo: env.ID})
}

// storeError maps store failures onto the wire taxonomy. Internal errors get
// a correlation id that ties the client reply to the server log line.
func (a *accountActor) storeError(c *Conn, env wire.Envelope, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		a.reply(c, wire.NewError(env.ID, wire.CodeNotFound, "entity not found"))
	case errors.Is(err, store.ErrAccessDenied):
		a.reply(c, wire.NewError(env.ID, wire.CodeAuthorizationDenied, "entity belongs to another account"))
	default:
		corrID := uuid.NewString()
		a.log.Error().Str("correlation", corrID).Str("device", c.DeviceID).Str("msg_type", env.Type).Err(err).Msg("store failure")
		a.reply(c, wire.Error{Type: wire.TypeError, ReplyTo: env.ID, Code: wire.CodeInternal, Message: "internal error", CorrelationID: corrID})
	}
}

// entityUpdate builds the validate -> versioned write -> ack pipeline for one
// entity kind. Version mismatches go straight back to the caller; the client
// decides whether to rebase and resend.
func entityUpdate(typ model.EntityType) handlerFunc {
	return func(a *accountActor, c *Conn, env wire.Envelope) {
		var req wire.UpdateRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.ID == "" {
			a.reply(c, wire.NewError(env.ID, wire.CodeValidation, "invalid update payload"))
			return
		}
		if req.ExpectedVersion < 0 {
			a.reply(c, wire.NewError(env.ID, wire.CodeValidation, "invalid expectedVersion"))
			return
		}

		res, err := a.mgr.store.Write(context.Background(), typ, c.AccountID, req.ID, req.ExpectedVersion, req.Payload, c.DeviceID, nowMillis())
		if err != nil {
			a.storeError(c, env, err)
			return
		}
		if res.Status == store.StatusVersionMismatch {
			a.reply(c, wire.VersionMismatch{
				Type:           wire.TypeVersionMismatch,
				ReplyTo:        env.ID,
				EntityType:     string(typ),
				EntityID:       req.ID,
				CurrentVersion: res.CurrentVersion,
				CurrentPayload: res.CurrentPayload,
			})
			return
		}
		a.reply(c, wire.WriteAck{
			Type:       wire.TypeWriteAck,
			ReplyTo:    env.ID,
			EntityType: string(typ),
			EntityID:   req.ID,
			Version:    res.Version,
		})
	}
}

// liveness touches lastActiveAt without bumping the version; end clears the
// signal. No change event, no fan-out.
func liveness(typ model.EntityType, end bool) handlerFunc {
	return func(a *accountActor, c *Conn, env wire.Envelope) {
		var req wire.LivenessRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil || req.ID == "" {
			a.reply(c, wire.NewError(env.ID, wire.CodeValidation, "invalid liveness payload"))
			return
		}
		at := req.Time
		if end {
			at = 0
		} else if at == 0 {
			at = nowMillis()
		}
		if err := a.mgr.store.Touch(context.Background(), typ, c.AccountID, req.ID, at, nowMillis()); err != nil {
			a.storeError(c, env, err)
			return
		}
		a.reply(c, wire.Ack{Type: wire.TypeAck, ReplyTo: env.ID})
	}
}

func handlePermissionDecision(a *accountActor, c *Conn, env wire.Envelope) {
	var req wire.PermissionDecision
	if err := json.Unmarshal(env.Payload, &req); err != nil || req.SessionID == "" || req.RequestID == "" {
		a.reply(c, wire.NewError(env.ID, wire.CodeValidation, "invalid permission payload"))
		return
	}
	if req.Decision != "allow" && req.Decision != "deny" {
		a.reply(c, wire.NewError(env.ID, wire.CodeValidation, "decision must be allow or deny"))
		return
	}

	res, err := a.mgr.store.Write(context.Background(), model.EntitySession, c.AccountID, req.SessionID, req.ExpectedVersion, req.Payload, c.DeviceID, nowMillis())
	if err != nil {
		a.storeError(c, env, err)
		return
	}
	if res.Status == store.StatusVersionMismatch {
		a.reply(c, wire.VersionMismatch{
			Type:           wire.TypeVersionMismatch,
			ReplyTo:        env.ID,
			EntityType:     string(model.EntitySession),
			EntityID:       req.SessionID,
			CurrentVersion: res.CurrentVersion,
			CurrentPayload: res.CurrentPayload,
		})
		return
	}
	a.reply(c, wire.WriteAck{
		Type:       wire.TypeWriteAck,
		ReplyTo:    env.ID,
		EntityType: string(model.EntitySession),
		EntityID:   req.SessionID,
		Version:    res.Version,
	})
}

// handleResync streams the backlog for the presented cursors and finishes
// with resync-complete. The whole exchange runs as one actor op, so every
// change accepted after this request is delivered strictly after the
// backlog.
func handleResync(a *accountActor, c *Conn, env wire.Envelope) {
	var req wire.ResyncRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		a.reply(c, wire.NewError(env.ID, wire.CodeValidation, "invalid resync payload"))
		return
	}

	c.setState(StateSyncing)
	defer func() {
		if c.State() == StateSyncing {
			c.setState(StateActive)
		}
	}()

	cursors := make([]store.Cursor, 0, len(req.Cursors))
	for _, cur := range req.Cursors {
		cursors = append(cursors, store.Cursor{Type: model.EntityType(cur.EntityType), ID: cur.EntityID, LastVersion: cur.LastVersion})
	}

	backlog, failures, err := a.mgr.store.ChangedSince(context.Background(), c.AccountID, cursors)
	if err != nil {
		a.storeError(c, env, err)
		return
	}

	for _, e := range backlog {
		if err := c.send(wire.NewChange(string(e.Type), e.ID, e.Version, e.Payload, e.Active)); err != nil {
			a.dropConn(c, "resync write failed")
			return
		}
	}
	for _, f := range failures {
		if err := c.send(wire.ResyncError{Type: wire.TypeResyncError, EntityType: string(f.Type), EntityID: f.ID, Code: wire.CodeNotFound}); err != nil {
			a.dropConn(c, "resync write failed")
			return
		}
	}
	a.reply(c, wire.ResyncComplete{Type: wire.TypeResyncComplete, ReplyTo: env.ID})
}
