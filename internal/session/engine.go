// Package session implements the public engine surface (C7): initiate/accept
// a handshake, send/receive application messages over the resulting ratchet
// connection, and export/import the connection's state for persistence.
package session

import (
	"context"
	"log/slog"
	"sync"

	"ecliptix-core/internal/errs"
	"ecliptix-core/internal/handshake"
	"ecliptix-core/internal/identity"
	"ecliptix-core/internal/metrics"
	"ecliptix-core/internal/ratchet"
	"ecliptix-core/internal/status"
)

// PersistenceEvent is emitted whenever the engine's exportable state changes
// meaningfully enough that a caller should persist it. Critical events (a
// fresh handshake, a DH ratchet) should be written immediately; non-critical
// events (an ordinary message advance) may be debounced by the caller.
type PersistenceEvent struct {
	Critical bool
}

// Engine is one end of a conversation: its own identity material plus at
// most one live ratchet connection to a single peer.
type Engine struct {
	mu sync.Mutex

	identity *identity.Material
	conn     *ratchet.Connection

	status *status.Channel
	log    *slog.Logger

	onPersist func(PersistenceEvent)
}

// New wraps an existing identity Material (already created or restored by
// the caller) in an Engine with no live connection yet. log may be nil, in
// which case status events are only published on the channel, not logged.
func New(local *identity.Material, statusCapacity int, log *slog.Logger) *Engine {
	return &Engine{
		identity: local,
		status:   status.NewChannel(statusCapacity),
		log:      log,
	}
}

// OnPersist registers the callback the engine invokes after any state change
// a caller should write to the secure state container.
func (e *Engine) OnPersist(fn func(PersistenceEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onPersist = fn
}

// Status returns the channel of connectivity/lifecycle events.
func (e *Engine) Status() *status.Channel { return e.status }

func (e *Engine) notify(intent status.Intent, detail string, critical bool) {
	e.status.Publish(status.Event{Intent: intent, Detail: detail})
	if e.log != nil {
		level := slog.LevelInfo
		if intent == status.IntentFaulted || intent == status.IntentReplayRejected {
			level = slog.LevelWarn
		}
		e.log.Log(context.Background(), level, "session status", slog.String("intent", intent.String()), slog.String("detail", detail))
	}
	if e.onPersist != nil {
		e.onPersist(PersistenceEvent{Critical: critical})
	}
}

// Initiate runs the X3DH handshake against a peer's published bundle and
// installs the resulting ratchet connection as the engine's active session.
func (e *Engine) Initiate(peer identity.PublicBundle) (*handshake.InitiatorOutput, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notify(status.IntentHandshakeStarted, "", false)

	out, err := handshake.Initiate(e.identity, peer)
	if err != nil {
		return nil, err
	}

	conn, err := ratchet.New(out.RootKey, out.InitialSendingDHPrivate, out.InitialSendingDHPublic, &out.InitialSendChainKey, &out.InitialRecvChainKey, nil)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	e.notify(status.IntentEstablished, "", true)
	return out, nil
}

// Accept runs the responder side of the handshake and installs the
// resulting connection, consuming the named one-time pre-key (if any) from
// the engine's own identity material first.
func (e *Engine) Accept(in handshake.ResponderInput, peerInitialDHPublic [32]byte) (*handshake.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notify(status.IntentHandshakeStarted, "", false)

	var consumed *identity.KeyPair
	if in.UsedOPKID != nil {
		kp, err := e.identity.ConsumeOnetime(*in.UsedOPKID)
		if err != nil {
			return nil, err
		}
		consumed = &kp
	}

	res, err := handshake.Accept(e.identity, in, consumed)
	if err != nil {
		return nil, err
	}

	conn, err := ratchet.New(res.RootKey, res.InitialSendingDHPrivate, res.InitialSendingDHPublic, &res.InitialSendChainKey, &res.InitialRecvChainKey, &peerInitialDHPublic)
	if err != nil {
		return nil, err
	}
	e.conn = conn
	e.notify(status.IntentEstablished, "", true)
	return res, nil
}

// Send encrypts plaintext over the active connection.
func (e *Engine) Send(plaintext, aadPrefix []byte) (*ratchet.Envelope, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, errs.Protocol(errs.ReasonStateMismatch, "session: no active connection")
	}
	env, err := e.conn.ProduceOutbound(plaintext, aadPrefix)
	if err != nil {
		if e.conn.State() == ratchet.StateFaulted {
			metrics.TamperTripsTotal.Inc()
			e.notify(status.IntentFaulted, err.Error(), true)
		}
		return nil, err
	}
	e.notify(status.IntentEstablished, "", false)
	return env, nil
}

// Receive decrypts an inbound envelope over the active connection.
func (e *Engine) Receive(env *ratchet.Envelope, aadPrefix []byte) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil, errs.Protocol(errs.ReasonStateMismatch, "session: no active connection")
	}
	plaintext, err := e.conn.ConsumeInbound(env, aadPrefix)
	if err != nil {
		if errIsReplay(err) {
			metrics.ReplayRejectionsTotal.WithLabelValues("out_of_window").Inc()
			e.notify(status.IntentReplayRejected, err.Error(), false)
			return nil, err
		}
		if e.conn.State() == ratchet.StateFaulted {
			metrics.TamperTripsTotal.Inc()
			e.notify(status.IntentFaulted, err.Error(), true)
		}
		return nil, err
	}
	e.notify(status.IntentEstablished, "", false)
	return plaintext, nil
}

// Close releases the identity material and tears down the active connection.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		e.conn.Close()
	}
	if e.identity != nil {
		e.identity.Close()
	}
	e.notify(status.IntentClosed, "", true)
	e.status.Close()
}

func errIsReplay(err error) bool {
	e, ok := err.(*errs.Error)
	return ok && e.Kind == errs.KindProtocol && e.Reason == errs.ReasonReplayOrOutOfWindow
}
