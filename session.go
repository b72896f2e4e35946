// Package idscp2 provides mutually attested sessions over TLS 1.3:
// both peers exchange DAPS-issued dynamic attribute tokens, then
// continuously attest each other through pluggable driver pairs while
// the channel carries application messages.
package idscp2

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/industrial-data-space/idscp2-go/state"
)

// SessionCallback carries the user-visible listeners. OnError, if it
// fires, strictly precedes OnClose; OnClose fires at most once.
type SessionCallback struct {
	OnMessage func(*Session, []byte)
	OnError   func(*Session, error)
	OnClose   func(*Session)
}

// Session is one IDSCP2 connection over one TLS socket.
type Session struct {
	id  string
	cfg *Config
	fsm *state.FSM
	sc  *secureChannel
	cb  SessionCallback

	Logger *logrus.Entry

	// inbound events queue until UnlockMessaging; a single dispatcher
	// preserves delivery order
	mtx      sync.Mutex
	cond     *sync.Cond
	unlocked bool
	events   []sessionEvent
	done     bool

	// closedHook runs as soon as the FSM tears down, independent of
	// the messaging gate
	closedHook func()
}

type sessionEvent struct {
	kind    int
	payload []byte
	err     error
}

const (
	evMessage = iota
	evError
	evClose
)

// newSession wires channel, FSM and dispatcher for one socket; active
// marks the connecting side, which opens the handshake with its Hello.
func newSession(conn *tls.Conn, cfg *Config, cb SessionCallback, active bool) (*Session, error) {
	id := newSessionID()
	logger := cfg.Logger.WithFields(logrus.Fields{
		"session": id,
		"peer":    conn.RemoteAddr().String(),
	})
	sc, err := newSecureChannel(conn, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	o := &Session{
		id:     id,
		cfg:    cfg,
		sc:     sc,
		cb:     cb,
		Logger: logger,
	}
	o.cond = sync.NewCond(&o.mtx)
	o.fsm = state.NewFSM(cfg.fsmConfig(sc.PeerCertificate(), active), sc, cfg.Daps,
		cfg.Registry, &fsmHandler{o}, logger)
	// the TLS worker reads before the FSM is wired; inbound callbacks
	// park on the channel gate until start()
	go sc.readLoop()
	go o.dispatch()
	return o, nil
}

// start fires the handshake and then opens the inbound gate, so the
// peer's Hello cannot outrun our own transition to WaitForHello.
func (o *Session) start() error {
	code := o.fsm.Start()
	o.sc.bindFSM(o.fsm)
	if code != state.CodeOk {
		if err := o.fsm.CloseErr(); err != nil {
			return err
		}
		return codeError(code)
	}
	return nil
}

func newSessionID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (o *Session) Id() string {
	return o.id
}

func (o *Session) RemotePeer() string {
	return o.sc.RemotePeer()
}

// PeerDat returns the peer's current dynamic attribute token.
func (o *Session) PeerDat() []byte {
	return o.fsm.PeerDat()
}

// UsesIdsMessages reports the local UseIdsMessages setting, which
// tells the application layer which envelope to use for Data payloads.
// The setting is not exchanged with the peer.
func (o *Session) UsesIdsMessages() bool {
	return o.cfg.UseIdsMessages
}

// IsEstablished reports whether user data is currently admitted or in
// flight.
func (o *Session) IsEstablished() bool {
	s := o.fsm.CurrentState()
	return s == state.STATE_ESTABLISHED || s == state.STATE_WAIT_FOR_ACK
}

// BlockingSend waits until the connection admits user data, at most
// timeout, then sends.
func (o *Session) BlockingSend(payload []byte, timeout time.Duration) error {
	return codeError(o.fsm.SendData(payload, timeout))
}

// NonBlockingSend sends if established and buffers otherwise; the
// buffer drains on establishment.
func (o *Session) NonBlockingSend(payload []byte) error {
	return codeError(o.fsm.QueueData(payload))
}

// RepeatRa triggers an immediate re-attestation of the peer.
func (o *Session) RepeatRa() error {
	return codeError(o.fsm.RepeatRa())
}

// Close shuts the session down; it is safe to call more than once.
func (o *Session) Close() {
	o.fsm.Terminate()
}

// UnlockMessaging releases queued inbound events to the callbacks.
// Call it once the listeners are attached.
func (o *Session) UnlockMessaging() {
	o.mtx.Lock()
	o.unlocked = true
	o.cond.Broadcast()
	o.mtx.Unlock()
}

func (o *Session) enqueue(ev sessionEvent) {
	o.mtx.Lock()
	o.events = append(o.events, ev)
	if ev.kind == evClose {
		o.done = true
	}
	o.cond.Broadcast()
	o.mtx.Unlock()
}

func (o *Session) dispatch() {
	for {
		o.mtx.Lock()
		for !o.unlocked || len(o.events) == 0 {
			if o.done && !o.unlocked {
				// closed before the application wired up; nothing to
				// deliver to
				dropped := len(o.events)
				o.events = nil
				o.mtx.Unlock()
				if dropped > 0 {
					o.Logger.Debugf("Dropped %d events, session closed before unlock", dropped)
				}
				return
			}
			o.cond.Wait()
		}
		ev := o.events[0]
		o.events = o.events[1:]
		last := o.done && len(o.events) == 0
		o.mtx.Unlock()

		switch ev.kind {
		case evMessage:
			if o.cb.OnMessage != nil {
				o.cb.OnMessage(o, ev.payload)
			}
		case evError:
			if o.cb.OnError != nil {
				o.cb.OnError(o, ev.err)
			}
		case evClose:
			if o.cb.OnClose != nil {
				o.cb.OnClose(o)
			}
		}
		if last {
			return
		}
	}
}

// fsmHandler adapts the Session to the FSM's listener contract; its
// callbacks run under the FSM mutex and only enqueue, except that
// OnClose first runs the teardown hook.
type fsmHandler struct {
	o *Session
}

func (h *fsmHandler) OnMessage(b []byte) {
	h.o.enqueue(sessionEvent{kind: evMessage, payload: b})
}

func (h *fsmHandler) OnError(err error) {
	h.o.enqueue(sessionEvent{kind: evError, err: err})
}

func (h *fsmHandler) OnClose() {
	if hook := h.o.closedHook; hook != nil {
		hook()
	}
	h.o.enqueue(sessionEvent{kind: evClose})
}
