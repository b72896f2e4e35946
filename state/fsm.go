package state

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industrial-data-space/idscp2-go/protocol"
	"github.com/industrial-data-space/idscp2-go/ra"
)

// FSM is the per-connection state machine. One transition executes at
// a time: the mutex is held for the whole lookup + transition +
// next-state-entry sequence.
type FSM struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg      Config
	sc       SecureChannel
	daps     DapsDriver
	registry *ra.Registry
	handler  Handler
	Logger   *logrus.Entry

	state  State
	trans  transitions
	common map[Event]Transition

	prover        ra.ProverDriver
	verifier      ra.VerifierDriver
	proverGen     uint64
	verifierGen   uint64
	proverDone    bool
	verifierDone  bool
	proverSuite   string
	verifierSuite string
	peerDat       []byte

	handshakeTimer *Timer
	verifierTimer  *Timer
	raTimer        *Timer
	datTimer       *Timer
	ackTimer       *Timer

	sendBit     uint8
	recvBit     uint8
	buffered    *pendingData
	retransmits int
	queued      [][]byte

	started    bool
	terminated bool
	closeErr   error
	notified   bool
}

type pendingData struct {
	payload []byte
	bit     uint8
}

func NewFSM(cfg Config, sc SecureChannel, daps DapsDriver, registry *ra.Registry,
	handler Handler, logger *logrus.Entry) *FSM {
	f := &FSM{
		cfg:      cfg,
		sc:       sc,
		daps:     daps,
		registry: registry,
		handler:  handler,
		Logger:   logger,
		state:    STATE_CLOSED,
		trans:    newTransitions(),
		common:   commonTransitions(),
	}
	f.cond = sync.NewCond(&f.mu)
	f.handshakeTimer = NewStaticTimer(&f.mu, func() {
		f.handleEvent(StateEvent{Event: TIMEOUT})
	}, cfg.HandshakeTimeout)
	f.verifierTimer = NewStaticTimer(&f.mu, func() {
		f.handleEvent(StateEvent{Event: TIMEOUT})
	}, cfg.VerifierTimeout)
	f.raTimer = NewDynamicTimer(&f.mu, func() {
		f.handleEvent(StateEvent{Event: REPEAT_RA})
	})
	f.datTimer = NewDynamicTimer(&f.mu, func() {
		f.handleEvent(StateEvent{Event: DAT_TIMER_EXPIRED})
	})
	f.ackTimer = NewStaticTimer(&f.mu, func() {
		f.handleEvent(StateEvent{Event: ACK_TIMER_EXPIRED})
	}, cfg.AckTimeout)
	return f
}

// Start fires the internal START event: arm the handshake timer and,
// on the connecting side only, acquire the local DAT and send Hello.
func (f *FSM) Start() Code {
	return f.processEvent(StateEvent{Event: START})
}

// Terminate requests an orderly shutdown (Close frame, teardown).
func (f *FSM) Terminate() Code {
	return f.processEvent(StateEvent{Event: STOP})
}

// CurrentState is exported for tests and diagnostics.
func (f *FSM) CurrentState() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// CloseErr returns the cause recorded at teardown, if any.
func (f *FSM) CloseErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeErr
}

// PeerDat returns the peer's current dynamic attribute token.
func (f *FSM) PeerDat() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peerDat
}

// SendData blocks until the connection admits user data, then sends.
func (f *FSM) SendData(p []byte, timeout time.Duration) Code {
	deadline := time.Now().Add(timeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.state != STATE_ESTABLISHED {
		if f.terminated || !f.started {
			return CodeNotConnected
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return CodeTimeout
		}
		f.waitLocked(remaining)
	}
	return f.handleEvent(StateEvent{Event: SEND_DATA, Data: p})
}

// QueueData sends if established, else buffers until establishment.
func (f *FSM) QueueData(p []byte) Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.terminated {
		return CodeNotConnected
	}
	if f.state == STATE_ESTABLISHED {
		return f.handleEvent(StateEvent{Event: SEND_DATA, Data: p})
	}
	f.queued = append(f.queued, p)
	return CodeOk
}

// RepeatRa triggers an immediate re-attestation of the peer.
func (f *FSM) RepeatRa() Code {
	return f.processEvent(StateEvent{Event: REPEAT_RA})
}

// WaitEstablished blocks until the state is Established or WaitForAck,
// the FSM has terminated, or timeout.
func (f *FSM) WaitEstablished(timeout time.Duration) Code {
	deadline := time.Now().Add(timeout)
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.state != STATE_ESTABLISHED && f.state != STATE_WAIT_FOR_ACK {
		if f.terminated {
			return CodeNotConnected
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return CodeTimeout
		}
		f.waitLocked(remaining)
	}
	return CodeOk
}

func (f *FSM) waitLocked(d time.Duration) {
	wake := time.AfterFunc(d, f.cond.Broadcast)
	f.cond.Wait()
	wake.Stop()
}

// OnMessage is the secure channel inbound path.
func (f *FSM) OnMessage(b []byte) {
	m, err := protocol.DecodeMessage(b, f.Logger.Logger)
	if err != nil {
		f.Logger.Warnf("Drop Message: %v", err)
		f.processEvent(StateEvent{Event: ERROR, Err: err})
		return
	}
	f.processEvent(StateEvent{Event: msgEvent(m.Type()), Message: m})
}

func (f *FSM) OnError(err error) {
	f.processEvent(StateEvent{Event: ERROR, Err: err})
}

func (f *FSM) OnClose() {
	f.processEvent(StateEvent{Event: ERROR,
		Err: errors.New("secure channel closed by remote peer")})
}

func msgEvent(t protocol.MessageType) Event {
	switch t {
	case protocol.TypeHello:
		return MSG_HELLO
	case protocol.TypeClose:
		return MSG_CLOSE
	case protocol.TypeDatExpired:
		return MSG_DAT_EXPIRED
	case protocol.TypeDat:
		return MSG_DAT
	case protocol.TypeRaProver:
		return MSG_RA_PROVER
	case protocol.TypeRaVerifier:
		return MSG_RA_VERIFIER
	case protocol.TypeReRa:
		return MSG_RE_RA
	case protocol.TypeAck:
		return MSG_ACK
	case protocol.TypeData:
		return MSG_DATA
	}
	return 0
}

// dispatch

func (f *FSM) processEvent(ev StateEvent) Code {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handleEvent(ev)
}

// handleEvent requires the mutex.
func (f *FSM) handleEvent(ev StateEvent) Code {
	if f.dropStale(ev) {
		return CodeOk
	}
	f.Logger.Debugf("Run: Event %s, in State %s", ev.Event, f.state)
	t, ok := f.trans[key(ev.Event, f.state)]
	if !ok && f.state != STATE_CLOSED {
		t, ok = f.common[ev.Event]
	}
	if !ok {
		return f.noTransition(ev)
	}
	res := t(f, ev)
	if res.Dest != 0 && res.Dest != f.state {
		f.Logger.Debugf("Change: Previous %s, Current %s", f.state, res.Dest)
		f.enterState(res.Dest)
	}
	return res.Code
}

// dropStale discards driver callbacks that outlived their driver.
func (f *FSM) dropStale(ev StateEvent) bool {
	switch ev.Event {
	case RA_PROVER_OK, RA_PROVER_FAILED, RA_PROVER_MSG:
		return ev.Gen != f.proverGen
	case RA_VERIFIER_OK, RA_VERIFIER_FAILED, RA_VERIFIER_MSG:
		return ev.Gen != f.verifierGen
	}
	return false
}

func (f *FSM) noTransition(ev StateEvent) Code {
	if f.state == STATE_CLOSED {
		return CodeNotConnected
	}
	f.Logger.Debugf("Ignoring event %s, in State %s", ev.Event, f.state)
	return CodeUnknownTransition
}

func (f *FSM) enterState(dest State) {
	f.state = dest
	switch dest {
	case STATE_ESTABLISHED:
		f.handshakeTimer.Cancel()
		f.cond.Broadcast()
		f.flushQueued()
	case STATE_WAIT_FOR_ACK:
		f.ackTimer.Start()
		f.cond.Broadcast()
	case STATE_CLOSED:
		f.teardown()
	}
}

func (f *FSM) flushQueued() {
	for len(f.queued) > 0 && f.state == STATE_ESTABLISHED {
		p := f.queued[0]
		f.queued = f.queued[1:]
		f.handleEvent(StateEvent{Event: SEND_DATA, Data: p})
	}
}

func (f *FSM) teardown() {
	f.terminated = true
	f.handshakeTimer.Cancel()
	f.verifierTimer.Cancel()
	f.raTimer.Cancel()
	f.datTimer.Cancel()
	f.ackTimer.Cancel()
	f.stopProver()
	f.stopVerifier()
	f.sc.Close()
	f.cond.Broadcast()
	if f.notified {
		return
	}
	f.notified = true
	if f.closeErr != nil {
		f.handler.OnError(f.closeErr)
	}
	f.handler.OnClose()
}

// drivers

func (f *FSM) startProver() error {
	f.stopProver()
	f.proverGen++
	f.proverDone = false
	d, err := f.registry.StartProver(f.proverSuite,
		&proverListener{f: f, gen: f.proverGen})
	if err != nil {
		return err
	}
	f.prover = d
	return nil
}

func (f *FSM) startVerifier() error {
	f.stopVerifier()
	f.verifierGen++
	f.verifierDone = false
	d, err := f.registry.StartVerifier(f.verifierSuite,
		&verifierListener{f: f, gen: f.verifierGen})
	if err != nil {
		return err
	}
	f.verifier = d
	return nil
}

func (f *FSM) stopProver() {
	if f.prover != nil {
		f.prover.Stop()
		f.prover = nil
	}
	f.proverGen++
}

func (f *FSM) stopVerifier() {
	if f.verifier != nil {
		f.verifier.Stop()
		f.verifier = nil
	}
	f.verifierGen++
}

// delegate runs on a fresh worker: the driver may call straight back
// into processEvent, which would self-deadlock on the held mutex.
func (f *FSM) delegateProver(b []byte) {
	if d := f.prover; d != nil {
		go d.Delegate(b)
	}
}

func (f *FSM) delegateVerifier(b []byte) {
	if d := f.verifier; d != nil {
		go d.Delegate(b)
	}
}

// wire output

func (f *FSM) send(m protocol.Message) bool {
	if !f.sc.Send(protocol.EncodeMessage(m, f.Logger.Logger)) {
		f.Logger.Warnf("Send %s failed: channel not connected", m.Type())
		return false
	}
	return true
}

func (f *FSM) sendClose(c protocol.CloseCause, reason string) {
	// best effort; a failed Close frame is not retried
	f.send(&protocol.Close{Cause: c, Reason: reason})
}

// ioFail closes silently: the channel already failed a write, a Close
// frame would fail the same way.
func (f *FSM) ioFail(what string) Result {
	f.closeErr = errors.Errorf("send %s: channel write failed", what)
	return Result{CodeIoError, STATE_CLOSED}
}

func (f *FSM) datDelay(remaining time.Duration) time.Duration {
	return time.Duration(float64(remaining) * f.cfg.DatRenewalThreshold)
}

// ra listener adapters; each carries the generation of the driver it
// was created for, so the FSM can discard stale callbacks

type proverListener struct {
	f   *FSM
	gen uint64
}

func (l *proverListener) OnProverMessage(b []byte) {
	l.f.processEvent(StateEvent{Event: RA_PROVER_MSG, Data: b, Gen: l.gen})
}

func (l *proverListener) OnProverOk() {
	l.f.processEvent(StateEvent{Event: RA_PROVER_OK, Gen: l.gen})
}

func (l *proverListener) OnProverFailed() {
	l.f.processEvent(StateEvent{Event: RA_PROVER_FAILED, Gen: l.gen})
}

type verifierListener struct {
	f   *FSM
	gen uint64
}

func (l *verifierListener) OnVerifierMessage(b []byte) {
	l.f.processEvent(StateEvent{Event: RA_VERIFIER_MSG, Data: b, Gen: l.gen})
}

func (l *verifierListener) OnVerifierOk() {
	l.f.processEvent(StateEvent{Event: RA_VERIFIER_OK, Gen: l.gen})
}

func (l *verifierListener) OnVerifierFailed() {
	l.f.processEvent(StateEvent{Event: RA_VERIFIER_FAILED, Gen: l.gen})
}
