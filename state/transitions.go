package state

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/industrial-data-space/idscp2-go/protocol"
)

// key packs (event, source state) into the transition table index.
func key(ev Event, s State) uint64 {
	return (uint64(ev) << 32) | uint64(s)
}

type UserTransitions map[Event]Transition

type transitions map[uint64]Transition

func (trs transitions) add(t2 map[State]UserTransitions) {
	for state, _map := range t2 {
		for event, tr := range _map {
			k := key(event, state)
			if _, ok := trs[k]; ok {
				panic(fmt.Sprintf("duplicate transition for event %v in state %v", event, state))
			}
			trs[k] = tr
		}
	}
}

func newTransitions() transitions {
	trs := make(transitions)
	trs.add(map[State]UserTransitions{
		STATE_CLOSED: {
			START: startHandshake,
		},
		STATE_WAIT_FOR_HELLO: {
			MSG_HELLO: handleHello,
			TIMEOUT:   handshakeTimeout,
		},
		STATE_WAIT_FOR_RA: {
			MSG_RA_PROVER:      toVerifier,
			MSG_RA_VERIFIER:    toProver,
			RA_PROVER_MSG:      sendProverMsg,
			RA_VERIFIER_MSG:    sendVerifierMsg,
			RA_PROVER_OK:       proverOk,
			RA_VERIFIER_OK:     verifierOk,
			RA_PROVER_FAILED:   proverFailed,
			RA_VERIFIER_FAILED: verifierFailed,
			MSG_DAT_EXPIRED:    freshDat(0),
			DAT_TIMER_EXPIRED:  peerDatStale,
			MSG_DATA:           handleData,
			TIMEOUT:            handshakeTimeout,
		},
		STATE_WAIT_FOR_RA_PROVER: {
			MSG_RA_VERIFIER:   toProver,
			RA_PROVER_MSG:     sendProverMsg,
			RA_PROVER_OK:      proverOk,
			RA_PROVER_FAILED:  proverFailed,
			MSG_DAT_EXPIRED:   freshDat(0),
			DAT_TIMER_EXPIRED: peerDatStale,
			MSG_RE_RA:         restartProver,
			REPEAT_RA:         repeatRa,
			MSG_DATA:          handleData,
			TIMEOUT:           handshakeTimeout,
		},
		STATE_WAIT_FOR_RA_VERIFIER: {
			MSG_RA_PROVER:      toVerifier,
			RA_VERIFIER_MSG:    sendVerifierMsg,
			RA_VERIFIER_OK:     verifierOk,
			RA_VERIFIER_FAILED: verifierFailed,
			MSG_DAT_EXPIRED:    freshDat(STATE_WAIT_FOR_RA),
			DAT_TIMER_EXPIRED:  verifierDatStale,
			MSG_DATA:           handleData,
			TIMEOUT:            handshakeTimeout,
		},
		STATE_WAIT_FOR_DAT_AND_RA: {
			MSG_DAT:          handleDatRestartRa,
			MSG_DAT_EXPIRED:  freshDat(0),
			MSG_RA_VERIFIER:  toProver,
			RA_PROVER_MSG:    sendProverMsg,
			RA_PROVER_OK:     proverDoneFlag,
			RA_PROVER_FAILED: proverFailed,
			MSG_DATA:         handleData,
			TIMEOUT:          handshakeTimeout,
		},
		STATE_WAIT_FOR_DAT_AND_RA_VERIFIER: {
			MSG_DAT:         handleDatRestartVerifier,
			MSG_DAT_EXPIRED: freshDat(STATE_WAIT_FOR_DAT_AND_RA),
			MSG_DATA:        handleData,
			TIMEOUT:         handshakeTimeout,
		},
		STATE_ESTABLISHED: {
			SEND_DATA:         sendData,
			MSG_DATA:          handleData,
			MSG_ACK:           ignoreEvent,
			MSG_RE_RA:         restartProver,
			REPEAT_RA:         repeatRa,
			MSG_DAT_EXPIRED:   freshDat(STATE_WAIT_FOR_RA),
			DAT_TIMER_EXPIRED: establishedDatStale,
			MSG_RA_PROVER:     toVerifier,
			MSG_RA_VERIFIER:   toProver,
		},
		STATE_WAIT_FOR_ACK: {
			ACK_TIMER_EXPIRED: ackRetransmit,
			MSG_ACK:           handleAck,
			MSG_DATA:          handleData,
			SEND_DATA:         bufferData,
			MSG_RE_RA:         ackThen(restartProver),
			REPEAT_RA:         ackThen(repeatRa),
			MSG_DAT_EXPIRED:   ackThen(freshDat(STATE_WAIT_FOR_RA)),
			DAT_TIMER_EXPIRED: ackThen(establishedDatStale),
			MSG_RA_PROVER:     toVerifier,
			MSG_RA_VERIFIER:   toProver,
		},
	})
	return trs
}

// commonTransitions apply in every state except Closed when the state
// table has no entry.
func commonTransitions() map[Event]Transition {
	return map[Event]Transition{
		STOP:      userClose,
		ERROR:     fatalError,
		MSG_CLOSE: peerClose,
		SEND_DATA: bufferData,
	}
}

// handshake

func startHandshake(f *FSM, ev StateEvent) Result {
	if f.terminated {
		return Result{CodeNotConnected, 0}
	}
	if f.started {
		return Result{CodeOk, 0}
	}
	f.started = true
	f.handshakeTimer.Start()
	if !f.cfg.Active {
		// the listening side waits for the peer's Hello
		return Result{CodeOk, STATE_WAIT_FOR_HELLO}
	}
	if res, ok := f.sendHello(); !ok {
		return res
	}
	return Result{CodeOk, STATE_WAIT_FOR_HELLO}
}

// sendHello pushes the local Hello with a fresh DAT; on failure the
// returned result carries the teardown.
func (f *FSM) sendHello() (Result, bool) {
	dat, err := f.daps.Token()
	if err != nil {
		f.closeErr = errors.Wrap(err, "acquire local dat")
		return Result{CodeIoError, STATE_CLOSED}, false
	}
	hello := &protocol.Hello{
		Dat:         dat,
		SupportedRa: f.cfg.LocalSupportedRa,
		ExpectedRa:  f.cfg.LocalExpectedRa,
	}
	if !f.send(hello) {
		return f.ioFail("hello"), false
	}
	return Result{}, true
}

func handleHello(f *FSM, ev StateEvent) Result {
	hello := ev.Message.(*protocol.Hello)
	if f.cfg.PeerCertificate == nil {
		f.sendClose(protocol.CauseHandshakeFailed, "no peer certificate")
		f.closeErr = errors.New("no peer certificate")
		return Result{CodeRaError, STATE_CLOSED}
	}
	remaining, err := f.daps.Verify(hello.Dat, f.cfg.PeerCertificate)
	if err != nil {
		f.Logger.Warnf("Peer DAT rejected: %v", err)
		f.sendClose(protocol.CauseDatInvalid, "dat rejected")
		f.closeErr = err
		return Result{CodeInvalidDat, STATE_CLOSED}
	}
	f.peerDat = hello.Dat
	f.datTimer.StartWith(f.datDelay(remaining))

	if !f.cfg.Active {
		// answer with our own Hello before attestation starts
		if res, ok := f.sendHello(); !ok {
			return res
		}
	}

	// peer preference decides our prover, local preference our verifier
	f.proverSuite = selectSuite(hello.ExpectedRa, f.cfg.LocalSupportedRa)
	f.verifierSuite = selectSuite(f.cfg.LocalExpectedRa, hello.SupportedRa)
	if f.proverSuite == "" || f.verifierSuite == "" {
		f.sendClose(protocol.CauseHandshakeFailed, "no common ra suite")
		f.closeErr = errors.New("no common ra suite")
		return Result{CodeRaError, STATE_CLOSED}
	}
	if err := f.startVerifier(); err != nil {
		f.sendClose(protocol.CauseRaVerifierFailed, "verifier unavailable")
		f.closeErr = err
		return Result{CodeRaError, STATE_CLOSED}
	}
	if err := f.startProver(); err != nil {
		f.sendClose(protocol.CauseRaProverFailed, "prover unavailable")
		f.closeErr = err
		return Result{CodeRaError, STATE_CLOSED}
	}
	return Result{CodeOk, STATE_WAIT_FOR_RA}
}

// selectSuite returns the first preferred suite that is also
// available, or "".
func selectSuite(preferred, available []string) string {
	for _, p := range preferred {
		for _, a := range available {
			if p == a {
				return p
			}
		}
	}
	return ""
}

// remote attestation

func toVerifier(f *FSM, ev StateEvent) Result {
	f.delegateVerifier(ev.Message.(*protocol.RaProver).Data)
	return Result{CodeOk, 0}
}

func toProver(f *FSM, ev StateEvent) Result {
	f.delegateProver(ev.Message.(*protocol.RaVerifier).Data)
	return Result{CodeOk, 0}
}

func sendProverMsg(f *FSM, ev StateEvent) Result {
	if !f.send(&protocol.RaProver{Data: ev.Data}) {
		return f.ioFail("ra prover")
	}
	return Result{CodeOk, 0}
}

func sendVerifierMsg(f *FSM, ev StateEvent) Result {
	if !f.send(&protocol.RaVerifier{Data: ev.Data}) {
		return f.ioFail("ra verifier")
	}
	return Result{CodeOk, 0}
}

func proverOk(f *FSM, ev StateEvent) Result {
	f.proverDone = true
	if f.verifierDone {
		return f.finishHandshake()
	}
	return Result{CodeOk, STATE_WAIT_FOR_RA_VERIFIER}
}

func proverDoneFlag(f *FSM, ev StateEvent) Result {
	f.proverDone = true
	return Result{CodeOk, 0}
}

func verifierOk(f *FSM, ev StateEvent) Result {
	f.verifierDone = true
	f.verifierTimer.Cancel()
	f.raTimer.StartWith(f.cfg.RaInterval)
	if f.proverDone {
		return f.finishHandshake()
	}
	return Result{CodeOk, STATE_WAIT_FOR_RA_PROVER}
}

func proverFailed(f *FSM, ev StateEvent) Result {
	f.sendClose(protocol.CauseRaProverFailed, "ra prover failed")
	f.closeErr = errors.New("ra prover failed")
	return Result{CodeRaError, STATE_CLOSED}
}

func verifierFailed(f *FSM, ev StateEvent) Result {
	f.sendClose(protocol.CauseRaVerifierFailed, "ra verifier failed")
	f.closeErr = errors.New("ra verifier failed")
	return Result{CodeRaError, STATE_CLOSED}
}

func (f *FSM) finishHandshake() Result {
	if f.cfg.AckEnabled && f.buffered != nil {
		if !f.send(&protocol.Data{Payload: f.buffered.payload, Bit: f.buffered.bit}) {
			return f.ioFail("data")
		}
		return Result{CodeOk, STATE_WAIT_FOR_ACK}
	}
	return Result{CodeOk, STATE_ESTABLISHED}
}

// restartProver answers a peer re-attestation request.
func restartProver(f *FSM, ev StateEvent) Result {
	if err := f.startProver(); err != nil {
		f.sendClose(protocol.CauseRaProverFailed, "prover unavailable")
		f.closeErr = err
		return Result{CodeRaError, STATE_CLOSED}
	}
	return Result{CodeOk, STATE_WAIT_FOR_RA}
}

// repeatRa re-attests the peer: ReRa frame out, fresh local verifier.
func repeatRa(f *FSM, ev StateEvent) Result {
	if !f.send(&protocol.ReRa{Cause: "attestation interval elapsed"}) {
		return f.ioFail("re ra")
	}
	if err := f.startVerifier(); err != nil {
		f.sendClose(protocol.CauseRaVerifierFailed, "verifier unavailable")
		f.closeErr = err
		return Result{CodeRaError, STATE_CLOSED}
	}
	f.verifierTimer.Start()
	return Result{CodeOk, STATE_WAIT_FOR_RA}
}

// dat lifecycle

// freshDat answers a peer DatExpired: send a fresh token and prove
// again. Dest 0 stays in the current state.
func freshDat(dest State) Transition {
	return func(f *FSM, ev StateEvent) Result {
		dat, err := f.daps.Token()
		if err != nil {
			f.closeErr = errors.Wrap(err, "acquire local dat")
			return Result{CodeIoError, STATE_CLOSED}
		}
		if !f.send(&protocol.Dat{Token: dat}) {
			return f.ioFail("dat")
		}
		if err := f.startProver(); err != nil {
			f.sendClose(protocol.CauseRaProverFailed, "prover unavailable")
			f.closeErr = err
			return Result{CodeRaError, STATE_CLOSED}
		}
		return Result{CodeOk, dest}
	}
}

// peerDatStale: the peer token hit its renewal point while RA is
// still in flight; the running verifier is void.
func peerDatStale(f *FSM, ev StateEvent) Result {
	f.stopVerifier()
	f.verifierDone = false
	if !f.send(&protocol.DatExpired{}) {
		return f.ioFail("dat expired")
	}
	return Result{CodeOk, STATE_WAIT_FOR_DAT_AND_RA}
}

func verifierDatStale(f *FSM, ev StateEvent) Result {
	f.stopVerifier()
	f.verifierDone = false
	if !f.send(&protocol.DatExpired{}) {
		return f.ioFail("dat expired")
	}
	f.handshakeTimer.Reset()
	return Result{CodeOk, STATE_WAIT_FOR_DAT_AND_RA_VERIFIER}
}

func establishedDatStale(f *FSM, ev StateEvent) Result {
	f.stopVerifier()
	f.verifierDone = false
	if !f.send(&protocol.DatExpired{}) {
		return f.ioFail("dat expired")
	}
	f.handshakeTimer.Reset()
	return Result{CodeOk, STATE_WAIT_FOR_DAT_AND_RA_VERIFIER}
}

func handleDatRestartRa(f *FSM, ev StateEvent) Result {
	return f.acceptDat(ev, STATE_WAIT_FOR_RA, false)
}

func handleDatRestartVerifier(f *FSM, ev StateEvent) Result {
	return f.acceptDat(ev, STATE_WAIT_FOR_RA_VERIFIER, true)
}

func (f *FSM) acceptDat(ev StateEvent, dest State, boundVerifier bool) Result {
	d := ev.Message.(*protocol.Dat)
	remaining, err := f.daps.Verify(d.Token, f.cfg.PeerCertificate)
	if err != nil {
		f.Logger.Warnf("Peer DAT rejected: %v", err)
		f.sendClose(protocol.CauseDatInvalid, "dat rejected")
		f.closeErr = err
		return Result{CodeInvalidDat, STATE_CLOSED}
	}
	f.peerDat = d.Token
	f.datTimer.StartWith(f.datDelay(remaining))
	if err := f.startVerifier(); err != nil {
		f.sendClose(protocol.CauseRaVerifierFailed, "verifier unavailable")
		f.closeErr = err
		return Result{CodeRaError, STATE_CLOSED}
	}
	if boundVerifier {
		f.verifierTimer.Start()
	}
	return Result{CodeOk, dest}
}

// user data

func sendData(f *FSM, ev StateEvent) Result {
	if f.cfg.AckEnabled {
		f.buffered = &pendingData{payload: ev.Data, bit: f.sendBit}
		f.retransmits = 0
		if !f.send(&protocol.Data{Payload: ev.Data, Bit: f.sendBit}) {
			return f.ioFail("data")
		}
		return Result{CodeOk, STATE_WAIT_FOR_ACK}
	}
	if !f.send(&protocol.Data{Payload: ev.Data}) {
		return f.ioFail("data")
	}
	return Result{CodeOk, 0}
}

func handleData(f *FSM, ev StateEvent) Result {
	m := ev.Message.(*protocol.Data)
	if f.cfg.AckEnabled {
		f.send(&protocol.Ack{Bit: m.Bit})
		if m.Bit != f.recvBit {
			f.Logger.Debug("Duplicate Data, already delivered")
			return Result{CodeOk, 0}
		}
		f.recvBit ^= 1
	}
	f.handler.OnMessage(m.Payload)
	return Result{CodeOk, 0}
}

func handleAck(f *FSM, ev StateEvent) Result {
	m := ev.Message.(*protocol.Ack)
	if f.buffered == nil || m.Bit != f.buffered.bit {
		f.Logger.Debug("Ignoring stale Ack")
		return Result{CodeOk, 0}
	}
	f.ackTimer.Cancel()
	f.buffered = nil
	f.sendBit ^= 1
	return Result{CodeOk, STATE_ESTABLISHED}
}

func ackRetransmit(f *FSM, ev StateEvent) Result {
	if f.buffered == nil {
		return Result{CodeOk, STATE_ESTABLISHED}
	}
	if f.retransmits >= f.cfg.MaxRetransmits {
		f.sendClose(protocol.CauseTimeout, "ack retries exhausted")
		f.closeErr = errors.New("ack retries exhausted")
		return Result{CodeTimeout, STATE_CLOSED}
	}
	f.retransmits++
	if !f.send(&protocol.Data{Payload: f.buffered.payload, Bit: f.buffered.bit}) {
		return f.ioFail("data")
	}
	f.ackTimer.Start()
	return Result{CodeOk, 0}
}

func bufferData(f *FSM, ev StateEvent) Result {
	f.queued = append(f.queued, ev.Data)
	return Result{CodeOk, 0}
}

func ignoreEvent(f *FSM, ev StateEvent) Result {
	return Result{CodeOk, 0}
}

// ackThen voids the pending ack window before a re-attestation or dat
// detour; the buffered message is resent once the handshake finishes.
func ackThen(next Transition) Transition {
	return func(f *FSM, ev StateEvent) Result {
		f.ackTimer.Cancel()
		return next(f, ev)
	}
}

// teardown paths

func userClose(f *FSM, ev StateEvent) Result {
	f.sendClose(protocol.CauseUserShutdown, "user shutdown")
	return Result{CodeOk, STATE_CLOSED}
}

func fatalError(f *FSM, ev StateEvent) Result {
	f.closeErr = ev.Err
	return Result{CodeIoError, STATE_CLOSED}
}

func peerClose(f *FSM, ev StateEvent) Result {
	m := ev.Message.(*protocol.Close)
	f.Logger.Infof("Closed by peer: %s (%s)", m.Cause, m.Reason)
	if m.Cause != protocol.CauseUserShutdown {
		f.closeErr = errors.Errorf("closed by peer: %s (%s)", m.Cause, m.Reason)
	}
	return Result{CodeOk, STATE_CLOSED}
}

func handshakeTimeout(f *FSM, ev StateEvent) Result {
	f.sendClose(protocol.CauseTimeout, "handshake timeout")
	f.closeErr = errors.New("handshake timed out")
	return Result{CodeTimeout, STATE_CLOSED}
}
