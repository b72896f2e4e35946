package idscp2

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/pkg/errors"

	"github.com/industrial-data-space/idscp2-go/state"
)

// Connect dials addr, runs the TLS 1.3 handshake and the IDSCP2
// handshake, and returns the Session once it is established. Attach
// listeners and call UnlockMessaging on the result to start receiving.
func Connect(ctx context.Context, addr string, cfg *Config, cb SessionCallback) (*Session, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	dialer := &tls.Dialer{Config: cfg.clientTLSConfig()}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}
	sess, err := newSession(conn.(*tls.Conn), cfg, cb, true)
	if err != nil {
		return nil, err
	}
	if err := sess.start(); err != nil {
		sess.Close()
		return nil, err
	}
	if err := sess.waitEstablished(cfg.HandshakeTimeout); err != nil {
		sess.Close()
		return nil, err
	}
	sess.Logger.Info("IDSCP2 session established")
	return sess, nil
}

// waitEstablished gives the FSM's own handshake timer a grace period
// to fire first, so the recorded cause wins over a bare timeout.
func (o *Session) waitEstablished(timeout time.Duration) error {
	code := o.fsm.WaitEstablished(timeout + time.Second)
	if code == state.CodeOk {
		return nil
	}
	if err := o.fsm.CloseErr(); err != nil {
		return err
	}
	return codeError(code)
}
