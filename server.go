package idscp2

import (
	"crypto/tls"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Server accepts TLS connections and runs the IDSCP2 handshake on
// each. Established sessions are handed to the connection callback and
// tracked until they close.
type Server struct {
	cfg          *Config
	cb           SessionCallback
	onConnection func(*Session)

	listener net.Listener
	sessions *sessionRegistry
	log      *logrus.Entry
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, cfg *Config, onConnection func(*Session), cb SessionCallback) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, err
	}
	l, err := tls.Listen("tcp", addr, cfg.serverTLSConfig())
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	return &Server{
		cfg:          cfg,
		cb:           cb,
		onConnection: onConnection,
		listener:     l,
		sessions:     newSessionRegistry(),
		log:          cfg.Logger.WithField("server", l.Addr().String()),
	}, nil
}

// Addr is the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve accepts until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		go s.handle(conn.(*tls.Conn))
	}
}

func (s *Server) handle(conn *tls.Conn) {
	// bound the TLS handshake separately from the IDSCP2 handshake
	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := conn.Handshake(); err != nil {
		s.log.Warnf("TLS handshake failed: %v", err)
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})

	sess, err := newSession(conn, s.cfg, s.cb, false)
	if err != nil {
		s.log.Warnf("Session setup failed: %v", err)
		return
	}
	sess.closedHook = func() { s.sessions.drop(sess.id) }
	s.sessions.track(sess)
	if err := sess.start(); err != nil {
		s.log.Warnf("Handshake start failed: %v", err)
		sess.Close()
		return
	}
	if err := sess.waitEstablished(s.cfg.HandshakeTimeout); err != nil {
		s.log.Warnf("Handshake failed: %v", err)
		sess.Close()
		return
	}
	sess.Logger.Info("IDSCP2 session established")
	if s.onConnection != nil {
		s.onConnection(sess)
	}
}

// GetSession returns a live session by id.
func (s *Server) GetSession(id string) (*Session, bool) {
	return s.sessions.get(id)
}

// SessionCount is the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// RepeatRaAll triggers an immediate re-attestation of every live
// session's peer.
func (s *Server) RepeatRaAll() {
	s.sessions.repeatRaAll()
}

// Stop stops accepting; live sessions keep running.
func (s *Server) Stop() error {
	return s.listener.Close()
}

// Terminate stops accepting and closes every live session.
func (s *Server) Terminate() {
	s.Stop()
	s.sessions.closeAll()
}
