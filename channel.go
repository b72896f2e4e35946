package idscp2

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industrial-data-space/idscp2-go/protocol"
)

type channelListener interface {
	OnMessage(b []byte)
	OnError(err error)
	OnClose()
}

// secureChannel bridges the TLS byte stream and the FSM: framed reads
// on a single worker, serialized framed writes, and a gate that parks
// inbound callbacks until the FSM has been wired. The TLS worker may
// already be reading while the owning session is still being built.
type secureChannel struct {
	conn     *tls.Conn
	peerCert *x509.Certificate

	outMtx    sync.Mutex
	connected atomic.Bool
	closeOnce sync.Once

	listener channelListener
	bound    chan struct{}
	bindOnce sync.Once

	log *logrus.Entry
}

func newSecureChannel(conn *tls.Conn, log *logrus.Entry) (*secureChannel, error) {
	st := conn.ConnectionState()
	if len(st.PeerCertificates) == 0 {
		return nil, errors.New("secure channel: no peer certificate")
	}
	sc := &secureChannel{
		conn:     conn,
		peerCert: st.PeerCertificates[0],
		bound:    make(chan struct{}),
		log:      log,
	}
	sc.connected.Store(true)
	return sc, nil
}

func (sc *secureChannel) PeerCertificate() *x509.Certificate {
	return sc.peerCert
}

func (sc *secureChannel) Send(b []byte) bool {
	if !sc.connected.Load() {
		return false
	}
	sc.outMtx.Lock()
	defer sc.outMtx.Unlock()
	if err := protocol.WriteFrame(sc.conn, b); err != nil {
		sc.log.Warnf("Channel write failed: %v", err)
		sc.connected.Store(false)
		return false
	}
	return true
}

func (sc *secureChannel) Close() error {
	var err error
	sc.closeOnce.Do(func() {
		sc.connected.Store(false)
		err = sc.conn.Close()
	})
	return err
}

func (sc *secureChannel) IsConnected() bool {
	return sc.connected.Load()
}

func (sc *secureChannel) RemotePeer() string {
	return sc.conn.RemoteAddr().String()
}

// bindFSM opens the inbound gate.
func (sc *secureChannel) bindFSM(l channelListener) {
	sc.bindOnce.Do(func() {
		sc.listener = l
		close(sc.bound)
	})
}

// readLoop runs on its own worker for the lifetime of the socket.
func (sc *secureChannel) readLoop() {
	for {
		body, err := protocol.ReadFrame(sc.conn)
		if err != nil {
			<-sc.bound
			sc.connected.Store(false)
			if errors.Cause(err) == io.EOF {
				sc.listener.OnClose()
			} else {
				sc.listener.OnError(err)
			}
			return
		}
		<-sc.bound
		sc.listener.OnMessage(body)
	}
}
