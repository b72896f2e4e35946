// Command idscp2 runs an example IDSCP2 peer: a server that echoes
// every message, or a client that sends one message and waits for the
// echo. Both sides attest with the in-process dummy suite.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"

	idscp2 "github.com/industrial-data-space/idscp2-go"
	"github.com/industrial-data-space/idscp2-go/daps"
	"github.com/industrial-data-space/idscp2-go/ra"
)

func main() {
	var (
		local    string
		remote   string
		certFile string
		keyFile  string
		caFile   string
		dapsURL  string
		ack      bool
		verbose  bool
	)
	flag.StringVar(&local, "local", "", "address to listen on (server mode)")
	flag.StringVar(&remote, "remote", "", "address to connect to (client mode)")
	flag.StringVar(&certFile, "cert", "connector.crt", "TLS certificate (PEM)")
	flag.StringVar(&keyFile, "key", "connector.key", "TLS private key (PEM)")
	flag.StringVar(&caFile, "ca", "ca.crt", "trusted CA certificates (PEM)")
	flag.StringVar(&dapsURL, "daps", "https://daps.aisec.fraunhofer.de", "DAPS base url")
	flag.BoolVar(&ack, "ack", false, "enable acknowledged data mode")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	cfg, err := buildConfig(certFile, keyFile, caFile, dapsURL, ack, log)
	if err != nil {
		log.Fatal(err)
	}

	switch {
	case local != "":
		runServer(local, cfg, log)
	case remote != "":
		runClient(remote, cfg, log)
	default:
		log.Fatal("one of -local or -remote is required")
	}
}

func buildConfig(certFile, keyFile, caFile, dapsURL string, ack bool, log *logrus.Logger) (*idscp2.Config, error) {
	keyPair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	leaf, err := x509.ParseCertificate(keyPair.Certificate[0])
	if err != nil {
		return nil, err
	}
	rsaKey, ok := keyPair.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		log.Fatal("connector key must be RSA, the DAPS client assertion is RS256")
	}

	caPem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPem)

	dapsDriver, err := daps.NewDriver(daps.Config{
		URL:         dapsURL,
		PrivateKey:  rsaKey,
		Certificate: leaf,
		TLSConfig:   &tls.Config{RootCAs: pool},
		Logger:      log,
	})
	if err != nil {
		return nil, err
	}

	registry := ra.NewRegistry()
	ra.RegisterDummy(registry)

	cfg := idscp2.DefaultConfig()
	cfg.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{keyPair},
		RootCAs:      pool,
		ClientCAs:    pool,
	}
	cfg.Daps = dapsDriver
	cfg.Registry = registry
	cfg.AckEnabled = ack
	cfg.Logger = log
	return cfg, nil
}

func runServer(local string, cfg *idscp2.Config, log *logrus.Logger) {
	server, err := idscp2.Listen(local, cfg, func(sess *idscp2.Session) {
		log.Infof("new session %s from %s", sess.Id(), sess.RemotePeer())
		sess.UnlockMessaging()
	}, idscp2.SessionCallback{
		OnMessage: func(sess *idscp2.Session, b []byte) {
			log.Infof("[%s] received %q", sess.Id(), b)
			if err := sess.NonBlockingSend(b); err != nil {
				log.Warnf("[%s] echo failed: %v", sess.Id(), err)
			}
		},
		OnError: func(sess *idscp2.Session, err error) {
			log.Warnf("[%s] error: %v", sess.Id(), err)
		},
		OnClose: func(sess *idscp2.Session) {
			log.Infof("[%s] closed", sess.Id())
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	log.Infof("listening on %s", server.Addr())

	go waitForSignal(func() { server.Terminate() })
	if err := server.Serve(); err != nil {
		log.Fatal(err)
	}
}

func runClient(remote string, cfg *idscp2.Config, log *logrus.Logger) {
	echoed := make(chan struct{})
	sess, err := idscp2.Connect(context.Background(), remote, cfg, idscp2.SessionCallback{
		OnMessage: func(sess *idscp2.Session, b []byte) {
			log.Infof("received %q", b)
			close(echoed)
		},
		OnError: func(sess *idscp2.Session, err error) {
			log.Warnf("error: %v", err)
		},
		OnClose: func(sess *idscp2.Session) {
			log.Info("closed")
		},
	})
	if err != nil {
		log.Fatal(err)
	}
	sess.UnlockMessaging()

	if err := sess.BlockingSend([]byte("PING"), 5*time.Second); err != nil {
		log.Fatal(err)
	}
	select {
	case <-echoed:
	case <-time.After(5 * time.Second):
		log.Warn("no echo within 5s")
	}
	sess.Close()
}

func waitForSignal(cancel func()) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	sig := <-c
	logrus.Infof("received signal: %s", sig)
	cancel()
}
