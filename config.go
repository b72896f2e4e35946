package idscp2

import (
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/industrial-data-space/idscp2-go/daps"
	"github.com/industrial-data-space/idscp2-go/ra"
	"github.com/industrial-data-space/idscp2-go/state"
)

// Config carries everything a Session needs beyond its TLS socket.
type Config struct {
	// TLSConfig must hold the local certificate; for servers also the
	// client CA pool. TLS 1.3 and mutual authentication are enforced
	// on top of it.
	TLSConfig *tls.Config

	// Daps acquires local and verifies peer tokens.
	Daps daps.Driver

	// Registry supplies the attestation drivers.
	Registry *ra.Registry

	// SupportedRaSuites are the suites the local prover can run,
	// ExpectedRaSuites the suites accepted from the peer's prover,
	// both in preference order.
	SupportedRaSuites []string
	ExpectedRaSuites  []string

	// AckEnabled switches Data messages to the acknowledged,
	// single-outstanding-message mode.
	AckEnabled     bool
	AckTimeout     time.Duration
	MaxRetransmits int

	// HandshakeTimeout bounds the whole pre-established phase,
	// VerifierTimeout the wait for a re-started verifier to finish.
	HandshakeTimeout time.Duration
	VerifierTimeout  time.Duration

	// RaInterval is the re-attestation period once established.
	RaInterval time.Duration

	// DatRenewalThreshold is the fraction of peer DAT validity after
	// which a fresh token is demanded.
	DatRenewalThreshold float64

	// HostnameVerification toggles TLS hostname checking; chain
	// verification always runs.
	HostnameVerification bool

	// UseIdsMessages selects the IDS infomodel envelope in the
	// application layer above this library.
	UseIdsMessages bool

	Logger *logrus.Logger
}

func DefaultConfig() *Config {
	return &Config{
		AckTimeout:           200 * time.Millisecond,
		MaxRetransmits:       3,
		HandshakeTimeout:     5 * time.Second,
		VerifierTimeout:      5 * time.Second,
		RaInterval:           time.Hour,
		DatRenewalThreshold:  daps.DefaultRenewalThreshold,
		HostnameVerification: true,
		SupportedRaSuites:    []string{ra.DummyRaID},
		ExpectedRaSuites:     []string{ra.DummyRaID},
	}
}

func (c *Config) CheckAndSetDefaults() error {
	if c.TLSConfig == nil {
		return errors.New("config: missing tls config")
	}
	if len(c.TLSConfig.Certificates) == 0 && c.TLSConfig.GetCertificate == nil {
		return errors.New("config: tls config carries no local certificate")
	}
	if c.Daps == nil {
		return errors.New("config: missing daps driver")
	}
	if len(c.SupportedRaSuites) == 0 || len(c.ExpectedRaSuites) == 0 {
		return errors.New("config: no ra suites configured")
	}
	if c.Registry == nil {
		c.Registry = ra.NewRegistry()
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 200 * time.Millisecond
	}
	if c.MaxRetransmits == 0 {
		c.MaxRetransmits = 3
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.VerifierTimeout == 0 {
		c.VerifierTimeout = c.HandshakeTimeout
	}
	if c.RaInterval == 0 {
		c.RaInterval = time.Hour
	}
	if c.DatRenewalThreshold <= 0 || c.DatRenewalThreshold > 1 {
		c.DatRenewalThreshold = daps.DefaultRenewalThreshold
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return nil
}

func (c *Config) fsmConfig(peerCert *x509.Certificate, active bool) state.Config {
	return state.Config{
		Active:              active,
		LocalSupportedRa:    c.SupportedRaSuites,
		LocalExpectedRa:     c.ExpectedRaSuites,
		AckEnabled:          c.AckEnabled,
		MaxRetransmits:      c.MaxRetransmits,
		HandshakeTimeout:    c.HandshakeTimeout,
		VerifierTimeout:     c.VerifierTimeout,
		RaInterval:          c.RaInterval,
		AckTimeout:          c.AckTimeout,
		DatRenewalThreshold: c.DatRenewalThreshold,
		PeerCertificate:     peerCert,
	}
}

func (c *Config) clientTLSConfig() *tls.Config {
	conf := c.TLSConfig.Clone()
	conf.MinVersion = tls.VersionTLS13
	if !c.HostnameVerification {
		// chain verification still runs, only the name check is off
		roots := conf.RootCAs
		conf.InsecureSkipVerify = true
		conf.VerifyPeerCertificate = chainVerifier(roots, x509.ExtKeyUsageServerAuth)
	}
	return conf
}

func (c *Config) serverTLSConfig() *tls.Config {
	conf := c.TLSConfig.Clone()
	conf.MinVersion = tls.VersionTLS13
	conf.ClientAuth = tls.RequireAndVerifyClientCert
	return conf
}

func chainVerifier(roots *x509.CertPool, usage x509.ExtKeyUsage) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return errors.New("no peer certificate")
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return errors.Wrap(err, "parse peer certificate")
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, cert := range certs[1:] {
			intermediates.AddCert(cert)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			KeyUsages:     []x509.ExtKeyUsage{usage},
		})
		return err
	}
}
