package idscp2

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/industrial-data-space/idscp2-go/daps"
	"github.com/industrial-data-space/idscp2-go/ra"
)

var testPki struct {
	sync.Once
	caCert  *x509.Certificate
	caPool  *x509.CertPool
	client  testIdentity
	server  testIdentity
	bareSan testIdentity // no IP SAN, for hostname verification tests
}

type testIdentity struct {
	key      *rsa.PrivateKey
	cert     *x509.Certificate
	keyPair  tls.Certificate
	fingerpr string
}

func initTestPki(t testing.TB) {
	testPki.Do(func() {
		caKey := mustRsa(t)
		caTemplate := &x509.Certificate{
			SerialNumber:          big.NewInt(1),
			Subject:               pkix.Name{CommonName: "idscp2-test-ca"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(24 * time.Hour),
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign,
			SubjectKeyId:          []byte{0x10, 0x20, 0x30, 0x40},
		}
		caDer, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate,
			&caKey.PublicKey, caKey)
		require.NoError(t, err)
		testPki.caCert, err = x509.ParseCertificate(caDer)
		require.NoError(t, err)
		testPki.caPool = x509.NewCertPool()
		testPki.caPool.AddCert(testPki.caCert)

		makeLeaf := func(cn string, serial int64, withSan bool) testIdentity {
			key := mustRsa(t)
			template := &x509.Certificate{
				SerialNumber: big.NewInt(serial),
				Subject:      pkix.Name{CommonName: cn},
				NotBefore:    time.Now().Add(-time.Hour),
				NotAfter:     time.Now().Add(24 * time.Hour),
				KeyUsage:     x509.KeyUsageDigitalSignature,
				ExtKeyUsage: []x509.ExtKeyUsage{
					x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth,
				},
				SubjectKeyId: []byte{byte(serial), 0x11, 0x22, 0x33},
			}
			if withSan {
				template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
				template.DNSNames = []string{"localhost"}
			}
			der, err := x509.CreateCertificate(rand.Reader, template, caTemplate,
				&key.PublicKey, caKey)
			require.NoError(t, err)
			cert, err := x509.ParseCertificate(der)
			require.NoError(t, err)
			sum := sha256.Sum256(cert.Raw)
			return testIdentity{
				key:  key,
				cert: cert,
				keyPair: tls.Certificate{
					Certificate: [][]byte{der},
					PrivateKey:  key,
					Leaf:        cert,
				},
				fingerpr: hex.EncodeToString(sum[:]),
			}
		}
		testPki.client = makeLeaf("test-client", 2, true)
		testPki.server = makeLeaf("test-server", 3, true)
		testPki.bareSan = makeLeaf("test-bare", 4, false)
	})
}

func mustRsa(t testing.TB) *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

const testDapsKid = "test-daps-key"

// newTestDaps runs a legacy-layout DAPS issuing DATs bound to every
// test identity's certificate fingerprint.
func newTestDaps(t *testing.T) *httptest.Server {
	initTestPki(t)
	signer := mustRsa(t)
	fingerprints := []string{
		testPki.client.fingerpr,
		testPki.server.fingerpr,
		testPki.bareSan.fingerpr,
	}
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", http.NotFound)
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		tok, err := jwt.NewBuilder().
			Issuer(srv.URL).
			Subject("test-connector").
			Audience([]string{daps.TargetAudience}).
			IssuedAt(now).
			NotBefore(now).
			Expiration(now.Add(5 * time.Minute)).
			Claim("transportCertsSha256", fingerprints).
			Claim("securityProfile", "idsc:BASE_CONNECTOR_SECURITY_PROFILE").
			Build()
		require.NoError(t, err)
		hdrs := jws.NewHeaders()
		require.NoError(t, hdrs.Set(jws.KeyIDKey, testDapsKid))
		signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signer,
			jws.WithProtectedHeaders(hdrs)))
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]string{"access_token": string(signed)})
	})
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		key, err := jwk.FromRaw(signer.Public())
		require.NoError(t, err)
		require.NoError(t, key.Set(jwk.KeyIDKey, testDapsKid))
		set := jwk.NewSet()
		require.NoError(t, set.AddKey(key))
		b, err := json.Marshal(set)
		require.NoError(t, err)
		w.Write(b)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfigFor(t *testing.T, id testIdentity, dapsURL string) *Config {
	initTestPki(t)
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	dapsDriver, err := daps.NewDriver(daps.Config{
		URL:         dapsURL,
		PrivateKey:  id.key,
		Certificate: id.cert,
		Logger:      log,
	})
	require.NoError(t, err)

	registry := ra.NewRegistry()
	ra.RegisterDummy(registry)

	cfg := DefaultConfig()
	cfg.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{id.keyPair},
		RootCAs:      testPki.caPool,
		ClientCAs:    testPki.caPool,
	}
	cfg.Daps = dapsDriver
	cfg.Registry = registry
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.Logger = log
	return cfg
}
