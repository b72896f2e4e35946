package daps

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"testing"
	"time"
)

// rsa key generation is slow; share keys per label across tests
var testKeys struct {
	sync.Mutex
	m map[string]*rsa.PrivateKey
}

func testRsaKey(t testing.TB, label string) *rsa.PrivateKey {
	testKeys.Lock()
	defer testKeys.Unlock()
	if testKeys.m == nil {
		testKeys.m = make(map[string]*rsa.PrivateKey)
	}
	if key, ok := testKeys.m[label]; ok {
		return key
	}
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	testKeys.m[label] = key
	return key
}

// testKeyAndCert returns a CA-signed leaf carrying both the subject
// and authority key identifier extensions the connector id needs.
func testKeyAndCert(t testing.TB) (*rsa.PrivateKey, *x509.Certificate) {
	caKey := testRsaKey(t, "ca")
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-ca"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
		SubjectKeyId:          []byte{0x01, 0x02, 0x03, 0x04},
	}

	leafKey := testRsaKey(t, "leaf")
	leafTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test-connector"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		SubjectKeyId: []byte{0xAA, 0xBB, 0xCC, 0xDD},
	}
	der, err := x509.CreateCertificate(rand.Reader, leafTemplate, caTemplate,
		&leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return leafKey, cert
}
