package daps

import (
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"
)

var (
	oidSubjectKeyIdentifier   = asn1.ObjectIdentifier{2, 5, 29, 14}
	oidAuthorityKeyIdentifier = asn1.ObjectIdentifier{2, 5, 29, 35}
)

// ConnectorID derives the connector identifier from the TLS
// certificate's subject and authority key identifiers:
// "AA:BB:…:keyid:CC:DD:…". The SKI half keeps its trailing colon, the
// AKI half drops it.
func ConnectorID(cert *x509.Certificate) (string, error) {
	ski, err := subjectKeyID(cert)
	if err != nil {
		return "", err
	}
	aki, err := authorityKeyID(cert)
	if err != nil {
		return "", err
	}
	return beautifyHex(ski) + "keyid:" + strings.TrimSuffix(beautifyHex(aki), ":"), nil
}

func subjectKeyID(cert *x509.Certificate) ([]byte, error) {
	ext, err := findExtension(cert, oidSubjectKeyIdentifier)
	if err != nil {
		return nil, err
	}
	var ski []byte
	if _, err := asn1.Unmarshal(ext, &ski); err != nil {
		return nil, errors.Wrap(err, "parse subject key identifier")
	}
	return ski, nil
}

func authorityKeyID(cert *x509.Certificate) ([]byte, error) {
	ext, err := findExtension(cert, oidAuthorityKeyIdentifier)
	if err != nil {
		return nil, err
	}
	var aki struct {
		ID []byte `asn1:"optional,tag:0"`
	}
	if _, err := asn1.Unmarshal(ext, &aki); err != nil {
		return nil, errors.Wrap(err, "parse authority key identifier")
	}
	if len(aki.ID) == 0 {
		return nil, errors.New("authority key identifier carries no key id")
	}
	return aki.ID, nil
}

func findExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) ([]byte, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Value, nil
		}
	}
	return nil, errors.Errorf("certificate misses extension %s", oid)
}

// beautifyHex renders bytes as upper-case hex pairs, each followed by
// a colon.
func beautifyHex(b []byte) string {
	var sb strings.Builder
	for _, by := range b {
		sb.WriteString(strings.ToUpper(hex.EncodeToString([]byte{by})))
		sb.WriteString(":")
	}
	return sb.String()
}
