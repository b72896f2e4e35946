package daps

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testKid = "test-key"

// stubDaps is a minimal in-process DAPS: no discovery document (the
// legacy layout), a token endpoint and a JWKS endpoint.
type stubDaps struct {
	t             *testing.T
	srv           *httptest.Server
	signer        *rsa.PrivateKey
	validity      time.Duration
	claims        map[string]interface{}
	tokenRequests int32
}

func newStubDaps(t *testing.T) *stubDaps {
	s := &stubDaps{
		t:        t,
		signer:   testRsaKey(t, "daps"),
		validity: 5 * time.Minute,
		claims:   map[string]interface{}{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wellKnownPath, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.tokenRequests, 1)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		require.Equal(t, clientAssertionType, r.Form.Get("client_assertion_type"))
		require.Equal(t, tokenScope, r.Form.Get("scope"))
		require.NotEmpty(t, r.Form.Get("client_assertion"))
		dat := s.issue(nil)
		json.NewEncoder(w).Encode(map[string]string{"access_token": string(dat)})
	})
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(s.jwks())
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *stubDaps) jwks() []byte {
	key, err := jwk.FromRaw(s.signer.Public())
	require.NoError(s.t, err)
	require.NoError(s.t, key.Set(jwk.KeyIDKey, testKid))
	require.NoError(s.t, key.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(s.t, set.AddKey(key))
	b, err := json.Marshal(set)
	require.NoError(s.t, err)
	return b
}

// issue signs a DAT; overrides replace the default claims.
func (s *stubDaps) issue(overrides map[string]interface{}) []byte {
	now := time.Now()
	builder := jwt.NewBuilder().
		Issuer(s.srv.URL).
		Subject("AA:BB:keyid:CC:DD").
		Audience([]string{TargetAudience}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(s.validity))
	for k, v := range s.claims {
		builder = builder.Claim(k, v)
	}
	tok, err := builder.Build()
	require.NoError(s.t, err)
	for k, v := range overrides {
		require.NoError(s.t, tok.Set(k, v))
	}
	hdrs := jws.NewHeaders()
	require.NoError(s.t, hdrs.Set(jws.KeyIDKey, testKid))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, s.signer, jws.WithProtectedHeaders(hdrs)))
	require.NoError(s.t, err)
	return signed
}

func (s *stubDaps) driver(t *testing.T, threshold float64, required SecurityProfile) *DefaultDriver {
	key, cert := testKeyAndCert(t)
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	d, err := NewDriver(Config{
		URL:                   s.srv.URL,
		PrivateKey:            key,
		Certificate:           cert,
		RenewalThreshold:      threshold,
		RequiredSecurityLevel: required,
		Logger:                log,
	})
	require.NoError(t, err)
	return d
}

func fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

func TestTokenAcquireAndCache(t *testing.T) {
	s := newStubDaps(t)
	d := s.driver(t, 0.9, 0)

	tok1, err := d.Token()
	require.NoError(t, err)
	require.NotEmpty(t, tok1)
	tok2, err := d.Token()
	require.NoError(t, err)
	require.Equal(t, tok1, tok2)
	require.Equal(t, int32(1), atomic.LoadInt32(&s.tokenRequests))
}

func TestTokenRenewalThreshold(t *testing.T) {
	s := newStubDaps(t)
	s.validity = time.Second
	d := s.driver(t, 0.5, 0)

	_, err := d.Token()
	require.NoError(t, err)
	time.Sleep(700 * time.Millisecond)
	_, err = d.Token()
	require.NoError(t, err)
	require.Equal(t, int32(2), atomic.LoadInt32(&s.tokenRequests))
}

func TestVerifyValidDat(t *testing.T) {
	s := newStubDaps(t)
	d := s.driver(t, 0.9, 0)

	remaining, err := d.Verify(s.issue(nil), nil)
	require.NoError(t, err)
	require.InDelta(t, s.validity.Seconds(), remaining.Seconds(), 5)
}

func TestVerifyExpiredDat(t *testing.T) {
	s := newStubDaps(t)
	d := s.driver(t, 0.9, 0)

	dat := s.issue(map[string]interface{}{
		"exp": time.Now().Add(-2 * time.Minute),
	})
	_, err := d.Verify(dat, nil)
	require.Error(t, err)
	require.Equal(t, ErrInvalidDat, errors.Cause(err))
}

func TestVerifyExpiryWithinLeeway(t *testing.T) {
	s := newStubDaps(t)
	d := s.driver(t, 0.9, 0)

	dat := s.issue(map[string]interface{}{
		"exp": time.Now().Add(-10 * time.Second),
	})
	_, err := d.Verify(dat, nil)
	require.NoError(t, err, "30s clock skew leeway must apply")
}

func TestVerifyAudience(t *testing.T) {
	s := newStubDaps(t)
	d := s.driver(t, 0.9, 0)

	// both deployed audience variants are accepted
	for _, aud := range []string{TargetAudience, LegacyAudience} {
		_, err := d.Verify(s.issue(map[string]interface{}{"aud": []string{aud}}), nil)
		require.NoError(t, err, "audience %q", aud)
	}
	_, err := d.Verify(s.issue(map[string]interface{}{"aud": []string{"someone-else"}}), nil)
	require.Error(t, err)
	require.Equal(t, ErrInvalidDat, errors.Cause(err))
}

func TestVerifyFingerprintBinding(t *testing.T) {
	s := newStubDaps(t)
	d := s.driver(t, 0.9, 0)
	_, peerCert := testKeyAndCert(t)
	fp := fingerprint(peerCert)

	// claim as plain string
	_, err := d.Verify(s.issue(map[string]interface{}{"transportCertsSha256": fp}), peerCert)
	require.NoError(t, err)

	// claim as list
	_, err = d.Verify(s.issue(map[string]interface{}{
		"transportCertsSha256": []string{"deadbeef", fp},
	}), peerCert)
	require.NoError(t, err)

	// wrong fingerprint
	_, err = d.Verify(s.issue(map[string]interface{}{
		"transportCertsSha256": "deadbeef",
	}), peerCert)
	require.Equal(t, ErrInvalidDat, errors.Cause(err))

	// claim missing entirely
	_, err = d.Verify(s.issue(nil), peerCert)
	require.Equal(t, ErrInvalidDat, errors.Cause(err))
}

func TestVerifySecurityProfileMonotonic(t *testing.T) {
	s := newStubDaps(t)
	dat := s.issue(map[string]interface{}{
		"securityProfile": profileTrustedURI,
	})

	// accepted at TRUSTED implies accepted at every level below
	for _, tc := range []struct {
		required SecurityProfile
		ok       bool
	}{
		{0, true},
		{SecurityProfileBase, true},
		{SecurityProfileTrusted, true},
		{SecurityProfileTrustedPlus, false},
	} {
		d := s.driver(t, 0.9, tc.required)
		_, err := d.Verify(dat, nil)
		if tc.ok {
			require.NoError(t, err, "required %v", tc.required)
		} else {
			require.Equal(t, ErrInvalidDat, errors.Cause(err), "required %v", tc.required)
		}
	}
}

func TestVerifyRejectsWrongAlgorithm(t *testing.T) {
	s := newStubDaps(t)
	d := s.driver(t, 0.9, 0)

	// HS256 signed token with the same kid
	tok, err := jwt.NewBuilder().
		Issuer(s.srv.URL).
		Subject("x").
		Audience([]string{TargetAudience}).
		Expiration(time.Now().Add(time.Minute)).
		Build()
	require.NoError(t, err)
	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.KeyIDKey, testKid))
	forged, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("secret"),
		jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)

	_, err = d.Verify(forged, nil)
	require.Error(t, err)
	require.Equal(t, ErrInvalidDat, errors.Cause(err))
}

func TestMetadataDiscovery(t *testing.T) {
	var hits int32
	signer := testRsaKey(t, "daps")
	mux := http.NewServeMux()
	var baseURL string
	mux.HandleFunc(wellKnownPath, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Cache-Control", "max-age=3600")
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":         baseURL,
			"token_endpoint": baseURL + "/v4/token",
			"jwks_uri":       baseURL + "/v4/keys",
		})
	})
	var tokenHits int32
	mux.HandleFunc("/v4/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenHits, 1)
		now := time.Now()
		tok, _ := jwt.NewBuilder().Issuer(baseURL).Subject("x").
			Audience([]string{TargetAudience}).
			IssuedAt(now).Expiration(now.Add(time.Minute)).Build()
		hdrs := jws.NewHeaders()
		hdrs.Set(jws.KeyIDKey, testKid)
		signed, _ := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signer, jws.WithProtectedHeaders(hdrs)))
		json.NewEncoder(w).Encode(map[string]string{"access_token": string(signed)})
	})
	mux.HandleFunc("/v4/keys", func(w http.ResponseWriter, r *http.Request) {
		key, _ := jwk.FromRaw(signer.Public())
		key.Set(jwk.KeyIDKey, testKid)
		set := jwk.NewSet()
		set.AddKey(key)
		b, _ := json.Marshal(set)
		w.Write(b)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	baseURL = srv.URL

	key, cert := testKeyAndCert(t)
	d, err := NewDriver(Config{
		URL:         srv.URL,
		PrivateKey:  key,
		Certificate: cert,
	})
	require.NoError(t, err)

	_, err = d.Token()
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&tokenHits), "discovered endpoint not used")

	// metadata is cached per max-age
	_, err = d.Verify(s2Issue(t, signer, baseURL), nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func s2Issue(t *testing.T, signer *rsa.PrivateKey, issuer string) []byte {
	now := time.Now()
	tok, err := jwt.NewBuilder().Issuer(issuer).Subject("x").
		Audience([]string{TargetAudience}).
		IssuedAt(now).Expiration(now.Add(time.Minute)).Build()
	require.NoError(t, err)
	hdrs := jws.NewHeaders()
	require.NoError(t, hdrs.Set(jws.KeyIDKey, testKid))
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, signer, jws.WithProtectedHeaders(hdrs)))
	require.NoError(t, err)
	return signed
}
