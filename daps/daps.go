// Package daps acquires Dynamic Attribute Tokens from a DAPS and
// verifies peer tokens against the DAPS key set and the peer's TLS
// certificate fingerprint.
package daps

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// TargetAudience is the audience both requested for local tokens
	// and accepted on peer tokens, alongside LegacyAudience.
	TargetAudience = "idsc:IDS_CONNECTORS_ALL"
	LegacyAudience = "IDS_Connector"

	tokenScope          = "idsc:IDS_CONNECTOR_ATTRIBUTES_ALL"
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

	assertionValidity = 24 * time.Hour
	clockSkewLeeway   = 30 * time.Second
)

var ErrInvalidDat = errors.New("invalid dat")

// Driver is the DAT provider contract consumed by the connection
// layer.
type Driver interface {
	Token() ([]byte, error)
	Verify(dat []byte, peerCert *x509.Certificate) (time.Duration, error)
}

type Config struct {
	// URL of the DAPS, e.g. https://daps.aisec.fraunhofer.de
	URL string
	// PrivateKey signs the client assertion (RS256).
	PrivateKey *rsa.PrivateKey
	// Certificate is the local TLS certificate; its SKI/AKI yield the
	// connector identifier.
	Certificate *x509.Certificate
	// TLSConfig is used for all DAPS HTTP requests.
	TLSConfig *tls.Config
	// RenewalThreshold is the fraction (0,1] of token validity after
	// which a cached token is refreshed.
	RenewalThreshold float64
	// RequiredSecurityLevel is the minimum acceptable peer
	// securityProfile; zero disables the check.
	RequiredSecurityLevel SecurityProfile

	Logger *logrus.Logger
}

// DefaultDriver talks to a standards-shaped DAPS over HTTP.
type DefaultDriver struct {
	cfg         Config
	client      *http.Client
	connectorID string
	log         *logrus.Entry

	// token cache
	mtx     sync.Mutex
	token   []byte
	renewAt time.Time

	// metadata and key set caches, held per driver and shared by every
	// session using it; separate drivers do not share them
	metaMtx sync.Mutex
	meta    *serverMetadata
	metaExp time.Time

	keysMtx sync.RWMutex
	keys    jwk.Set
}

func NewDriver(cfg Config) (*DefaultDriver, error) {
	if cfg.URL == "" {
		return nil, errors.New("daps: missing url")
	}
	if cfg.PrivateKey == nil || cfg.Certificate == nil {
		return nil, errors.New("daps: missing key material")
	}
	if cfg.RenewalThreshold <= 0 || cfg.RenewalThreshold > 1 {
		cfg.RenewalThreshold = DefaultRenewalThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	id, err := ConnectorID(cfg.Certificate)
	if err != nil {
		return nil, errors.Wrap(err, "daps: derive connector id")
	}
	return &DefaultDriver{
		cfg: cfg,
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: cfg.TLSConfig},
		},
		connectorID: id,
		log:         cfg.Logger.WithField("daps", cfg.URL),
	}, nil
}

// DefaultRenewalThreshold refreshes a token once two thirds of its
// validity have elapsed.
const DefaultRenewalThreshold = 0.666

// Token returns the cached DAT while it is inside the renewal window,
// else fetches a fresh one.
func (d *DefaultDriver) Token() ([]byte, error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.token != nil && time.Now().Before(d.renewAt) {
		return d.token, nil
	}
	token, validity, err := d.fetchToken()
	if err != nil {
		return nil, err
	}
	d.token = token
	d.renewAt = time.Now().Add(time.Duration(float64(validity) * d.cfg.RenewalThreshold))
	return token, nil
}

func (d *DefaultDriver) fetchToken() ([]byte, time.Duration, error) {
	meta, err := d.metadata()
	if err != nil {
		return nil, 0, err
	}
	assertion, err := d.clientAssertion()
	if err != nil {
		return nil, 0, err
	}
	d.log.Info("Retrieving Dynamic Attribute Token from DAPS")
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {string(assertion)},
		"scope":                 {tokenScope},
	}
	resp, err := d.client.PostForm(meta.TokenEndpoint, form)
	if err != nil {
		return nil, 0, errors.Wrap(err, "daps token request")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, errors.Wrap(err, "daps token response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, 0, errors.Errorf("daps token request: http %d", resp.StatusCode)
	}
	var tr struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, 0, errors.Wrap(err, "daps token response")
	}
	if tr.Error != "" {
		return nil, 0, errors.Errorf("daps error response: %s", tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, 0, errors.New("daps response carries no access_token")
	}
	// self check before handing the token out
	token := []byte(tr.AccessToken)
	validity, err := d.verify(token, nil, false)
	if err != nil {
		return nil, 0, errors.Wrap(err, "daps issued an unverifiable dat")
	}
	return token, validity, nil
}

func (d *DefaultDriver) clientAssertion() ([]byte, error) {
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(d.connectorID).
		Subject(d.connectorID).
		Audience([]string{TargetAudience}).
		IssuedAt(now).
		NotBefore(now).
		Expiration(now.Add(assertionValidity)).
		Build()
	if err != nil {
		return nil, errors.Wrap(err, "build client assertion")
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, d.cfg.PrivateKey))
	if err != nil {
		return nil, errors.Wrap(err, "sign client assertion")
	}
	return signed, nil
}

// Verify checks a peer DAT: DAPS signature via JWKS, issuer, audience,
// subject, expiry with leeway, certificate fingerprint binding, and
// the configured minimum security profile. Returns the remaining
// validity.
func (d *DefaultDriver) Verify(dat []byte, peerCert *x509.Certificate) (time.Duration, error) {
	return d.verify(dat, peerCert, true)
}

func (d *DefaultDriver) verify(dat []byte, peerCert *x509.Certificate, checkRequirements bool) (time.Duration, error) {
	key, err := d.signingKey(dat)
	if err != nil {
		return 0, err
	}
	meta, err := d.metadata()
	if err != nil {
		return 0, err
	}
	tok, err := jwt.Parse(dat,
		jwt.WithKey(jwa.RS256, key),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(clockSkewLeeway),
		jwt.WithIssuer(meta.Issuer),
		jwt.WithRequiredClaim("sub"),
		jwt.WithRequiredClaim("exp"),
	)
	if err != nil {
		return 0, errors.Wrapf(ErrInvalidDat, "%v", err)
	}
	if !acceptedAudience(tok.Audience()) {
		return 0, errors.Wrap(ErrInvalidDat, "audience not accepted")
	}
	if peerCert != nil {
		if err := checkFingerprint(tok, peerCert); err != nil {
			return 0, err
		}
	}
	if checkRequirements && d.cfg.RequiredSecurityLevel != 0 {
		if err := checkSecurityProfile(tok, d.cfg.RequiredSecurityLevel); err != nil {
			return 0, err
		}
	}
	return time.Until(tok.Expiration()), nil
}

func acceptedAudience(aud []string) bool {
	for _, a := range aud {
		if a == TargetAudience || a == LegacyAudience {
			return true
		}
	}
	return false
}

func checkFingerprint(tok jwt.Token, peerCert *x509.Certificate) error {
	sum := sha256.Sum256(peerCert.Raw)
	fingerprint := hex.EncodeToString(sum[:])
	raw, ok := tok.Get("transportCertsSha256")
	if !ok {
		return errors.Wrap(ErrInvalidDat, "no transportCertsSha256 claim")
	}
	// the claim is a single string or a list of strings
	switch v := raw.(type) {
	case string:
		if strings.EqualFold(v, fingerprint) {
			return nil
		}
	case []interface{}:
		for _, e := range v {
			if s, ok := e.(string); ok && strings.EqualFold(s, fingerprint) {
				return nil
			}
		}
	default:
		return errors.Wrap(ErrInvalidDat, "malformed transportCertsSha256 claim")
	}
	return errors.Wrap(ErrInvalidDat, "peer certificate fingerprint not bound to dat")
}

func checkSecurityProfile(tok jwt.Token, required SecurityProfile) error {
	raw, ok := tok.Get("securityProfile")
	if !ok {
		return errors.Wrap(ErrInvalidDat, "no securityProfile claim")
	}
	s, ok := raw.(string)
	if !ok {
		return errors.Wrap(ErrInvalidDat, "malformed securityProfile claim")
	}
	provided, err := ParseSecurityProfile(s)
	if err != nil {
		return errors.Wrapf(ErrInvalidDat, "securityProfile %q not supported", s)
	}
	if provided < required {
		return errors.Wrapf(ErrInvalidDat,
			"securityProfile %s below required %s", provided, required)
	}
	return nil
}

// signingKey resolves the RSA key for the token's kid from the DAPS
// JWKS, refreshing the cached set once on an unknown kid.
func (d *DefaultDriver) signingKey(dat []byte) (*rsa.PublicKey, error) {
	msg, err := jws.Parse(dat)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidDat, "not a jws")
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return nil, errors.Wrap(ErrInvalidDat, "unsigned dat")
	}
	hdr := sigs[0].ProtectedHeaders()
	if hdr.Algorithm() != jwa.RS256 {
		return nil, errors.Wrapf(ErrInvalidDat, "algorithm %s not allowed", hdr.Algorithm())
	}
	kid := hdr.KeyID()
	if kid == "" {
		return nil, errors.Wrap(ErrInvalidDat, "no kid")
	}

	d.keysMtx.RLock()
	set := d.keys
	d.keysMtx.RUnlock()
	if set != nil {
		if key, ok := set.LookupKeyID(kid); ok {
			return rawRsa(key)
		}
	}
	set, err = d.fetchJwks()
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidDat, "kid %q not in daps jwks", kid)
	}
	return rawRsa(key)
}

func rawRsa(key jwk.Key) (*rsa.PublicKey, error) {
	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, errors.Wrap(ErrInvalidDat, "jwks key is not rsa")
	}
	return &pub, nil
}

func (d *DefaultDriver) fetchJwks() (jwk.Set, error) {
	meta, err := d.metadata()
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Get(meta.JwksURI)
	if err != nil {
		return nil, errors.Wrap(err, "fetch daps jwks")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch daps jwks: http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read daps jwks")
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, errors.Wrap(err, "parse daps jwks")
	}
	d.keysMtx.Lock()
	d.keys = set
	d.keysMtx.Unlock()
	return set, nil
}
