package daps

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/httpcc"
	"github.com/pkg/errors"
)

const (
	wellKnownPath = "/.well-known/oauth-authorization-server"

	// fallbackMetadataTTL caches the synthesized endpoints when the
	// DAPS predates RFC 8414 discovery.
	fallbackMetadataTTL = 24 * time.Hour
	defaultMetadataTTL  = time.Hour
)

type serverMetadata struct {
	Issuer        string `json:"issuer"`
	TokenEndpoint string `json:"token_endpoint"`
	JwksURI       string `json:"jwks_uri"`
}

// metadata returns the cached DAPS endpoint metadata, discovering it
// when the cache expired.
func (d *DefaultDriver) metadata() (*serverMetadata, error) {
	d.metaMtx.Lock()
	defer d.metaMtx.Unlock()
	if d.meta != nil && time.Now().Before(d.metaExp) {
		return d.meta, nil
	}
	meta, ttl, err := d.discover()
	if err != nil {
		return nil, err
	}
	d.meta = meta
	d.metaExp = time.Now().Add(ttl)
	return meta, nil
}

func (d *DefaultDriver) discover() (*serverMetadata, time.Duration, error) {
	base := strings.TrimSuffix(d.cfg.URL, "/")
	resp, err := d.client.Get(base + wellKnownPath)
	if err != nil {
		return nil, 0, errors.Wrap(err, "daps metadata request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, 0, errors.Wrap(err, "daps metadata response")
		}
		meta := &serverMetadata{}
		if err := json.Unmarshal(body, meta); err != nil {
			return nil, 0, errors.Wrap(err, "daps metadata response")
		}
		if meta.TokenEndpoint == "" || meta.JwksURI == "" {
			return nil, 0, errors.New("daps metadata misses endpoints")
		}
		return meta, cacheTTL(resp), nil
	case http.StatusNotFound:
		// pre-discovery DAPS layout
		d.log.Debug("DAPS has no metadata endpoint, using the legacy layout")
		return &serverMetadata{
			Issuer:        d.cfg.URL,
			TokenEndpoint: base + "/token",
			JwksURI:       base + "/jwks.json",
		}, fallbackMetadataTTL, nil
	default:
		return nil, 0, errors.Errorf("daps metadata request: http %d", resp.StatusCode)
	}
}

func cacheTTL(resp *http.Response) time.Duration {
	cc := resp.Header.Get("Cache-Control")
	if cc == "" {
		return defaultMetadataTTL
	}
	dir, err := httpcc.ParseResponse(cc)
	if err != nil {
		return defaultMetadataTTL
	}
	if maxAge, ok := dir.MaxAge(); ok {
		return time.Duration(maxAge) * time.Second
	}
	return defaultMetadataTTL
}
