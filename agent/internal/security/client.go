package security

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/ecoscale/ecoscale/agent/internal/config"
)

// DefaultTimeout applies when NewHTTPClient is given a non-positive timeout.
const DefaultTimeout = 10 * time.Second

// authRoundTripper injects authentication headers into every outgoing request.
type authRoundTripper struct {
	base http.RoundTripper
	auth config.AuthConfig
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	switch t.auth.Mode {
	case "apikey":
		req = req.Clone(req.Context())
		header := t.auth.Header
		if header == "" {
			header = "X-Api-Key"
		}
		req.Header.Set(header, t.auth.Key())
	case "bearer":
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+t.auth.Token())
	case "basic":
		req = req.Clone(req.Context())
		req.SetBasicAuth(t.auth.Username, t.auth.Password())
	}
	return t.base.RoundTrip(req)
}

// NewHTTPClient constructs an http.Client for the given auth and TLS settings.
func NewHTTPClient(auth config.AuthConfig, tlsOpts config.TLSConfig, timeout time.Duration) (*http.Client, error) {
	tlsCfg, err := tlsConfig(auth, tlsOpts)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Transport: &authRoundTripper{
			base: &http.Transport{TLSClientConfig: tlsCfg},
			auth: auth,
		},
		Timeout: timeout,
	}, nil
}

// tlsConfig loads the client certificate and CA pool when mode is mtls.
func tlsConfig(auth config.AuthConfig, tlsOpts config.TLSConfig) (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if auth.Mode != "mtls" {
		return cfg, nil
	}

	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("security: load client cert: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("security: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("security: no valid certs found in ca file %q", auth.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
