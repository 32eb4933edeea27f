package security

import (
	"context"
	"crypto/tls"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/ecoscale/ecoscale/agent/internal/config"
)

// Certificate states reported by Check.
const (
	CertValid       = "valid"
	CertExpiring    = "expiring"
	CertExpired     = "expired"
	CertUnreachable = "unreachable"
)

// expiringWithin is the remaining lifetime below which a certificate is
// reported as expiring.
const expiringWithin = 30 * 24 * time.Hour

// CertStatus describes the leaf certificate presented by an endpoint.
type CertStatus struct {
	Endpoint string
	Status   string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
}

// Check dials endpoint and returns the state of its leaf certificate.
// It returns nil for non-https endpoints.
func Check(ctx context.Context, endpoint string, tlsOpts config.TLSConfig) *CertStatus {
	return check(ctx, endpoint, tlsOpts, time.Now())
}

func check(ctx context.Context, endpoint string, tlsOpts config.TLSConfig, now time.Time) *CertStatus {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme != "https" {
		return nil
	}
	cs := &CertStatus{Endpoint: endpoint}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	dialCtx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config: &tls.Config{
			InsecureSkipVerify: tlsOpts.InsecureSkipVerify, //nolint:gosec
		},
	}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		cs.Status = CertUnreachable
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peers := conn.ConnectionState().PeerCertificates
	if len(peers) == 0 {
		cs.Status = CertUnreachable
		return cs
	}
	leaf := peers[0]
	left := leaf.NotAfter.Sub(now)

	cs.NotAfter = leaf.NotAfter.UTC()
	cs.Issuer = leaf.Issuer.CommonName
	cs.DaysLeft = int(math.Floor(left.Hours() / 24))
	cs.Status = classify(left)
	return cs
}

func classify(left time.Duration) string {
	switch {
	case left <= 0:
		return CertExpired
	case left <= expiringWithin:
		return CertExpiring
	default:
		return CertValid
	}
}
