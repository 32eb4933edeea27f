// Package security builds authenticated HTTP clients for the agent's
// outbound HTTP endpoints (the Prometheus reading source and the report
// submitter) and checks the TLS certificates those endpoints present.
//
// NewHTTPClient supports the auth modes none, apikey, bearer, basic and
// mtls. Check dials an https endpoint and classifies its leaf certificate as
// valid, expiring, expired or unreachable; the agent logs the result at
// startup.
package security
