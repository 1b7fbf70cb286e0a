// Package tls builds the TLS settings of the HTTP clients that talk to the
// relay API.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// ClientConfig returns a client TLS config trusting the system roots plus
// the PEM certificates in caFile, if given. insecure disables verification
// and is meant for local development only.
func ClientConfig(caFile string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}

		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", caFile)
		}
		cfg.RootCAs = pool
	}

	if insecure {
		slog.Warn("TLS certificate verification is disabled")
		cfg.InsecureSkipVerify = true
	}

	return cfg, nil
}

// NewHTTPClient returns an HTTP client using ClientConfig. A zero timeout
// means no client-level timeout.
func NewHTTPClient(caFile string, insecure bool, timeout time.Duration) (*http.Client, error) {
	tlsCfg, err := ClientConfig(caFile, insecure)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}, nil
}
