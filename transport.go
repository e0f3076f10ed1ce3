// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
)

// CertificateValidator is a custom policy for the provider's certificate
// chain. It has the same contract as tls.Config.VerifyPeerCertificate and is
// called after normal chain verification.
type CertificateValidator func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// NewHTTPClient creates the backchannel http client for the configuration. It
// uses a pooled transport, the optional ProviderCA (otherwise the system CA
// chain), the optional CertificateValidator, the BackchannelTimeout and caps
// every response body at MaxResponseSize. The client is safe for concurrent
// use and is meant to be shared by every request.
func NewHTTPClient(c *Config) (*http.Client, error) {
	const op = "intercom.NewHTTPClient"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	tr := cleanhttp.DefaultPooledTransport()
	if err := configureTLS(tr, c.ProviderCA, c.CertificateValidator); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &http.Client{
		Transport: &limitTransport{base: tr, max: c.MaxResponseSize},
		Timeout:   c.BackchannelTimeout,
	}, nil
}

// wrapHTTPClient adapts a host supplied client to the configuration. A
// certificate validator or CA can only be applied when the client's transport
// is an *http.Transport.
func wrapHTTPClient(client *http.Client, c *Config) (*http.Client, error) {
	const op = "intercom.wrapHTTPClient"
	switch {
	case client == nil:
		return nil, fmt.Errorf("%s: client is nil: %w", op, ErrNilParameter)
	case c == nil:
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	cp := *client
	base := cp.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if c.CertificateValidator != nil || c.ProviderCA != "" {
		tr, ok := base.(*http.Transport)
		if !ok {
			return nil, fmt.Errorf("%s: transport is %T: %w", op, base, ErrValidatorMismatch)
		}
		tr = tr.Clone()
		if err := configureTLS(tr, c.ProviderCA, c.CertificateValidator); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		base = tr
	}
	if cp.Timeout == 0 {
		cp.Timeout = c.BackchannelTimeout
	}
	cp.Transport = &limitTransport{base: base, max: c.MaxResponseSize}
	return &cp, nil
}

func configureTLS(tr *http.Transport, caPEM string, v CertificateValidator) error {
	if caPEM == "" && v == nil {
		return nil
	}
	if tr.TLSClientConfig == nil {
		tr.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return ErrInvalidCACert
		}
		tr.TLSClientConfig.RootCAs = certPool
	}
	if v != nil {
		tr.TLSClientConfig.VerifyPeerCertificate = v
	}
	return nil
}

// HTTPClientContext returns a new Context that carries the provided HTTP
// client. This method sets the same context key used by the
// github.com/coreos/go-oidc and golang.org/x/oauth2 packages, so the returned
// context works for those packages as well.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	// simple to implement as a wrapper for the coreos package
	return oidc.ClientContext(ctx, client)
}

// limitTransport fails any response whose body exceeds max bytes.
type limitTransport struct {
	base http.RoundTripper
	max  int64
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.ContentLength > t.max {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("content length %d exceeds %d bytes: %w", resp.ContentLength, t.max, ErrResponseTooLarge)
	}
	resp.Body = &limitedBody{rc: resp.Body, remaining: t.max}
	return resp, nil
}

type limitedBody struct {
	rc        io.ReadCloser
	remaining int64
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		// one more byte means the body is over the limit
		var probe [1]byte
		n, err := b.rc.Read(probe[:])
		if n > 0 {
			return 0, ErrResponseTooLarge
		}
		return 0, err
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.rc.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *limitedBody) Close() error { return b.rc.Close() }
