// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// Provider makes the requests of the authorization code flow against
// Intercom: it builds authorize URLs and performs the backchannel token
// exchange and profile fetch. A Provider owns a single http client which is
// reused by every request, and it is safe for concurrent use.
type Provider struct {
	config  *Config
	client  *http.Client
	logger  hclog.Logger
	metrics *metrics
}

// NewProvider creates a Provider.
//
// Supported options:
//   - WithHTTPClient
//   - WithLogger
func NewProvider(c *Config, opt ...Option) (*Provider, error) {
	const op = "intercom.NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getProviderOpts(opt...)

	var (
		client *http.Client
		err    error
	)
	switch opts.withHTTPClient {
	case nil:
		client, err = NewHTTPClient(c)
	default:
		client, err = wrapHTTPClient(opts.withHTTPClient, c)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}
	return &Provider{
		config:  c,
		client:  client,
		logger:  opts.withLogger,
		metrics: opts.withMetrics,
	}, nil
}

// HTTPClient returns the provider's backchannel http client.
func (p *Provider) HTTPClient() *http.Client {
	return p.client
}

func (p *Provider) oauth2Config(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.config.ClientID,
		ClientSecret: string(p.config.ClientSecret),
		RedirectURL:  redirectURL,
		Scopes:       p.config.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.config.AuthorizeEndpoint,
			TokenURL: p.config.TokenEndpoint,
			// Intercom expects the client credentials in the form body
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthURL returns the authorize URL to send the browser to. redirectURL is
// the absolute callback URL, and the same value must be passed to Exchange.
func (p *Provider) AuthURL(redirectURL, state string) (string, error) {
	const op = "intercom.(Provider).AuthURL"
	switch {
	case redirectURL == "":
		return "", fmt.Errorf("%s: redirect url is empty: %w", op, ErrInvalidParameter)
	case state == "":
		return "", fmt.Errorf("%s: state is empty: %w", op, ErrInvalidParameter)
	}
	return p.oauth2Config(redirectURL).AuthCodeURL(state), nil
}

// Exchange requests an access token from the token endpoint using the
// authorization code received by the callback. It makes exactly one request
// and doesn't retry. Every failure wraps ErrTokenExchange.
func (p *Provider) Exchange(ctx context.Context, code, redirectURL string) (_ *Token, retErr error) {
	const op = "intercom.(Provider).Exchange"
	switch {
	case code == "":
		return nil, fmt.Errorf("%s: authorization code is empty: %w: %w", op, ErrTokenExchange, ErrInvalidParameter)
	case redirectURL == "":
		return nil, fmt.Errorf("%s: redirect url is empty: %w: %w", op, ErrTokenExchange, ErrInvalidParameter)
	}
	start := time.Now()
	defer func() { p.metrics.observe("token", start, retErr) }()

	oauth2Token, err := p.oauth2Config(redirectURL).Exchange(HTTPClientContext(ctx, p.client), code)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && rErr.Response != nil {
			p.logger.Debug("token endpoint returned an error", "op", op, "status", rErr.Response.StatusCode, "error_code", rErr.ErrorCode)
			return nil, fmt.Errorf("%s: token endpoint returned %d: %w: %w", op, rErr.Response.StatusCode, ErrTokenExchange, err)
		}
		return nil, fmt.Errorf("%s: unable to exchange auth code: %w: %w", op, ErrTokenExchange, err)
	}
	t, err := NewToken(oauth2Token)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenExchange, err)
	}
	return t, nil
}

// UserInfo fetches the authenticated admin's profile using the token's
// bearer credentials. It makes exactly one request and doesn't retry. Every
// failure wraps ErrProfileFetch.
func (p *Provider) UserInfo(ctx context.Context, t *Token) (_ *Profile, retErr error) {
	const op = "intercom.(Provider).UserInfo"
	if t == nil || t.AccessToken == "" {
		return nil, fmt.Errorf("%s: token is missing: %w: %w", op, ErrProfileFetch, ErrInvalidParameter)
	}
	start := time.Now()
	defer func() { p.metrics.observe("userinfo", start, retErr) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.UserInfoEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w: %w", op, ErrProfileFetch, err)
	}
	req.Header.Set("Accept", "application/json")
	t.SetAuthHeader(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w: %w", op, ErrProfileFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read response: %w: %w", op, ErrProfileFetch, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Debug("userinfo endpoint returned an error", "op", op, "status", resp.StatusCode)
		return nil, fmt.Errorf("%s: userinfo endpoint returned %d: %w", op, resp.StatusCode, ErrProfileFetch)
	}
	profile, err := NewProfile(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrProfileFetch, err)
	}
	return profile, nil
}

// providerOptions is the set of available options for NewProvider
type providerOptions struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
	withMetrics    *metrics
}

func providerDefaults() providerOptions {
	return providerOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getProviderOpts(opt ...Option) providerOptions {
	opts := providerDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// withProviderMetrics shares the middleware's collectors with its provider.
func withProviderMetrics(m *metrics) Option {
	return func(o interface{}) {
		if o, ok := o.(*providerOptions); ok {
			o.withMetrics = m
		}
	}
}
