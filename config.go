// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultAuthorizeEndpoint is Intercom's OAuth authorization endpoint.
	DefaultAuthorizeEndpoint = "https://app.intercom.com/oauth"

	// DefaultTokenEndpoint is Intercom's OAuth token endpoint.
	DefaultTokenEndpoint = "https://api.intercom.io/auth/eagle/token"

	// DefaultUserInfoEndpoint returns the admin who authorized the app.
	// See: https://developers.intercom.com/docs/references/rest-api/api.intercom.io/admins/identifyadmin
	DefaultUserInfoEndpoint = "https://api.intercom.io/me"

	// DefaultCallbackPath is the request path Intercom redirects back to.
	DefaultCallbackPath = "/signin-intercom"

	// DefaultSignInScheme names the authentication type of issued identities.
	DefaultSignInScheme = "Intercom"

	// DefaultBackchannelTimeout bounds each token and profile request.
	DefaultBackchannelTimeout = 60 * time.Second

	// DefaultMaxResponseSize bounds backchannel response bodies (10 MiB).
	DefaultMaxResponseSize int64 = 10 << 20

	// DefaultStateLifetime is how long an issued state token stays valid.
	DefaultStateLifetime = 15 * time.Minute
)

// ClientSecret is an oauth client secret.
type ClientSecret string

// RedactedClientSecret is the redacted string or json for an oauth client secret
const RedactedClientSecret = "[REDACTED: client secret]"

// String will redact the client secret
func (t ClientSecret) String() string {
	return RedactedClientSecret
}

// GoString will redact the client secret for %#v
func (t ClientSecret) GoString() string {
	return RedactedClientSecret
}

// MarshalJSON will redact the client secret
func (t ClientSecret) MarshalJSON() ([]byte, error) {
	return json.Marshal(RedactedClientSecret)
}

// Config represents the configuration for signing users in with Intercom
// using the OAuth 2.0 authorization code flow. A Config is read-only once it
// has been handed to NewMiddleware.
type Config struct {
	// ClientID is the Intercom app's client id (required)
	ClientID string

	// ClientSecret is the Intercom app's client secret (required)
	ClientSecret ClientSecret

	// Scopes is an optional list of scopes to request. Intercom grants the
	// permissions configured for the app, so this is usually empty.
	Scopes []string

	// AuthorizeEndpoint is where the browser is sent to start the flow.
	AuthorizeEndpoint string

	// TokenEndpoint is used to exchange an authorization code for a token.
	TokenEndpoint string

	// UserInfoEndpoint returns the authenticated admin's profile.
	UserInfoEndpoint string

	// CallbackPath is the local request path Intercom redirects back to.
	CallbackPath string

	// RedirectURL is an optional absolute redirect_uri. When empty the
	// redirect_uri is built from the inbound request's host and CallbackPath.
	// Set it when the host runs behind a proxy that rewrites the Host.
	RedirectURL string

	// BackchannelTimeout bounds each backchannel request.
	BackchannelTimeout time.Duration

	// MaxResponseSize bounds backchannel response bodies.
	MaxResponseSize int64

	// SignInScheme is the authentication type stamped on issued identities
	// and passed to the host's SignIn.
	SignInScheme string

	// StateLifetime is how long an issued state token is accepted.
	StateLifetime time.Duration

	// ProviderCA is an optional PEM encoded CA cert to trust when making
	// backchannel requests.
	ProviderCA string

	// CertificateValidator is an optional policy applied to the provider's
	// certificate chain during backchannel TLS handshakes.
	CertificateValidator CertificateValidator
}

// NewConfig composes a new config for Intercom using its public endpoints
// unless overridden.
//
// Supported options:
//   - WithScopes
//   - WithEndpoints
//   - WithCallbackPath
//   - WithRedirectURL
//   - WithBackchannelTimeout
//   - WithMaxResponseSize
//   - WithSignInScheme
//   - WithStateLifetime
//   - WithProviderCA
//   - WithCertificateValidator
func NewConfig(clientID string, clientSecret ClientSecret, opt ...Option) (*Config, error) {
	const op = "intercom.NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		ClientID:             clientID,
		ClientSecret:         clientSecret,
		Scopes:               opts.withScopes,
		AuthorizeEndpoint:    opts.withAuthorizeEndpoint,
		TokenEndpoint:        opts.withTokenEndpoint,
		UserInfoEndpoint:     opts.withUserInfoEndpoint,
		CallbackPath:         opts.withCallbackPath,
		RedirectURL:          opts.withRedirectURL,
		BackchannelTimeout:   opts.withBackchannelTimeout,
		MaxResponseSize:      opts.withMaxResponseSize,
		SignInScheme:         opts.withSignInScheme,
		StateLifetime:        opts.withStateLifetime,
		ProviderCA:           opts.withProviderCA,
		CertificateValidator: opts.withCertificateValidator,
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return c, nil
}

// Validate the configuration. Every violation is reported, and each of them
// wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	const op = "intercom.(Config).Validate"
	if c == nil {
		return fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	invalid := func(format string, args ...interface{}) {
		result = multierror.Append(result, fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrInvalidConfig))
	}
	if strings.TrimSpace(c.ClientID) == "" {
		invalid("client id must be provided")
	}
	if strings.TrimSpace(string(c.ClientSecret)) == "" {
		invalid("client secret must be provided")
	}
	for _, e := range []struct{ name, endpoint string }{
		{"authorize endpoint", c.AuthorizeEndpoint},
		{"token endpoint", c.TokenEndpoint},
		{"userinfo endpoint", c.UserInfoEndpoint},
	} {
		if err := validateEndpoint(e.endpoint); err != nil {
			invalid("%s %q %s", e.name, e.endpoint, err)
		}
	}
	if !strings.HasPrefix(c.CallbackPath, "/") {
		invalid("callback path %q must start with /", c.CallbackPath)
	}
	if c.RedirectURL != "" {
		switch u, err := url.Parse(c.RedirectURL); {
		case err != nil || !u.IsAbs():
			invalid("redirect URL %q must be absolute", c.RedirectURL)
		case u.Path != c.CallbackPath:
			invalid("redirect URL path %q does not match callback path %q", u.Path, c.CallbackPath)
		}
	}
	if c.BackchannelTimeout <= 0 {
		invalid("backchannel timeout must be greater than zero")
	}
	if c.MaxResponseSize <= 0 {
		invalid("max response size must be greater than zero")
	}
	if c.StateLifetime <= 0 {
		invalid("state lifetime must be greater than zero")
	}
	if c.SignInScheme == "" {
		invalid("sign-in scheme must be provided")
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func validateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	switch {
	case endpoint == "":
		return errors.New("is empty")
	case err != nil:
		return fmt.Errorf("is invalid: %w", err)
	case u.Scheme != "https" && u.Scheme != "http":
		return errors.New("scheme is not http or https")
	case u.Host == "":
		return errors.New("has no host")
	}
	return nil
}

// configOptions is the set of available options for NewConfig
type configOptions struct {
	withScopes               []string
	withAuthorizeEndpoint    string
	withTokenEndpoint        string
	withUserInfoEndpoint     string
	withCallbackPath         string
	withRedirectURL          string
	withBackchannelTimeout   time.Duration
	withMaxResponseSize      int64
	withSignInScheme         string
	withStateLifetime        time.Duration
	withProviderCA           string
	withCertificateValidator CertificateValidator
}

// configDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func configDefaults() configOptions {
	return configOptions{
		withAuthorizeEndpoint:  DefaultAuthorizeEndpoint,
		withTokenEndpoint:      DefaultTokenEndpoint,
		withUserInfoEndpoint:   DefaultUserInfoEndpoint,
		withCallbackPath:       DefaultCallbackPath,
		withBackchannelTimeout: DefaultBackchannelTimeout,
		withMaxResponseSize:    DefaultMaxResponseSize,
		withSignInScheme:       DefaultSignInScheme,
		withStateLifetime:      DefaultStateLifetime,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithScopes provides an optional list of scopes.
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withScopes = scopes
		}
	}
}

// WithEndpoints overrides the authorize, token and userinfo endpoints. Empty
// values keep the current setting.
func WithEndpoints(authorize, token, userInfo string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			if authorize != "" {
				o.withAuthorizeEndpoint = authorize
			}
			if token != "" {
				o.withTokenEndpoint = token
			}
			if userInfo != "" {
				o.withUserInfoEndpoint = userInfo
			}
		}
	}
}

// WithCallbackPath provides an optional callback path.
func WithCallbackPath(path string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withCallbackPath = path
		}
	}
}

// WithRedirectURL provides an optional absolute redirect_uri. Its path is
// used as the callback path.
func WithRedirectURL(redirectURL string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withRedirectURL = redirectURL
			if u, err := url.Parse(redirectURL); err == nil && u.Path != "" {
				o.withCallbackPath = u.Path
			}
		}
	}
}

// WithBackchannelTimeout provides an optional timeout for backchannel
// requests.
func WithBackchannelTimeout(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withBackchannelTimeout = d
		}
	}
}

// WithMaxResponseSize provides an optional cap, in bytes, on backchannel
// response bodies.
func WithMaxResponseSize(n int64) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withMaxResponseSize = n
		}
	}
}

// WithSignInScheme provides an optional sign-in scheme name.
func WithSignInScheme(scheme string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withSignInScheme = scheme
		}
	}
}

// WithStateLifetime provides an optional lifetime for state tokens. It applies
// to: NewConfig, NewJWEStateCodec
func WithStateLifetime(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withStateLifetime = d
		case *stateCodecOptions:
			v.withStateLifetime = d
		}
	}
}

// WithProviderCA provides an optional CA cert for backchannel requests.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withProviderCA = cert
		}
	}
}

// WithCertificateValidator provides an optional certificate validation policy
// for backchannel requests.
func WithCertificateValidator(v CertificateValidator) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withCertificateValidator = v
		}
	}
}
