// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"crypto/rand"
	"fmt"
	"net/http"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrorHandlerFunc renders a failed callback. It is the only place a failed
// callback's response is written.
type ErrorHandlerFunc func(c *ErrorContext)

// Middleware signs users in with Intercom. It issues challenges (redirects to
// Intercom's authorize endpoint) and serves the callback, turning an
// authorization code into a Ticket handed to the host's SignIn.
//
// A Middleware holds no per-request state: its configuration, provider and
// codec are read-only after NewMiddleware, so it is safe for concurrent use.
type Middleware struct {
	config       *Config
	provider     *Provider
	codec        StateCodec
	hooks        Hooks
	signIn       SignIn
	errorHandler ErrorHandlerFunc
	logger       hclog.Logger
	metrics      *metrics
	correlation  bool
}

// NewMiddleware creates a Middleware. The config is copied and validated; a
// missing client id or secret fails with ErrInvalidConfig. signIn receives
// every ticket produced by a successful callback.
//
// Supported options:
//   - WithHooks
//   - WithStateCodec
//   - WithStateKey
//   - WithHTTPClient
//   - WithLogger
//   - WithMetrics
//   - WithErrorHandler
//   - WithoutCorrelationCookie
func NewMiddleware(c *Config, signIn SignIn, opt ...Option) (*Middleware, error) {
	const op = "intercom.NewMiddleware"
	switch {
	case c == nil:
		return nil, fmt.Errorf("%s: config is nil: %w", op, ErrNilParameter)
	case signIn == nil:
		return nil, fmt.Errorf("%s: sign-in is nil: %w", op, ErrNilParameter)
	}
	cfg := *c
	cfg.Scopes = append([]string(nil), c.Scopes...)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	opts := getMiddlewareOpts(opt...)
	logger := opts.withLogger.Named("intercom")

	m, err := newMetrics(opts.withRegisterer, cfg.SignInScheme)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to register metrics: %w", op, err)
	}

	providerOpts := []Option{WithLogger(logger), withProviderMetrics(m)}
	if opts.withHTTPClient != nil {
		providerOpts = append(providerOpts, WithHTTPClient(opts.withHTTPClient))
	}
	p, err := NewProvider(&cfg, providerOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	codec := opts.withStateCodec
	if codec == nil {
		key := opts.withStateKey
		if key == nil {
			logger.Warn("no state key provided, generating an ephemeral one; state tokens won't be accepted by other instances or after a restart")
			key = make([]byte, MinStateKeySize)
			if _, err := rand.Read(key); err != nil {
				return nil, fmt.Errorf("%s: unable to generate state key: %w", op, err)
			}
		}
		codec, err = NewJWEStateCodec(key, StatePurpose(cfg.SignInScheme), WithStateLifetime(cfg.StateLifetime))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	hooks := opts.withHooks
	if hooks == nil {
		hooks = &HookFuncs{}
	}
	errorHandler := opts.withErrorHandler
	if errorHandler == nil {
		errorHandler = DefaultErrorHandler
	}

	logger.Debug("middleware created",
		"client_id", cfg.ClientID,
		"authorize_endpoint", cfg.AuthorizeEndpoint,
		"callback_path", cfg.CallbackPath,
		"sign_in_scheme", cfg.SignInScheme,
	)
	return &Middleware{
		config:       &cfg,
		provider:     p,
		codec:        codec,
		hooks:        hooks,
		signIn:       signIn,
		errorHandler: errorHandler,
		logger:       logger,
		metrics:      m,
		correlation:  !opts.withoutCorrelationCookie,
	}, nil
}

// Config returns a copy of the middleware's configuration.
func (m *Middleware) Config() Config {
	cfg := *m.config
	cfg.Scopes = append([]string(nil), m.config.Scopes...)
	return cfg
}

// Provider returns the middleware's backchannel provider.
func (m *Middleware) Provider() *Provider {
	return m.provider
}

// Challenge starts the flow: it encodes p into a state token, builds the
// authorize URL and invokes the ApplyRedirect hook, which by default
// redirects the browser. No backchannel request is made. When p is nil or has
// no RedirectURI, the browser returns to the current request's URL after
// sign-in.
func (m *Middleware) Challenge(w http.ResponseWriter, r *http.Request, p *Properties) error {
	const op = "intercom.(Middleware).Challenge"
	f := newFlow(m.logger)

	props := p.clone()
	if props == nil {
		props = NewProperties("")
	}
	if props.RedirectURI == "" {
		props.RedirectURI = r.URL.RequestURI()
	}
	if m.correlation {
		if err := m.setCorrelation(w, r, props); err != nil {
			f.to(FlowErrored)
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	state, err := m.codec.Encode(props)
	if err != nil {
		f.to(FlowErrored)
		return fmt.Errorf("%s: unable to encode state: %w", op, err)
	}
	authURL, err := m.provider.AuthURL(m.redirectURL(r), state)
	if err != nil {
		f.to(FlowErrored)
		return fmt.Errorf("%s: %w", op, err)
	}
	f.to(FlowChallengeIssued)
	m.metrics.challenge()

	// the hook only sees its own copy, minus the correlation nonce
	hookProps := props.clone()
	hookProps.Delete(correlationItem)
	m.hooks.ApplyRedirect(&ApplyRedirectContext{
		BaseContext: BaseContext{Request: r, Response: w},
		RedirectURI: authURL,
		Properties:  hookProps,
	})
	return nil
}

// Handler serves the callback path and passes every other request to next.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.isCallback(r) {
			m.ServeCallback(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth returns middleware which challenges every request for which
// isAuthenticated returns false, and passes the others to next.
func (m *Middleware) RequireAuth(isAuthenticated func(r *http.Request) bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isAuthenticated(r) {
				next.ServeHTTP(w, r)
				return
			}
			if err := m.Challenge(w, r, nil); err != nil {
				m.logger.Error("unable to issue challenge", "error", err)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		})
	}
}

func (m *Middleware) isCallback(r *http.Request) bool {
	if r.URL.Path != m.config.CallbackPath {
		return false
	}
	return r.Method == http.MethodGet || r.Method == http.MethodPost
}

// redirectURL is the absolute redirect_uri for r. The challenge and the
// callback both derive it from the request, so they agree as long as the
// browser comes back to the same host.
func (m *Middleware) redirectURL(r *http.Request) string {
	if m.config.RedirectURL != "" {
		return m.config.RedirectURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + m.config.CallbackPath
}

// middlewareOptions is the set of available options for NewMiddleware
type middlewareOptions struct {
	withHooks                Hooks
	withStateCodec           StateCodec
	withStateKey             []byte
	withHTTPClient           *http.Client
	withLogger               hclog.Logger
	withRegisterer           prometheus.Registerer
	withErrorHandler         ErrorHandlerFunc
	withoutCorrelationCookie bool
}

func middlewareDefaults() middlewareOptions {
	return middlewareOptions{
		withLogger: hclog.NewNullLogger(),
	}
}

func getMiddlewareOpts(opt ...Option) middlewareOptions {
	opts := middlewareDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithHooks provides optional hooks. See HookFuncs.
func WithHooks(h Hooks) Option {
	return func(o interface{}) {
		if o, ok := o.(*middlewareOptions); ok {
			o.withHooks = h
		}
	}
}

// WithStateCodec provides an optional codec for state tokens, replacing the
// default JWEStateCodec.
func WithStateCodec(c StateCodec) Option {
	return func(o interface{}) {
		if o, ok := o.(*middlewareOptions); ok {
			o.withStateCodec = c
		}
	}
}

// WithStateKey provides the key material for the default JWEStateCodec. It
// must be at least MinStateKeySize bytes and shared by every instance that
// may serve the callback.
func WithStateKey(key []byte) Option {
	return func(o interface{}) {
		if o, ok := o.(*middlewareOptions); ok {
			o.withStateKey = key
		}
	}
}

// WithHTTPClient provides an optional http client for backchannel requests.
// When the config has a ProviderCA or CertificateValidator, the client's
// transport must be an *http.Transport. It applies to: NewMiddleware,
// NewProvider
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *middlewareOptions:
			v.withHTTPClient = c
		case *providerOptions:
			v.withHTTPClient = c
		}
	}
}

// WithLogger provides an optional logger. It applies to: NewMiddleware,
// NewProvider
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if l == nil {
			return
		}
		switch v := o.(type) {
		case *middlewareOptions:
			v.withLogger = l
		case *providerOptions:
			v.withLogger = l
		}
	}
}

// WithMetrics registers the middleware's prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o interface{}) {
		if o, ok := o.(*middlewareOptions); ok {
			o.withRegisterer = reg
		}
	}
}

// WithErrorHandler provides an optional renderer for failed callbacks,
// replacing DefaultErrorHandler.
func WithErrorHandler(fn ErrorHandlerFunc) Option {
	return func(o interface{}) {
		if o, ok := o.(*middlewareOptions); ok {
			o.withErrorHandler = fn
		}
	}
}

// WithoutCorrelationCookie disables the correlation cookie. Only use it when
// the host binds the state to the browser some other way.
//
// The correlation cookie is SameSite=Lax, so a callback delivered as a
// cross-site POST (response_mode=form_post) arrives without it and fails with
// ErrInvalidState. Hosts receiving POST callbacks need this option.
func WithoutCorrelationCookie() Option {
	return func(o interface{}) {
		if o, ok := o.(*middlewareOptions); ok {
			o.withoutCorrelationCookie = true
		}
	}
}
