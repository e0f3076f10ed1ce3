package intercom

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAppURL = "https://app.example.com"

type testSignIn struct {
	mu      sync.Mutex
	err     error
	schemes []string
	tickets []*Ticket
}

func (s *testSignIn) SignIn(_ http.ResponseWriter, _ *http.Request, scheme string, t *Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.schemes = append(s.schemes, scheme)
	s.tickets = append(s.tickets, t)
	return nil
}

func (s *testSignIn) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

type testErrors struct {
	mu   sync.Mutex
	errs []*ErrorContext
}

// handler records every failure and then renders it with the default handler.
func (e *testErrors) handler(c *ErrorContext) {
	e.mu.Lock()
	e.errs = append(e.errs, c)
	e.mu.Unlock()
	DefaultErrorHandler(c)
}

func (e *testErrors) last(t *testing.T) *ErrorContext {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.errs)
	return e.errs[len(e.errs)-1]
}

type testHarness struct {
	tp     *TestProvider
	m      *Middleware
	signIn *testSignIn
	errs   *testErrors
}

func newTestHarness(t *testing.T, opt ...Option) *testHarness {
	t.Helper()
	h := &testHarness{
		tp:     StartTestProvider(t),
		signIn: &testSignIn{},
		errs:   &testErrors{},
	}
	opts := append([]Option{
		WithStateKey(testStateKey(t)),
		WithErrorHandler(h.errs.handler),
	}, opt...)
	m, err := NewMiddleware(h.tp.Config(), h.signIn, opts...)
	require.NoError(t, err)
	h.m = m
	return h
}

// challenge issues a challenge for target and returns the authorize URL and
// the correlation cookie, if any.
func (h *testHarness) challenge(t *testing.T, target string, p *Properties) (*url.URL, *http.Cookie) {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, h.m.Challenge(rec, httptest.NewRequest(http.MethodGet, testAppURL+target, nil), p))
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == correlationCookieName(h.m.config.SignInScheme) {
			cookie = c
		}
	}
	return loc, cookie
}

func (h *testHarness) callback(t *testing.T, query url.Values, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, testAppURL+DefaultCallbackPath+"?"+query.Encode(), nil)
	if cookie != nil {
		r.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
	rec := httptest.NewRecorder()
	h.m.ServeCallback(rec, r)
	return rec
}

func (h *testHarness) backchannelCalls() int {
	return h.tp.TokenRequests() + h.tp.UserInfoRequests()
}

// correlationExpired reports whether the response expires the named cookie.
func correlationExpired(rec *httptest.ResponseRecorder, name string) bool {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name && c.MaxAge < 0 {
			return true
		}
	}
	return false
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) ProviderError {
	t.Helper()
	var body ProviderError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestNewMiddleware(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	signIn := &testSignIn{}

	tests := []struct {
		name      string
		config    func() *Config
		signIn    SignIn
		opt       []Option
		wantIsErr error
	}{
		{name: "valid", config: func() *Config { return tp.Config() }, signIn: signIn},
		{name: "valid-ephemeral-key", config: func() *Config { return tp.Config() }, signIn: signIn, opt: []Option{WithStateKey(nil)}},
		{name: "nil-config", config: func() *Config { return nil }, signIn: signIn, wantIsErr: ErrNilParameter},
		{name: "nil-sign-in", config: func() *Config { return tp.Config() }, wantIsErr: ErrNilParameter},
		{
			name: "empty-client-id",
			config: func() *Config {
				c := tp.Config()
				c.ClientID = ""
				return c
			},
			signIn:    signIn,
			wantIsErr: ErrInvalidConfig,
		},
		{
			name: "empty-client-secret",
			config: func() *Config {
				c := tp.Config()
				c.ClientSecret = ""
				return c
			},
			signIn:    signIn,
			wantIsErr: ErrInvalidConfig,
		},
		{name: "short-state-key", config: func() *Config { return tp.Config() }, signIn: signIn, opt: []Option{WithStateKey([]byte("short"))}, wantIsErr: ErrInvalidParameter},
		{
			name:   "mismatched-http-client",
			config: func() *Config { return tp.Config() },
			signIn: signIn,
			opt: []Option{WithHTTPClient(&http.Client{
				Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) { return nil, nil }),
			})},
			wantIsErr: ErrValidatorMismatch,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			got, err := NewMiddleware(tt.config(), tt.signIn, tt.opt...)
			if tt.wantIsErr != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantIsErr)
				assert.Nil(got)
				return
			}
			require.NoError(err)
			assert.NotNil(got.Provider())
		})
	}

	t.Run("config-is-copied", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := tp.Config(WithScopes("read_admins"))
		m, err := NewMiddleware(c, signIn)
		require.NoError(err)
		c.ClientID = "changed"
		c.Scopes[0] = "changed"
		got := m.Config()
		assert.Equal(TestClientID, got.ClientID)
		assert.Equal([]string{"read_admins"}, got.Scopes)
	})
}

func TestMiddleware_Challenge(t *testing.T) {
	t.Parallel()

	t.Run("redirects-to-authorize-endpoint", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := newTestHarness(t)
		loc, cookie := h.challenge(t, "/dashboard?tab=2", nil)

		assert.Equal(h.tp.Addr()+"/oauth", loc.Scheme+"://"+loc.Host+loc.Path)
		q := loc.Query()
		assert.Equal("code", q.Get("response_type"))
		assert.Equal(TestClientID, q.Get("client_id"))
		assert.Equal(testAppURL+DefaultCallbackPath, q.Get("redirect_uri"))
		assert.Empty(q.Get("scope"))
		assert.NotContains(loc.String(), TestClientSecret)

		props, err := h.m.codec.Decode(q.Get("state"))
		require.NoError(err)
		assert.Equal("/dashboard?tab=2", props.RedirectURI)

		require.NotNil(cookie)
		assert.Equal(props.Get(correlationItem), cookie.Value)
		assert.Equal(DefaultCallbackPath, cookie.Path)
		assert.True(cookie.HttpOnly)
		assert.True(cookie.Secure)
		assert.Equal(http.SameSiteLaxMode, cookie.SameSite)

		assert.Equal(0, h.backchannelCalls())
	})
	t.Run("uses-caller-properties", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := newTestHarness(t)
		in := NewProperties("/after")
		in.Set("tenant", "acme")
		loc, _ := h.challenge(t, "/ignored", in)

		props, err := h.m.codec.Decode(loc.Query().Get("state"))
		require.NoError(err)
		assert.Equal("/after", props.RedirectURI)
		assert.Equal("acme", props.Get("tenant"))
		// the caller's properties are left alone
		assert.Empty(in.Get(correlationItem))
	})
	t.Run("apply-redirect-hook", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		var got *ApplyRedirectContext
		h := newTestHarness(t, WithHooks(&HookFuncs{
			OnApplyRedirect: func(c *ApplyRedirectContext) {
				got = c
				c.Response.Header().Set("X-Authorize", c.RedirectURI)
				c.Response.WriteHeader(http.StatusUnauthorized)
			},
		}))
		rec := httptest.NewRecorder()
		require.NoError(h.m.Challenge(rec, httptest.NewRequest(http.MethodGet, testAppURL+"/api/thing", nil), nil))
		require.NotNil(got)
		assert.Equal(http.StatusUnauthorized, rec.Code)
		assert.Empty(rec.Header().Get("Location"))
		assert.True(strings.HasPrefix(rec.Header().Get("X-Authorize"), h.tp.Addr()+"/oauth?"))
		assert.Equal("/api/thing", got.Properties.RedirectURI)
		assert.Empty(got.Properties.Get(correlationItem))
	})
	t.Run("configured-redirect-url", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		m, err := NewMiddleware(tp.Config(WithRedirectURL("https://public.example.com/auth/intercom")), &testSignIn{}, WithStateKey(testStateKey(t)))
		require.NoError(err)
		rec := httptest.NewRecorder()
		require.NoError(m.Challenge(rec, httptest.NewRequest(http.MethodGet, "http://internal:8080/", nil), nil))
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(err)
		assert.Equal("https://public.example.com/auth/intercom", loc.Query().Get("redirect_uri"))

		// TLS ends in front of the host, the cookie still needs Secure
		var cookie *http.Cookie
		for _, c := range rec.Result().Cookies() {
			if c.Name == correlationCookieName(DefaultSignInScheme) {
				cookie = c
			}
		}
		require.NotNil(cookie)
		assert.True(cookie.Secure)
		assert.Equal("/auth/intercom", cookie.Path)
	})
	t.Run("plain-http-cookie-not-secure", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := newTestHarness(t)
		rec := httptest.NewRecorder()
		require.NoError(h.m.Challenge(rec, httptest.NewRequest(http.MethodGet, "http://localhost:8080/", nil), nil))
		cookies := rec.Result().Cookies()
		require.Len(cookies, 1)
		assert.False(cookies[0].Secure)
	})
	t.Run("without-correlation-cookie", func(t *testing.T) {
		h := newTestHarness(t, WithoutCorrelationCookie())
		_, cookie := h.challenge(t, "/", nil)
		assert.Nil(t, cookie)
	})
}

func TestMiddleware_ServeCallback(t *testing.T) {
	t.Parallel()

	t.Run("success", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		reg := prometheus.NewRegistry()
		var authenticated *AuthenticatedContext
		h := newTestHarness(t, WithMetrics(reg), WithHooks(&HookFuncs{
			OnAuthenticated: func(_ context.Context, c *AuthenticatedContext) error {
				authenticated = c
				c.Identity.AddClaim("role", "support")
				return nil
			},
		}))
		in := NewProperties("/dashboard")
		in.Set("tenant", "acme")
		loc, cookie := h.challenge(t, "/", in)

		rec := h.callback(t, url.Values{"code": {"abc123"}, "state": {loc.Query().Get("state")}}, cookie)
		assert.Equal(http.StatusFound, rec.Code)
		assert.Equal("/dashboard", rec.Header().Get("Location"))

		require.NotNil(authenticated)
		assert.Equal("tok1", authenticated.AccessToken)
		assert.Equal("42", authenticated.UserID)
		assert.Equal("a@b.com", authenticated.Email)
		assert.Equal("Ann Lee", authenticated.Name)
		assert.Equal("app1", authenticated.AppID)
		assert.Equal("AppOne", authenticated.AppName)

		require.Equal(1, h.signIn.count())
		assert.Equal([]string{DefaultSignInScheme}, h.signIn.schemes)
		ticket := h.signIn.tickets[0]
		assert.Equal(DefaultSignInScheme, ticket.Identity.AuthenticationType)
		assert.Equal([]Claim{
			{Type: ClaimSubject, Value: "42", Issuer: ClaimIssuer},
			{Type: ClaimName, Value: "Ann Lee", Issuer: ClaimIssuer},
			{Type: ClaimEmail, Value: "a@b.com", Issuer: ClaimIssuer},
			{Type: ClaimGivenName, Value: "Ann", Issuer: ClaimIssuer},
			{Type: ClaimFamilyName, Value: "Lee", Issuer: ClaimIssuer},
			{Type: ClaimAppID, Value: "app1", Issuer: ClaimIssuer},
			{Type: ClaimAppName, Value: "AppOne", Issuer: ClaimIssuer},
			{Type: "role", Value: "support", Issuer: ClaimIssuer},
		}, ticket.Identity.Claims())
		assert.Equal("/dashboard", ticket.Properties.RedirectURI)
		assert.Equal("acme", ticket.Properties.Get("tenant"))
		assert.Empty(ticket.Properties.Get(correlationItem))

		assert.True(correlationExpired(rec, cookie.Name))

		assert.Equal(1, h.tp.TokenRequests())
		assert.Equal(1, h.tp.UserInfoRequests())
		assert.Equal(testAppURL+DefaultCallbackPath, h.tp.LastTokenRequest().Get("redirect_uri"))
		assert.Equal(float64(1), testutil.ToFloat64(h.m.metrics.callbacks.WithLabelValues(OutcomeSuccess)))
		assert.Equal(float64(1), testutil.ToFloat64(h.m.metrics.challenges))
	})

	t.Run("scheme-with-spaces", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := &testHarness{tp: StartTestProvider(t), signIn: &testSignIn{}, errs: &testErrors{}}
		m, err := NewMiddleware(h.tp.Config(WithSignInScheme("Intercom Admins")), h.signIn,
			WithStateKey(testStateKey(t)), WithErrorHandler(h.errs.handler))
		require.NoError(err)
		h.m = m

		loc, cookie := h.challenge(t, "/inbox", nil)
		require.NotNil(cookie)
		require.NoError(cookie.Valid())

		rec := h.callback(t, url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}, cookie)
		require.Equal(http.StatusFound, rec.Code)
		assert.Equal("/inbox", rec.Header().Get("Location"))
		require.Equal(1, h.signIn.count())
		assert.Equal([]string{"Intercom Admins"}, h.signIn.schemes)
		assert.True(correlationExpired(rec, cookie.Name))
	})

	t.Run("sparse-profile", func(t *testing.T) {
		assert := assert.New(t)
		h := newTestHarness(t)
		h.tp.SetProfile(`{"id":"7","name":null,"unexpected":{"nested":[1,2,3]}}`)
		loc, cookie := h.challenge(t, "/", nil)
		rec := h.callback(t, url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}, cookie)
		assert.Equal(http.StatusFound, rec.Code)
		require.Equal(t, 1, h.signIn.count())
		assert.Equal([]Claim{{Type: ClaimSubject, Value: "7", Issuer: ClaimIssuer}}, h.signIn.tickets[0].Identity.Claims())
	})

	t.Run("post-callback", func(t *testing.T) {
		assert := assert.New(t)
		h := newTestHarness(t)
		loc, cookie := h.challenge(t, "/home", nil)
		form := url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}
		r := httptest.NewRequest(http.MethodPost, testAppURL+DefaultCallbackPath, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
		rec := httptest.NewRecorder()
		h.m.Handler(http.NotFoundHandler()).ServeHTTP(rec, r)
		assert.Equal(http.StatusFound, rec.Code)
		assert.Equal("/home", rec.Header().Get("Location"))
		assert.Equal(1, h.signIn.count())
	})

	failures := []struct {
		name              string
		setup             func(*TestProvider)
		query             func(state string) url.Values
		noCookie          bool
		wantIsErr         error
		wantStatus        int
		wantCode          string
		wantStage         FlowState
		wantTokenCalls    int
		wantUserInfoCalls int
		wantProperties    bool
		wantExpired       bool
	}{
		{
			name:        "provider-denied",
			query:       func(string) url.Values { return url.Values{"error": {"access_denied"}} },
			wantIsErr:   ErrProviderDenied,
			wantStatus:  http.StatusUnauthorized,
			wantCode:    "access_denied",
			wantStage:   FlowCallbackReceived,
			wantExpired: true,
		},
		{
			name: "provider-denied-with-state",
			query: func(state string) url.Values {
				return url.Values{"error": {"access_denied"}, "error_description": {"nope"}, "state": {state}}
			},
			wantIsErr:      ErrProviderDenied,
			wantStatus:     http.StatusUnauthorized,
			wantCode:       "access_denied",
			wantStage:      FlowCallbackReceived,
			wantProperties: true,
			wantExpired:    true,
		},
		{
			name:       "corrupted-state",
			query:      func(state string) url.Values { return url.Values{"code": {TestAuthCode}, "state": {state[:len(state)-4] + "AAAA"}} },
			wantIsErr:  ErrInvalidState,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_state",
			wantStage:  FlowCallbackReceived,
		},
		{
			name:       "missing-state",
			query:      func(string) url.Values { return url.Values{"code": {TestAuthCode}} },
			wantIsErr:  ErrInvalidState,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_state",
			wantStage:  FlowCallbackReceived,
		},
		{
			name:       "missing-correlation-cookie",
			query:      func(state string) url.Values { return url.Values{"code": {TestAuthCode}, "state": {state}} },
			noCookie:   true,
			wantIsErr:  ErrInvalidState,
			wantStatus: http.StatusBadRequest,
			wantCode:   "invalid_state",
			wantStage:  FlowCallbackReceived,
			// decoded before correlation failed
			wantProperties: true,
		},
		{
			name:           "missing-code",
			query:          func(state string) url.Values { return url.Values{"state": {state}} },
			wantIsErr:      ErrInvalidParameter,
			wantStatus:     http.StatusBadRequest,
			wantCode:       "invalid_request",
			wantStage:      FlowCallbackReceived,
			wantProperties: true,
			wantExpired:    true,
		},
		{
			name:           "token-endpoint-error",
			setup:          func(p *TestProvider) { p.SetTokenStatus(http.StatusInternalServerError) },
			query:          func(state string) url.Values { return url.Values{"code": {TestAuthCode}, "state": {state}} },
			wantIsErr:      ErrTokenExchange,
			wantStatus:     http.StatusBadGateway,
			wantCode:       "token_exchange_failed",
			wantStage:      FlowCallbackReceived,
			wantTokenCalls: 1,
			wantProperties: true,
			wantExpired:    true,
		},
		{
			name:           "token-without-access-token",
			setup:          func(p *TestProvider) { p.SetAccessToken("") },
			query:          func(state string) url.Values { return url.Values{"code": {TestAuthCode}, "state": {state}} },
			wantIsErr:      ErrTokenExchange,
			wantStatus:     http.StatusBadGateway,
			wantCode:       "token_exchange_failed",
			wantStage:      FlowCallbackReceived,
			wantTokenCalls: 1,
			wantProperties: true,
			wantExpired:    true,
		},
		{
			name:              "profile-endpoint-error",
			setup:             func(p *TestProvider) { p.SetUserInfoStatus(http.StatusInternalServerError) },
			query:             func(state string) url.Values { return url.Values{"code": {TestAuthCode}, "state": {state}} },
			wantIsErr:         ErrProfileFetch,
			wantStatus:        http.StatusBadGateway,
			wantCode:          "profile_fetch_failed",
			wantStage:         FlowTokenExchanged,
			wantTokenCalls:    1,
			wantUserInfoCalls: 1,
			wantProperties:    true,
			wantExpired:       true,
		},
	}
	for _, tt := range failures {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			h := newTestHarness(t)
			if tt.setup != nil {
				tt.setup(h.tp)
			}
			loc, cookie := h.challenge(t, "/dashboard", nil)
			if tt.noCookie {
				cookie = nil
			}

			rec := h.callback(t, tt.query(loc.Query().Get("state")), cookie)
			assert.Equal(tt.wantStatus, rec.Code)
			assert.Equal("application/json", rec.Header().Get("Content-Type"))
			assert.Equal(tt.wantCode, decodeErrorBody(t, rec).Code)

			got := h.errs.last(t)
			assert.ErrorIs(got.Err, tt.wantIsErr)
			assert.Equal(tt.wantStage, got.Stage)
			if tt.wantProperties {
				require.NotNil(got.Properties)
				assert.Equal("/dashboard", got.Properties.RedirectURI)
				assert.Empty(got.Properties.Get(correlationItem))
			} else {
				assert.Nil(got.Properties)
			}

			assert.Equal(tt.wantExpired, correlationExpired(rec, correlationCookieName(DefaultSignInScheme)))
			assert.Equal(tt.wantTokenCalls, h.tp.TokenRequests())
			assert.Equal(tt.wantUserInfoCalls, h.tp.UserInfoRequests())
			assert.Equal(0, h.signIn.count())
		})
	}

	t.Run("mismatched-correlation-cookie", func(t *testing.T) {
		assert := assert.New(t)
		h := newTestHarness(t)
		loc, cookie := h.challenge(t, "/", nil)
		// a cookie from a different challenge
		_, other := h.challenge(t, "/", nil)
		require.NotEqual(t, cookie.Value, other.Value)

		rec := h.callback(t, url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}, other)
		assert.Equal(http.StatusBadRequest, rec.Code)
		assert.ErrorIs(h.errs.last(t).Err, ErrInvalidState)
		assert.Equal(0, h.backchannelCalls())
	})

	t.Run("without-correlation-cookie", func(t *testing.T) {
		assert := assert.New(t)
		h := newTestHarness(t, WithoutCorrelationCookie())
		loc, _ := h.challenge(t, "/", nil)
		rec := h.callback(t, url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}, nil)
		assert.Equal(http.StatusFound, rec.Code)
		assert.Equal(1, h.signIn.count())
	})

	t.Run("cancelled-request-is-abandoned", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		reg := prometheus.NewRegistry()
		h := newTestHarness(t, WithMetrics(reg))
		loc, cookie := h.challenge(t, "/", nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		q := url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}
		r := httptest.NewRequest(http.MethodGet, testAppURL+DefaultCallbackPath+"?"+q.Encode(), nil).WithContext(ctx)
		r.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
		rec := httptest.NewRecorder()
		h.m.ServeCallback(rec, r)

		assert.Empty(rec.Body.String())
		assert.Empty(rec.Header().Get("Location"))
		assert.Empty(h.errs.errs)
		assert.Equal(0, h.signIn.count())
		require.NotNil(h.m.metrics)
		assert.Equal(float64(1), testutil.ToFloat64(h.m.metrics.callbacks.WithLabelValues(OutcomeAbandoned)))
	})

	t.Run("sign-in-fails", func(t *testing.T) {
		assert := assert.New(t)
		h := newTestHarness(t)
		h.signIn.err = errors.New("session store down")
		loc, cookie := h.challenge(t, "/", nil)
		rec := h.callback(t, url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}, cookie)
		assert.Equal(http.StatusInternalServerError, rec.Code)
		assert.Equal("server_error", decodeErrorBody(t, rec).Code)
		assert.ErrorIs(h.errs.last(t).Err, ErrSignInFailed)
		assert.Equal(FlowIdentityBuilt, h.errs.last(t).Stage)
	})
}

func TestMiddleware_Hooks(t *testing.T) {
	t.Parallel()
	errVeto := errors.New("not in the support team")

	tests := []struct {
		name         string
		hooks        *HookFuncs
		wantStatus   int
		wantLocation string
		wantSignIns  int
		wantIsErr    error
		wantBody     string
	}{
		{
			name: "authenticated-rejects",
			hooks: &HookFuncs{OnAuthenticated: func(context.Context, *AuthenticatedContext) error {
				return errVeto
			}},
			wantStatus: http.StatusForbidden,
			wantIsErr:  errVeto,
		},
		{
			name: "return-endpoint-rejects",
			hooks: &HookFuncs{OnReturnEndpoint: func(context.Context, *ReturnEndpointContext) error {
				return errVeto
			}},
			wantStatus: http.StatusForbidden,
			wantIsErr:  ErrHookRejected,
		},
		{
			name: "return-endpoint-changes-redirect",
			hooks: &HookFuncs{OnReturnEndpoint: func(_ context.Context, c *ReturnEndpointContext) error {
				c.RedirectURI = "/welcome"
				return nil
			}},
			wantStatus:   http.StatusFound,
			wantLocation: "/welcome",
			wantSignIns:  1,
		},
		{
			name: "return-endpoint-clears-redirect",
			hooks: &HookFuncs{OnReturnEndpoint: func(_ context.Context, c *ReturnEndpointContext) error {
				c.RedirectURI = ""
				return nil
			}},
			wantStatus:   http.StatusFound,
			wantLocation: "/",
			wantSignIns:  1,
		},
		{
			name: "return-endpoint-skips-sign-in",
			hooks: &HookFuncs{OnReturnEndpoint: func(_ context.Context, c *ReturnEndpointContext) error {
				c.Identity = nil
				return nil
			}},
			wantStatus:   http.StatusFound,
			wantLocation: "/dashboard",
		},
		{
			name: "authenticated-skips-sign-in",
			hooks: &HookFuncs{OnAuthenticated: func(_ context.Context, c *AuthenticatedContext) error {
				c.Identity = nil
				return nil
			}},
			wantStatus:   http.StatusFound,
			wantLocation: "/dashboard",
		},
		{
			name: "return-endpoint-handles-response",
			hooks: &HookFuncs{OnReturnEndpoint: func(_ context.Context, c *ReturnEndpointContext) error {
				c.Response.WriteHeader(http.StatusTeapot)
				_, _ = c.Response.Write([]byte("handled"))
				c.HandleResponse()
				return nil
			}},
			wantStatus: http.StatusTeapot,
			wantBody:   "handled",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert := assert.New(t)
			h := newTestHarness(t, WithHooks(tt.hooks))
			loc, cookie := h.challenge(t, "/dashboard", nil)
			rec := h.callback(t, url.Values{"code": {TestAuthCode}, "state": {loc.Query().Get("state")}}, cookie)

			assert.Equal(tt.wantStatus, rec.Code)
			assert.Equal(tt.wantLocation, rec.Header().Get("Location"))
			assert.Equal(tt.wantSignIns, h.signIn.count())
			if tt.wantIsErr != nil {
				got := h.errs.last(t)
				assert.ErrorIs(got.Err, tt.wantIsErr)
				assert.ErrorIs(got.Err, ErrHookRejected)
				assert.Equal("access_denied", decodeErrorBody(t, rec).Code)
			}
			if tt.wantBody != "" {
				assert.Equal(tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestMiddleware_Handler(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := h.m.Handler(next)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{name: "other-path", method: http.MethodGet, path: "/dashboard", want: http.StatusNoContent},
		{name: "callback-get", method: http.MethodGet, path: DefaultCallbackPath, want: http.StatusBadRequest},
		{name: "callback-put", method: http.MethodPut, path: DefaultCallbackPath, want: http.StatusNoContent},
		{name: "callback-prefix", method: http.MethodGet, path: DefaultCallbackPath + "/x", want: http.StatusNoContent},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(tt.method, testAppURL+tt.path, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestMiddleware_RequireAuth(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := h.m.RequireAuth(func(r *http.Request) bool {
		return r.Header.Get("X-Session") != ""
	})(next)

	t.Run("authenticated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, testAppURL+"/reports", nil)
		r.Header.Set("X-Session", "1")
		handler.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	})
	t.Run("challenged", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, testAppURL+"/reports", nil))
		assert.Equal(http.StatusFound, rec.Code)
		loc, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(err)
		props, err := h.m.codec.Decode(loc.Query().Get("state"))
		require.NoError(err)
		assert.Equal("/reports", props.RedirectURI)
	})
}

// TestMiddleware_BrowserRoundTrip follows the browser through the test
// provider's authorize endpoint and back to the callback.
func TestMiddleware_BrowserRoundTrip(t *testing.T) {
	t.Parallel()
	h := newTestHarness(t)
	browser := *h.tp.HTTPClient()
	browser.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }

	// authorize sends the browser to Intercom and returns where Intercom
	// redirects it back to, along with the correlation cookie.
	authorize := func(t *testing.T) (url.Values, *http.Cookie) {
		t.Helper()
		loc, cookie := h.challenge(t, "/inbox", nil)
		resp, err := browser.Get(loc.String())
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusFound, resp.StatusCode)

		back, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Equal(t, testAppURL+DefaultCallbackPath, back.Scheme+"://"+back.Host+back.Path)
		return back.Query(), cookie
	}

	t.Run("approved", func(t *testing.T) {
		assert := assert.New(t)
		query, cookie := authorize(t)
		assert.Equal(TestAuthCode, query.Get("code"))

		rec := h.callback(t, query, cookie)
		assert.Equal(http.StatusFound, rec.Code)
		assert.Equal("/inbox", rec.Header().Get("Location"))
		assert.Equal(1, h.signIn.count())
	})
	t.Run("denied", func(t *testing.T) {
		assert := assert.New(t)
		h.tp.SetAuthorizeError("access_denied")
		query, cookie := authorize(t)
		assert.Equal("access_denied", query.Get("error"))

		tokenCalls := h.tp.TokenRequests()
		rec := h.callback(t, query, cookie)
		assert.Equal(http.StatusUnauthorized, rec.Code)
		assert.Equal(tokenCalls, h.tp.TokenRequests())
		assert.True(correlationExpired(rec, cookie.Name))
	})
}
