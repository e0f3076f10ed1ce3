// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"bytes"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Default TestProvider replies.
const (
	TestClientID     = "test-client-id"
	TestClientSecret = "test-client-secret"
	TestAuthCode     = "abc123"
	TestAccessToken  = "tok1"
	TestProfile      = `{"type":"admin","id":"42","email":"a@b.com","name":"Ann Lee","email_verified":true,"app":{"type":"app","id_code":"app1","name":"AppOne","created_at":1490000000}}`
)

// TestProvider is a local TLS server which imitates Intercom's authorize,
// token and userinfo endpoints. It's part of the package's public testing
// API so hosts can exercise their sign-in wiring without reaching Intercom.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	mu               sync.Mutex
	clientID         string
	clientSecret     string
	expectedAuthCode string
	authorizeError   string
	accessToken      string
	tokenStatus      int
	tokenDelay       time.Duration
	profile          []byte
	userInfoStatus   int
	tokenRequests    int
	userInfoRequests int
	lastTokenForm    url.Values

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider which is stopped when
// the test completes.
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		clientID:         TestClientID,
		clientSecret:     TestClientSecret,
		expectedAuthCode: TestAuthCode,
		accessToken:      TestAccessToken,
		tokenStatus:      http.StatusOK,
		profile:          []byte(TestProfile),
		userInfoStatus:   http.StatusOK,
		t:                t,
	}
	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()
	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the provider's base URL.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the PEM encoded CA certificate of the provider's server.
func (p *TestProvider) CACert() string { return p.caCert }

// HTTPClient returns a client which trusts the provider's certificate.
func (p *TestProvider) HTTPClient() *http.Client { return p.httpServer.Client() }

// Config returns a valid Config pointing at the provider, trusting its CA
// certificate. Options are applied after the provider's endpoints.
func (p *TestProvider) Config(opt ...Option) *Config {
	p.t.Helper()
	p.mu.Lock()
	id, secret := p.clientID, p.clientSecret
	p.mu.Unlock()

	opts := append([]Option{
		WithEndpoints(p.Addr()+"/oauth", p.Addr()+"/auth/eagle/token", p.Addr()+"/me"),
		WithProviderCA(p.caCert),
	}, opt...)
	c, err := NewConfig(id, ClientSecret(secret), opts...)
	require.NoError(p.t, err)
	return c
}

// SetClientCreds sets the client credentials the token endpoint accepts.
func (p *TestProvider) SetClientCreds(clientID, clientSecret string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
	p.clientSecret = clientSecret
}

// SetExpectedAuthCode sets the code issued by the authorize endpoint and
// accepted by the token endpoint.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetAuthorizeError makes the authorize endpoint redirect back with the
// error code instead of an authorization code. An empty code clears it.
func (p *TestProvider) SetAuthorizeError(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorizeError = code
}

// SetAccessToken sets the access token issued by the token endpoint. An
// empty token produces a response without an access_token.
func (p *TestProvider) SetAccessToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = token
}

// SetTokenStatus makes the token endpoint fail with the status. Use
// http.StatusOK to restore it.
func (p *TestProvider) SetTokenStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenStatus = status
}

// SetTokenDelay delays every token response.
func (p *TestProvider) SetTokenDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenDelay = d
}

// SetProfile sets the raw document returned by the userinfo endpoint.
func (p *TestProvider) SetProfile(profile string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.profile = []byte(profile)
}

// SetUserInfoStatus makes the userinfo endpoint reply with the status.
func (p *TestProvider) SetUserInfoStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoStatus = status
}

// TokenRequests returns the number of requests the token endpoint received.
func (p *TestProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// UserInfoRequests returns the number of requests the userinfo endpoint
// received.
func (p *TestProvider) UserInfoRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userInfoRequests
}

// LastTokenRequest returns the form of the last token request.
func (p *TestProvider) LastTokenRequest() url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTokenForm
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, status int, out interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func (p *TestProvider) writeTokenError(w http.ResponseWriter, status int, code string) {
	p.writeJSON(w, status, &ProviderError{Code: code})
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/oauth":
		p.serveAuthorize(w, req)
	case "/auth/eagle/token":
		p.serveToken(w, req)
	case "/me":
		p.serveUserInfo(w, req)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) serveAuthorize(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p.mu.Lock()
	clientID, code, authErr := p.clientID, p.expectedAuthCode, p.authorizeError
	p.mu.Unlock()

	qv := req.URL.Query()
	redirectURI, err := url.Parse(qv.Get("redirect_uri"))
	if err != nil || !redirectURI.IsAbs() || qv.Get("client_id") != clientID {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	reply := url.Values{}
	reply.Set("state", qv.Get("state"))
	switch {
	case qv.Get("response_type") != "code":
		reply.Set("error", "unsupported_response_type")
	case authErr != "":
		reply.Set("error", authErr)
	default:
		reply.Set("code", code)
	}
	redirectURI.RawQuery = reply.Encode()
	http.Redirect(w, req, redirectURI.String(), http.StatusFound)
}

func (p *TestProvider) serveToken(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := req.ParseForm(); err != nil {
		p.writeTokenError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	p.mu.Lock()
	p.tokenRequests++
	p.lastTokenForm = req.PostForm
	var (
		clientID, clientSecret = p.clientID, p.clientSecret
		code                   = p.expectedAuthCode
		accessToken            = p.accessToken
		status                 = p.tokenStatus
		delay                  = p.tokenDelay
	)
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-req.Context().Done():
			return
		}
	}
	switch {
	case status != http.StatusOK:
		p.writeTokenError(w, status, "server_error")
	case req.PostForm.Get("grant_type") != "authorization_code":
		p.writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type")
	case req.PostForm.Get("client_id") != clientID, req.PostForm.Get("client_secret") != clientSecret:
		p.writeTokenError(w, http.StatusUnauthorized, "invalid_client")
	case req.PostForm.Get("code") != code, req.PostForm.Get("redirect_uri") == "":
		p.writeTokenError(w, http.StatusBadRequest, "invalid_grant")
	default:
		reply := map[string]interface{}{"token_type": "Bearer"}
		if accessToken != "" {
			reply["access_token"] = accessToken
		}
		p.writeJSON(w, http.StatusOK, reply)
	}
}

func (p *TestProvider) serveUserInfo(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	p.mu.Lock()
	p.userInfoRequests++
	accessToken, profile, status := p.accessToken, p.profile, p.userInfoStatus
	p.mu.Unlock()

	if req.Header.Get("Authorization") != "Bearer "+accessToken {
		p.writeJSON(w, http.StatusUnauthorized, map[string]string{"type": "error.list", "request_id": "test"})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(profile)
}
