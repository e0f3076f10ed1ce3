// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ServeCallback handles Intercom's redirect back to the callback path. It
// validates the state token before any backchannel request is made, exchanges
// the code for a token, fetches the admin's profile, runs the hooks and hands
// the resulting ticket to SignIn before redirecting the browser to the return
// URL recovered from the state.
//
// Failures are rendered by the error handler (see WithErrorHandler), except
// when the inbound request was cancelled, in which case nothing is written.
//
// POST callbacks are accepted, but a cross-site POST carries no correlation
// cookie; see WithoutCorrelationCookie.
func (m *Middleware) ServeCallback(w http.ResponseWriter, r *http.Request) {
	f := newFlow(m.logger)
	f.to(FlowCallbackReceived)

	ticket, props, err := m.authenticate(w, r, f)
	if err != nil {
		m.fail(w, r, f, props, err)
		return
	}

	rc := &ReturnEndpointContext{
		BaseContext:  BaseContext{Request: r, Response: w},
		SignInScheme: m.config.SignInScheme,
		Identity:     ticket.Identity,
		Properties:   ticket.Properties,
		RedirectURI:  ticket.Properties.RedirectURI,
	}
	if err := m.hooks.ReturnEndpoint(r.Context(), rc); err != nil {
		m.fail(w, r, f, rc.Properties, fmt.Errorf("return endpoint hook: %w: %w", ErrHookRejected, err))
		return
	}
	if rc.IsRequestCompleted() {
		f.to(FlowCompleted)
		m.metrics.callback(OutcomeHandled)
		m.logger.Debug("response handled by return endpoint hook")
		return
	}
	if rc.Identity != nil {
		t := NewTicket(rc.Identity, rc.Properties)
		if err := m.signIn.SignIn(w, r, rc.SignInScheme, t); err != nil {
			m.fail(w, r, f, rc.Properties, fmt.Errorf("%w: %w", ErrSignInFailed, err))
			return
		}
	}
	redirectURI := rc.RedirectURI
	if redirectURI == "" {
		redirectURI = "/"
	}
	f.to(FlowCompleted)
	m.metrics.callback(OutcomeSuccess)
	m.logger.Debug("sign-in completed", "signed_in", rc.Identity != nil)
	http.Redirect(w, r, redirectURI, http.StatusFound)
}

// authenticate runs the callback up to and including the Authenticated hook.
// The returned properties are set once the state has been decoded, even when
// an error is returned.
func (m *Middleware) authenticate(w http.ResponseWriter, r *http.Request, f *flow) (*Ticket, *Properties, error) {
	const op = "intercom.(Middleware).authenticate"
	if err := r.ParseForm(); err != nil {
		return nil, nil, fmt.Errorf("%s: unable to parse callback: %w: %w", op, ErrInvalidParameter, err)
	}
	var (
		code     = r.Form.Get("code")
		state    = r.Form.Get("state")
		errParam = r.Form.Get("error")
	)

	if errParam != "" {
		pErr := &ProviderError{
			Code:        errParam,
			Description: r.Form.Get("error_description"),
			URI:         r.Form.Get("error_uri"),
		}
		// the state is only decoded so the error handler can see it
		var props *Properties
		if state != "" {
			if p, err := m.codec.Decode(state); err == nil {
				props = p
				props.Delete(correlationItem)
			}
		}
		// the challenge is over either way
		if m.correlation {
			if _, err := r.Cookie(correlationCookieName(m.config.SignInScheme)); err == nil {
				m.expireCorrelation(w, r)
			}
		}
		return nil, props, fmt.Errorf("%s: %w", op, pErr)
	}

	if state == "" {
		return nil, nil, fmt.Errorf("%s: state is missing: %w", op, ErrInvalidState)
	}
	props, err := m.codec.Decode(state)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	if m.correlation {
		if err := m.validateCorrelation(w, r, props); err != nil {
			return nil, props, fmt.Errorf("%s: %w", op, err)
		}
	} else {
		props.Delete(correlationItem)
	}
	if code == "" {
		return nil, props, fmt.Errorf("%s: authorization code is missing: %w", op, ErrInvalidParameter)
	}

	ctx := r.Context()
	t, err := m.provider.Exchange(ctx, code, m.redirectURL(r))
	if err != nil {
		return nil, props, fmt.Errorf("%s: %w", op, err)
	}
	f.to(FlowTokenExchanged)

	profile, err := m.provider.UserInfo(ctx, t)
	if err != nil {
		return nil, props, fmt.Errorf("%s: %w", op, err)
	}
	f.to(FlowProfileFetched)

	ac := NewAuthenticatedContext(BaseContext{Request: r, Response: w}, t, profile)
	ac.Properties = props
	ac.Identity = m.identity(ac)
	f.to(FlowIdentityBuilt)

	if err := m.hooks.Authenticated(ctx, ac); err != nil {
		return nil, ac.Properties, fmt.Errorf("%s: authenticated hook: %w: %w", op, ErrHookRejected, err)
	}
	if ac.Properties == nil {
		ac.Properties = props
	}
	return NewTicket(ac.Identity, ac.Properties), ac.Properties, nil
}

// identity builds the claims for an authenticated admin.
func (m *Middleware) identity(ac *AuthenticatedContext) *Identity {
	id := NewIdentity(m.config.SignInScheme)
	id.AddClaim(ClaimSubject, ac.UserID)
	id.AddClaim(ClaimName, ac.Name)
	id.AddClaim(ClaimEmail, ac.Email)
	if first, last, ok := DecomposeFullName(ac.Name); ok {
		id.AddClaim(ClaimGivenName, first)
		id.AddClaim(ClaimFamilyName, last)
	}
	id.AddClaim(ClaimAppID, ac.AppID)
	id.AddClaim(ClaimAppName, ac.AppName)
	return id
}

func (m *Middleware) fail(w http.ResponseWriter, r *http.Request, f *flow, props *Properties, err error) {
	f.to(FlowErrored)
	if isAbandoned(r.Context(), err) {
		m.metrics.callback(OutcomeAbandoned)
		m.logger.Debug("callback abandoned", "stage", f.stage().String(), "error", err)
		return
	}
	m.metrics.callback(outcome(err))
	switch status := StatusCode(err); {
	case status >= http.StatusInternalServerError:
		m.logger.Error("callback failed", "stage", f.stage().String(), "error", err)
	default:
		m.logger.Warn("callback rejected", "stage", f.stage().String(), "error", err)
	}
	m.errorHandler(&ErrorContext{
		BaseContext: BaseContext{Request: r, Response: w},
		Err:         err,
		Stage:       f.stage(),
		Properties:  props,
	})
}

// DefaultErrorHandler writes a JSON error response using StatusCode and an
// OAuth2 style error code. Provider errors are passed through as received;
// other causes are not exposed.
func DefaultErrorHandler(c *ErrorContext) {
	resp := ProviderError{Code: errorCode(c.Err)}
	var pErr *ProviderError
	if errors.As(c.Err, &pErr) {
		resp.Description = pErr.Description
		resp.URI = pErr.URI
	}
	c.Response.Header().Set("Content-Type", "application/json")
	c.Response.Header().Set("Cache-Control", "no-store")
	c.Response.WriteHeader(StatusCode(c.Err))
	_ = json.NewEncoder(c.Response).Encode(resp)
}
