// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"net/http"
	"strings"
)

// BaseContext carries the request being processed. Hooks may write to
// Response.
type BaseContext struct {
	Request  *http.Request
	Response http.ResponseWriter
}

// AuthenticatedContext is passed to the Authenticated hook once Intercom has
// authenticated an admin. The profile fields are extracted best-effort and
// are empty when Intercom didn't return them. Hooks may add to Identity,
// replace Properties, or set Identity to nil to skip sign-in.
type AuthenticatedContext struct {
	BaseContext

	// AccessToken is the Intercom access token.
	AccessToken string

	// Scope lists the scopes granted with the access token, if any.
	Scope []string

	// UserID is the Intercom admin id.
	UserID string

	// Email is the admin's email address.
	Email string

	// Name is the admin's display name.
	Name string

	// AppID is the Intercom workspace (app) id code.
	AppID string

	// AppName is the Intercom workspace (app) name.
	AppName string

	// Token is the full token response.
	Token *Token

	// Profile is the raw userinfo document.
	Profile *Profile

	// Identity is the claims bag that will be signed in.
	Identity *Identity

	// Properties were recovered from the state token.
	Properties *Properties
}

// NewAuthenticatedContext creates an AuthenticatedContext, reading the
// admin's fields from profile.
// See: https://developers.intercom.com/docs/references/rest-api/api.intercom.io/admins/identifyadmin
func NewAuthenticatedContext(base BaseContext, t *Token, profile *Profile) *AuthenticatedContext {
	c := &AuthenticatedContext{
		BaseContext: base,
		Token:       t,
		Profile:     profile,
	}
	if t != nil {
		c.AccessToken = t.AccessToken
		c.Scope = t.Scope
	}
	c.UserID, _ = profile.Get("id")
	c.Email, _ = profile.Get("email")
	c.Name, _ = profile.Get("name")
	c.AppID, _ = profile.Get("app.id_code")
	c.AppName, _ = profile.Get("app.name")
	return c
}

// ReturnEndpointContext is passed to the ReturnEndpoint hook just before the
// ticket is handed to SignIn and the browser is redirected. Hooks may change
// RedirectURI, set Identity to nil to skip sign-in, or write their own
// response and call HandleResponse.
type ReturnEndpointContext struct {
	BaseContext

	// SignInScheme is passed to SignIn.
	SignInScheme string

	// Identity to sign in. Nil skips sign-in.
	Identity *Identity

	// Properties to sign in with the identity.
	Properties *Properties

	// RedirectURI is where the browser is sent after sign-in.
	RedirectURI string

	requestCompleted bool
}

// HandleResponse tells the middleware the hook wrote the response itself, so
// neither sign-in nor the redirect happen.
func (c *ReturnEndpointContext) HandleResponse() { c.requestCompleted = true }

// IsRequestCompleted reports whether HandleResponse was called.
func (c *ReturnEndpointContext) IsRequestCompleted() bool { return c.requestCompleted }

// ApplyRedirectContext is passed to the ApplyRedirect hook during a
// challenge.
type ApplyRedirectContext struct {
	BaseContext

	// RedirectURI is the authorize URL, including the encoded state.
	RedirectURI string

	// Properties were encoded into the state.
	Properties *Properties
}

// ErrorContext describes a failed callback.
type ErrorContext struct {
	BaseContext

	// Err is the cause. Use errors.Is with the package's sentinel errors, or
	// StatusCode, to classify it.
	Err error

	// Stage is the last state the flow reached before failing.
	Stage FlowState

	// Properties are set when the failure happened after the state token
	// was decoded.
	Properties *Properties
}

// DecomposeFullName splits a display name into a first name and the rest of
// the name. A single word is treated as the last name. ok is false when
// displayName is empty.
func DecomposeFullName(displayName string) (first, last string, ok bool) {
	if displayName == "" {
		return "", "", false
	}
	segments := strings.Fields(displayName)
	switch len(segments) {
	case 0:
		return "", "", true
	case 1:
		return "", segments[0], true
	default:
		return segments[0], strings.Join(segments[1:], " "), true
	}
}
