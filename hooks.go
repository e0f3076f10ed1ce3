// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"context"
	"net/http"
)

// Hooks are invoked by the Middleware at well-defined points of the flow so
// the host can customize it. Each hook is invoked at most once per request
// and always sees a fully populated context.
type Hooks interface {
	// Authenticated is invoked after Intercom authenticated an admin and
	// the profile was fetched. Returning an error rejects the sign-in.
	Authenticated(ctx context.Context, c *AuthenticatedContext) error

	// ReturnEndpoint is invoked before the ticket is handed to SignIn and
	// the browser is redirected. Returning an error rejects the sign-in.
	ReturnEndpoint(ctx context.Context, c *ReturnEndpointContext) error

	// ApplyRedirect is invoked during a challenge and must complete the
	// redirect to c.RedirectURI, or replace it.
	ApplyRedirect(c *ApplyRedirectContext)
}

// HookFuncs implements Hooks with optional funcs. Any nil func falls back to
// the default behavior: Authenticated and ReturnEndpoint do nothing and
// ApplyRedirect issues a 302 to the authorize URL.
type HookFuncs struct {
	OnAuthenticated  func(ctx context.Context, c *AuthenticatedContext) error
	OnReturnEndpoint func(ctx context.Context, c *ReturnEndpointContext) error
	OnApplyRedirect  func(c *ApplyRedirectContext)
}

// ensure that HookFuncs implements the Hooks interface
var _ Hooks = (*HookFuncs)(nil)

// Authenticated implements Hooks.
func (h *HookFuncs) Authenticated(ctx context.Context, c *AuthenticatedContext) error {
	if h == nil || h.OnAuthenticated == nil {
		return nil
	}
	return h.OnAuthenticated(ctx, c)
}

// ReturnEndpoint implements Hooks.
func (h *HookFuncs) ReturnEndpoint(ctx context.Context, c *ReturnEndpointContext) error {
	if h == nil || h.OnReturnEndpoint == nil {
		return nil
	}
	return h.OnReturnEndpoint(ctx, c)
}

// ApplyRedirect implements Hooks.
func (h *HookFuncs) ApplyRedirect(c *ApplyRedirectContext) {
	if h == nil || h.OnApplyRedirect == nil {
		DefaultApplyRedirect(c)
		return
	}
	h.OnApplyRedirect(c)
}

// DefaultApplyRedirect redirects the browser to c.RedirectURI.
func DefaultApplyRedirect(c *ApplyRedirectContext) {
	http.Redirect(c.Response, c.Request, c.RedirectURI, http.StatusFound)
}
