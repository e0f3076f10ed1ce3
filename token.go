// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Token is the result of a successful authorization code exchange. It is
// handed to hooks and never persisted by the middleware.
type Token struct {
	// AccessToken authorizes requests to Intercom's API on the admin's
	// behalf.
	AccessToken string

	// TokenType is the type of the access token, typically "Bearer".
	TokenType string

	// Scope lists the granted scopes when Intercom returns them.
	Scope []string

	// Expiry is zero for tokens that don't expire, which is the norm for
	// Intercom.
	Expiry time.Time

	underlying *oauth2.Token
}

// NewToken creates a Token from an oauth2.Token.
func NewToken(t *oauth2.Token) (*Token, error) {
	const op = "intercom.NewToken"
	switch {
	case t == nil:
		return nil, fmt.Errorf("%s: oauth2 token is nil: %w", op, ErrNilParameter)
	case t.AccessToken == "":
		return nil, fmt.Errorf("%s: %w", op, ErrMissingAccessToken)
	}
	tk := &Token{
		AccessToken: t.AccessToken,
		TokenType:   t.Type(),
		Expiry:      t.Expiry,
		underlying:  t,
	}
	if scope, ok := t.Extra("scope").(string); ok {
		tk.Scope = strings.Fields(scope)
	}
	return tk, nil
}

// Valid returns true if the token has an access token and isn't expired.
func (t *Token) Valid() bool {
	if t == nil {
		return false
	}
	return t.oauth2Token().Valid()
}

// StaticTokenSource returns a TokenSource that always returns the token, for
// callers that want to use it with golang.org/x/oauth2 clients.
func (t *Token) StaticTokenSource() oauth2.TokenSource {
	return oauth2.StaticTokenSource(t.oauth2Token())
}

// SetAuthHeader sets the Authorization header on r.
func (t *Token) SetAuthHeader(r *http.Request) {
	t.oauth2Token().SetAuthHeader(r)
}

func (t *Token) oauth2Token() *oauth2.Token {
	if t.underlying != nil {
		return t.underlying
	}
	return &oauth2.Token{AccessToken: t.AccessToken, TokenType: t.TokenType, Expiry: t.Expiry}
}
