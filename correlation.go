// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// correlationItem is the Properties item holding the correlation nonce.
const correlationItem = ".xsrf"

// correlationCookieName is the name of the cookie binding a challenge to the
// browser that started it. The scheme is encoded so any scheme yields a valid
// cookie name.
func correlationCookieName(scheme string) string {
	return ".intercom.correlation." + base64.RawURLEncoding.EncodeToString([]byte(scheme))
}

// secureCookie reports whether correlation cookies need the Secure attribute:
// either the request arrived over TLS or the configured redirect URL is https
// (TLS terminated in front of the host).
func (m *Middleware) secureCookie(r *http.Request) bool {
	return r.TLS != nil || strings.HasPrefix(strings.ToLower(m.config.RedirectURL), "https://")
}

// setCorrelation generates a nonce, records it in p and sets it as a cookie
// scoped to the callback path.
//
// The cookie is SameSite=Lax, so browsers only send it on top-level GET
// navigations back from the provider. Cross-site POST callbacks arrive without
// it.
func (m *Middleware) setCorrelation(w http.ResponseWriter, r *http.Request, p *Properties) error {
	const op = "intercom.(Middleware).setCorrelation"
	nonce, err := NewID("")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	p.Set(correlationItem, nonce)
	http.SetCookie(w, &http.Cookie{
		Name:     correlationCookieName(m.config.SignInScheme),
		Value:    nonce,
		Path:     m.config.CallbackPath,
		MaxAge:   int(m.config.StateLifetime.Seconds()),
		HttpOnly: true,
		Secure:   m.secureCookie(r),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// expireCorrelation tells the browser to drop the correlation cookie.
func (m *Middleware) expireCorrelation(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     correlationCookieName(m.config.SignInScheme),
		Value:    "",
		Path:     m.config.CallbackPath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secureCookie(r),
		SameSite: http.SameSiteLaxMode,
	})
}

// validateCorrelation checks the cookie against the nonce in p, removes the
// nonce from p and expires the cookie. The cookie is expired even when
// validation fails.
func (m *Middleware) validateCorrelation(w http.ResponseWriter, r *http.Request, p *Properties) error {
	const op = "intercom.(Middleware).validateCorrelation"
	expected := p.Get(correlationItem)
	p.Delete(correlationItem)

	cookie, err := r.Cookie(correlationCookieName(m.config.SignInScheme))
	if err != nil {
		return fmt.Errorf("%s: correlation cookie not found: %w", op, ErrInvalidState)
	}
	m.expireCorrelation(w, r)
	if expected == "" || subtle.ConstantTimeCompare([]byte(expected), []byte(cookie.Value)) != 1 {
		return fmt.Errorf("%s: correlation failed: %w", op, ErrInvalidState)
	}
	return nil
}
