// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import "net/http"

// SignIn commits a ticket to the host's session mechanism (typically a
// cookie) for a sign-in scheme. It is called at most once per callback.
type SignIn interface {
	SignIn(w http.ResponseWriter, r *http.Request, scheme string, t *Ticket) error
}

// SignInFunc adapts a func to SignIn.
type SignInFunc func(w http.ResponseWriter, r *http.Request, scheme string, t *Ticket) error

// SignIn implements SignIn.
func (f SignInFunc) SignIn(w http.ResponseWriter, r *http.Request, scheme string, t *Ticket) error {
	return f(w, r, scheme, t)
}
