// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidParameter   = errors.New("invalid parameter")
	ErrNilParameter       = errors.New("nil parameter")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidCACert      = errors.New("invalid CA certificate")
	ErrValidatorMismatch  = errors.New("certificate validator requires an *http.Transport")
	ErrIDGeneratorFailed  = errors.New("id generation failed")
	ErrProviderDenied     = errors.New("provider denied authorization")
	ErrInvalidState       = errors.New("invalid state")
	ErrExpiredState       = errors.New("state is expired")
	ErrTokenExchange      = errors.New("token exchange failed")
	ErrMissingAccessToken = errors.New("access_token is missing")
	ErrProfileFetch       = errors.New("profile fetch failed")
	ErrResponseTooLarge   = errors.New("backchannel response too large")
	ErrHookRejected       = errors.New("sign-in rejected")
	ErrSignInFailed       = errors.New("sign-in failed")
)

// ProviderError represents an OAuth2 error response delivered to the callback
// path by Intercom. See: https://www.rfc-editor.org/rfc/rfc6749#section-4.1.2.1
type ProviderError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
}

// Error satisfies the error interface.
func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s (%s)", ErrProviderDenied, e.Code, e.Description)
	}
	return fmt.Sprintf("%s: %s", ErrProviderDenied, e.Code)
}

// Unwrap allows errors.Is(err, ErrProviderDenied).
func (e *ProviderError) Unwrap() error { return ErrProviderDenied }

// StatusCode returns the http status a host should use when rendering a
// failed callback.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrExpiredState), errors.Is(err, ErrInvalidParameter):
		return http.StatusBadRequest
	case errors.Is(err, ErrProviderDenied):
		return http.StatusUnauthorized
	case errors.Is(err, ErrHookRejected):
		return http.StatusForbidden
	case errors.Is(err, ErrTokenExchange), errors.Is(err, ErrProfileFetch):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is the value of the "error" member of the default error response.
func errorCode(err error) string {
	var pErr *ProviderError
	switch {
	case errors.As(err, &pErr):
		return pErr.Code
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrExpiredState):
		return "invalid_state"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_request"
	case errors.Is(err, ErrHookRejected):
		return "access_denied"
	case errors.Is(err, ErrTokenExchange):
		return "token_exchange_failed"
	case errors.Is(err, ErrProfileFetch):
		return "profile_fetch_failed"
	default:
		return "server_error"
	}
}

// isAbandoned reports whether err is the result of the inbound request going
// away rather than a failure of the flow itself.
func isAbandoned(ctx context.Context, err error) bool {
	if ctx.Err() == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
