// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

/*
Package intercom signs users in to a web application with Intercom, using
the OAuth 2.0 authorization code flow.

A Middleware issues challenges, which redirect the browser to Intercom's
authorize endpoint carrying an encrypted state token, and serves the
callback, which validates that state, exchanges the authorization code for an
access token, fetches the authenticated admin's profile and hands a Ticket to
the host's SignIn. The host keeps ownership of sessions: the package never
stores tokens or sets session cookies itself.

	Challenge:  Idle -> ChallengeIssued
	Callback:   CallbackReceived -> TokenExchanged -> ProfileFetched
	            -> IdentityBuilt -> Completed
	Any step after Idle may end in Errored.

No backchannel request is made before the state token (and, unless disabled,
the correlation cookie) has been validated. Backchannel requests are never
retried.

Hosts customize the flow with Hooks (see HookFuncs) and render failures with
an ErrorHandlerFunc. Errors can be classified with errors.Is against the
package's sentinel errors, or mapped to an http status with StatusCode.

TestProvider is a local stand-in for Intercom's endpoints, intended for the
host's own tests.
*/
package intercom
