// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

// Claim types issued for an Intercom admin.
const (
	ClaimSubject    = "sub"
	ClaimName       = "name"
	ClaimEmail      = "email"
	ClaimGivenName  = "given_name"
	ClaimFamilyName = "family_name"
	ClaimAppID      = "urn:intercom:app_id"
	ClaimAppName    = "urn:intercom:app_name"
)

// ClaimIssuer is the issuer of claims built from an Intercom profile.
const ClaimIssuer = "Intercom"

// Claim is a single statement about the authenticated admin.
type Claim struct {
	Type   string
	Value  string
	Issuer string
}

// Identity is a claims bag describing the authenticated admin.
// AuthenticationType is the sign-in scheme that issued it.
type Identity struct {
	AuthenticationType string
	claims             []Claim
}

// NewIdentity creates an empty identity for an authentication type.
func NewIdentity(authenticationType string) *Identity {
	return &Identity{AuthenticationType: authenticationType}
}

// AddClaim adds a claim issued by ClaimIssuer. Empty values are ignored so
// absent profile fields never become empty claims.
func (i *Identity) AddClaim(claimType, value string) {
	i.AddClaims(Claim{Type: claimType, Value: value, Issuer: ClaimIssuer})
}

// AddClaims adds claims, ignoring those with an empty type or value.
func (i *Identity) AddClaims(claims ...Claim) {
	for _, c := range claims {
		if c.Type == "" || c.Value == "" {
			continue
		}
		i.claims = append(i.claims, c)
	}
}

// RemoveClaims removes every claim of claimType.
func (i *Identity) RemoveClaims(claimType string) {
	kept := i.claims[:0]
	for _, c := range i.claims {
		if c.Type != claimType {
			kept = append(kept, c)
		}
	}
	i.claims = kept
}

// FindFirst returns the value of the first claim of claimType.
func (i *Identity) FindFirst(claimType string) (string, bool) {
	if i == nil {
		return "", false
	}
	for _, c := range i.claims {
		if c.Type == claimType {
			return c.Value, true
		}
	}
	return "", false
}

// Claims returns a copy of the identity's claims.
func (i *Identity) Claims() []Claim {
	if i == nil {
		return nil
	}
	return append([]Claim(nil), i.claims...)
}

// Ticket is what the middleware hands to the host's SignIn: the identity
// plus the properties recovered from the state token.
type Ticket struct {
	Identity   *Identity
	Properties *Properties
}

// NewTicket creates a ticket. The properties are copied.
func NewTicket(identity *Identity, p *Properties) *Ticket {
	return &Ticket{Identity: identity, Properties: p.clone()}
}
