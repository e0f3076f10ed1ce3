// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

// Properties is the payload of a state token: where to send the browser once
// sign-in completes plus any extra items the host wants round-tripped through
// Intercom. Properties are created per request and never shared.
type Properties struct {
	// RedirectURI is the post sign-in destination.
	RedirectURI string

	// Items are extra values carried with the state. Keys beginning with "."
	// are reserved for the middleware.
	Items map[string]string
}

// NewProperties creates Properties with the given post sign-in destination.
func NewProperties(redirectURI string) *Properties {
	return &Properties{
		RedirectURI: redirectURI,
		Items:       map[string]string{},
	}
}

// Get returns the item for key, or "" when it's not set.
func (p *Properties) Get(key string) string {
	if p == nil || p.Items == nil {
		return ""
	}
	return p.Items[key]
}

// Set an item.
func (p *Properties) Set(key, value string) {
	if p.Items == nil {
		p.Items = map[string]string{}
	}
	p.Items[key] = value
}

// Delete an item.
func (p *Properties) Delete(key string) {
	if p == nil || p.Items == nil {
		return
	}
	delete(p.Items, key)
}

// clone returns a deep copy so hooks can't reach the caller's map.
func (p *Properties) clone() *Properties {
	if p == nil {
		return nil
	}
	cp := &Properties{
		RedirectURI: p.RedirectURI,
		Items:       make(map[string]string, len(p.Items)),
	}
	for k, v := range p.Items {
		cp.Items[k] = v
	}
	return cp
}
