// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Profile is the raw JSON object returned by the userinfo endpoint. Fields
// are read best-effort: a missing or non-scalar field is simply absent and
// unknown fields are ignored.
type Profile struct {
	raw []byte
}

// NewProfile creates a Profile from a userinfo response body, which must be
// a JSON object.
func NewProfile(raw []byte) (*Profile, error) {
	const op = "intercom.NewProfile"
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%s: profile is not valid json: %w", op, ErrInvalidParameter)
	}
	if !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("%s: profile is not a json object: %w", op, ErrInvalidParameter)
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	return &Profile{raw: cp}, nil
}

// Get returns the string form of the scalar at path (gjson syntax, e.g.
// "app.id_code"). Numbers and booleans are formatted, strings are returned
// as is. ok is false when the field is absent, null, an object or an array.
func (p *Profile) Get(path string) (value string, ok bool) {
	if p == nil {
		return "", false
	}
	r := gjson.GetBytes(p.raw, path)
	switch r.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return r.String(), true
	default:
		return "", false
	}
}

// Raw returns a copy of the profile json.
func (p *Profile) Raw() json.RawMessage {
	if p == nil {
		return nil
	}
	cp := make([]byte, len(p.raw))
	copy(cp, p.raw)
	return cp
}

// Claims unmarshals the profile into claims, which must be a pointer.
func (p *Profile) Claims(claims interface{}) error {
	const op = "intercom.(Profile).Claims"
	if claims == nil {
		return fmt.Errorf("%s: claims interface is nil: %w", op, ErrNilParameter)
	}
	if p == nil {
		return fmt.Errorf("%s: profile is nil: %w", op, ErrNilParameter)
	}
	if err := json.Unmarshal(p.raw, claims); err != nil {
		return fmt.Errorf("%s: unable to unmarshal profile: %w", op, err)
	}
	return nil
}
