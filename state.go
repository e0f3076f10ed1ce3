// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/hkdf"
)

// StateCodec serializes Properties into the opaque state parameter that is
// round-tripped through Intercom, and back. Implementations must be
// concurrently safe and Decode must fail closed: any integrity, expiry or
// format problem returns an error wrapping ErrInvalidState and never a
// partially trusted result.
type StateCodec interface {
	Encode(p *Properties) (string, error)
	Decode(state string) (*Properties, error)
}

// StateVersion tags every state token issued by JWEStateCodec. Tokens with
// any other version are rejected rather than misparsed.
const StateVersion = "v1"

// MinStateKeySize is the minimum size of key material for NewJWEStateCodec.
const MinStateKeySize = 32

// JWEStateCodec protects state tokens as compact JWEs (dir, A256GCM) whose key
// is derived from host owned key material and a purpose. Tokens issued for
// one purpose can't be decoded by a codec for another.
type JWEStateCodec struct {
	purpose  string
	key      []byte
	lifetime time.Duration
	clock    clockwork.Clock
	enc      jose.Encrypter
}

// ensure that JWEStateCodec implements the StateCodec interface
var _ StateCodec = (*JWEStateCodec)(nil)

// stateClaims are the private claims of a state token.
type stateClaims struct {
	RedirectURI string            `json:"redirect_uri"`
	Items       map[string]string `json:"items,omitempty"`
}

// NewJWEStateCodec creates a codec. keyMaterial is owned by the host and must
// be at least MinStateKeySize bytes; purpose scopes the derived key (see
// StatePurpose).
//
// Supported options:
//   - WithStateLifetime
//   - WithClock
func NewJWEStateCodec(keyMaterial []byte, purpose string, opt ...Option) (*JWEStateCodec, error) {
	const op = "intercom.NewJWEStateCodec"
	switch {
	case len(keyMaterial) < MinStateKeySize:
		return nil, fmt.Errorf("%s: key material must be at least %d bytes: %w", op, MinStateKeySize, ErrInvalidParameter)
	case purpose == "":
		return nil, fmt.Errorf("%s: purpose is empty: %w", op, ErrInvalidParameter)
	}
	opts := getStateCodecOpts(opt...)
	if opts.withStateLifetime <= 0 {
		return nil, fmt.Errorf("%s: lifetime not greater than zero: %w", op, ErrInvalidParameter)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, keyMaterial, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("%s: unable to derive key: %w", op, err)
	}
	enc, err := jose.NewEncrypter(
		jose.A256GCM,
		jose.Recipient{Algorithm: jose.DIRECT, Key: key, KeyID: StateVersion},
		(&jose.EncrypterOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create encrypter: %w", op, err)
	}
	return &JWEStateCodec{
		purpose:  purpose,
		key:      key,
		lifetime: opts.withStateLifetime,
		clock:    opts.withClock,
		enc:      enc,
	}, nil
}

// StatePurpose returns the purpose used by the middleware for a sign-in
// scheme's state tokens.
func StatePurpose(scheme string) string {
	return fmt.Sprintf("intercom.Middleware/%s/%s", scheme, StateVersion)
}

// Encode the properties into an opaque state token.
func (c *JWEStateCodec) Encode(p *Properties) (string, error) {
	const op = "intercom.(JWEStateCodec).Encode"
	switch {
	case p == nil:
		return "", fmt.Errorf("%s: properties are nil: %w", op, ErrNilParameter)
	case p.RedirectURI == "":
		return "", fmt.Errorf("%s: redirect uri is empty: %w", op, ErrInvalidParameter)
	}
	id, err := NewID("st")
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	now := c.clock.Now()
	std := jwt.Claims{
		ID:       id,
		Issuer:   c.purpose,
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(c.lifetime)),
	}
	raw, err := jwt.Encrypted(c.enc).
		Claims(std).
		Claims(stateClaims{RedirectURI: p.RedirectURI, Items: p.Items}).
		Serialize()
	if err != nil {
		return "", fmt.Errorf("%s: unable to serialize state: %w", op, err)
	}
	return raw, nil
}

// Decode an opaque state token. Every failure wraps ErrInvalidState; expired
// tokens also wrap ErrExpiredState.
func (c *JWEStateCodec) Decode(state string) (*Properties, error) {
	const op = "intercom.(JWEStateCodec).Decode"
	if state == "" {
		return nil, fmt.Errorf("%s: state is empty: %w", op, ErrInvalidState)
	}
	tok, err := jwt.ParseEncrypted(state, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("%s: malformed state: %w", op, ErrInvalidState)
	}
	if len(tok.Headers) != 1 || tok.Headers[0].KeyID != StateVersion {
		return nil, fmt.Errorf("%s: unsupported state version: %w", op, ErrInvalidState)
	}
	var (
		std     jwt.Claims
		private stateClaims
	)
	if err := tok.Claims(c.key, &std, &private); err != nil {
		return nil, fmt.Errorf("%s: state failed integrity check: %w", op, ErrInvalidState)
	}
	if err := std.ValidateWithLeeway(jwt.Expected{Issuer: c.purpose, Time: c.clock.Now()}, 0); err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, fmt.Errorf("%s: %w: %w", op, ErrInvalidState, ErrExpiredState)
		}
		return nil, fmt.Errorf("%s: %s: %w", op, err, ErrInvalidState)
	}
	if private.RedirectURI == "" {
		return nil, fmt.Errorf("%s: redirect uri is missing: %w", op, ErrInvalidState)
	}
	p := NewProperties(private.RedirectURI)
	for k, v := range private.Items {
		p.Items[k] = v
	}
	return p, nil
}

// stateCodecOptions is the set of available options for NewJWEStateCodec
type stateCodecOptions struct {
	withStateLifetime time.Duration
	withClock         clockwork.Clock
}

func stateCodecDefaults() stateCodecOptions {
	return stateCodecOptions{
		withStateLifetime: DefaultStateLifetime,
		withClock:         clockwork.NewRealClock(),
	}
}

func getStateCodecOpts(opt ...Option) stateCodecOptions {
	opts := stateCodecDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithClock provides an optional clock, which is useful for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(o interface{}) {
		if o, ok := o.(*stateCodecOptions); ok && clock != nil {
			o.withClock = clock
		}
	}
}
