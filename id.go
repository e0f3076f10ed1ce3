// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// NewID generates an ID with an optional prefix. The ID generated is suitable
// for a correlation nonce or state token id.
func NewID(optionalPrefix string) (string, error) {
	const op = "intercom.NewID"
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate id: %w: %w", op, ErrIDGeneratorFailed, err)
	}
	if optionalPrefix != "" {
		return fmt.Sprintf("%s_%s", optionalPrefix, id), nil
	}
	return id, nil
}
