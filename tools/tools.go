// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

//go:build tools

// Package tools pins the versions of the tools used to work on this module.
// To install them at the versions in go.mod run:
// $ go generate -tags tools tools/tools.go
package tools

// NOTE: This must not be indented, so to stop goimports from trying to be
// helpful, it's separated out from the import block below.
//go:generate go install mvdan.cc/gofumpt

import (
	// gofumpt is the formatter every source file is checked against
	_ "mvdan.cc/gofumpt"
)
