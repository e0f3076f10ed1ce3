// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package intercom

import (
	"github.com/hashicorp/go-hclog"
)

// FlowState is a state of the authentication flow for a single request.
//
// A challenge moves Idle to ChallengeIssued. A callback moves
// CallbackReceived, TokenExchanged, ProfileFetched, IdentityBuilt to
// Completed. Errored is terminal and reachable from any state after Idle.
type FlowState int

const (
	FlowIdle FlowState = iota
	FlowChallengeIssued
	FlowCallbackReceived
	FlowTokenExchanged
	FlowProfileFetched
	FlowIdentityBuilt
	FlowCompleted
	FlowErrored
)

func (s FlowState) String() string {
	switch s {
	case FlowIdle:
		return "idle"
	case FlowChallengeIssued:
		return "challenge-issued"
	case FlowCallbackReceived:
		return "callback-received"
	case FlowTokenExchanged:
		return "token-exchanged"
	case FlowProfileFetched:
		return "profile-fetched"
	case FlowIdentityBuilt:
		return "identity-built"
	case FlowCompleted:
		return "completed"
	case FlowErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// flow tracks one request's progress. It's never shared between requests.
type flow struct {
	state  FlowState
	last   FlowState
	logger hclog.Logger
}

func newFlow(logger hclog.Logger) *flow {
	return &flow{state: FlowIdle, logger: logger}
}

func (f *flow) to(s FlowState) {
	f.logger.Trace("flow transition", "from", f.state.String(), "to", s.String())
	if s == FlowErrored {
		f.last = f.state
	}
	f.state = s
}

// stage is the last non-error state reached.
func (f *flow) stage() FlowState {
	if f.state == FlowErrored {
		return f.last
	}
	return f.state
}
