// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package promotion

import (
	"context"
	"errors"
	"time"
)

// Decision is the tagged outcome of an approval wait.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDeclined Decision = "declined"
	DecisionTimedOut Decision = "timed_out"
)

// ErrUnknownDecision is returned when parsing an unrecognized decision.
var ErrUnknownDecision = errors.New("unknown decision")

// ParseDecision accepts "approve", "approved", "decline" and "declined".
func ParseDecision(s string) (Decision, error) {
	switch s {
	case "approve", "approved":
		return DecisionApproved, nil
	case "decline", "declined":
		return DecisionDeclined, nil
	default:
		return "", ErrUnknownDecision
	}
}

// Request describes the run awaiting approval.
type Request struct {
	RunID       uint64
	Ref         string
	Image       string
	Environment string
}

// Approval is a decision plus who made it.
type Approval struct {
	Decision Decision  `json:"decision"`
	By       string    `json:"by,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Approver waits for a human (or policy) decision.
//
// # Description
//
// Await blocks until a decision arrives or ctx ends. The Gate bounds ctx
// with the approval timeout; an implementation returns ctx.Err() (or a
// DecisionTimedOut approval) when it ends, and never decides on its own
// after that.
//
// # Thread Safety
//
// One Await per run at a time.
type Approver interface {
	Name() string
	Await(ctx context.Context, req Request) (Approval, error)
}

// StaticApprover decides immediately. Used for --auto-approve,
// --auto-decline and tests.
type StaticApprover struct {
	Decision Decision
	By       string
}

// Name implements Approver.
func (s StaticApprover) Name() string { return "static" }

// Await implements Approver.
func (s StaticApprover) Await(ctx context.Context, req Request) (Approval, error) {
	if s.Decision == DecisionTimedOut {
		<-ctx.Done()
		return Approval{}, ctx.Err()
	}
	by := s.By
	if by == "" {
		by = "auto"
	}
	return Approval{Decision: s.Decision, By: by, At: time.Now()}, nil
}

// MockApprover records requests and delegates to AwaitFunc.
type MockApprover struct {
	AwaitFunc func(ctx context.Context, req Request) (Approval, error)
	Requests  []Request
}

// Name implements Approver.
func (m *MockApprover) Name() string { return "mock" }

// Await implements Approver.
func (m *MockApprover) Await(ctx context.Context, req Request) (Approval, error) {
	m.Requests = append(m.Requests, req)
	if m.AwaitFunc != nil {
		return m.AwaitFunc(ctx, req)
	}
	<-ctx.Done()
	return Approval{}, ctx.Err()
}

var (
	_ Approver = StaticApprover{}
	_ Approver = (*MockApprover)(nil)
)
