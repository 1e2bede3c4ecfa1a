// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a stage failure.
type ErrorKind string

const (
	KindArtifactMissing      ErrorKind = "ArtifactMissing"
	KindBuildFailed          ErrorKind = "BuildFailed"
	KindImageBuildFailed     ErrorKind = "ImageBuildFailed"
	KindPortConflict         ErrorKind = "PortConflict"
	KindDeployFailed         ErrorKind = "DeployFailed"
	KindHealthCheckExhausted ErrorKind = "HealthCheckExhausted"
	KindRunTimedOut          ErrorKind = "RunTimedOut"
	KindPromotionFailed      ErrorKind = "PromotionFailed"
	KindVerificationUnstable ErrorKind = "VerificationUnstable"
	KindPromotionTimedOut    ErrorKind = "PromotionTimedOut"
	KindCleanupWarning       ErrorKind = "CleanupWarning"
)

// Fatal reports whether the kind aborts the remaining stages.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindArtifactMissing, KindBuildFailed, KindImageBuildFailed,
		KindPortConflict, KindDeployFailed, KindHealthCheckExhausted, KindRunTimedOut,
		KindPromotionFailed:
		return true
	default:
		return false
	}
}

// Sentinel errors, one per kind.
var (
	ErrArtifactMissing      = errors.New("artifact missing after build")
	ErrBuildFailed          = errors.New("build command failed")
	ErrImageBuildFailed     = errors.New("image build failed")
	ErrPortConflict         = errors.New("port conflict")
	ErrDeployFailed         = errors.New("deployment failed to start")
	ErrHealthCheckExhausted = errors.New("health check attempts exhausted")
	ErrRunTimedOut          = errors.New("run timed out")
	ErrPromotionFailed      = errors.New("promotion rollout failed")
	ErrVerificationUnstable = errors.New("verification unstable")
	ErrPromotionTimedOut    = errors.New("promotion approval timed out")
	ErrCleanupWarning       = errors.New("cleanup step failed")

	// ErrInvalidPolicy is returned by RetryPolicy.Validate.
	ErrInvalidPolicy = errors.New("invalid retry policy")
)

var kindSentinels = map[ErrorKind]error{
	KindArtifactMissing:      ErrArtifactMissing,
	KindBuildFailed:          ErrBuildFailed,
	KindImageBuildFailed:     ErrImageBuildFailed,
	KindPortConflict:         ErrPortConflict,
	KindDeployFailed:         ErrDeployFailed,
	KindHealthCheckExhausted: ErrHealthCheckExhausted,
	KindRunTimedOut:          ErrRunTimedOut,
	KindPromotionFailed:      ErrPromotionFailed,
	KindVerificationUnstable: ErrVerificationUnstable,
	KindPromotionTimedOut:    ErrPromotionTimedOut,
	KindCleanupWarning:       ErrCleanupWarning,
}

// StageError is a classified stage failure.
//
// Unwrap returns both the kind's sentinel and the underlying cause, so
// errors.Is matches either.
type StageError struct {
	Stage       string
	Kind        ErrorKind
	Err         error
	Diagnostics *Diagnostics
}

// NewStageError builds a StageError for stage and kind wrapping cause.
func NewStageError(stage string, kind ErrorKind, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Err: cause}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the sentinel for the kind and the cause.
func (e *StageError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Fatal reports whether the error aborts the run.
func (e *StageError) Fatal() bool {
	return e.Kind.Fatal()
}

var _ error = (*StageError)(nil)

// KindOf extracts the ErrorKind from err, or "" when err is not a StageError.
func KindOf(err error) ErrorKind {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
