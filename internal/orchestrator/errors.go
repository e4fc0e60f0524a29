// Copyright 2025 Newsloom Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package orchestrator

import (
	"fmt"

	"github.com/juju/errors"
)

// ErrNotLeader indicates a leader-only operation was invoked on a
// follower. The caller retries against the leader.
const ErrNotLeader = errors.ConstError("not the leader")

// DenialReason enumerates why admission refused a request. The
// enumerated reason is the contract; no opaque strings.
type DenialReason string

const (
	ReasonRateLimited      DenialReason = "rate_limited"
	ReasonPressureHigh     DenialReason = "gpu_pressure_high"
	ReasonNoDevice         DenialReason = "no_device_available"
	ReasonModelUnavailable DenialReason = "model_unavailable"
	ReasonQuotaExceeded    DenialReason = "quota_exceeded"
)

// Retryable reports whether a consumer should leave the message
// pending for reclaim rather than failing the job outright.
func (r DenialReason) Retryable() bool {
	switch r {
	case ReasonRateLimited, ReasonPressureHigh, ReasonNoDevice:
		return true
	}
	return false
}

// DeniedError carries a structured admission denial.
type DeniedError struct {
	Reason DenialReason
}

// Error implements error.
func (e *DeniedError) Error() string {
	return fmt.Sprintf("admission denied: %s", e.Reason)
}

// Denied wraps a reason as an error.
func Denied(reason DenialReason) error {
	return &DeniedError{Reason: reason}
}

// IsDenied unpacks an admission denial, reporting whether err is one.
func IsDenied(err error) (DenialReason, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}
