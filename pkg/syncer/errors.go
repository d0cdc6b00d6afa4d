// chatsync - An offline-first message synchronization engine.
// Copyright (C) 2026 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package syncer

import (
	"errors"
	"fmt"
)

// ValidationCode classifies why an outgoing message was rejected before
// entering the send pipeline. Validation failures are surfaced to the
// caller synchronously and never retried.
type ValidationCode string

const (
	ValidationEmpty            ValidationCode = "empty"
	ValidationTooLong          ValidationCode = "too_long"
	ValidationInvalidEncoding  ValidationCode = "invalid_encoding"
	ValidationPermissionDenied ValidationCode = "permission_denied"
)

// ValidationError rejects a message before it reaches the local store.
type ValidationError struct {
	Code ValidationCode
}

func (e *ValidationError) Error() string {
	switch e.Code {
	case ValidationEmpty:
		return "message is empty"
	case ValidationTooLong:
		return fmt.Sprintf("message exceeds %d characters", MaxMessageLength)
	case ValidationInvalidEncoding:
		return "message is not valid UTF-8"
	case ValidationPermissionDenied:
		return "sender may not post in this conversation"
	default:
		return string(e.Code)
	}
}

// IsValidationError extracts a ValidationError from err, if any.
func IsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// PublishCode classifies a failed write to the remote log.
type PublishCode string

const (
	// PublishNetworkUnavailable and PublishTimeout are transient and
	// eligible for the retry queue.
	PublishNetworkUnavailable PublishCode = "network_unavailable"
	PublishTimeout            PublishCode = "timeout"
	// PublishServerRejected is terminal: the remote log refused the
	// write (e.g. authorization revoked server-side). Never retried.
	PublishServerRejected PublishCode = "server_rejected"
)

// PublishError wraps a failed remote log write.
type PublishError struct {
	Code  PublishCode
	Cause error
}

func (e *PublishError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("publish failed (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("publish failed (%s)", e.Code)
}

func (e *PublishError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the failure is transient. Non-retryable
// failures become user-visible failed state immediately.
func (e *PublishError) Retryable() bool {
	return e.Code != PublishServerRejected
}

// publishRetryable classifies an arbitrary publish error. Errors that are
// not PublishErrors (e.g. raw transport errors from a remote log client)
// are treated as transient, matching the ambiguous-failure contract: when
// in doubt, retry and let reconciliation deduplicate.
func publishRetryable(err error) bool {
	var pe *PublishError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

// ErrMalformedRecord is wrapped by reconcile errors for records that fail
// boundary validation. Such records are logged and dropped; they never
// stall the change stream.
var ErrMalformedRecord = errors.New("malformed remote record")

// ErrMessageNotFound is returned by store lookups and Retry for unknown ids.
var ErrMessageNotFound = errors.New("message not found")

// ErrConversationNotFound is returned when a send targets an unknown conversation.
var ErrConversationNotFound = errors.New("conversation not found")
