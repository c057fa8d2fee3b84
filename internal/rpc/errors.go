// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package rpc defines the wire frames, the per-request envelope, and the
// error taxonomy shared by the gateway, the extension hosts, and the
// session runtime.
package rpc

import (
	"errors"
	"fmt"
)

// ErrorKind tags an error with its wire-level classification.
type ErrorKind string

const (
	KindUnknownMethod           ErrorKind = "UnknownMethod"
	KindInvalidParams           ErrorKind = "InvalidParams"
	KindMissingContext          ErrorKind = "MissingContext"
	KindDeadlineExceeded        ErrorKind = "DeadlineExceeded"
	KindCanceled                ErrorKind = "Canceled"
	KindCallCycle               ErrorKind = "CallCycle"
	KindNotSupported            ErrorKind = "NotSupported"
	KindExtensionDied           ErrorKind = "ExtensionDied"
	KindExtensionRegisterFailed ErrorKind = "ExtensionRegisterFailed"
	KindSessionClosed           ErrorKind = "SessionClosed"
	KindSessionNotFound         ErrorKind = "SessionNotFound"
	KindStoreConflict           ErrorKind = "StoreConflict"
	KindStoreUnavailable        ErrorKind = "StoreUnavailable"
	KindExternalFailure         ErrorKind = "ExternalFailure"
)

// Error is the tagged value carried in the error field of responses.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// E creates a tagged error with a formatted message.
func E(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an existing error. A nil err returns nil; an err that already
// carries a tag keeps it.
func Wrap(kind ErrorKind, err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// External tags an error bubbled from an outside collaborator (parser, TTS
// vendor, version control, agent CLI), preserving the underlying message.
func External(err error) *Error {
	return Wrap(KindExternalFailure, err)
}

// KindOf extracts the tag from an error chain. Untagged errors report
// ExternalFailure; nil reports the empty kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindExternalFailure
}

// AsError coerces any error into a tagged one for the wire.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged
	}
	return &Error{Kind: KindExternalFailure, Message: err.Error()}
}
