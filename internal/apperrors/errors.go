// Package apperrors implements the error taxonomy from spec §7.
//
// Every error that can arise inside the ingestion core is classified into
// one of six categories (a)-(f). The classification, not the error message,
// is what downstream code branches on: the worker pool decides whether a
// task result counts as success/failure (spec §4.2), the plugin lifecycle
// manager decides whether to retry a LazyVM compile or permanently fail it
// (spec §4.3), and the event processor decides whether an identity race is
// worth one retry (spec §4.4).
package apperrors

import (
	"errors"
	"fmt"
)

// Class is one of the six error categories from spec §7.
type Class string

const (
	// ClassTransientInfra is (a): broker/cache/db timeouts, retried by the
	// client library and only surfaced if persistent.
	ClassTransientInfra Class = "transient_infra"

	// ClassPluginInitTransient is (b): a plugin explicitly requested retry
	// during init. Handled by the LazyVM state machine's backoff.
	ClassPluginInitTransient Class = "plugin_init_transient"

	// ClassPluginInitPermanent is (c): syntax error, missing manifest,
	// corrupt archive, or a non-retry throw during init.
	ClassPluginInitPermanent Class = "plugin_init_permanent"

	// ClassPluginRuntime is (d): a plugin throws during event processing.
	ClassPluginRuntime Class = "plugin_runtime"

	// ClassIdentityRace is (e): a unique-constraint violation on distinct-id
	// insertion, caught and retried once.
	ClassIdentityRace Class = "identity_race"

	// ClassInvalidInput is (f): missing/malformed uuid or unknown team.
	ClassInvalidInput Class = "invalid_input"
)

// Error is the standard error type for the ingestion core. It carries a
// Class so callers can branch on taxonomy rather than string-matching
// messages, plus an optional Cause and PluginConfigID for errors that must
// be recorded against a specific plugin config (spec §7 (c)/(d)).
type Error struct {
	Class Class
	// Code is a short machine-readable identifier within the class, e.g.
	// "ARCHIVE_CORRUPT", "VM_INIT_TIMEOUT", "UNKNOWN_TEAM".
	Code string
	// Message is a human-readable description.
	Message string
	// Cause is the wrapped underlying error, if any.
	Cause error
	// PluginConfigID is set when this error should be attached to a plugin
	// config's error record (spec §4.3 "records the error").
	PluginConfigID int
	// Retryable marks a plugin-init error as explicitly retryable (the
	// plugin raised it with a "retryable" marker per spec §4.3).
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, &apperrors.Error{Class: apperrors.ClassX}) match
// any *Error of the same Class; callers more commonly use ClassOf below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// ClassOf extracts the Class from err, or "" if err is not an *Error.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// TransientInfra wraps an infrastructure error (a).
func TransientInfra(code, message string, cause error) *Error {
	return &Error{Class: ClassTransientInfra, Code: code, Message: message, Cause: cause}
}

// PluginInitTransient marks a retryable plugin init failure (b).
func PluginInitTransient(configID int, message string, cause error) *Error {
	return &Error{
		Class:          ClassPluginInitTransient,
		Code:           "PLUGIN_INIT_RETRY",
		Message:        message,
		Cause:          cause,
		PluginConfigID: configID,
		Retryable:      true,
	}
}

// PluginInitPermanent marks a non-retryable plugin init failure (c).
func PluginInitPermanent(configID int, code, message string, cause error) *Error {
	return &Error{
		Class:          ClassPluginInitPermanent,
		Code:           code,
		Message:        message,
		Cause:          cause,
		PluginConfigID: configID,
	}
}

// PluginRuntime marks an error thrown by a plugin during event processing (d).
func PluginRuntime(configID int, message string, cause error) *Error {
	return &Error{
		Class:          ClassPluginRuntime,
		Code:           "PLUGIN_RUNTIME_ERROR",
		Message:        message,
		Cause:          cause,
		PluginConfigID: configID,
	}
}

// IdentityRace marks a unique-constraint violation on distinct-id
// insertion (e).
func IdentityRace(message string, cause error) *Error {
	return &Error{Class: ClassIdentityRace, Code: "IDENTITY_RACE", Message: message, Cause: cause}
}

// InvalidInput marks malformed/missing input that causes the event to be
// dropped (f).
func InvalidInput(code, message string) *Error {
	return &Error{Class: ClassInvalidInput, Code: code, Message: message}
}
