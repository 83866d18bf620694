// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors with rich context for the minions runtime.
//
// Every failure surfaced by the runtime carries an ErrorCode so callers can
// tell configuration problems apart from call failures or missing resources.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorCode classifies runtime errors for monitoring and recovery.
type ErrorCode string

const (
	// CodeInternal indicates an internal system error.
	CodeInternal ErrorCode = "INTERNAL_ERROR"

	// CodeConfiguration indicates bad recipe, graph or tier wiring.
	CodeConfiguration ErrorCode = "CONFIGURATION_ERROR"

	// CodeNotFound indicates an unknown step, tool, prompt or tier.
	CodeNotFound ErrorCode = "NOT_FOUND"

	// CodeValidation indicates a malformed request.
	CodeValidation ErrorCode = "VALIDATION_ERROR"

	// CodeCallExecution wraps any failure raised by a model or tool provider.
	CodeCallExecution ErrorCode = "CALL_EXECUTION_ERROR"

	// CodeMemoryUnavailable indicates no memory manager was configured when one is required.
	CodeMemoryUnavailable ErrorCode = "MEMORY_UNAVAILABLE"

	// CodeIllegalState indicates a programming error such as an illegal call transition.
	CodeIllegalState ErrorCode = "ILLEGAL_STATE"

	// CodeTimeout indicates an operation exceeded its time limit.
	CodeTimeout ErrorCode = "TIMEOUT"

	// CodeMemoryError indicates a memory backend error.
	CodeMemoryError ErrorCode = "MEMORY_ERROR"
)

// MinionError is a typed error with rich context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type MinionError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
}

// Error implements the error interface.
func (e *MinionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *MinionError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a MinionError with the same code.
// This lets callers write errors.Is(err, errors.New(CodeNotFound, "", nil)).
func (e *MinionError) Is(target error) bool {
	t, ok := target.(*MinionError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *MinionError) MarshalJSON() ([]byte, error) {
	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}
	return json.Marshal(struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Err         string                 `json:"error,omitempty"`
		Context     map[string]interface{} `json:"context,omitempty"`
		Attributes  map[string]string      `json:"attributes,omitempty"`
		Recoverable bool                   `json:"recoverable"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Err:         cause,
		Context:     e.Context,
		Attributes:  e.Attributes,
		Recoverable: e.Recoverable,
	})
}

// New creates a new MinionError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *MinionError {
	return &MinionError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
	}
}

// Newf creates a MinionError without a cause using a format string.
func Newf(code ErrorCode, format string, args ...any) *MinionError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
// Returns the error for method chaining.
func (e *MinionError) WithContext(key string, value interface{}) *MinionError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
// Returns the error for method chaining.
func (e *MinionError) WithAttribute(key, value string) *MinionError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
func (e *MinionError) WithRecoverable(recoverable bool) *MinionError {
	e.Recoverable = recoverable
	return e
}

// AsMinionError returns err as a MinionError, wrapping it as internal when
// no MinionError is found in the chain.
func AsMinionError(err error) *MinionError {
	if err == nil {
		return nil
	}
	var me *MinionError
	if errors.As(err, &me) {
		return me
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of the first MinionError in the chain, or
// CodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	var me *MinionError
	if errors.As(err, &me) {
		return me.Code
	}
	return CodeInternal
}

// HasCode reports whether any MinionError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if me, ok := err.(*MinionError); ok && me.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// RecoverableString returns "true" or "false" as a string for observability.
func (e *MinionError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}
