// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/jllopis/minions/pkg/errors"
)

// CLIError wraps MinionError with a hint for the terminal.
type CLIError struct {
	*errors.MinionError
	Hint string
}

// NewCLIError creates a new CLI error.
func NewCLIError(me *errors.MinionError, hint string) *CLIError {
	return &CLIError{MinionError: me, Hint: hint}
}

// Error returns the formatted error message with hints.
func (e *CLIError) Error() string {
	if e.MinionError == nil {
		return "unknown error"
	}
	msg := e.MinionError.Error()
	if e.Hint != "" {
		msg += "\n  Hint: " + e.Hint
	}
	return msg
}

func (e *CLIError) Unwrap() error { return e.MinionError }

// NewInvalidArgumentError creates an invalid argument error with CLI hints.
func NewInvalidArgumentError(arg, reason string) *CLIError {
	me := errors.New(errors.CodeValidation, fmt.Sprintf("invalid argument: %s", reason), nil).
		WithContext("argument", arg)
	return NewCLIError(me, "run 'minions help' for usage information")
}

// NewConfigError wraps a configuration loading failure.
func NewConfigError(err error) *CLIError {
	me := errors.AsMinionError(err)
	if me == nil {
		me = errors.New(errors.CodeConfiguration, "configuration error", err)
	}
	return NewCLIError(me, "check the --config file and MINIONS_* environment variables")
}

// hintFor suggests a next step for common failure codes.
func hintFor(code errors.ErrorCode) string {
	switch code {
	case errors.CodeConfiguration:
		return "check the recipe and the memory tier configuration"
	case errors.CodeMemoryUnavailable:
		return "configure the tiers the recipe lists under memory.tiers"
	case errors.CodeTimeout:
		return "raise runtime.call_timeout_seconds or check the provider"
	case errors.CodeCallExecution:
		return "the model or a tool failed; memory was restored to the last snapshot"
	default:
		return ""
	}
}

type errorBody struct {
	Code    errors.ErrorCode `json:"code"`
	Message string           `json:"message"`
	Context map[string]any   `json:"context,omitempty"`
	Hint    string           `json:"hint,omitempty"`
}

// PrintError writes err as text or as a JSON document.
func PrintError(w io.Writer, err error, asJSON bool) {
	body := errorBody{Code: "UNKNOWN", Message: err.Error()}
	if me := errors.AsMinionError(err); me != nil {
		body.Code = me.Code
		body.Message = me.Message
		if me.Err != nil {
			body.Message += ": " + me.Err.Error()
		}
		body.Context = me.Context
		body.Hint = hintFor(me.Code)
	}
	if ce, ok := err.(*CLIError); ok && ce.Hint != "" {
		body.Hint = ce.Hint
	}

	if asJSON {
		_ = json.NewEncoder(w).Encode(map[string]errorBody{"error": body})
		return
	}
	fmt.Fprintf(w, "Error [%s]: %s\n", body.Code, body.Message)
	for k, v := range body.Context {
		fmt.Fprintf(w, "  %s: %v\n", k, v)
	}
	if body.Hint != "" {
		fmt.Fprintf(w, "  Hint: %s\n", body.Hint)
	}
}
