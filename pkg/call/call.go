// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

// Package call implements the asynchronous lifecycle of model and tool calls.
//
// A call is created PENDING and is mutated only by its executor:
//
//	PENDING -> EXECUTING -> COMPLETED
//	                     -> FAILED
//
// Any other transition is a programming error and is rejected before the
// executor performs I/O. A failed call is never executed again; callers that
// want to retry build a fresh call.
package call

import (
	"sync"
	"time"

	"github.com/google/uuid"

	minerr "github.com/jllopis/minions/pkg/errors"
	"github.com/jllopis/minions/pkg/llm"
	"github.com/jllopis/minions/pkg/memory"
	"github.com/jllopis/minions/pkg/message"
)

// Status is the lifecycle state of a call.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusExecuting
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// Kind distinguishes model calls from tool calls.
type Kind string

const (
	KindModel Kind = "model"
	KindTool  Kind = "tool"
)

// Transition is one entry of a call status history.
type Transition struct {
	Status Status
	At     time.Time
}

// lifecycle is the state shared by both call kinds.
type lifecycle struct {
	mu      sync.Mutex
	status  Status
	err     error
	history []Transition
}

func newLifecycle() lifecycle {
	return lifecycle{
		status:  StatusPending,
		history: []Transition{{Status: StatusPending, At: time.Now().UTC()}},
	}
}

func (l *lifecycle) transition(id string, kind Kind, to Status, err error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !CanTransition(l.status, to) {
		return minerr.Newf(minerr.CodeIllegalState, "%s call %s: illegal transition %s -> %s", kind, id, l.status, to).
			WithContext("call_id", id).
			WithAttribute("call.kind", string(kind))
	}
	l.status = to
	l.err = err
	l.history = append(l.history, Transition{Status: to, At: time.Now().UTC()})
	return nil
}

// Status returns the current status.
func (l *lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// Err returns the failure cause of a FAILED call.
func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// History returns the ordered status log.
func (l *lifecycle) History() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transition(nil), l.history...)
}

// ModelRequest is everything needed to build one chat request.
type ModelRequest struct {
	ConversationID string
	Model          string
	Temperature    float64
	System         string
	// Context is retrieved memory placed right after the system prompt.
	// Messages also present in History or Messages are dropped.
	Context []*message.Message
	// History is memory-derived context placed before Messages.
	History  []*message.Message
	Messages []*message.Message
	// Hints name the tools or steps the model may pick next.
	Hints   []string
	Tools   []llm.Tool
	Options map[string]any
	// Memory is the tier the response is stored into. Empty uses the
	// executor default.
	Memory memory.Subsystem
}

// ModelResponse is the outcome of a completed model call.
type ModelResponse struct {
	Message   *message.Message
	ToolCalls []llm.ToolCall
	Usage     llm.Usage
}

// ModelCall is one invocation of the model provider.
type ModelCall struct {
	lifecycle
	ID      string
	Request ModelRequest

	response *ModelResponse
}

// NewModelCall creates a PENDING model call.
func NewModelCall(req ModelRequest) *ModelCall {
	return &ModelCall{lifecycle: newLifecycle(), ID: uuid.NewString(), Request: req}
}

// Response returns the response of a COMPLETED call, nil otherwise.
func (c *ModelCall) Response() *ModelResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

func (c *ModelCall) complete(resp *ModelResponse) error {
	c.mu.Lock()
	c.response = resp
	c.mu.Unlock()
	return c.transition(c.ID, KindModel, StatusCompleted, nil)
}

// ToolCall is one invocation of a registered tool.
type ToolCall struct {
	lifecycle
	ID             string
	ConversationID string
	Name           string
	Input          map[string]any
	// Memory is the tier the tool output is stored into. Empty uses the
	// executor default.
	Memory memory.Subsystem

	response *ToolResponse
}

// NewToolCall creates a PENDING tool call.
func NewToolCall(name string, input map[string]any) *ToolCall {
	return &ToolCall{lifecycle: newLifecycle(), ID: uuid.NewString(), Name: name, Input: input}
}

// ToolResponse is the outcome of a completed tool call. Text is the string
// form of Output as stored in memory.
type ToolResponse struct {
	Output  any
	Text    string
	Message *message.Message
}

// Response returns the response of a COMPLETED call, nil otherwise.
func (c *ToolCall) Response() *ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

func (c *ToolCall) complete(resp *ToolResponse) error {
	c.mu.Lock()
	c.response = resp
	c.mu.Unlock()
	return c.transition(c.ID, KindTool, StatusCompleted, nil)
}
