// SPDX-License-Identifier: Apache-2.0
// Package core carries request-scoped identity, run ids and runtime events.
package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type runIDKey struct{}
type conversationIDKey struct{}
type identityKey struct{}

// Identity is the request-scoped caller identity used for multi-tenant
// isolation by persistence backends.
type Identity struct {
	UserID        string
	TenantID      string
	EnvironmentID string
}

// IsZero reports whether no identity field is set.
func (i Identity) IsZero() bool {
	return i.UserID == "" && i.TenantID == "" && i.EnvironmentID == ""
}

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity if present.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// WithRunID attaches a run id to the context.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

// RunID returns the run id if present.
func RunID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok
}

// EnsureRunID ensures a run id exists in the context.
func EnsureRunID(ctx context.Context) (context.Context, string) {
	if id, ok := RunID(ctx); ok {
		return ctx, id
	}
	id := newRunID()
	return WithRunID(ctx, id), id
}

// WithConversationID attaches the conversation id driving the current run.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey{}, id)
}

// ConversationID returns the conversation id if present.
func ConversationID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationIDKey{}).(string)
	return id, ok
}

// Captured is a detached copy of the request-scoped values of a context.
// Work handed to background workers must carry one and attach it to the
// worker context, otherwise tenant isolation downstream is lost.
type Captured struct {
	identity       Identity
	hasIdentity    bool
	runID          string
	conversationID string
}

// Capture snapshots identity, run id and conversation id from ctx.
func Capture(ctx context.Context) Captured {
	var c Captured
	c.identity, c.hasIdentity = IdentityFrom(ctx)
	c.runID, _ = RunID(ctx)
	c.conversationID, _ = ConversationID(ctx)
	return c
}

// Identity returns the captured identity.
func (c Captured) Identity() (Identity, bool) {
	return c.identity, c.hasIdentity
}

// Attach restores the captured values onto ctx.
func (c Captured) Attach(ctx context.Context) context.Context {
	if c.hasIdentity {
		ctx = WithIdentity(ctx, c.identity)
	}
	if c.runID != "" {
		ctx = WithRunID(ctx, c.runID)
	}
	if c.conversationID != "" {
		ctx = WithConversationID(ctx, c.conversationID)
	}
	return ctx
}

func newRunID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "run-unknown"
	}
	return "run-" + hex.EncodeToString(buf)
}
