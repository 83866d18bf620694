package message

import (
	"fmt"

	minerr "github.com/jllopis/minions/pkg/errors"
)

// Metadata keys set on error messages.
const (
	MetaErrorCode = "error_code"
	MetaCallID    = "call_id"
	MetaCallKind  = "call_kind"
	MetaStepID    = "step_id"
)

// FromError builds a structured ERROR message describing err.
func FromError(err error, scope Scope, opts ...Option) *Message {
	code := minerr.CodeOf(err)
	m := New(RoleError, scope, fmt.Sprintf("%s: %v", code, err), opts...)
	m.Enrich(MetaErrorCode, string(code))
	return m
}
