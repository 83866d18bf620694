// Package llm defines the chat model provider boundary and its wire types.
package llm

import "context"

// Role is the chat role a provider sees. Runtime roles map onto it
// through RoleOf.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolType is the kind of tool offered to the model. Only functions exist.
type ToolType string

const (
	ToolTypeFunction ToolType = "function"
)

// FunctionDef describes a registered tool to the model.
type FunctionDef struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"` // JSON schema of the tool input
}

// Tool is a tool definition offered to the model for one call.
type Tool struct {
	Type     ToolType    `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionCall names the tool the model picked and its input.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object, decoded into the tool input
}

// ToolCall is a tool invocation requested by the model. The planner runs
// it and answers with a tool message carrying ID.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // empty gets a runtime call id
	Type     ToolType     `json:"type"`
	Function FunctionCall `json:"function"`
}

// Message is one chat turn, converted from a stored message by FromMessage.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool results
}

// ChatRequest is what a model call sends, built by call.BuildChatRequest.
//
// Options carries provider chat options (num_ctx, top_p...) as well as
// runtime hints such as OptionAvailableTools. Providers ignore keys they do
// not understand.
type ChatRequest struct {
	Model       string         `json:"model"`
	Messages    []Message      `json:"messages"`
	Tools       []Tool         `json:"tools,omitempty"`
	Temperature float64        `json:"temperature,omitempty"`
	Options     map[string]any `json:"options,omitempty"`
}

// OptionAvailableTools lists the steps or tools the model may pick next.
const OptionAvailableTools = "available_tools"

// ChatResponse is the model answer. The model executor stores Content as
// an assistant message.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// Usage is the token count of one call, recorded on the call span.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is a chat model backend such as Ollama or MockProvider.
type Provider interface {
	// Chat runs one completion. Errors worth retrying are marked
	// recoverable.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}
