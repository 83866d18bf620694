// Copyright 2026 © The Minions Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry tracing and metrics and the
// trace-aware slog handler used across the runtime.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys. LLM keys follow the gen_ai semantic conventions.
const (
	AttrConversationID = "minions.conversation.id"
	AttrRecipeID       = "minions.recipe.id"
	AttrRunID          = "minions.run.id"

	AttrStepID         = "minions.step.id"
	AttrStepKind       = "minions.step.kind"
	AttrStepExecution  = "minions.step.execution"
	AttrStepNext       = "minions.step.next"
	AttrStepModelCalls = "minions.step.model_calls"
	AttrStepToolCalls  = "minions.step.tool_calls"

	AttrCallID     = "minions.call.id"
	AttrCallKind   = "minions.call.kind"
	AttrCallStatus = "minions.call.status"

	AttrToolName   = "minions.tool.name"
	AttrToolArgs   = "minions.tool.arguments"
	AttrToolResult = "minions.tool.result"

	AttrMemoryOperation  = "minions.memory.operation"
	AttrMemorySubsystems = "minions.memory.subsystems"
	AttrMemoryCount      = "minions.memory.count"

	AttrErrorCode = "error.code"

	AttrLLMModel        = "gen_ai.request.model"
	AttrLLMMessages     = "gen_ai.request.messages"
	AttrLLMTokensInput  = "gen_ai.usage.input_tokens"
	AttrLLMTokensOutput = "gen_ai.usage.output_tokens"
	AttrLLMTokensTotal  = "gen_ai.usage.total_tokens"
	AttrLLMToolCalls    = "gen_ai.tool_calls"
)

// RunAttributes describes one orchestrator run.
func RunAttributes(conversationID, recipeID, runID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrConversationID, conversationID)}
	if recipeID != "" {
		attrs = append(attrs, attribute.String(AttrRecipeID, recipeID))
	}
	if runID != "" {
		attrs = append(attrs, attribute.String(AttrRunID, runID))
	}
	return attrs
}

// StepAttributes describes one step execution.
func StepAttributes(stepID, kind string, execution int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStepID, stepID),
		attribute.String(AttrStepKind, kind),
		attribute.Int(AttrStepExecution, execution),
	}
}

// CallCountAttributes reports the calls a step made.
func CallCountAttributes(modelCalls, toolCalls int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(AttrStepModelCalls, modelCalls),
		attribute.Int(AttrStepToolCalls, toolCalls),
	}
}

// CallAttributes describes a model or tool call.
func CallAttributes(callID, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCallID, callID),
		attribute.String(AttrCallKind, kind),
	}
}

// ToolArgsResult returns truncated tool arguments and result.
func ToolArgsResult(args, result string, maxLen int) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if args != "" {
		attrs = append(attrs, attribute.String(AttrToolArgs, Truncate(args, maxLen)))
	}
	if result != "" {
		attrs = append(attrs, attribute.String(AttrToolResult, Truncate(result, maxLen)))
	}
	return attrs
}

// MemoryAttributes describes a memory manager operation.
func MemoryAttributes(op string, subsystems []string, count int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrMemoryOperation, op)}
	if len(subsystems) > 0 {
		attrs = append(attrs, attribute.StringSlice(AttrMemorySubsystems, subsystems))
	}
	if count > 0 {
		attrs = append(attrs, attribute.Int(AttrMemoryCount, count))
	}
	return attrs
}

// LLMAttributes describes a chat request.
func LLMAttributes(model string, msgCount, toolCount int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(AttrLLMModel, model),
		attribute.Int(AttrLLMMessages, msgCount),
	}
	if toolCount > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMToolCalls, toolCount))
	}
	return attrs
}

// LLMUsageAttributes returns token usage attributes; zero counts are omitted.
func LLMUsageAttributes(inputTokens, outputTokens int) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if inputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensInput, inputTokens))
	}
	if outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensOutput, outputTokens))
	}
	if inputTokens > 0 || outputTokens > 0 {
		attrs = append(attrs, attribute.Int(AttrLLMTokensTotal, inputTokens+outputTokens))
	}
	return attrs
}

// Truncate cuts s to maxLen bytes (500 when maxLen <= 0).
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 500
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
