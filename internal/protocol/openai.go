package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ChatCompletionRequest is the accepted subset of the OpenAI chat
// completions schema. Content fields are union-typed on the wire (string
// or list of parts), so they are kept as raw JSON and interpreted lazily.
type ChatCompletionRequest struct {
	Model       string        `json:"model" binding:"required"`
	Messages    []ChatMessage `json:"messages" binding:"required,min=1"`
	Tools       []Tool        `json:"tools,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	User        string        `json:"user,omitempty"`
}

// ChatMessage is a single conversation message.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
}

// ToolCall is an assistant-emitted function invocation.
type ToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name plus its arguments as the JSON
// string OpenAI clients expect.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a function tool definition. Parameters are free-form JSON Schema
// and pass through untouched until sanitization.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction is the function part of a tool definition.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ExtractTextContent flattens a union-typed content field to plain text.
// Strings decode directly; lists concatenate their textual parts and skip
// anything without text (images etc.); null and absent become "".
func ExtractTextContent(content json.RawMessage) string {
	if len(content) == 0 {
		return ""
	}
	parsed := gjson.ParseBytes(content)
	switch parsed.Type {
	case gjson.String:
		return parsed.String()
	case gjson.Null:
		return ""
	}
	if parsed.IsArray() {
		var text string
		parsed.ForEach(func(_, item gjson.Result) bool {
			switch {
			case item.Type == gjson.String:
				text += item.String()
			case item.Get("type").String() == "text":
				text += item.Get("text").String()
			case item.Get("text").Exists():
				text += item.Get("text").String()
			}
			return true
		})
		return text
	}
	return parsed.Raw
}

// ToolResultBlock is a tool_result content part carried inside a message
// content list (Anthropic-flavored clients send these).
type ToolResultBlock struct {
	ToolUseID string
	Text      string
}

// ExtractToolResults pulls tool_result blocks out of a content list.
func ExtractToolResults(content json.RawMessage) []ToolResultBlock {
	if len(content) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(content)
	if !parsed.IsArray() {
		return nil
	}
	var results []ToolResultBlock
	parsed.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "tool_result" {
			results = append(results, ToolResultBlock{
				ToolUseID: item.Get("tool_use_id").String(),
				Text:      extractResult(item.Get("content")),
			})
		}
		return true
	})
	return results
}

// ToolUseBlock is a tool_use content part inside an assistant content list.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ExtractToolUses pulls tool_use blocks out of a content list.
func ExtractToolUses(content json.RawMessage) []ToolUseBlock {
	if len(content) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(content)
	if !parsed.IsArray() {
		return nil
	}
	var uses []ToolUseBlock
	parsed.ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "tool_use" {
			input := json.RawMessage("{}")
			if in := item.Get("input"); in.Exists() {
				input = json.RawMessage(in.Raw)
			}
			uses = append(uses, ToolUseBlock{
				ID:    item.Get("id").String(),
				Name:  item.Get("name").String(),
				Input: input,
			})
		}
		return true
	})
	return uses
}

func extractResult(content gjson.Result) string {
	switch {
	case content.Type == gjson.String:
		return content.String()
	case content.IsArray():
		var text string
		content.ForEach(func(_, item gjson.Result) bool {
			if item.Type == gjson.String {
				text += item.String()
			} else if item.Get("text").Exists() {
				text += item.Get("text").String()
			}
			return true
		})
		return text
	}
	return ""
}
