package kiro

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/kiro-box/internal/protocol"
)

func text(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func testOpts() PayloadOptions {
	return PayloadOptions{
		ProfileARN:               "arn:aws:codewhisperer:us-east-1:123:profile/test",
		ToolDescriptionMaxLength: 10000,
	}
}

func TestBuildPayloadBasicConversation(t *testing.T) {
	req := &protocol.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "system", Content: text("You are terse.")},
			{Role: "user", Content: text("Hello")},
			{Role: "assistant", Content: text("Hi there")},
			{Role: "user", Content: text("How are you?")},
		},
	}

	payload, err := BuildPayload(req, testOpts())
	require.NoError(t, err)

	cs := payload.ConversationState
	assert.Equal(t, "MANUAL", cs.ChatTriggerType)
	assert.NotEmpty(t, cs.ConversationID)
	assert.Equal(t, "arn:aws:codewhisperer:us-east-1:123:profile/test", payload.ProfileARN)

	current := cs.CurrentMessage.UserInputMessage
	assert.Equal(t, "How are you?", current.Content)
	assert.Equal(t, "CLAUDE_SONNET_4_5_20250929_V1_0", current.ModelID)
	assert.Equal(t, "AI_EDITOR", current.Origin)

	require.Len(t, cs.History, 2)
	require.NotNil(t, cs.History[0].UserInputMessage)
	assert.Equal(t, "You are terse.\n\nHello", cs.History[0].UserInputMessage.Content)
	require.NotNil(t, cs.History[1].AssistantResponseMessage)
	assert.Equal(t, "Hi there", cs.History[1].AssistantResponseMessage.Content)
}

func TestBuildPayloadAssistantLastAsksToContinue(t *testing.T) {
	req := &protocol.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: text("Write a poem")},
			{Role: "assistant", Content: text("Roses are red")},
		},
	}

	payload, err := BuildPayload(req, testOpts())
	require.NoError(t, err)

	cs := payload.ConversationState
	assert.Equal(t, "Continue", cs.CurrentMessage.UserInputMessage.Content)
	require.Len(t, cs.History, 2)
	require.NotNil(t, cs.History[1].AssistantResponseMessage)
	assert.Equal(t, "Roses are red", cs.History[1].AssistantResponseMessage.Content)
}

func TestBuildPayloadEmptyUserContentBecomesContinue(t *testing.T) {
	req := &protocol.ChatCompletionRequest{
		Model:    "auto",
		Messages: []protocol.ChatMessage{{Role: "user", Content: text("")}},
	}

	payload, err := BuildPayload(req, testOpts())
	require.NoError(t, err)
	assert.Equal(t, "Continue", payload.ConversationState.CurrentMessage.UserInputMessage.Content)
	assert.Equal(t, "claude-sonnet-4.5", payload.ConversationState.CurrentMessage.UserInputMessage.ModelID)
}

func TestBuildPayloadNoMessages(t *testing.T) {
	req := &protocol.ChatCompletionRequest{Model: "auto"}
	_, err := BuildPayload(req, testOpts())
	assert.ErrorIs(t, err, ErrNoMessages)
}

func TestBuildPayloadToolResultCurrentMessage(t *testing.T) {
	req := &protocol.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: text("What's the weather?")},
			{
				Role:    "assistant",
				Content: text(""),
				ToolCalls: []protocol.ToolCall{{
					ID:   "call_abc123",
					Type: "function",
					Function: protocol.FunctionCall{
						Name:      "get_weather",
						Arguments: `{"city":"Paris"}`,
					},
				}},
			},
			{Role: "tool", ToolCallID: "call_abc123", Content: text("Sunny, 22C")},
		},
	}

	payload, err := BuildPayload(req, testOpts())
	require.NoError(t, err)

	cs := payload.ConversationState
	current := cs.CurrentMessage.UserInputMessage
	assert.Equal(t, "Continue", current.Content)
	require.NotNil(t, current.Context)
	require.Len(t, current.Context.ToolResults, 1)
	assert.Equal(t, "call_abc123", current.Context.ToolResults[0].ToolUseID)
	assert.Equal(t, "Sunny, 22C", current.Context.ToolResults[0].Content[0].Text)
	assert.Equal(t, "success", current.Context.ToolResults[0].Status)

	require.Len(t, cs.History, 2)
	require.NotNil(t, cs.History[1].AssistantResponseMessage)
	require.Len(t, cs.History[1].AssistantResponseMessage.ToolUses, 1)
	use := cs.History[1].AssistantResponseMessage.ToolUses[0]
	assert.Equal(t, "get_weather", use.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, string(use.Input))
}

func TestBuildPayloadEmptyToolResultPlaceholder(t *testing.T) {
	req := &protocol.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: text("go")},
			{Role: "assistant", ToolCalls: []protocol.ToolCall{{
				ID: "call_x", Type: "function",
				Function: protocol.FunctionCall{Name: "noop", Arguments: "{}"},
			}}},
			{Role: "tool", ToolCallID: "call_x", Content: text("")},
		},
	}

	payload, err := BuildPayload(req, testOpts())
	require.NoError(t, err)
	results := payload.ConversationState.CurrentMessage.UserInputMessage.Context.ToolResults
	require.Len(t, results, 1)
	assert.Equal(t, "(empty result)", results[0].Content[0].Text)
}

func TestBuildPayloadFakeReasoning(t *testing.T) {
	opts := testOpts()
	opts.FakeReasoningEnabled = true
	opts.FakeReasoningMaxTokens = 4000

	req := &protocol.ChatCompletionRequest{
		Model:    "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{{Role: "user", Content: text("Hello")}},
	}

	payload, err := BuildPayload(req, opts)
	require.NoError(t, err)
	content := payload.ConversationState.CurrentMessage.UserInputMessage.Content
	assert.Contains(t, content, "<thinking_mode>enabled</thinking_mode>")
	assert.Contains(t, content, "<max_thinking_length>4000</max_thinking_length>")
	assert.Contains(t, content, "# Extended Thinking Mode")
	assert.Contains(t, content, "Hello")
}

func TestBuildPayloadFakeReasoningSkippedWithToolResults(t *testing.T) {
	opts := testOpts()
	opts.FakeReasoningEnabled = true
	opts.FakeReasoningMaxTokens = 4000

	req := &protocol.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: text("go")},
			{Role: "assistant", ToolCalls: []protocol.ToolCall{{
				ID: "call_1", Type: "function",
				Function: protocol.FunctionCall{Name: "f", Arguments: "{}"},
			}}},
			{Role: "tool", ToolCallID: "call_1", Content: text("done")},
		},
	}

	payload, err := BuildPayload(req, opts)
	require.NoError(t, err)
	content := payload.ConversationState.CurrentMessage.UserInputMessage.Content
	assert.NotContains(t, content, "<thinking_mode>")
}

func TestBuildPayloadFakeReasoningSkippedOnSynthesizedContinue(t *testing.T) {
	opts := testOpts()
	opts.FakeReasoningEnabled = true
	opts.FakeReasoningMaxTokens = 4000

	req := &protocol.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "user", Content: text("go")},
			{Role: "assistant", Content: text("partial answer")},
		},
	}

	payload, err := BuildPayload(req, opts)
	require.NoError(t, err)

	// The trailing assistant turn moves to history and the current message
	// becomes the bare "Continue", which stays untagged.
	content := payload.ConversationState.CurrentMessage.UserInputMessage.Content
	assert.Equal(t, "Continue", content)

	// The system-prompt addition still rides on the first user turn.
	history := payload.ConversationState.History
	require.Len(t, history, 2)
	assert.Contains(t, history[0].UserInputMessage.Content, "# Extended Thinking Mode")
}

func TestProcessToolsWithLongDescriptions(t *testing.T) {
	long := strings.Repeat("x", 50)
	tools := []protocol.Tool{
		{Type: "function", Function: protocol.ToolFunction{Name: "short_tool", Description: "does a thing"}},
		{Type: "function", Function: protocol.ToolFunction{Name: "long_tool", Description: long}},
		{Type: "function", Function: protocol.ToolFunction{Name: "bare_tool"}},
		{Type: "web_search", Function: protocol.ToolFunction{Name: "ignored"}},
	}

	entries, docs := ProcessToolsWithLongDescriptions(tools, 20)
	require.Len(t, entries, 3)
	require.Len(t, docs, 1)

	assert.Equal(t, "does a thing", entries[0].ToolSpecification.Description)
	assert.Equal(t, "[Full documentation in system prompt under '## Tool: long_tool']", entries[1].ToolSpecification.Description)
	assert.Equal(t, "Tool: bare_tool", entries[2].ToolSpecification.Description)

	assert.Equal(t, "long_tool", docs[0].Name)
	assert.Equal(t, long, docs[0].Description)
}

func TestProcessToolsDisabledLimit(t *testing.T) {
	tools := []protocol.Tool{
		{Type: "function", Function: protocol.ToolFunction{Name: "t", Description: strings.Repeat("y", 100)}},
	}
	entries, docs := ProcessToolsWithLongDescriptions(tools, 0)
	require.Len(t, entries, 1)
	assert.Empty(t, docs)
	assert.Equal(t, strings.Repeat("y", 100), entries[0].ToolSpecification.Description)
}

func TestBuildPayloadRelocatedDocsLandInSystemPrompt(t *testing.T) {
	opts := testOpts()
	opts.ToolDescriptionMaxLength = 10

	req := &protocol.ChatCompletionRequest{
		Model: "claude-sonnet-4-5",
		Messages: []protocol.ChatMessage{
			{Role: "system", Content: text("Base prompt.")},
			{Role: "user", Content: text("Hi")},
		},
		Tools: []protocol.Tool{
			{Type: "function", Function: protocol.ToolFunction{Name: "big", Description: "a very long description"}},
		},
	}

	payload, err := BuildPayload(req, opts)
	require.NoError(t, err)
	content := payload.ConversationState.CurrentMessage.UserInputMessage.Content
	assert.Contains(t, content, "Base prompt.\n\n## Tool: big\na very long description")
	assert.Contains(t, content, "Hi")
}

func TestMergeAdjacentTurns(t *testing.T) {
	turns := []Turn{
		{Role: "user", Text: "a"},
		{Role: "user", Text: "b", ToolResults: []ToolResultEntry{{ToolUseID: "1"}}},
		{Role: "assistant", Text: "c", ToolUses: []ToolUseEntry{{ToolUseID: "1"}}},
		{Role: "assistant", Text: "", ToolUses: []ToolUseEntry{{ToolUseID: "2"}}},
		{Role: "user", Text: "d"},
	}

	merged := MergeAdjacentTurns(turns)
	require.Len(t, merged, 3)
	assert.Equal(t, "a\nb", merged[0].Text)
	assert.Len(t, merged[0].ToolResults, 1)
	assert.Equal(t, "c", merged[1].Text)
	assert.Len(t, merged[1].ToolUses, 2)
	assert.Equal(t, "d", merged[2].Text)

	// Merging is idempotent.
	again := MergeAdjacentTurns(merged)
	assert.Equal(t, merged, again)
}

func TestSanitizeJSONSchema(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"additionalProperties": false,
		"required": [],
		"properties": {
			"city": {"type": "string"},
			"filters": {
				"type": "object",
				"additionalProperties": {"type": "string"},
				"required": ["kind"],
				"properties": {"kind": {"type": "string"}}
			}
		}
	}`)

	cleaned := SanitizeJSONSchema(schema)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(cleaned, &decoded))
	assert.NotContains(t, decoded, "additionalProperties")
	assert.NotContains(t, decoded, "required")

	filters := decoded["properties"].(map[string]any)["filters"].(map[string]any)
	assert.NotContains(t, filters, "additionalProperties")
	assert.Equal(t, []any{"kind"}, filters["required"])
}

func TestSanitizeJSONSchemaDegenerateInputs(t *testing.T) {
	assert.Equal(t, json.RawMessage("{}"), SanitizeJSONSchema(nil))
	assert.Equal(t, json.RawMessage("{}"), SanitizeJSONSchema(json.RawMessage("not json")))
}

func TestExtractToolUsesWrapsInvalidArguments(t *testing.T) {
	msg := protocol.ChatMessage{
		Role: "assistant",
		ToolCalls: []protocol.ToolCall{{
			ID: "call_1", Type: "function",
			Function: protocol.FunctionCall{Name: "f", Arguments: "not valid json"},
		}},
	}
	uses := extractToolUses(msg)
	require.Len(t, uses, 1)
	assert.JSONEq(t, `{"raw":"not valid json"}`, string(uses[0].Input))
}
