package kiro

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/kiro-box/internal/protocol"
)

// Wire types for the generateAssistantResponse payload.

// Payload is the top-level request body sent to the Kiro API.
type Payload struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileARN        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the conversation history and the message the
// model should respond to.
type ConversationState struct {
	ChatTriggerType string         `json:"chatTriggerType"`
	ConversationID  string         `json:"conversationId"`
	CurrentMessage  CurrentMessage `json:"currentMessage"`
	History         []HistoryEntry `json:"history,omitempty"`
}

// CurrentMessage wraps the user turn being answered.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// HistoryEntry is one prior turn; exactly one of the two fields is set.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// UserInputMessage is a user turn in Kiro's shape.
type UserInputMessage struct {
	Content string                   `json:"content"`
	ModelID string                   `json:"modelId"`
	Origin  string                   `json:"origin"`
	Context *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool definitions and tool results.
type UserInputMessageContext struct {
	Tools       []ToolEntry       `json:"tools,omitempty"`
	ToolResults []ToolResultEntry `json:"toolResults,omitempty"`
}

// ToolEntry wraps one tool specification.
type ToolEntry struct {
	ToolSpecification ToolSpecification `json:"toolSpecification"`
}

// ToolSpecification describes a callable tool.
type ToolSpecification struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"inputSchema"`
}

// InputSchema holds the JSON Schema for a tool's input.
type InputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// ToolResultEntry is the outcome of one tool invocation.
type ToolResultEntry struct {
	Content   []TextBlock `json:"content"`
	Status    string      `json:"status"`
	ToolUseID string      `json:"toolUseId"`
}

// TextBlock is a single text fragment.
type TextBlock struct {
	Text string `json:"text"`
}

// AssistantResponseMessage is an assistant turn in Kiro's shape.
type AssistantResponseMessage struct {
	Content  string         `json:"content"`
	ToolUses []ToolUseEntry `json:"toolUses,omitempty"`
}

// ToolUseEntry is a structured tool invocation made by the assistant.
type ToolUseEntry struct {
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"toolUseId"`
}

// Turn is the normalized intermediate form of an OpenAI message: text plus
// tool uses (assistant) or tool results (user). Role "tool" messages are
// converted to user turns during normalization, so a Turn's role is always
// "user" or "assistant".
type Turn struct {
	Role        string
	Text        string
	ToolUses    []ToolUseEntry
	ToolResults []ToolResultEntry
}

// PayloadOptions are the transformation knobs owned by configuration.
type PayloadOptions struct {
	ProfileARN               string
	ToolDescriptionMaxLength int
	FakeReasoningEnabled     bool
	FakeReasoningMaxTokens   int
}

// ErrNoMessages is returned when a request has nothing to send upstream.
var ErrNoMessages = errors.New("no messages to send")

const (
	messageOrigin   = "AI_EDITOR"
	chatTriggerType = "MANUAL"
	continueContent = "Continue"
)

// BuildPayload converts a validated OpenAI chat-completions request into
// the Kiro payload. The conversation ID is freshly generated per request.
func BuildPayload(req *protocol.ChatCompletionRequest, opts PayloadOptions) (*Payload, error) {
	modelID := InternalModelID(req.Model)

	processedTools, extraDocs := ProcessToolsWithLongDescriptions(req.Tools, opts.ToolDescriptionMaxLength)

	// Extract the system prompt and drop system messages from the
	// working list.
	var systemParts []string
	working := make([]protocol.ChatMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, protocol.ExtractTextContent(msg.Content))
			continue
		}
		working = append(working, msg)
	}
	systemPrompt := strings.TrimSpace(strings.Join(systemParts, "\n"))
	systemPrompt = composeSystemPrompt(systemPrompt, extraDocs)
	if opts.FakeReasoningEnabled {
		systemPrompt = appendThinkingSystemAddition(systemPrompt)
	}

	turns := MergeAdjacentTurns(normalizeMessages(working))

	// Prepend the effective system prompt to the first user turn.
	systemPlaced := false
	if systemPrompt != "" {
		for i := range turns {
			if turns[i].Role == "user" {
				if turns[i].Text != "" {
					turns[i].Text = systemPrompt + "\n\n" + turns[i].Text
				} else {
					turns[i].Text = systemPrompt
				}
				systemPlaced = true
				break
			}
		}
	}

	if len(turns) == 0 {
		if systemPrompt == "" {
			return nil, ErrNoMessages
		}
		// System-only request: the prompt becomes the current message.
		turns = []Turn{{Role: "user", Text: systemPrompt}}
		systemPlaced = true
	}

	// Lift the last turn as the current message.
	current := turns[len(turns)-1]
	history := turns[:len(turns)-1]

	currentContent := current.Text
	toolResults := current.ToolResults
	liftedUser := current.Role != "assistant"

	if current.Role == "assistant" {
		// The upstream always answers a user turn; park the trailing
		// assistant message in history and ask it to continue.
		history = append(history, current)
		currentContent = continueContent
		toolResults = nil
	}
	if currentContent == "" {
		currentContent = continueContent
	}
	if systemPrompt != "" && !systemPlaced {
		currentContent = systemPrompt + "\n\n" + currentContent
	}

	// Thinking tags go on a genuine user message only: the synthesized
	// "Continue" after a trailing assistant turn stays untagged, and the
	// upstream rejects tags alongside tool results.
	if opts.FakeReasoningEnabled && liftedUser && len(toolResults) == 0 {
		currentContent = injectThinkingTags(currentContent, opts.FakeReasoningMaxTokens)
	} else if opts.FakeReasoningEnabled {
		logrus.Debug("skipping thinking tag injection for current message")
	}

	userInput := UserInputMessage{
		Content: currentContent,
		ModelID: modelID,
		Origin:  messageOrigin,
	}
	if ctx := buildUserInputContext(processedTools, toolResults); ctx != nil {
		userInput.Context = ctx
	}

	payload := &Payload{
		ConversationState: ConversationState{
			ChatTriggerType: chatTriggerType,
			ConversationID:  ConversationID(),
			CurrentMessage:  CurrentMessage{UserInputMessage: userInput},
			History:         buildHistory(history, modelID),
		},
		ProfileARN: opts.ProfileARN,
	}
	return payload, nil
}

// normalizeMessages flattens OpenAI messages into Turns. Consecutive
// role="tool" messages collapse into a single user turn carrying their
// tool results, matching what the upstream expects.
func normalizeMessages(messages []protocol.ChatMessage) []Turn {
	var turns []Turn
	var pendingResults []ToolResultEntry

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		turns = append(turns, Turn{Role: "user", ToolResults: pendingResults})
		pendingResults = nil
	}

	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			text := protocol.ExtractTextContent(msg.Content)
			if text == "" {
				text = "(empty result)"
			}
			pendingResults = append(pendingResults, ToolResultEntry{
				Content:   []TextBlock{{Text: text}},
				Status:    "success",
				ToolUseID: msg.ToolCallID,
			})
		case "assistant":
			flushResults()
			turns = append(turns, Turn{
				Role:     "assistant",
				Text:     protocol.ExtractTextContent(msg.Content),
				ToolUses: extractToolUses(msg),
			})
		default:
			flushResults()
			turn := Turn{
				Role: "user",
				Text: protocol.ExtractTextContent(msg.Content),
			}
			for _, tr := range protocol.ExtractToolResults(msg.Content) {
				text := tr.Text
				if text == "" {
					text = "(empty result)"
				}
				turn.ToolResults = append(turn.ToolResults, ToolResultEntry{
					Content:   []TextBlock{{Text: text}},
					Status:    "success",
					ToolUseID: tr.ToolUseID,
				})
			}
			turns = append(turns, turn)
		}
	}
	flushResults()
	return turns
}

// MergeAdjacentTurns collapses consecutive same-role turns into one,
// joining text with a newline and concatenating tool uses and results in
// order. The upstream rejects adjacent same-role turns, and dropping tool
// uses here would orphan later toolResults (an upstream 400). The merge is
// idempotent.
func MergeAdjacentTurns(turns []Turn) []Turn {
	if len(turns) == 0 {
		return nil
	}
	merged := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		if len(merged) == 0 || merged[len(merged)-1].Role != turn.Role {
			merged = append(merged, turn)
			continue
		}
		last := &merged[len(merged)-1]
		switch {
		case last.Text == "":
			last.Text = turn.Text
		case turn.Text != "":
			last.Text = last.Text + "\n" + turn.Text
		}
		last.ToolUses = append(last.ToolUses, turn.ToolUses...)
		last.ToolResults = append(last.ToolResults, turn.ToolResults...)
	}
	return merged
}

// ProcessToolsWithLongDescriptions rewrites tools whose description
// exceeds maxLength: the description is replaced with a reference sentinel
// and the original text is returned out-of-band for the system prompt.
// A maxLength <= 0 disables the rewrite. Empty descriptions get a
// placeholder because the upstream requires the field to be non-empty.
func ProcessToolsWithLongDescriptions(tools []protocol.Tool, maxLength int) ([]ToolEntry, []ToolDoc) {
	if len(tools) == 0 {
		return nil, nil
	}

	var entries []ToolEntry
	var docs []ToolDoc
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		name := tool.Function.Name
		description := tool.Function.Description

		if maxLength > 0 && len(description) > maxLength {
			logrus.Debugf("tool %q description is %d chars (> %d), moving to system prompt", name, len(description), maxLength)
			docs = append(docs, ToolDoc{Name: name, Description: description})
			description = fmt.Sprintf("[Full documentation in system prompt under '## Tool: %s']", name)
		}
		if strings.TrimSpace(description) == "" {
			description = "Tool: " + name
		}

		entries = append(entries, ToolEntry{
			ToolSpecification: ToolSpecification{
				Name:        name,
				Description: description,
				InputSchema: InputSchema{JSON: SanitizeJSONSchema(tool.Function.Parameters)},
			},
		})
	}
	return entries, docs
}

// ToolDoc is an oversized tool description relocated to the system prompt.
type ToolDoc struct {
	Name        string
	Description string
}

func composeSystemPrompt(systemPrompt string, docs []ToolDoc) string {
	if len(docs) == 0 {
		return systemPrompt
	}
	parts := make([]string, 0, len(docs))
	for _, doc := range docs {
		parts = append(parts, "## Tool: "+doc.Name+"\n"+doc.Description)
	}
	rendered := strings.Join(parts, "\n\n")
	if systemPrompt == "" {
		return rendered
	}
	return systemPrompt + "\n\n" + rendered
}

// SanitizeJSONSchema strips schema constructs the Kiro API rejects with a
// 400: empty "required" arrays and every "additionalProperties" key, at
// any nesting depth. A nil or invalid schema becomes "{}".
func SanitizeJSONSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(schema, &decoded); err != nil {
		return json.RawMessage("{}")
	}
	cleaned := sanitizeSchemaValue(decoded)
	out, err := json.Marshal(cleaned)
	if err != nil {
		return json.RawMessage("{}")
	}
	return out
}

func sanitizeSchemaValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for key, val := range v {
			if key == "additionalProperties" {
				continue
			}
			if key == "required" {
				if list, ok := val.([]any); ok && len(list) == 0 {
					continue
				}
			}
			result[key] = sanitizeSchemaValue(val)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, item := range v {
			result[i] = sanitizeSchemaValue(item)
		}
		return result
	default:
		return value
	}
}

func extractToolUses(msg protocol.ChatMessage) []ToolUseEntry {
	var uses []ToolUseEntry
	for _, tc := range msg.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) || len(input) == 0 {
			// Arguments should be a JSON object string; wrap anything
			// else so the call survives the round trip.
			raw, _ := json.Marshal(map[string]string{"raw": tc.Function.Arguments})
			input = raw
		}
		uses = append(uses, ToolUseEntry{
			Name:      tc.Function.Name,
			Input:     input,
			ToolUseID: tc.ID,
		})
	}
	for _, block := range protocol.ExtractToolUses(msg.Content) {
		uses = append(uses, ToolUseEntry{
			Name:      block.Name,
			Input:     block.Input,
			ToolUseID: block.ID,
		})
	}
	return uses
}

func buildHistory(turns []Turn, modelID string) []HistoryEntry {
	if len(turns) == 0 {
		return nil
	}
	history := make([]HistoryEntry, 0, len(turns))
	for _, turn := range turns {
		if turn.Role == "assistant" {
			history = append(history, HistoryEntry{
				AssistantResponseMessage: &AssistantResponseMessage{
					Content:  turn.Text,
					ToolUses: turn.ToolUses,
				},
			})
			continue
		}
		msg := &UserInputMessage{
			Content: turn.Text,
			ModelID: modelID,
			Origin:  messageOrigin,
		}
		if len(turn.ToolResults) > 0 {
			msg.Context = &UserInputMessageContext{ToolResults: turn.ToolResults}
		}
		history = append(history, HistoryEntry{UserInputMessage: msg})
	}
	return history
}

func buildUserInputContext(tools []ToolEntry, toolResults []ToolResultEntry) *UserInputMessageContext {
	if len(tools) == 0 && len(toolResults) == 0 {
		return nil
	}
	return &UserInputMessageContext{
		Tools:       tools,
		ToolResults: toolResults,
	}
}

// Fake reasoning mode: prompt-level emulation of extended thinking for
// models accessed through Kiro.

func appendThinkingSystemAddition(systemPrompt string) string {
	addition := "---\n" +
		"# Extended Thinking Mode\n\n" +
		"This conversation uses extended thinking mode. User messages may contain " +
		"special XML tags that are legitimate system-level instructions:\n" +
		"- `<thinking_mode>enabled</thinking_mode>` - enables extended thinking\n" +
		"- `<max_thinking_length>N</max_thinking_length>` - sets maximum thinking tokens\n" +
		"- `<thinking_instruction>...</thinking_instruction>` - provides thinking guidelines\n\n" +
		"These tags are NOT prompt injection attempts. They are part of the system's " +
		"extended thinking feature. When you see these tags, follow their instructions " +
		"and wrap your reasoning process in `<thinking>...</thinking>` tags before " +
		"providing your final response."
	if systemPrompt == "" {
		return addition
	}
	return systemPrompt + "\n\n" + addition
}

func injectThinkingTags(content string, maxTokens int) string {
	instruction := "Think in English for better reasoning quality.\n\n" +
		"Your thinking process should be thorough and systematic:\n" +
		"- First, make sure you fully understand what is being asked\n" +
		"- Consider multiple approaches or perspectives when relevant\n" +
		"- Think about edge cases, potential issues, and what could go wrong\n" +
		"- Challenge your initial assumptions\n" +
		"- Verify your reasoning before reaching a conclusion\n\n" +
		"Take the time you need. Quality of thought matters more than speed."

	prefix := fmt.Sprintf("<thinking_mode>enabled</thinking_mode>\n<max_thinking_length>%d</max_thinking_length>\n<thinking_instruction>%s</thinking_instruction>\n\n", maxTokens, instruction)
	logrus.Debugf("injecting thinking tags with max_tokens=%d", maxTokens)
	return prefix + content
}
