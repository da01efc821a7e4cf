package server

import (
	"io"
	"math"
	"time"

	"github.com/tingly-dev/kiro-box/internal/kiro"
)

// transcoder turns parser events into OpenAI chat.completion.chunk maps.
// One transcoder serves exactly one response; the SSE handler and the
// non-stream collector both drive it through Run.
type transcoder struct {
	id      string
	created int64
	model   string

	parser         *kiro.StreamParser
	maxInputTokens int

	emittedRole bool
	toolCounter int
	toolIndex   map[string]int
	hasTools    bool

	contentChars int
}

func newTranscoder(model string, maxInputTokens int) *transcoder {
	return &transcoder{
		id:             kiro.CompletionID(),
		created:        time.Now().Unix(),
		model:          model,
		parser:         kiro.NewStreamParser(),
		maxInputTokens: maxInputTokens,
		toolIndex:      make(map[string]int),
	}
}

// Run feeds the upstream body through the parser and calls emit for every
// chunk in order. emit returning false stops the run early (client gone).
// The terminal `data: [DONE]` marker is the caller's concern.
func (t *transcoder) Run(body io.Reader, emit func(chunk map[string]interface{}) bool) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range t.parser.Feed(buf[:n]) {
				for _, chunk := range t.render(ev) {
					if !emit(chunk) {
						return nil
					}
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	for _, ev := range t.parser.Finish() {
		for _, chunk := range t.render(ev) {
			if !emit(chunk) {
				return nil
			}
		}
	}
	return nil
}

// finalContent returns the accumulated text with recognized bracket-style
// call regions removed. Valid after Run returns.
func (t *transcoder) finalContent() string {
	return t.parser.FinalContent()
}

func (t *transcoder) render(ev kiro.Event) []map[string]interface{} {
	var chunks []map[string]interface{}
	if !t.emittedRole {
		t.emittedRole = true
		chunks = append(chunks, t.chunk(map[string]interface{}{"role": "assistant"}, nil))
	}

	switch ev.Kind {
	case kiro.EventContent:
		t.contentChars += len(ev.Text)
		chunks = append(chunks, t.chunk(map[string]interface{}{"content": ev.Text}, nil))

	case kiro.EventToolStart:
		idx := t.toolCounter
		t.toolCounter++
		t.toolIndex[ev.ToolUseID] = idx
		t.hasTools = true
		id := ev.ToolUseID
		if id == "" {
			id = kiro.ToolCallID()
		}
		chunks = append(chunks, t.chunk(map[string]interface{}{
			"tool_calls": []map[string]interface{}{{
				"index": idx,
				"id":    id,
				"type":  "function",
				"function": map[string]interface{}{
					"name":      ev.Name,
					"arguments": "",
				},
			}},
		}, nil))

	case kiro.EventToolInput:
		idx, ok := t.toolIndex[ev.ToolUseID]
		if !ok {
			break
		}
		chunks = append(chunks, t.chunk(map[string]interface{}{
			"tool_calls": []map[string]interface{}{{
				"index": idx,
				"function": map[string]interface{}{
					"arguments": ev.Text,
				},
			}},
		}, nil))

	case kiro.EventToolStop, kiro.EventContextUsage, kiro.EventUsage:
		// No chunk: stop is implicit, metadata feeds the usage chunk.

	case kiro.EventEnd:
		finish := "stop"
		if t.hasTools {
			finish = "tool_calls"
		}
		chunks = append(chunks, t.chunk(map[string]interface{}{}, &finish))
		if usage := t.usageChunk(); usage != nil {
			chunks = append(chunks, usage)
		}
	}
	return chunks
}

func (t *transcoder) chunk(delta map[string]interface{}, finishReason *string) map[string]interface{} {
	var finish interface{}
	if finishReason != nil {
		finish = *finishReason
	}
	return map[string]interface{}{
		"id":      t.id,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"delta":         delta,
				"finish_reason": finish,
			},
		},
	}
}

// usageChunk synthesizes token counts: Kiro reports context usage as a
// percentage and cost as credits, never token counts. Returns nil when the
// upstream reported neither.
func (t *transcoder) usageChunk() map[string]interface{} {
	percent, hasPercent := t.parser.ContextUsagePercent()
	credits, hasCredits := t.parser.CreditsUsed()
	if !hasPercent && !hasCredits {
		return nil
	}

	completionTokens := t.contentChars / 4
	promptTokens := 0
	if hasPercent {
		promptTokens = int(math.Round(percent * float64(t.maxInputTokens) / 100))
	}
	usage := map[string]interface{}{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"total_tokens":      promptTokens + completionTokens,
	}
	if hasCredits {
		usage["credits_used"] = credits
	}
	return map[string]interface{}{
		"id":      t.id,
		"object":  "chat.completion.chunk",
		"created": t.created,
		"model":   t.model,
		"choices": []map[string]interface{}{},
		"usage":   usage,
	}
}
