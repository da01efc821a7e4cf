package server

import (
	"sort"
	"strings"
)

// collector reduces a chunk sequence to a single chat.completion object.
// It consumes the same maps the transcoder emits, so streaming and
// non-streaming responses cannot drift apart.
type collector struct {
	id      string
	created int64
	model   string

	content strings.Builder
	finish  interface{}
	usage   map[string]interface{}

	toolOrder []int
	tools     map[int]*collectedTool
}

type collectedTool struct {
	id        string
	name      string
	arguments strings.Builder
}

func newCollector() *collector {
	return &collector{tools: make(map[int]*collectedTool)}
}

// consume ingests one chunk. Always returns true so it can be passed
// straight to transcoder.Run as the emit callback.
func (col *collector) consume(chunk map[string]interface{}) bool {
	if id, ok := chunk["id"].(string); ok {
		col.id = id
	}
	if created, ok := chunk["created"].(int64); ok {
		col.created = created
	}
	if model, ok := chunk["model"].(string); ok {
		col.model = model
	}
	if usage, ok := chunk["usage"].(map[string]interface{}); ok {
		col.usage = usage
	}

	choices, ok := chunk["choices"].([]map[string]interface{})
	if !ok || len(choices) == 0 {
		return true
	}
	choice := choices[0]
	if fr, ok := choice["finish_reason"]; ok && fr != nil {
		col.finish = fr
	}
	delta, ok := choice["delta"].(map[string]interface{})
	if !ok {
		return true
	}

	if text, ok := delta["content"].(string); ok {
		col.content.WriteString(text)
	}
	if calls, ok := delta["tool_calls"].([]map[string]interface{}); ok {
		for _, call := range calls {
			col.consumeToolDelta(call)
		}
	}
	return true
}

// setContent replaces the accumulated content. The non-streaming path
// substitutes the parser's cleaned text, so recognized bracket-style call
// regions do not appear in message.content next to the extracted
// tool_calls.
func (col *collector) setContent(text string) {
	col.content.Reset()
	col.content.WriteString(text)
}

func (col *collector) consumeToolDelta(call map[string]interface{}) {
	idx, ok := call["index"].(int)
	if !ok {
		return
	}
	tool := col.tools[idx]
	if tool == nil {
		tool = &collectedTool{}
		col.tools[idx] = tool
		col.toolOrder = append(col.toolOrder, idx)
	}
	if id, ok := call["id"].(string); ok && id != "" {
		tool.id = id
	}
	if fn, ok := call["function"].(map[string]interface{}); ok {
		if name, ok := fn["name"].(string); ok && name != "" {
			tool.name = name
		}
		if args, ok := fn["arguments"].(string); ok {
			tool.arguments.WriteString(args)
		}
	}
}

// response assembles the final chat.completion object.
func (col *collector) response() map[string]interface{} {
	message := map[string]interface{}{
		"role":    "assistant",
		"content": col.content.String(),
	}

	if len(col.toolOrder) > 0 {
		sort.Ints(col.toolOrder)
		toolCalls := make([]map[string]interface{}, 0, len(col.toolOrder))
		for _, idx := range col.toolOrder {
			tool := col.tools[idx]
			toolCalls = append(toolCalls, map[string]interface{}{
				"id":   tool.id,
				"type": "function",
				"function": map[string]interface{}{
					"name":      tool.name,
					"arguments": tool.arguments.String(),
				},
			})
		}
		message["tool_calls"] = toolCalls
	}

	finish := col.finish
	if finish == nil {
		finish = "stop"
	}

	resp := map[string]interface{}{
		"id":      col.id,
		"object":  "chat.completion",
		"created": col.created,
		"model":   col.model,
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       message,
				"finish_reason": finish,
			},
		},
	}
	if col.usage != nil {
		resp["usage"] = col.usage
	} else {
		resp["usage"] = map[string]interface{}{
			"prompt_tokens":     0,
			"completion_tokens": 0,
			"total_tokens":      0,
		}
	}
	return resp
}
