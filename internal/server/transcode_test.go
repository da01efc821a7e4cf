package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runTranscoder(t *testing.T, model string, maxInput int, upstream string) []map[string]interface{} {
	t.Helper()
	tr := newTranscoder(model, maxInput)
	var chunks []map[string]interface{}
	err := tr.Run(strings.NewReader(upstream), func(chunk map[string]interface{}) bool {
		chunks = append(chunks, chunk)
		return true
	})
	require.NoError(t, err)
	return chunks
}

func deltaOf(chunk map[string]interface{}) map[string]interface{} {
	choices := chunk["choices"].([]map[string]interface{})
	return choices[0]["delta"].(map[string]interface{})
}

func finishOf(chunk map[string]interface{}) interface{} {
	choices := chunk["choices"].([]map[string]interface{})
	return choices[0]["finish_reason"]
}

func TestTranscoderPlainTextStream(t *testing.T) {
	chunks := runTranscoder(t, "claude-sonnet-4-5", 200000,
		`{"content":"Hello"}{"content":" world"}`)

	require.Len(t, chunks, 4)

	// Shared identity across all chunks.
	id := chunks[0]["id"].(string)
	created := chunks[0]["created"]
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	for _, chunk := range chunks {
		assert.Equal(t, id, chunk["id"])
		assert.Equal(t, created, chunk["created"])
		assert.Equal(t, "chat.completion.chunk", chunk["object"])
		assert.Equal(t, "claude-sonnet-4-5", chunk["model"])
	}

	assert.Equal(t, map[string]interface{}{"role": "assistant"}, deltaOf(chunks[0]))
	assert.Equal(t, "Hello", deltaOf(chunks[1])["content"])
	assert.Equal(t, " world", deltaOf(chunks[2])["content"])
	assert.Equal(t, map[string]interface{}{}, deltaOf(chunks[3]))
	assert.Equal(t, "stop", finishOf(chunks[3]))
	assert.Nil(t, finishOf(chunks[1]))
}

func TestTranscoderToolCallStream(t *testing.T) {
	chunks := runTranscoder(t, "claude-sonnet-4-5", 200000,
		`{"toolUseId":"tu_1","name":"get_weather"}`+
			`{"toolUseId":"tu_1","input":"{\"city\":\"Paris\"}"}`+
			`{"toolUseId":"tu_1","stop":true}`)

	require.Len(t, chunks, 4)

	start := deltaOf(chunks[1])["tool_calls"].([]map[string]interface{})[0]
	assert.Equal(t, 0, start["index"])
	assert.Equal(t, "tu_1", start["id"])
	assert.Equal(t, "function", start["type"])
	fn := start["function"].(map[string]interface{})
	assert.Equal(t, "get_weather", fn["name"])
	assert.Equal(t, "", fn["arguments"])

	input := deltaOf(chunks[2])["tool_calls"].([]map[string]interface{})[0]
	assert.Equal(t, 0, input["index"])
	assert.Equal(t, `{"city":"Paris"}`, input["function"].(map[string]interface{})["arguments"])

	assert.Equal(t, "tool_calls", finishOf(chunks[3]))
}

func TestTranscoderBracketCallBeforeFinish(t *testing.T) {
	chunks := runTranscoder(t, "auto", 200000,
		`{"content":"[Called lookup with args: {\"q\":\"go\"}]"}`)

	// role, raw content, synthesized start, synthesized input, finish
	require.Len(t, chunks, 5)
	start := deltaOf(chunks[2])["tool_calls"].([]map[string]interface{})[0]
	assert.Equal(t, "lookup", start["function"].(map[string]interface{})["name"])
	assert.True(t, strings.HasPrefix(start["id"].(string), "call_"))
	assert.Equal(t, "tool_calls", finishOf(chunks[4]))
}

func TestTranscoderUsageSynthesis(t *testing.T) {
	chunks := runTranscoder(t, "claude-sonnet-4-5", 1000,
		`{"content":"12345678"}{"contextUsagePercentage":50}{"creditsUsed":1.5}`)

	last := chunks[len(chunks)-1]
	assert.Empty(t, last["choices"])
	usage := last["usage"].(map[string]interface{})
	assert.Equal(t, 500, usage["prompt_tokens"])
	assert.Equal(t, 2, usage["completion_tokens"])
	assert.Equal(t, 502, usage["total_tokens"])
	assert.Equal(t, 1.5, usage["credits_used"])
}

func TestTranscoderNoUsageWithoutMetadata(t *testing.T) {
	chunks := runTranscoder(t, "auto", 200000, `{"content":"hi"}`)
	for _, chunk := range chunks {
		_, hasUsage := chunk["usage"]
		assert.False(t, hasUsage)
	}
}

func TestTranscoderEmitStopsEarly(t *testing.T) {
	tr := newTranscoder("auto", 200000)
	count := 0
	err := tr.Run(strings.NewReader(`{"content":"a"}{"content":"b"}{"content":"c"}`),
		func(chunk map[string]interface{}) bool {
			count++
			return count < 2
		})
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
