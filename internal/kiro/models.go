package kiro

// modelIDMap translates external (OpenAI-visible) model names to the IDs
// the Kiro API expects. Names already in internal form, and names we have
// never heard of, pass through unchanged; the upstream rejects truly
// invalid IDs on its own.
var modelIDMap = map[string]string{
	"claude-opus-4-5":            "claude-opus-4.5",
	"claude-opus-4-5-20251101":   "claude-opus-4.5",
	"claude-haiku-4-5":           "claude-haiku-4.5",
	"claude-haiku-4.5":           "claude-haiku-4.5",
	"claude-sonnet-4-5":          "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4":            "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",

	// "auto" picks the enhanced sonnet on the Kiro side.
	"auto": "claude-sonnet-4.5",
}

// InternalModelID maps an external model name to the Kiro-internal model
// ID. It never fails.
func InternalModelID(external string) string {
	if internal, ok := modelIDMap[external]; ok {
		return internal
	}
	return external
}

// ExternalModelIDs returns the external names the gateway advertises when
// the live model listing is unavailable.
func ExternalModelIDs() []string {
	return []string{
		"claude-opus-4-5",
		"claude-haiku-4-5",
		"claude-sonnet-4-5",
		"claude-sonnet-4",
		"claude-3-7-sonnet-20250219",
		"auto",
	}
}
