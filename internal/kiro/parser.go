package kiro

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// EventKind classifies parser events.
type EventKind int

const (
	EventContent EventKind = iota
	EventToolStart
	EventToolInput
	EventToolStop
	EventContextUsage
	EventUsage
	EventEnd
)

// Event is one decoded upstream signal. Which fields are meaningful
// depends on Kind: Text for content and tool input, ToolUseID/Name for
// tool events, Percent and Credits for the metadata variants.
type Event struct {
	Kind      EventKind
	Text      string
	ToolUseID string
	Name      string
	Percent   float64
	Credits   float64
}

// ParsedToolCall is a fully assembled tool invocation recovered from the
// stream, either from structured toolUseEvents or from bracket-style
// inline text.
type ParsedToolCall struct {
	ID        string
	Name      string
	Input     string
	Synthetic bool
}

type partialToolCall struct {
	id    string
	name  string
	input strings.Builder
}

// StreamParser recovers events from the Kiro response stream. The body is
// a binary event-stream framing whose payloads are JSON objects; rather
// than decode the frame headers, the parser slides over the bytes and
// extracts every brace-balanced JSON object it can classify. Partial
// objects stay buffered until the next read completes them.
//
// One parser serves exactly one response and is not safe for concurrent
// use.
type StreamParser struct {
	buf []byte

	// Adjacent-duplicate filter for content events. Any non-content
	// event resets it, so identical texts separated by other events
	// pass through.
	lastText string
	hasLast  bool

	// Structured tool calls, in arrival order.
	open  map[string]*partialToolCall
	order []string

	// Accumulated plain text kept for the post-hoc bracket scan.
	content strings.Builder

	contextPercent    float64
	hasContextPercent bool
	credits           float64
	hasCredits        bool

	finalContent string
	finished     bool
}

// NewStreamParser creates a parser for a single response.
func NewStreamParser() *StreamParser {
	return &StreamParser{open: make(map[string]*partialToolCall)}
}

// Feed appends a received chunk and returns every event that became
// complete. Incomplete trailing objects remain buffered.
func (p *StreamParser) Feed(chunk []byte) []Event {
	p.buf = append(p.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '{')
		if idx < 0 {
			p.buf = p.buf[:0]
			break
		}
		end := FindMatchingBrace(string(p.buf), idx)
		if end < 0 {
			if !canBeObjectPrefix(p.buf, idx) {
				// A stray brace from the binary framing; waiting for it to
				// close would hold every later payload hostage.
				p.buf = p.buf[idx+1:]
				continue
			}
			// Incomplete object; keep from the opening brace.
			p.buf = p.buf[idx:]
			break
		}
		candidate := p.buf[idx : end+1]
		if !json.Valid(candidate) {
			// A spurious brace inside the binary framing; skip just
			// that byte so a real object following it is still found.
			p.buf = p.buf[idx+1:]
			continue
		}
		p.buf = p.buf[end+1:]
		events = append(events, p.classify(candidate)...)
	}
	return events
}

// canBeObjectPrefix reports whether the region starting at the opening
// brace could still grow into a JSON object once more bytes arrive. After
// '{' valid JSON allows only whitespace, a member key or the closing
// brace; anything else marks a stray brace from the binary framing.
func canBeObjectPrefix(buf []byte, start int) bool {
	if start+1 >= len(buf) {
		return true
	}
	switch buf[start+1] {
	case '"', '}', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// drainBuffer recovers payloads still buffered when the stream ends.
// Unlike Feed there is no more input to wait for, so an incomplete region
// always skips its opening brace and rescans.
func (p *StreamParser) drainBuffer() []Event {
	var events []Event
	for {
		idx := bytes.IndexByte(p.buf, '{')
		if idx < 0 {
			p.buf = nil
			return events
		}
		end := FindMatchingBrace(string(p.buf), idx)
		if end < 0 {
			p.buf = p.buf[idx+1:]
			continue
		}
		candidate := p.buf[idx : end+1]
		if !json.Valid(candidate) {
			p.buf = p.buf[idx+1:]
			continue
		}
		p.buf = p.buf[end+1:]
		events = append(events, p.classify(candidate)...)
	}
}

// Finish drains payloads still stuck behind stray framing bytes, runs the
// post-hoc bracket-style tool call scan, and returns the recovered events
// followed by the synthesized tool events and the End event. Call exactly
// once, after the upstream body is exhausted.
func (p *StreamParser) Finish() []Event {
	if p.finished {
		return nil
	}
	p.finished = true

	events := p.drainBuffer()

	structured := p.structuredToolCalls()
	cleaned, bracketCalls := ExtractBracketToolCalls(p.content.String())
	p.finalContent = cleaned

	all := DeduplicateToolCalls(append(structured, bracketCalls...))

	for _, call := range all {
		if !call.Synthetic {
			continue
		}
		logrus.Debugf("synthesizing bracket-style tool call %s(%s)", call.Name, call.Input)
		events = append(events,
			Event{Kind: EventToolStart, ToolUseID: call.ID, Name: call.Name},
			Event{Kind: EventToolInput, ToolUseID: call.ID, Text: call.Input},
			Event{Kind: EventToolStop, ToolUseID: call.ID},
		)
	}
	return append(events, Event{Kind: EventEnd})
}

// FinalContent returns the accumulated text with recognized bracket-style
// call regions removed. Valid after Finish.
func (p *StreamParser) FinalContent() string {
	return p.finalContent
}

// ContextUsagePercent returns the last reported context usage, if any.
func (p *StreamParser) ContextUsagePercent() (float64, bool) {
	return p.contextPercent, p.hasContextPercent
}

// CreditsUsed returns the reported credit cost, if any.
func (p *StreamParser) CreditsUsed() (float64, bool) {
	return p.credits, p.hasCredits
}

func (p *StreamParser) classify(obj []byte) []Event {
	parsed := gjson.ParseBytes(obj)

	if tu := parsed.Get("toolUseId"); tu.Exists() && tu.String() != "" {
		return p.classifyToolUse(tu.String(), parsed)
	}

	if content := parsed.Get("content"); content.Exists() && content.Type == gjson.String {
		text := content.String()
		if p.hasLast && text == p.lastText {
			logrus.Debugf("dropping duplicated content event (%d chars)", len(text))
			return nil
		}
		p.lastText = text
		p.hasLast = true
		p.content.WriteString(text)
		return []Event{{Kind: EventContent, Text: text}}
	}

	var events []Event
	if pct := parsed.Get("contextUsagePercentage"); pct.Exists() {
		p.contextPercent = pct.Float()
		p.hasContextPercent = true
		p.resetDedup()
		events = append(events, Event{Kind: EventContextUsage, Percent: pct.Float()})
	}
	if credits := parsed.Get("creditsUsed"); credits.Exists() {
		p.credits = credits.Float()
		p.hasCredits = true
		p.resetDedup()
		events = append(events, Event{Kind: EventUsage, Credits: credits.Float()})
	}
	// Anything else (frame metadata, followup prompts, ...) is ignored.
	return events
}

func (p *StreamParser) classifyToolUse(id string, parsed gjson.Result) []Event {
	p.resetDedup()

	var events []Event
	call, ok := p.open[id]
	if !ok {
		call = &partialToolCall{id: id, name: parsed.Get("name").String()}
		p.open[id] = call
		p.order = append(p.order, id)
		events = append(events, Event{Kind: EventToolStart, ToolUseID: id, Name: call.name})
	} else if call.name == "" {
		call.name = parsed.Get("name").String()
	}

	if input := parsed.Get("input"); input.Exists() && input.String() != "" {
		fragment := input.String()
		call.input.WriteString(fragment)
		events = append(events, Event{Kind: EventToolInput, ToolUseID: id, Text: fragment})
	}
	if parsed.Get("stop").Bool() {
		events = append(events, Event{Kind: EventToolStop, ToolUseID: id})
	}
	return events
}

func (p *StreamParser) resetDedup() {
	p.hasLast = false
	p.lastText = ""
}

func (p *StreamParser) structuredToolCalls() []ParsedToolCall {
	calls := make([]ParsedToolCall, 0, len(p.order))
	for _, id := range p.order {
		call := p.open[id]
		calls = append(calls, ParsedToolCall{
			ID:    call.id,
			Name:  call.name,
			Input: call.input.String(),
		})
	}
	return calls
}

// FindMatchingBrace scans forward from an opening '{' at start and returns
// the index of its matching '}', honoring string literals and escape
// sequences within them. Returns -1 when the region is incomplete (the
// buffer ends before the brace closes) or start does not point at '{'.
func FindMatchingBrace(s string, start int) int {
	if start < 0 || start >= len(s) || s[start] != '{' {
		return -1
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// bracketCallPattern matches the textual prefix of an inline tool call,
// e.g. "[Called get_weather with args: " or "[Called get_weather: ". The
// JSON argument object that follows is brace-matched separately.
var bracketCallPattern = regexp.MustCompile(`\[Called ([A-Za-z0-9_.\-]+)(?: with args)?:\s*`)

// ExtractBracketToolCalls finds bracket-style inline tool calls in text,
// returning the text with the matched regions removed plus the synthesized
// calls in order of appearance. Regions whose JSON never closes are left
// in place.
func ExtractBracketToolCalls(text string) (string, []ParsedToolCall) {
	matches := bracketCallPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var calls []ParsedToolCall
	var out strings.Builder
	cursor := 0
	for _, m := range matches {
		start, prefixEnd := m[0], m[1]
		if start < cursor {
			continue
		}
		name := text[m[2]:m[3]]
		if prefixEnd >= len(text) || text[prefixEnd] != '{' {
			continue
		}
		braceEnd := FindMatchingBrace(text, prefixEnd)
		if braceEnd < 0 {
			continue
		}
		regionEnd := braceEnd + 1
		if regionEnd < len(text) && text[regionEnd] == ']' {
			regionEnd++
		}
		calls = append(calls, ParsedToolCall{
			ID:        ToolCallID(),
			Name:      name,
			Input:     text[prefixEnd : braceEnd+1],
			Synthetic: true,
		})
		out.WriteString(text[cursor:start])
		cursor = regionEnd
	}
	out.WriteString(text[cursor:])
	return out.String(), calls
}

// DeduplicateToolCalls removes calls whose (name, canonical input) pair
// was already seen, keeping the first occurrence. This collapses a
// bracket-style call that duplicates an earlier structured toolUseEvent.
func DeduplicateToolCalls(calls []ParsedToolCall) []ParsedToolCall {
	if len(calls) <= 1 {
		return calls
	}
	seen := make(map[string]bool, len(calls))
	result := make([]ParsedToolCall, 0, len(calls))
	for _, call := range calls {
		key := call.Name + "\x00" + canonicalJSON(call.Input)
		if seen[key] {
			logrus.Debugf("dropping duplicate tool call %s", call.Name)
			continue
		}
		seen[key] = true
		result = append(result, call)
	}
	return result
}

// canonicalJSON normalizes a JSON document for comparison (object keys
// sorted, whitespace removed). Invalid input compares by raw text.
func canonicalJSON(raw string) string {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return raw
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return raw
	}
	return string(out)
}
