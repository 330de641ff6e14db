package main

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// modelPaths are the dot-paths where upstream payloads carry a model name.
// Provider payloads evolve independently of this proxy, so we walk fixed
// paths over the dynamic tree instead of modeling the whole payload.
var modelPaths = []string{
	"model",
	"message.model",
	"modelVersion",
	"response.model",
	"response.modelVersion",
}

// substituteModel replaces upstream model names in a JSON payload with the
// model the client asked for. Non-JSON payloads (including the literal
// [DONE]) pass through unchanged.
func substituteModel(data, clientModel string) string {
	if clientModel == "" || data == "[DONE]" || !gjson.Valid(data) {
		return data
	}
	out := data
	for _, path := range modelPaths {
		r := gjson.Get(out, path)
		if r.Exists() && r.Type == gjson.String && r.Str != clientModel {
			out, _ = sjson.Set(out, path, clientModel)
		}
	}
	return out
}

// suppressThinking drops thinking blocks from a top-level content array when
// a tool_use block is also present. The client cannot render concurrent
// thinking and tool-use in one message.
func suppressThinking(data string) string {
	if data == "[DONE]" || !gjson.Valid(data) {
		return data
	}
	content := gjson.Get(data, "content")
	if !content.IsArray() {
		return data
	}
	hasToolUse := false
	hasThinking := false
	for _, item := range content.Array() {
		switch item.Get("type").Str {
		case "tool_use":
			hasToolUse = true
		case "thinking":
			hasThinking = true
		}
	}
	if !hasToolUse || !hasThinking {
		return data
	}
	var kept []string
	for _, item := range content.Array() {
		if item.Get("type").Str == "thinking" {
			continue
		}
		kept = append(kept, item.Raw)
	}
	out, _ := sjson.SetRaw(data, "content", "["+strings.Join(kept, ",")+"]")
	return out
}

// anthropicRewrite is the per-record SSE rewrite for the Anthropic path:
// model substitution plus thinking suppression.
func anthropicRewrite(clientModel string) chunkTransform {
	return func(c sseChunk) []sseChunk {
		if !c.hasData {
			return []sseChunk{c}
		}
		c.data = suppressThinking(substituteModel(c.data, clientModel))
		return []sseChunk{c}
	}
}
