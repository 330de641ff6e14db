package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// The client speaks Chat Completions (messages[]) but the Codex backend only
// accepts the Responses API (input[] + instructions). The forward transcoder
// rebuilds the request; responsesToChat translates the stream back.

// orphanOutputLimit bounds the synthetic text built from a tool result whose
// matching function_call was truncated out of the conversation.
const orphanOutputLimit = 16000

// strippedChatFields are Chat Completions parameters with no Responses-API
// counterpart.
var strippedChatFields = map[string]bool{
	"max_tokens":            true,
	"max_completion_tokens": true,
	"frequency_penalty":     true,
	"logprobs":              true,
	"top_logprobs":          true,
	"n":                     true,
	"presence_penalty":      true,
	"seed":                  true,
	"stop":                  true,
	"logit_bias":            true,
	"response_format":       true,
}

// clampReasoningEffort applies the per-model effort ceilings the Codex
// backend enforces.
func clampReasoningEffort(model, effort string) string {
	switch {
	case model == "gpt-5.1-codex-mini":
		if effort == "high" || effort == "xhigh" {
			return "high"
		}
		return "medium"
	case model == "gpt-5.1":
		if effort == "xhigh" {
			return "high"
		}
	case strings.HasPrefix(model, "gpt-5.2") || strings.HasPrefix(model, "gpt-5.3"):
		if effort == "minimal" {
			return "low"
		}
	}
	return effort
}

func contentText(content gjson.Result) string {
	if content.IsArray() {
		var parts []string
		for _, p := range content.Array() {
			if t := p.Get("text"); t.Exists() {
				parts = append(parts, t.String())
			}
		}
		return strings.Join(parts, "\n")
	}
	return content.String()
}

func inputTextItem(role, text string) map[string]any {
	return map[string]any{
		"role":    role,
		"content": []any{map[string]any{"type": "input_text", "text": text}},
	}
}

func assistantTextItem(text string) map[string]any {
	return map[string]any{
		"type": "message",
		"role": "assistant",
		"content": []any{map[string]any{
			"type":        "output_text",
			"text":        text,
			"annotations": []any{},
		}},
		"status": "completed",
	}
}

// chatToResponses converts a Chat Completions body into a Responses-API body.
// Bodies that are already Responses-shaped (no messages field) pass through
// untouched and the second return is false.
func chatToResponses(body []byte, threadID string) ([]byte, bool) {
	root := gjson.ParseBytes(body)
	messages := root.Get("messages")
	if !messages.Exists() {
		return body, false
	}
	model := root.Get("model").String()

	out := map[string]any{}
	root.ForEach(func(k, v gjson.Result) bool {
		key := k.String()
		if key == "messages" || key == "tools" || key == "tool_choice" ||
			key == "reasoning_effort" || key == "stream" || strippedChatFields[key] {
			return true
		}
		out[key] = v.Value()
		return true
	})

	instructions := ""
	var input []any
	// call_id -> tool name, so tool results can find their call
	knownCalls := map[string]string{}

	for _, msg := range messages.Array() {
		switch msg.Get("role").String() {
		case "system", "developer":
			text := contentText(msg.Get("content"))
			if instructions == "" {
				instructions = text
			} else {
				input = append(input, inputTextItem("developer", text))
			}
		case "user":
			content := msg.Get("content")
			if !content.IsArray() {
				input = append(input, inputTextItem("user", content.String()))
				continue
			}
			var parts []any
			for _, p := range content.Array() {
				switch p.Get("type").String() {
				case "text":
					parts = append(parts, map[string]any{"type": "input_text", "text": p.Get("text").String()})
				case "image_url":
					detail := p.Get("image_url.detail").String()
					if detail == "" {
						detail = "auto"
					}
					parts = append(parts, map[string]any{
						"type":      "input_image",
						"image_url": p.Get("image_url.url").String(),
						"detail":    detail,
					})
				}
			}
			input = append(input, map[string]any{"role": "user", "content": parts})
		case "assistant":
			if text := msg.Get("content"); text.Type == gjson.String && text.Str != "" {
				input = append(input, assistantTextItem(text.Str))
			}
			for _, tc := range msg.Get("tool_calls").Array() {
				callID := tc.Get("id").String()
				name := tc.Get("function.name").String()
				knownCalls[callID] = name
				input = append(input, map[string]any{
					"type":      "function_call",
					"call_id":   callID,
					"name":      name,
					"arguments": tc.Get("function.arguments").String(),
				})
			}
		case "tool":
			callID := msg.Get("tool_call_id").String()
			output := contentText(msg.Get("content"))
			if _, ok := knownCalls[callID]; ok {
				input = append(input, map[string]any{
					"type":    "function_call_output",
					"call_id": callID,
					"output":  output,
				})
				continue
			}
			// The client truncated history and dropped the matching
			// function_call; the backend rejects orphan outputs, so fold the
			// result into a plain assistant message instead.
			toolName := msg.Get("name").String()
			if toolName == "" {
				toolName = "tool"
			}
			text := fmt.Sprintf("[Previous %s result; call_id=%s]: %s", toolName, callID, output)
			if len(text) > orphanOutputLimit {
				text = text[:orphanOutputLimit]
			}
			input = append(input, assistantTextItem(text))
		}
	}

	if instructions != "" {
		out["instructions"] = instructions
	}
	out["input"] = input
	out["store"] = false
	out["stream"] = true

	effort := "high"
	if v := root.Get("reasoning_effort"); v.Exists() {
		effort = v.String()
	} else if v := root.Get("reasoning.effort"); v.Exists() {
		effort = v.String()
	}
	out["reasoning"] = map[string]any{
		"effort":  clampReasoningEffort(model, effort),
		"summary": "auto",
	}
	out["text"] = map[string]any{"verbosity": "medium"}
	out["include"] = []any{"reasoning.encrypted_content"}
	if threadID != "" {
		out["prompt_cache_key"] = threadID
	}

	if tools := root.Get("tools"); tools.IsArray() {
		var flat []any
		for _, t := range tools.Array() {
			if t.Get("type").String() != "function" {
				continue
			}
			fn := t.Get("function")
			item := map[string]any{
				"type": "function",
				"name": fn.Get("name").String(),
			}
			if d := fn.Get("description"); d.Exists() {
				item["description"] = d.String()
			}
			if p := fn.Get("parameters"); p.Exists() {
				item["parameters"] = p.Value()
			}
			flat = append(flat, item)
		}
		if len(flat) > 0 {
			out["tools"] = flat
		}
	}
	if tc := root.Get("tool_choice"); tc.Exists() {
		if tc.IsObject() {
			name := tc.Get("function.name").String()
			if name == "" {
				name = tc.Get("name").String()
			}
			out["tool_choice"] = map[string]any{"type": "function", "name": name}
		} else {
			out["tool_choice"] = tc.Value()
		}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return body, false
	}
	return encoded, true
}

// responsesToChat back-translates a Responses-API event stream into Chat
// Completions chunks. It emits bare data records (no event names) and closes
// with a data: [DONE] trailer.
type responsesToChat struct {
	responseID string
	model      string
	created    int64
	toolIndex  map[string]int
	nextIndex  int
	sawTool    bool
}

func newResponsesToChat(clientModel string) *responsesToChat {
	return &responsesToChat{model: clientModel, toolIndex: map[string]int{}}
}

const chatChunkTemplate = `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"index":0,"delta":{},"finish_reason":null}]}`

func (t *responsesToChat) chunk(deltaRaw, finishReason string) sseChunk {
	out, _ := sjson.Set(chatChunkTemplate, "id", "chatcmpl-"+t.responseID)
	out, _ = sjson.Set(out, "created", t.created)
	out, _ = sjson.Set(out, "model", t.model)
	out, _ = sjson.SetRaw(out, "choices.0.delta", deltaRaw)
	if finishReason != "" {
		out, _ = sjson.Set(out, "choices.0.finish_reason", finishReason)
	}
	return sseChunk{data: out, hasData: true}
}

func (t *responsesToChat) transform(c sseChunk) []sseChunk {
	if !c.hasData || !gjson.Valid(c.data) {
		return nil
	}
	root := gjson.Parse(c.data)

	switch root.Get("type").String() {
	case "response.created":
		t.responseID = root.Get("response.id").String()
		t.created = root.Get("response.created_at").Int()
		if t.created == 0 {
			t.created = time.Now().Unix()
		}
		return nil

	case "response.output_item.added":
		item := root.Get("item")
		switch item.Get("type").String() {
		case "message":
			if item.Get("role").String() != "assistant" {
				return nil
			}
			return []sseChunk{t.chunk(`{"role":"assistant","content":""}`, "")}
		case "function_call":
			idx := t.nextIndex
			t.nextIndex++
			t.sawTool = true
			callID := item.Get("call_id").String()
			t.toolIndex[callID] = idx
			if itemID := item.Get("id").String(); itemID != "" {
				t.toolIndex[itemID] = idx
			}
			delta := `{"tool_calls":[{"index":0,"id":"","type":"function","function":{"name":"","arguments":""}}]}`
			delta, _ = sjson.Set(delta, "tool_calls.0.index", idx)
			delta, _ = sjson.Set(delta, "tool_calls.0.id", callID)
			delta, _ = sjson.Set(delta, "tool_calls.0.function.name", item.Get("name").String())
			return []sseChunk{t.chunk(delta, "")}
		}
		return nil

	case "response.output_text.delta", "response.reasoning_summary_text.delta":
		// The client surfaces thinking as ordinary content.
		delta, _ := sjson.Set(`{"content":""}`, "content", root.Get("delta").String())
		return []sseChunk{t.chunk(delta, "")}

	case "response.function_call_arguments.delta":
		idx, ok := t.lookupIndex(root)
		if !ok {
			return nil
		}
		delta := `{"tool_calls":[{"index":0,"function":{"arguments":""}}]}`
		delta, _ = sjson.Set(delta, "tool_calls.0.index", idx)
		delta, _ = sjson.Set(delta, "tool_calls.0.function.arguments", root.Get("delta").String())
		return []sseChunk{t.chunk(delta, "")}

	case "response.completed":
		finish := "stop"
		if t.sawTool {
			finish = "tool_calls"
		}
		out := t.chunk(`{}`, finish)
		if usage := root.Get("response.usage"); usage.Exists() {
			prompt := usage.Get("input_tokens").Int()
			completion := usage.Get("output_tokens").Int()
			data, _ := sjson.Set(out.data, "usage.prompt_tokens", prompt)
			data, _ = sjson.Set(data, "usage.completion_tokens", completion)
			data, _ = sjson.Set(data, "usage.total_tokens", prompt+completion)
			if cached := usage.Get("input_tokens_details.cached_tokens"); cached.Exists() {
				data, _ = sjson.Set(data, "usage.prompt_tokens_details.cached_tokens", cached.Int())
			}
			out.data = data
		}
		return []sseChunk{out}
	}

	// Every other response.* event is bookkeeping the client has no use for.
	return nil
}

func (t *responsesToChat) lookupIndex(root gjson.Result) (int, bool) {
	for _, key := range []string{"call_id", "item_id"} {
		if id := root.Get(key).String(); id != "" {
			if idx, ok := t.toolIndex[id]; ok {
				return idx, true
			}
		}
	}
	return 0, false
}

func (t *responsesToChat) finish() []sseChunk {
	return []sseChunk{{data: "[DONE]", hasData: true}}
}
