package main

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestSSERoundTrip(t *testing.T) {
	in := "event: message_start\ndata: {\"a\":1}\n\n"
	chunks := parseSSEStream(in)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if chunks[0].event != "message_start" || chunks[0].data != `{"a":1}` {
		t.Fatalf("parse = %+v", chunks[0])
	}
	if out := encodeSSERecord(chunks[0]); out != in {
		t.Fatalf("round trip mismatch:\n%q\n%q", in, out)
	}
}

func TestSSEMultiLineData(t *testing.T) {
	in := "data: line1\ndata: line2\n\n"
	c := parseSSERecord(strings.TrimSuffix(in, "\n\n"))
	if c.data != "line1\nline2" {
		t.Fatalf("data = %q", c.data)
	}
	if out := encodeSSERecord(c); out != in {
		t.Fatalf("encode = %q", out)
	}
}

func TestSSEIDAndRetry(t *testing.T) {
	c := parseSSERecord("id: 7\nretry: 1000\ndata: x")
	if c.id != "7" || c.retry != "1000" || c.data != "x" {
		t.Fatalf("parse = %+v", c)
	}
	want := "id: 7\nretry: 1000\ndata: x\n\n"
	if out := encodeSSERecord(c); out != want {
		t.Fatalf("encode = %q", out)
	}
}

func TestSSERewriterSplitsAcrossWrites(t *testing.T) {
	var out strings.Builder
	sw := newSSERewriter(&out, nil)

	// One record drip-fed byte ranges, one arriving after end of input.
	input := "data: {\"n\":1}\n\ndata: tail"
	for i := 0; i < len(input); i += 3 {
		end := i + 3
		if end > len(input) {
			end = len(input)
		}
		if _, err := sw.Write([]byte(input[i:end])); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := sw.flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	want := "data: {\"n\":1}\n\ndata: tail\n\n"
	if out.String() != want {
		t.Fatalf("stream = %q, want %q", out.String(), want)
	}
}

func TestSSERewriterDropsRecords(t *testing.T) {
	var out strings.Builder
	sw := newSSERewriter(&out, func(c sseChunk) []sseChunk {
		if c.data == "drop" {
			return nil
		}
		return []sseChunk{c}
	})
	_, _ = sw.Write([]byte("data: drop\n\ndata: keep\n\n"))
	if out.String() != "data: keep\n\n" {
		t.Fatalf("stream = %q", out.String())
	}
}

func TestModelSubstitutionInSSE(t *testing.T) {
	var out strings.Builder
	sw := newSSERewriter(&out, anthropicRewrite("claude-opus-4-6"))
	_, _ = sw.Write([]byte("data: {\"message\":{\"model\":\"claude-sonnet-4-20250514\"}}\n\n"))

	got := parseSSEStream(out.String())
	if len(got) != 1 {
		t.Fatalf("got %d records", len(got))
	}
	if model := gjson.Get(got[0].data, "message.model").String(); model != "claude-opus-4-6" {
		t.Fatalf("model = %q", model)
	}
}

func TestModelSubstitutionPassesDoneThrough(t *testing.T) {
	var out strings.Builder
	sw := newSSERewriter(&out, anthropicRewrite("claude-opus-4-6"))
	_, _ = sw.Write([]byte("data: [DONE]\n\n"))
	if out.String() != "data: [DONE]\n\n" {
		t.Fatalf("stream = %q", out.String())
	}
}

func TestModelSubstitutionLeavesMalformedJSON(t *testing.T) {
	in := `{"message":{"model":`
	if got := substituteModel(in, "m"); got != in {
		t.Fatalf("malformed JSON must pass through, got %q", got)
	}
}

func TestModelSubstitutionAllPaths(t *testing.T) {
	in := `{"model":"a","message":{"model":"b"},"modelVersion":"c","response":{"model":"d","modelVersion":"e"}}`
	got := substituteModel(in, "client")
	for _, path := range modelPaths {
		if v := gjson.Get(got, path).String(); v != "client" {
			t.Fatalf("%s = %q", path, v)
		}
	}
}

func TestThinkingSuppressedAlongsideToolUse(t *testing.T) {
	in := `{"content":[{"type":"thinking"},{"type":"tool_use"},{"type":"text"}]}`
	got := suppressThinking(in)
	content := gjson.Get(got, "content").Array()
	if len(content) != 2 {
		t.Fatalf("content has %d items: %s", len(content), got)
	}
	if content[0].Get("type").String() != "tool_use" || content[1].Get("type").String() != "text" {
		t.Fatalf("unexpected order: %s", got)
	}
}

func TestThinkingKeptWithoutToolUse(t *testing.T) {
	in := `{"content":[{"type":"thinking"},{"type":"text"}]}`
	if got := suppressThinking(in); got != in {
		t.Fatalf("thinking should survive without tool_use: %s", got)
	}
}
