package main

import (
	"regexp"
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestCCAWrap(t *testing.T) {
	env := ccaEnvelope{
		project:     "proj-1",
		model:       "gemini-3-pro",
		requestType: "agent",
		userAgent:   "antigravity",
		idPrefix:    "agent",
	}
	body := []byte(`{"contents":[{"parts":[{"text":"hi"}]}]}`)
	out := env.wrap(body)
	r := gjson.ParseBytes(out)
	if r.Get("project").String() != "proj-1" || r.Get("model").String() != "gemini-3-pro" {
		t.Fatalf("envelope = %s", out)
	}
	if r.Get("request.contents.0.parts.0.text").String() != "hi" {
		t.Fatalf("inner request lost: %s", out)
	}
	if r.Get("requestType").String() != "agent" || r.Get("userAgent").String() != "antigravity" {
		t.Fatalf("identity fields = %s", out)
	}
	if !regexp.MustCompile(`^agent-\d+-[0-9a-f]{8}$`).MatchString(r.Get("requestId").String()) {
		t.Fatalf("requestId = %q", r.Get("requestId").String())
	}
}

func TestCCAWrapOmitsEmptyRequestType(t *testing.T) {
	env := ccaEnvelope{project: "p", model: "m", userAgent: "pi-coding-agent", idPrefix: "pi"}
	out := env.wrap([]byte(`{}`))
	if gjson.GetBytes(out, "requestType").Exists() {
		t.Fatalf("requestType should be omitted: %s", out)
	}
}

func TestCCAWrapSkipsAlreadyWrapped(t *testing.T) {
	env := ccaEnvelope{project: "p", model: "m", userAgent: "ua", idPrefix: "pi"}
	body := []byte(`{"project":"existing","request":{}}`)
	if out := env.wrap(body); string(out) != string(body) {
		t.Fatalf("pre-wrapped body must pass through: %s", out)
	}
}

func TestCCAURL(t *testing.T) {
	got := ccaURL(ccaEndpointProd, "streamGenerateContent")
	want := "https://cloudcode-pa.googleapis.com/v1internal:streamGenerateContent?alt=sse"
	if got != want {
		t.Fatalf("url = %q", got)
	}
}

func TestCCAUnwrap(t *testing.T) {
	var out strings.Builder
	sw := newSSERewriter(&out, ccaUnwrap("gemini-3-flash-preview"))
	_, _ = sw.Write([]byte(`data: {"response":{"candidates":[],"modelVersion":"gemini-3-flash-001"},"traceId":"t1"}` + "\n\n"))

	records := parseSSEStream(out.String())
	if len(records) != 1 {
		t.Fatalf("got %d records", len(records))
	}
	r := gjson.Parse(records[0].data)
	if r.Get("traceId").Exists() || r.Get("response").Exists() {
		t.Fatalf("envelope not unwrapped: %s", records[0].data)
	}
	if r.Get("modelVersion").String() != "gemini-3-flash-preview" {
		t.Fatalf("model not substituted: %s", records[0].data)
	}
}

func TestCCAUnwrapSuppressesDone(t *testing.T) {
	var out strings.Builder
	sw := newSSERewriter(&out, ccaUnwrap("m"))
	_, _ = sw.Write([]byte("data: [DONE]\n\n"))
	if out.String() != "" {
		t.Fatalf("[DONE] must be suppressed, got %q", out.String())
	}
}

func TestAntigravityEndpointOrder(t *testing.T) {
	want := []string{ccaEndpointDaily, ccaEndpointAutopush, ccaEndpointProd}
	for i, e := range antigravityEndpoints {
		if e != want[i] {
			t.Fatalf("cascade order = %v", antigravityEndpoints)
		}
	}
	if projectDiscoveryEndpoints[0] != ccaEndpointProd {
		t.Fatalf("discovery should prefer prod")
	}
}
