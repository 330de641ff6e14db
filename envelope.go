package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Cloud Code Assist wraps the provider-native body in an outer envelope
// carrying project and client identity. The inbound stream carries
// {response, traceId} records whose inner response is what the client SDK
// expects.

type ccaEnvelope struct {
	project     string
	model       string
	requestType string
	userAgent   string
	idPrefix    string
}

func ccaRequestID(prefix string) string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), hex.EncodeToString(b[:]))
}

// wrap envelopes the body unless it already carries a project field.
func (e ccaEnvelope) wrap(body []byte) []byte {
	if gjson.GetBytes(body, "project").Exists() {
		return body
	}
	out := []byte(`{}`)
	out, _ = sjson.SetBytes(out, "project", e.project)
	out, _ = sjson.SetBytes(out, "model", e.model)
	out, _ = sjson.SetRawBytes(out, "request", body)
	if e.requestType != "" {
		out, _ = sjson.SetBytes(out, "requestType", e.requestType)
	}
	out, _ = sjson.SetBytes(out, "userAgent", e.userAgent)
	out, _ = sjson.SetBytes(out, "requestId", ccaRequestID(e.idPrefix))
	return out
}

func ccaURL(endpoint, action string) string {
	return fmt.Sprintf("%s/v1internal:%s?alt=sse", endpoint, action)
}

// ccaUnwrap is the inbound SSE transform: emit the inner response object and
// suppress the [DONE] terminator the client SDK does not expect.
func ccaUnwrap(clientModel string) chunkTransform {
	return func(c sseChunk) []sseChunk {
		if !c.hasData {
			return []sseChunk{c}
		}
		if c.data == "[DONE]" {
			return nil
		}
		if inner := gjson.Get(c.data, "response"); inner.Exists() {
			c.data = inner.Raw
		}
		c.data = substituteModel(c.data, clientModel)
		return []sseChunk{c}
	}
}
