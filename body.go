package main

import (
	"regexp"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var urlModelRe = regexp.MustCompile(`models/([^/:]+)`)

// parsedBody keeps the distinction between the raw client bytes, the lazily
// inspected fields, and the bytes actually forwarded upstream. forwardBody
// aliases raw until a rewrite forces a re-serialization.
type parsedBody struct {
	raw         []byte
	ampModel    string
	stream      bool
	forwardBody []byte
}

// parseBody extracts the client-requested model and the stream flag without a
// full materialization: gjson path reads over the raw bytes, with a URL
// fallback for Gemini-style model-in-path requests.
func parseBody(raw []byte, subpath string) *parsedBody {
	pb := &parsedBody{raw: raw, forwardBody: raw}
	if m := gjson.GetBytes(raw, "model"); m.Type == gjson.String {
		pb.ampModel = m.Str
	}
	if pb.ampModel == "" {
		if match := urlModelRe.FindStringSubmatch(subpath); match != nil {
			pb.ampModel = match[1]
		}
	}
	pb.stream = gjson.GetBytes(raw, "stream").Bool()
	return pb
}

// modelFromURL pulls a model name out of a request path.
func modelFromURL(path string) string {
	if match := urlModelRe.FindStringSubmatch(path); match != nil {
		return match[1]
	}
	return ""
}

// rewriteBodyModel returns forward bytes with the model field remapped. The
// parsed body itself is never mutated; calling with the model already in
// place hands back the original bytes.
func rewriteBodyModel(pb *parsedBody, model string) []byte {
	if model == "" || !gjson.GetBytes(pb.raw, "model").Exists() {
		return pb.raw
	}
	if gjson.GetBytes(pb.raw, "model").Str == model {
		return pb.raw
	}
	out, err := sjson.SetBytes(append([]byte(nil), pb.raw...), "model", model)
	if err != nil {
		return pb.raw
	}
	return out
}
