package main

import (
	"bytes"
	"io"
	"strings"
)

// sseChunk is one server-sent-events record. Data holds the payload with
// multi-line data fields already joined by "\n".
type sseChunk struct {
	event string
	id    string
	retry string
	data  string
	// hasData distinguishes an empty data payload from no data field at all.
	hasData bool
}

// parseSSERecord parses one record (no trailing blank line).
func parseSSERecord(record string) sseChunk {
	var c sseChunk
	var dataLines []string
	for _, line := range strings.Split(record, "\n") {
		switch {
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case strings.HasPrefix(line, "event:"):
			c.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "id:"):
			c.id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "retry:"):
			c.retry = strings.TrimSpace(strings.TrimPrefix(line, "retry:"))
		}
	}
	if dataLines != nil {
		c.data = strings.Join(dataLines, "\n")
		c.hasData = true
	}
	return c
}

// encodeSSERecord re-encodes a chunk symmetrically with parseSSERecord,
// including the record terminator.
func encodeSSERecord(c sseChunk) string {
	var b strings.Builder
	if c.event != "" {
		b.WriteString("event: ")
		b.WriteString(c.event)
		b.WriteString("\n")
	}
	if c.id != "" {
		b.WriteString("id: ")
		b.WriteString(c.id)
		b.WriteString("\n")
	}
	if c.retry != "" {
		b.WriteString("retry: ")
		b.WriteString(c.retry)
		b.WriteString("\n")
	}
	if c.hasData {
		for _, line := range strings.Split(c.data, "\n") {
			b.WriteString("data: ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	return b.String()
}

// parseSSEStream splits a complete stream into records, for tests and for
// the final-tail parse.
func parseSSEStream(s string) []sseChunk {
	var out []sseChunk
	for _, record := range strings.Split(s, "\n\n") {
		if strings.TrimSpace(record) == "" {
			continue
		}
		out = append(out, parseSSERecord(record))
	}
	return out
}

// chunkTransform maps one inbound record to zero or more outbound records.
// Returning nil drops the record.
type chunkTransform func(sseChunk) []sseChunk

// sseRewriter is a streaming transform stage: it buffers writes until the
// last record separator, flushes complete records through the transform, and
// carries the remainder. Call flush once the upstream body ends so a trailing
// partial record and any transform trailer still make it out.
type sseRewriter struct {
	w         io.Writer
	carry     []byte
	transform chunkTransform
	// finish emits trailer records at end of stream (e.g. a closing [DONE]).
	finish func() []sseChunk
}

func newSSERewriter(w io.Writer, transform chunkTransform) *sseRewriter {
	return &sseRewriter{w: w, transform: transform}
}

func (sw *sseRewriter) Write(p []byte) (int, error) {
	sw.carry = append(sw.carry, p...)
	for {
		idx := bytes.Index(sw.carry, []byte("\n\n"))
		if idx < 0 {
			break
		}
		record := string(sw.carry[:idx])
		sw.carry = sw.carry[idx+2:]
		if err := sw.emit(record); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (sw *sseRewriter) emit(record string) error {
	if strings.TrimSpace(record) == "" {
		return nil
	}
	chunk := parseSSERecord(record)
	out := []sseChunk{chunk}
	if sw.transform != nil {
		out = sw.transform(chunk)
	}
	for _, c := range out {
		if _, err := io.WriteString(sw.w, encodeSSERecord(c)); err != nil {
			return err
		}
	}
	return nil
}

// flush drains the tail at end of input and appends the finish trailer.
func (sw *sseRewriter) flush() error {
	if len(sw.carry) > 0 {
		record := strings.TrimSuffix(string(sw.carry), "\n")
		sw.carry = nil
		if err := sw.emit(record); err != nil {
			return err
		}
	}
	if sw.finish != nil {
		for _, c := range sw.finish() {
			if _, err := io.WriteString(sw.w, encodeSSERecord(c)); err != nil {
				return err
			}
		}
	}
	return nil
}
