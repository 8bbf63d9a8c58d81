// Package extract recovers a JSON object embedded in free-form generator output.
//
// Generators are asked for bare JSON but routinely wrap it in markdown fences or
// surround it with narration. Extract strips one fenced block if present, then
// takes the text between the first '{' and the last '}' and parses it. It performs
// no schema checks; see package schema for that.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoObjectFound is returned when the text contains no brace-delimited candidate.
	ErrNoObjectFound = errors.New("no JSON object found in generator output")
	// ErrMalformedSyntax is returned when the candidate object fails to parse.
	ErrMalformedSyntax = errors.New("malformed JSON object in generator output")
)

const fence = "```"

// MalformedError carries the parser diagnostic and the raw text that failed to parse.
type MalformedError struct {
	Raw       string
	Candidate string
	Err       error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%v: %v", ErrMalformedSyntax, e.Err)
}

func (e *MalformedError) Unwrap() []error {
	return []error{ErrMalformedSyntax, e.Err}
}

// Object is a syntactically valid JSON object recovered from generator output.
type Object struct {
	// Raw is the exact candidate text that parsed.
	Raw json.RawMessage
	// Fields holds the top-level members, still undecoded.
	Fields map[string]json.RawMessage
}

// Has reports whether the object has a non-null member named key.
func (o *Object) Has(key string) bool {
	v, ok := o.Fields[key]
	return ok && !IsNull(v)
}

// IsNull reports whether a raw JSON value is the literal null.
func IsNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

// Extract isolates and parses the JSON object embedded in raw.
func Extract(raw string) (*Object, error) {
	text := stripFence(strings.TrimSpace(raw))

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end <= start {
		return nil, ErrNoObjectFound
	}
	candidate := text[start : end+1]

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
		return nil, &MalformedError{Raw: raw, Candidate: candidate, Err: err}
	}
	return &Object{Raw: json.RawMessage(candidate), Fields: fields}, nil
}

// stripFence returns the body of the first fenced code block, or text unchanged
// when there is no complete fence pair. The opening fence may carry a language label.
func stripFence(text string) string {
	open := strings.Index(text, fence)
	if open < 0 {
		return text
	}
	body := text[open+len(fence):]
	// Drop the language label, if any, up to the end of the fence line.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && isLabel(body[:nl]) {
		body = body[nl+1:]
	}
	closing := strings.Index(body, fence)
	if closing < 0 {
		return text
	}
	return body[:closing]
}

func isLabel(s string) bool {
	s = strings.TrimSpace(s)
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_', r == '+', r == '-':
		default:
			return false
		}
	}
	return true
}
