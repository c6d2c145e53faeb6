// Package protocol decodes the JSON responses produced by the in-sandbox
// browser scripts and the persistent command server.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoResponse means the output held no decodable JSON object or array
var ErrNoResponse = errors.New("no JSON response in output")

// Envelope is the part of every response shared by all actions
type Envelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Response is a parsed script response. Raw keeps the full object so callers
// can decode action specific fields.
type Response struct {
	Envelope
	Raw json.RawMessage
}

// Decode unmarshals the raw response into v
func (r Response) Decode(v any) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("failed to decode response fields: %w", err)
	}
	return nil
}

// ExtractJSON finds the response in command output. The whole output is tried
// first; when logging is interleaved with the response, lines are scanned
// from the end and the last one that parses as an object or array wins.
func ExtractJSON(output string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil, ErrNoResponse
	}
	if looksLikeJSON(trimmed) && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed), nil
	}

	lines := strings.Split(trimmed, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !looksLikeJSON(line) {
			continue
		}
		if json.Valid([]byte(line)) {
			return json.RawMessage(line), nil
		}
	}
	return nil, fmt.Errorf("%w (%d bytes, tail %q)", ErrNoResponse, len(output), tail(trimmed, 200))
}

// Parse extracts the response from output and decodes its envelope. Arrays
// are accepted by ExtractJSON but have no envelope, so Parse requires an
// object.
func Parse(output string) (Response, error) {
	raw, err := ExtractJSON(output)
	if err != nil {
		return Response{}, err
	}
	if !bytes.HasPrefix(raw, []byte("{")) {
		return Response{}, fmt.Errorf("%w: expected an object, got %q", ErrNoResponse, tail(string(raw), 80))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Response{}, fmt.Errorf("invalid response envelope: %w", err)
	}
	return Response{Envelope: env, Raw: raw}, nil
}

func looksLikeJSON(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '{' && last == '}') || (first == '[' && last == ']')
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
