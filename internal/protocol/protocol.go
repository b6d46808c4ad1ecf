// Package protocol implements the line-delimited JSON wire format spoken
// between the bridge and its inference worker over stdin/stdout.
//
// Every request is one JSON object terminated by a single newline. The worker
// answers with one JSON object per line echoing the request_id. Anything else
// the worker prints on the same stream (startup banners, warnings, progress
// output) is skipped by the decoder.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ShutdownID is the request_id carried by the shutdown command.
const ShutdownID = "shutdown"

// PrewarmID is the request_id reserved for the throwaway warm-up request.
const PrewarmID = "prewarm"

// ErrEmptyID is returned by Encode for a request without an id.
var ErrEmptyID = errors.New("protocol: request id is empty")

// Subject identifies the agent a request was made for. The bridge never
// interprets it; it travels with the request and comes back on the response.
type Subject struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Sampling carries optional generation parameters. Nil fields are omitted
// from the wire so the worker keeps its own defaults.
type Sampling struct {
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty" toml:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty" toml:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty" toml:"repetition_penalty,omitempty"`
}

// Request is one unit of work for the worker. It is built once at enqueue
// time and never mutated afterwards.
type Request struct {
	ID        string
	Subject   Subject
	Prompt    string
	Snapshot  string
	MaxTokens int
	Sampling  Sampling
	Enqueued  time.Time
}

// Response is the outcome of exactly one dispatched Request.
type Response struct {
	ID       string
	Subject  Subject
	OK       bool
	Text     string
	Error    string
	Raw      string
	Metrics  map[string]any
	Duration time.Duration
}

// Failed builds a failed Response for req carrying err as its message.
func Failed(req Request, err error) Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Response{
		ID:      req.ID,
		Subject: req.Subject,
		OK:      false,
		Error:   msg,
	}
}

// wireRequest is the JSON shape written to the worker.
type wireRequest struct {
	RequestID         string   `json:"request_id"`
	Prompt            string   `json:"prompt"`
	Snapshot          string   `json:"snapshot"`
	MaxTokens         int      `json:"max_tokens"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
}

// wireResponse is the JSON shape read back from the worker.
type wireResponse struct {
	RequestID string         `json:"request_id"`
	OK        bool           `json:"ok"`
	Text      string         `json:"text"`
	Error     string         `json:"error,omitempty"`
	Metrics   map[string]any `json:"metrics,omitempty"`
}

type wireCommand struct {
	Command   string `json:"command"`
	RequestID string `json:"request_id"`
}

// Encode serializes req into a single newline-terminated line. JSON string
// escaping turns any newline inside the prompt or snapshot into a \n escape,
// so the only raw newline in the result is the terminator.
func Encode(req Request) (string, error) {
	if req.ID == "" {
		return "", ErrEmptyID
	}
	wire := wireRequest{
		RequestID:         req.ID,
		Prompt:            req.Prompt,
		Snapshot:          req.Snapshot,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Sampling.Temperature,
		TopP:              req.Sampling.TopP,
		RepetitionPenalty: req.Sampling.RepetitionPenalty,
	}
	return marshalLine(wire)
}

// EncodeShutdown returns the shutdown command line.
func EncodeShutdown() string {
	line, err := marshalLine(wireCommand{Command: "shutdown", RequestID: ShutdownID})
	if err != nil {
		// wireCommand only holds strings
		panic(err)
	}
	return line
}

func marshalLine(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("protocol: encode: %w", err)
	}
	// json.Encoder terminates with exactly one '\n'.
	return buf.String(), nil
}

// ShouldAttemptDecode reports whether line looks like a JSON object. It is a
// cheap guard that keeps log chatter away from the JSON decoder.
func ShouldAttemptDecode(line string) bool {
	trimmed := strings.TrimLeft(line, " \t\r\n\f\v")
	return strings.HasPrefix(trimmed, "{")
}

// Decode parses line as a response to expectedID. The boolean is false when
// the line is not the answer: it fails the pre-filter, is not valid JSON, or
// echoes a different request_id.
func Decode(line, expectedID string) (Response, bool) {
	if expectedID == "" || !ShouldAttemptDecode(line) {
		return Response{}, false
	}
	line = strings.TrimRight(line, "\r\n")

	var wire wireResponse
	if err := json.Unmarshal([]byte(line), &wire); err != nil {
		return Response{}, false
	}
	if wire.RequestID == "" || wire.RequestID != expectedID {
		return Response{}, false
	}

	return Response{
		ID:      wire.RequestID,
		OK:      wire.OK,
		Text:    wire.Text,
		Error:   wire.Error,
		Raw:     line,
		Metrics: wire.Metrics,
	}, true
}

// PeekID extracts the request_id of a line without validating the rest of
// the envelope. Used for diagnostics when a line is skipped.
func PeekID(line string) (string, error) {
	if !ShouldAttemptDecode(line) {
		return "", fmt.Errorf("protocol: not a JSON object")
	}
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &probe); err != nil {
		return "", fmt.Errorf("protocol: malformed line: %w", err)
	}
	return probe.RequestID, nil
}
