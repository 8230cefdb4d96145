// Package model is the boundary to the text generation collaborator. A Generator turns
// a composed request into raw text, and ParseOutput turns that text into an
// OutputEnvelope.
package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dyluth/relay/internal/compose"
	"github.com/dyluth/relay/pkg/transmission"
)

// Generator produces one attempt's output for a request.
type Generator interface {
	Generate(ctx context.Context, req *compose.Request) (Output, error)
	Name() string
}

// Output is one generation attempt.
type Output struct {
	Raw      string
	Envelope *transmission.OutputEnvelope

	// Structured is true when Raw was a JSON object.
	Structured bool

	// SchemaErrors lists structural problems found while parsing.
	SchemaErrors []string
}

var envelopeKeys = map[string]bool{
	"text": true, "shape": true, "affect": true, "claims": true, "captureSuggestion": true,
}

// ParseOutput reads raw model text. A JSON object (optionally inside a ```json fence)
// is decoded as an envelope; unknown keys and a missing text field are reported as
// schema errors. Anything else becomes a plain-text envelope.
func ParseOutput(raw string) Output {
	out := Output{Raw: raw}
	body := stripFence(strings.TrimSpace(raw))

	if !strings.HasPrefix(body, "{") {
		out.Envelope = &transmission.OutputEnvelope{Text: strings.TrimSpace(raw)}
		return out
	}

	var keys map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &keys); err != nil {
		out.Envelope = &transmission.OutputEnvelope{Text: strings.TrimSpace(raw)}
		return out
	}
	out.Structured = true

	var unknown []string
	for k := range keys {
		if !envelopeKeys[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	for _, k := range unknown {
		out.SchemaErrors = append(out.SchemaErrors, fmt.Sprintf("unknown envelope field %q", k))
		delete(keys, k)
	}

	known, _ := json.Marshal(keys)
	var env transmission.OutputEnvelope
	dec := json.NewDecoder(bytes.NewReader(known))
	if err := dec.Decode(&env); err != nil {
		out.SchemaErrors = append(out.SchemaErrors, fmt.Sprintf("envelope has invalid field types: %v", err))
		env = transmission.OutputEnvelope{}
		if t, ok := keys["text"]; ok {
			_ = json.Unmarshal(t, &env.Text)
		}
	}
	if _, ok := keys["text"]; !ok {
		out.SchemaErrors = append(out.SchemaErrors, "envelope text is required")
	}
	out.Envelope = &env
	return out
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// EchoGenerator answers locally without a model. It is the default for development.
type EchoGenerator struct{}

func (EchoGenerator) Name() string { return "echo" }

func (EchoGenerator) Generate(_ context.Context, req *compose.Request) (Output, error) {
	env := transmission.OutputEnvelope{
		Text:  fmt.Sprintf("Received: %s", req.User),
		Shape: &transmission.Shape{Kind: "echo", Summary: fmt.Sprintf("attempt %d", req.Attempt)},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return Output{}, fmt.Errorf("failed to encode echo envelope: %w", err)
	}
	return ParseOutput(string(raw)), nil
}

// Sequence replays fixed raw responses in order, one per call. Calls past the end
// return an error.
type Sequence struct {
	mu        sync.Mutex
	responses []string
	calls     []*compose.Request
}

// NewSequence creates a Sequence generator.
func NewSequence(responses ...string) *Sequence {
	return &Sequence{responses: responses}
}

func (s *Sequence) Name() string { return "sequence" }

func (s *Sequence) Generate(_ context.Context, req *compose.Request) (Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.calls)
	s.calls = append(s.calls, req)
	if n >= len(s.responses) {
		return Output{}, fmt.Errorf("sequence exhausted after %d responses", len(s.responses))
	}
	return ParseOutput(s.responses[n]), nil
}

// Calls returns the requests seen so far.
func (s *Sequence) Calls() []*compose.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*compose.Request(nil), s.calls...)
}
