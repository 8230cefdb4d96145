// Package intake turns raw client packets into Transmissions and assembles the response
// a caller sees once processing has finished.
package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dyluth/relay/pkg/fault"
	"github.com/dyluth/relay/pkg/trace"
	"github.com/dyluth/relay/pkg/transmission"
)

// schema lists the accepted keys at every object path in a packet. Paths use "[]" for
// array elements so one entry covers every index.
var schema = map[string][]string{
	"": {
		"threadId", "message", "kind", "clientRequestId", "evidence", "driverBlockRefs",
		"driverBlockInline", "driverBlockMode", "traceConfig", "forceEvidence", "modeDecision",
	},
	"evidence":            {"captures", "supports", "claims"},
	"evidence.captures[]": {"id", "url", "snippet", "source"},
	"evidence.supports[]": {"id", "captureId", "snippet"},
	"evidence.claims[]":   {"id", "text", "supportIds"},
	"driverBlockRefs[]":   {"id", "version"},
	"driverBlockInline[]": {"id", "title", "scope", "definition"},
	"traceConfig":         {"level"},
	"modeDecision":        {"mode", "confidence", "rationale"},
}

// Decode parses a packet strictly. Unknown keys anywhere in the document are rejected
// with a single unknown_fields fault listing every offending key path.
func Decode(raw []byte) (*transmission.Packet, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fault.New(fault.CodeMalformedPacket, fmt.Sprintf("packet is not valid JSON: %v", err), nil)
	}
	top, ok := doc.(map[string]any)
	if !ok {
		return nil, fault.New(fault.CodeMalformedPacket, "packet must be a JSON object", nil)
	}

	var unknown []string
	collectUnknown("", "", top, &unknown)
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fault.New(fault.CodeUnknownFields,
			fmt.Sprintf("packet contains unknown fields: %s", strings.Join(unknown, ", ")),
			map[string]any{"keys": unknown})
	}

	for _, key := range []string{"threadId", "message"} {
		if _, ok := top[key]; !ok {
			return nil, fault.New(fault.CodeMissingField, fmt.Sprintf("missing required field %q", key),
				map[string]any{"field": key})
		}
	}

	var pkt transmission.Packet
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pkt); err != nil {
		return nil, fault.New(fault.CodeMalformedPacket, fmt.Sprintf("packet has invalid field types: %v", err), nil)
	}

	if err := validate(&pkt); err != nil {
		return nil, err
	}
	return &pkt, nil
}

// collectUnknown walks v, where path is the display path and shape the schema key.
func collectUnknown(path, shape string, v any, out *[]string) {
	switch node := v.(type) {
	case map[string]any:
		allowed, known := schema[shape]
		if !known {
			return
		}
		set := make(map[string]bool, len(allowed))
		for _, k := range allowed {
			set[k] = true
		}
		for k, child := range node {
			childPath := joinPath(path, k)
			if !set[k] {
				*out = append(*out, childPath)
				continue
			}
			collectUnknown(childPath, joinPath(shape, k), child, out)
		}
	case []any:
		for i, child := range node {
			collectUnknown(fmt.Sprintf("%s[%d]", path, i), shape+"[]", child, out)
		}
	}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func validate(pkt *transmission.Packet) error {
	if strings.TrimSpace(pkt.ThreadID) == "" {
		return invalidField("threadId", "must be a non-empty string")
	}
	if pkt.Kind != "" {
		if err := pkt.Kind.Validate(); err != nil {
			return invalidField("kind", err.Error())
		}
	}
	if err := pkt.DriverBlockMode.Validate(); err != nil {
		return invalidField("driverBlockMode", err.Error())
	}
	if pkt.TraceConfig != nil {
		if err := pkt.TraceConfig.Level.Validate(); err != nil {
			return invalidField("traceConfig.level", err.Error())
		}
	}
	for i, ref := range pkt.DriverBlockRefs {
		if ref.ID == "" || ref.Version == "" {
			return fault.New(fault.CodeDriverBlockRefsInvalid,
				"driver block refs require id and version",
				map[string]any{"index": i})
		}
	}
	for i, blk := range pkt.DriverBlockInline {
		if blk.ID == "" {
			return invalidField(fmt.Sprintf("driverBlockInline[%d].id", i), "must be a non-empty string")
		}
	}
	if pkt.Evidence != nil {
		for i, c := range pkt.Evidence.Captures {
			if c.Source != "" && c.Source != "client" {
				return invalidField(fmt.Sprintf("evidence.captures[%d].source", i), "only client captures may be submitted")
			}
		}
	}
	return nil
}

func invalidField(field, reason string) *fault.Fault {
	return fault.New(fault.CodeInvalidField, fmt.Sprintf("invalid field %q: %s", field, reason),
		map[string]any{"field": field})
}

// TraceLevelOf returns the trace level requested by the packet stored in t.
func TraceLevelOf(t *transmission.Transmission) trace.Level {
	pkt, err := t.DecodePacket()
	if err != nil {
		return trace.LevelInfo
	}
	return pkt.TraceLevel()
}
