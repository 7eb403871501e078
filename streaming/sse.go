// Package streaming implements C3-C8 of the engine: the SSE codec, the
// lookahead forwarder, the phase state machine, the retry controller, the
// response finaliser, and the non-streaming adapter.
package streaming

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gemini-sentinel-proxy/logger"
	"gemini-sentinel-proxy/utils"
)

// maxEventPayloadBytes rejects any single event JSON payload larger than
// this, guarding against a pathological upstream chunk (§4.3).
const maxEventPayloadBytes = 100 * 1024

// maxResponseTextBytes truncates the concatenated response text extracted
// from a single event at this length (§4.3).
const maxResponseTextBytes = 50 * 1024

// RawEvent is one SSE event as delimited by a blank line: zero or more
// "data:" lines (joined into DataPayload) plus any other lines (comments,
// "event:"/"id:"/"retry:" framing) forwarded verbatim.
type RawEvent struct {
	DataPayload      string
	PassthroughLines []string
	HasData          bool
}

// Decoder turns a byte stream into RawEvents, splitting on blank lines and
// tolerating a lone "\n" or "\r\n" terminator (§4.3).
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r with a line scanner sized generously enough for large
// single-line JSON events; Gemini's SSE stream never wraps a JSON object
// across multiple "data:" lines in practice, but the decoder still supports
// it per the SSE line-folding rule. initialBufSize seeds the scanner's
// starting buffer (config JSON_BUFFER_SIZE, §3.2); the scanner still grows
// up to 4 MiB for an oversized single line rather than
// failing on the first under-sized event.
func NewDecoder(r io.Reader, initialBufSize int) *Decoder {
	if initialBufSize <= 0 {
		initialBufSize = 64 * 1024
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufSize), 4*1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next event, or io.EOF once the stream is exhausted.
func (d *Decoder) Next() (*RawEvent, error) {
	var dataLines []string
	var passthrough []string
	sawAny := false

	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" {
			if sawAny {
				return buildEvent(dataLines, passthrough), nil
			}
			continue
		}
		sawAny = true
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimPrefix(line, "data:")
			payload = strings.TrimPrefix(payload, " ")
			dataLines = append(dataLines, payload)
		} else {
			passthrough = append(passthrough, line)
		}
	}

	if err := d.scanner.Err(); err != nil {
		return nil, err
	}
	if sawAny {
		return buildEvent(dataLines, passthrough), nil
	}
	return nil, io.EOF
}

func buildEvent(dataLines, passthrough []string) *RawEvent {
	return &RawEvent{
		DataPayload:      strings.Join(dataLines, "\n"),
		PassthroughLines: passthrough,
		HasData:          len(dataLines) > 0,
	}
}

// PartsSummary is the result of parseParts (§4.3): the separated thought
// and formal text of an event, plus any function call.
type PartsSummary struct {
	ThoughtText     string
	ResponseText    string
	FunctionCall    map[string]interface{}
	HasThought      bool
	HasResponseText bool
	HasFunctionCall bool
}

// ParseParts iterates an event's content.parts and buckets each part into
// thought text, formal response text, or a function call (§4.3).
func ParseParts(parts []interface{}) PartsSummary {
	var summary PartsSummary
	var thoughtBuilder strings.Builder
	var textBuilder strings.Builder

	for _, raw := range parts {
		part, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if fc, ok := part["functionCall"]; ok {
			if fcMap, ok := fc.(map[string]interface{}); ok {
				summary.FunctionCall = fcMap
				summary.HasFunctionCall = true
			}
			continue
		}
		text, hasText := part["text"].(string)
		if !hasText {
			continue
		}
		thought, _ := part["thought"].(bool)
		if thought {
			if text != "" {
				thoughtBuilder.WriteString(text)
				summary.HasThought = true
			}
		} else {
			textBuilder.WriteString(text)
		}
	}

	summary.ThoughtText = thoughtBuilder.String()
	responseText := textBuilder.String()
	if len(responseText) > maxResponseTextBytes {
		logger.LogWarn(fmt.Sprintf("Truncating event response text at %d bytes", maxResponseTextBytes))
		responseText = responseText[:maxResponseTextBytes]
	}
	summary.ResponseText = responseText
	summary.HasResponseText = responseText != ""
	return summary
}

// ParsedEvent is a decoded "data:" payload with its candidate[0] fields
// pulled out for convenience.
type ParsedEvent struct {
	Raw          map[string]interface{}
	Candidate    map[string]interface{}
	Content      map[string]interface{}
	Parts        []interface{}
	PartsSummary PartsSummary
	FinishReason string
	BlockReason  string
}

// ParseEvent decodes a single event's JSON payload, enforcing the 100KB
// payload guard of §4.3.
func ParseEvent(payload string) (*ParsedEvent, error) {
	if len(payload) > maxEventPayloadBytes {
		return nil, fmt.Errorf("sse: event payload of %d bytes exceeds %d byte guard", len(payload), maxEventPayloadBytes)
	}

	var data map[string]interface{}
	if err := json.Unmarshal([]byte(payload), &data); err != nil {
		return nil, fmt.Errorf("sse: decode event: %w", err)
	}

	pe := &ParsedEvent{Raw: data}

	if feedback, ok := data["promptFeedback"].(map[string]interface{}); ok {
		if reason, ok := feedback["blockReason"].(string); ok {
			pe.BlockReason = reason
		}
	}

	candidates, ok := data["candidates"].([]interface{})
	if !ok || len(candidates) == 0 {
		return pe, nil
	}
	candidate, ok := candidates[0].(map[string]interface{})
	if !ok {
		return pe, nil
	}
	pe.Candidate = candidate

	if reason, ok := candidate["finishReason"].(string); ok {
		pe.FinishReason = reason
	}

	content, ok := candidate["content"].(map[string]interface{})
	if !ok {
		return pe, nil
	}
	pe.Content = content

	parts, ok := content["parts"].([]interface{})
	if !ok {
		return pe, nil
	}
	pe.Parts = parts
	pe.PartsSummary = ParseParts(parts)

	return pe, nil
}

// EncodeEvent re-serialises an event using template's metadata (everything
// except content.parts and finishReason, which are never mutated beyond
// those two fields per §4.3) with parts and finishReason replaced, producing
// a ready-to-write "data: ..." line with no trailing terminator.
func EncodeEvent(template map[string]interface{}, parts []interface{}, finishReason string) (string, error) {
	clone, err := utils.DeepCopyJSON(template)
	if err != nil {
		return "", err
	}

	candidates, ok := clone["candidates"].([]interface{})
	if !ok || len(candidates) == 0 {
		candidates = []interface{}{map[string]interface{}{"index": 0}}
	}
	candidate, ok := candidates[0].(map[string]interface{})
	if !ok {
		candidate = map[string]interface{}{"index": 0}
	}
	content, ok := candidate["content"].(map[string]interface{})
	if !ok {
		content = map[string]interface{}{"role": "model"}
	}
	content["parts"] = parts
	candidate["content"] = content
	if finishReason != "" {
		candidate["finishReason"] = finishReason
	} else {
		delete(candidate, "finishReason")
	}
	candidates[0] = candidate
	clone["candidates"] = candidates

	raw, err := json.Marshal(clone)
	if err != nil {
		return "", err
	}
	return "data: " + string(raw), nil
}
