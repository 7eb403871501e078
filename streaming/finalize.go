package streaming

import (
	"strings"

	"gemini-sentinel-proxy/protocol"
)

// CleanFinalText removes a trailing Finished token (and any whitespace the
// model put before it) from a completed answer, so the client never sees
// the sentinel it asked the model to emit (§4.7, §8 property 5).
func CleanFinalText(text string) string {
	idx := strings.LastIndex(text, protocol.Finished)
	if idx == -1 {
		return text
	}
	prefix := text[:idx]
	return strings.TrimRight(prefix, " \t\r\n")
}

// FinalEvent is the text and finish reason of a terminal SSE event, left to
// the caller to encode (§4.7). The streaming engine itself encodes its
// terminal events from BuildSuccessParts/BuildExhaustedParts against a bare
// candidate template (index 0, role "model"); metadata of earlier upstream
// events is not carried into them.
type FinalEvent struct {
	Text         string
	FinishReason string
}

// BuildSuccessFinal assembles the terminal event for a cleanly completed
// attempt: the residual formal text, cleaned of its Finished token, with
// finishReason forced to STOP (§4.7).
func BuildSuccessFinal(residualFormalText string) FinalEvent {
	return FinalEvent{
		Text:         CleanFinalText(residualFormalText),
		FinishReason: "STOP",
	}
}

// BuildExhaustedFinal assembles the terminal event emitted once every retry
// budget has been spent without a clean completion: residual text is kept
// unchanged (never truncated at a Finished token, since none arrived) with
// the proxy's own incomplete-response notice appended on its own line, and
// a finishReason distinct from every upstream value so clients can detect
// proxy-originated truncation (§4.7).
func BuildExhaustedFinal(residualFormalText string) FinalEvent {
	return FinalEvent{
		Text:         residualFormalText + "\n" + protocol.Incomplete,
		FinishReason: "FXXKED",
	}
}

// BuildSuccessParts assembles the part list for the success terminal event:
// a thought part (omitted if empty) followed by the cleaned formal text
// (§4.7).
func BuildSuccessParts(thoughtResidual, formalResidual string) []interface{} {
	var parts []interface{}
	if thoughtResidual != "" {
		parts = append(parts, map[string]interface{}{"text": thoughtResidual, "thought": true})
	}
	parts = append(parts, map[string]interface{}{"text": CleanFinalText(formalResidual)})
	return parts
}

// BuildExhaustedParts assembles the part list for the exhausted-retry
// terminal event: residual text unchanged, followed by the incomplete
// marker on its own line (§4.7).
func BuildExhaustedParts(residualFormalText string) []interface{} {
	return []interface{}{
		map[string]interface{}{"text": residualFormalText + "\n" + protocol.Incomplete},
	}
}
