package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gemini-sentinel-proxy/logger"
	"gemini-sentinel-proxy/metrics"
	"gemini-sentinel-proxy/protocol"
	"gemini-sentinel-proxy/rewriter"
)

// nonStreamMachine is the non-streaming variant of the phase machine
// (§4.8): begin-sentinel detection only ever looks at the current part's
// own text, never a cross-event concatenation, because a non-streaming
// response has no event boundaries to split BEGIN across.
type nonStreamMachine struct {
	phase       Phase
	hasGotBegin bool
}

func newNonStreamMachine(injectBegin bool) *nonStreamMachine {
	phase := PhaseThought
	if !injectBegin {
		phase = PhaseFormal
	}
	return &nonStreamMachine{phase: phase}
}

// nonStreamStep mirrors the shape the streaming machine returns, minus the
// cross-event bookkeeping it doesn't need.
type nonStreamStep struct {
	thoughtText  string
	formalText   string
	functionCall map[string]interface{}
	hasFunction  bool
}

// step classifies one part against the current phase, advancing it on a
// BEGIN match.
func (m *nonStreamMachine) step(part map[string]interface{}) nonStreamStep {
	if fc, ok := part["functionCall"].(map[string]interface{}); ok {
		return nonStreamStep{functionCall: fc, hasFunction: true}
	}

	text, _ := part["text"].(string)
	thought, _ := part["thought"].(bool)

	if m.phase == PhaseFormal {
		if thought {
			return nonStreamStep{}
		}
		return nonStreamStep{formalText: text}
	}

	// PhaseThought: scan this part's own text for BEGIN.
	if thought && text == "" {
		return nonStreamStep{}
	}
	if thought {
		return nonStreamStep{thoughtText: text}
	}

	idx := strings.Index(text, protocol.Begin)
	if idx == -1 || (idx > 0 && text[idx-1] == '`') {
		// Not a transition; stray non-thought text before BEGIN is treated
		// as thought-phase noise and dropped. (The streaming machine
		// instead keeps such text and forwards it as thought content.)
		return nonStreamStep{}
	}

	m.hasGotBegin = true
	m.phase = PhaseFormal
	prefix := text[:idx]
	suffix := text[idx+len(protocol.Begin):]
	return nonStreamStep{thoughtText: prefix, formalText: suffix}
}

// nonStreamOutcome is the per-attempt result of walking one response's
// parts through the machine.
type nonStreamOutcome struct {
	thoughtText  string
	formalText   string
	functionCall map[string]interface{}
	hasFunction  bool
}

func runNonStreamMachine(machine *nonStreamMachine, parts []interface{}) nonStreamOutcome {
	var out nonStreamOutcome
	for _, raw := range parts {
		part, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		step := machine.step(part)
		if step.hasFunction {
			out.functionCall = step.functionCall
			out.hasFunction = true
			return out
		}
		out.thoughtText += step.thoughtText
		out.formalText += step.formalText
	}
	return out
}

// isNonStreamComplete applies the §4.6 completion predicate to a
// non-streaming attempt's accumulated formal text.
func isNonStreamComplete(machine *nonStreamMachine, injectBegin bool, accumulatedFormal, path string) bool {
	hasBegin := machine.hasGotBegin || !injectBegin
	if !hasBegin {
		return false
	}
	trimmed := strings.TrimRight(accumulatedFormal, " \t\r\n")
	if trimmed == "" {
		return false
	}
	return strings.HasSuffix(trimmed, protocol.Finished) || protocol.IsLiteModel(path)
}

// RunNonStreaming drives the non-streaming adapter (C8, §4.8): the same
// request rewrite, a single upstream POST per attempt, and the same
// thought/formal phase classification as streaming, but applied to one
// already-complete JSON response instead of an event stream. It returns the
// final response body to write back to the client verbatim (status 200 is
// always used on the sentinel-protocol path, per §7).
func (e *Engine) RunNonStreaming(ctx context.Context, upstreamURLBase string, reqURL *url.URL, originalHeaders http.Header, originalBody map[string]interface{}, injectBegin, includeThoughts bool, path string) (map[string]interface{}, error) {
	injectedBody, err := rewriter.Inject(originalBody, injectBegin, true)
	if err != nil {
		return nil, fmt.Errorf("nonstream: inject protocol: %w", err)
	}

	currentBody := injectedBody
	sessionText := ""
	retryCount, nonRetryableCount, fetchCount := 0, 0, 0
	machine := newNonStreamMachine(injectBegin)
	attempts := 0

	defer func() {
		if e.metrics != nil {
			e.metrics.Attempts.Observe(float64(attempts))
			e.metrics.ObserveAccumulated(len(sessionText))
		}
	}()

	for {
		attempts++
		resp, ferr := e.fetchWithRetry(ctx, upstreamURLBase, reqURL, originalHeaders, currentBody, &fetchCount)
		if ferr != nil {
			logger.LogError(fmt.Sprintf("nonstream: fetch budget exhausted: %v", ferr))
			return buildNonStreamExhausted(sessionText), nil
		}

		bodyBytes, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return buildNonStreamExhausted(sessionText), nil
		}

		if resp.StatusCode != http.StatusOK {
			status := classifyStatus(e.cfg, resp.StatusCode, string(bodyBytes))
			switch status.decision {
			case decisionFatal:
				return buildNonStreamExhausted(sessionText), nil
			case decisionRetryBudget:
				retryCount++
				e.bumpRetry(retryClassFor(status.decision))
				if retryCount > e.cfg.MaxRetries {
					return buildNonStreamExhausted(sessionText), nil
				}
				if resp.StatusCode == 429 && status.quotaSleepable {
					time.Sleep(500 * time.Millisecond)
				}
			default:
				nonRetryableCount++
				e.bumpRetry(retryClassFor(status.decision))
				if nonRetryableCount > e.cfg.MaxNonRetryableStatusRetries {
					return buildNonStreamExhausted(sessionText), nil
				}
				time.Sleep(e.cfg.RetryDelay)
			}
			currentBody, err = rewriter.BuildContinuation(injectedBody, sessionText)
			if err != nil {
				return nil, fmt.Errorf("nonstream: build continuation: %w", err)
			}
			continue
		}

		var decoded map[string]interface{}
		if err := json.Unmarshal(bodyBytes, &decoded); err != nil {
			logger.LogError(fmt.Sprintf("nonstream: decode upstream body: %v", err))
			return buildNonStreamExhausted(sessionText), nil
		}

		parts, candidate := extractParts(decoded)
		outcome := runNonStreamMachine(machine, parts)

		if outcome.hasFunction {
			thoughtPrelude := ""
			if includeThoughts {
				thoughtPrelude = e.cfg.StartOfThought
			}
			return buildNonStreamFunctionCall(decoded, candidate, thoughtPrelude, outcome), nil
		}

		sessionText += outcome.formalText
		if isNonStreamComplete(machine, injectBegin, sessionText, path) {
			return buildNonStreamSuccess(decoded, candidate, sessionText), nil
		}

		retryCount++
		logger.LogError(fmt.Sprintf("nonstream: response incomplete, retry %d/%d", retryCount, e.cfg.MaxRetries))
		if retryCount > e.cfg.MaxRetries {
			return buildNonStreamExhausted(sessionText), nil
		}

		if DetectGhostLoop(sessionText, e.cfg.StartOfThought) {
			e.bumpRetry(metrics.ErrorClassGhostLoop)
			currentBody, err = rewriter.BuildContinuation(injectedBody, sessionText)
			if err == nil {
				rewriter.ApplyGhostLoopRemediation(currentBody, e.cfg.StartOfThought)
			}
		} else {
			e.bumpRetry(metrics.ErrorClassIncompleteStream)
			currentBody, err = rewriter.BuildContinuation(injectedBody, sessionText)
		}
		if err != nil {
			return nil, fmt.Errorf("nonstream: build continuation: %w", err)
		}
	}
}

func extractParts(decoded map[string]interface{}) ([]interface{}, map[string]interface{}) {
	candidates, ok := decoded["candidates"].([]interface{})
	if !ok || len(candidates) == 0 {
		return nil, nil
	}
	candidate, ok := candidates[0].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	content, ok := candidate["content"].(map[string]interface{})
	if !ok {
		return nil, candidate
	}
	parts, _ := content["parts"].([]interface{})
	return parts, candidate
}

func buildNonStreamSuccess(template map[string]interface{}, candidate map[string]interface{}, accumulatedFormal string) map[string]interface{} {
	parts := []interface{}{
		map[string]interface{}{"text": CleanFinalText(accumulatedFormal)},
	}
	return setCandidateParts(template, candidate, parts, "STOP")
}

func buildNonStreamFunctionCall(template map[string]interface{}, candidate map[string]interface{}, thoughtPrelude string, outcome nonStreamOutcome) map[string]interface{} {
	var parts []interface{}
	if thoughtPrelude != "" {
		parts = append(parts, map[string]interface{}{"text": thoughtPrelude, "thought": true})
	}
	if outcome.formalText != "" {
		parts = append(parts, map[string]interface{}{"text": CleanFinalText(outcome.formalText)})
	}
	parts = append(parts, map[string]interface{}{"functionCall": outcome.functionCall})
	return setCandidateParts(template, candidate, parts, "")
}

func buildNonStreamExhausted(accumulatedFormal string) map[string]interface{} {
	parts := []interface{}{
		map[string]interface{}{"text": accumulatedFormal + "\n" + protocol.Incomplete},
	}
	template := map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{"index": 0, "content": map[string]interface{}{"role": "model"}},
		},
	}
	return setCandidateParts(template, nil, parts, "FXXKED")
}

func setCandidateParts(template map[string]interface{}, candidate map[string]interface{}, parts []interface{}, finishReason string) map[string]interface{} {
	if candidate == nil {
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

	out := map[string]interface{}{}
	for k, v := range template {
		out[k] = v
	}
	out["candidates"] = []interface{}{candidate}
	return out
}
