package streaming

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gemini-sentinel-proxy/config"
	"gemini-sentinel-proxy/logger"
	"gemini-sentinel-proxy/metrics"
	"gemini-sentinel-proxy/protocol"
	"gemini-sentinel-proxy/rewriter"
	"gemini-sentinel-proxy/utils"
)

// Engine is the retry controller (C6): it owns the per-request attempt
// loop, dispatching into the SSE codec, forwarder and phase machine for
// each attempt and deciding whether an outcome completes, retries, or
// exhausts the configured budgets.
type Engine struct {
	cfg     *config.Config
	client  *http.Client
	metrics *metrics.Registry
}

// NewEngine wires a retry controller against a shared HTTP client, safe for
// concurrent use across requests (§5). reg may be nil in tests that don't
// care about metrics; a nil registry is treated as a no-op sink.
func NewEngine(cfg *config.Config, client *http.Client, reg *metrics.Registry) *Engine {
	return &Engine{cfg: cfg, client: client, metrics: reg}
}

// bumpRetry records a retry against its error class, tolerating a nil
// registry so tests that construct an Engine without metrics still run.
func (e *Engine) bumpRetry(class metrics.ErrorClass) {
	if e.metrics != nil {
		e.metrics.RetriesTotal.WithLabelValues(string(class)).Inc()
	}
}

// retryClassFor maps a status decision to the error class its retry is
// attributed to (§4.1 error classes).
func retryClassFor(decision statusDecision) metrics.ErrorClass {
	if decision == decisionRetryBudget {
		return metrics.ErrorClassRetryableStatus
	}
	return metrics.ErrorClassNonRetryableStatus
}

type statusDecision int

const (
	decisionRetryBudget statusDecision = iota
	decisionNonRetryableBudget
	decisionFatal
)

type classifiedStatus struct {
	decision      statusDecision
	quotaSleepable bool
}

// classifyStatus maps a non-2xx upstream status to the retry budget it
// consumes (§4.6, §7).
func classifyStatus(cfg *config.Config, status int, body string) classifiedStatus {
	if cfg.IsFatalStatus(status) {
		return classifiedStatus{decision: decisionFatal}
	}
	if protocol.RetryableStatuses[status] || protocol.IsEffectivelyRetryable400(status, body) {
		cs := classifiedStatus{decision: decisionRetryBudget}
		if status == 429 {
			cs.quotaSleepable = !protocol.IsHardQuotaExhausted(body)
		}
		return cs
	}
	return classifiedStatus{decision: decisionNonRetryableBudget}
}

// attemptOutcomeKind is the result of streaming one attempt to completion.
type attemptOutcomeKind int

const (
	outcomeComplete attemptOutcomeKind = iota
	outcomeInterrupted
	outcomePassthroughEnded
	outcomeAbort
)

type attemptOutcome struct {
	kind            attemptOutcomeKind
	reason          string
	thoughtResidual string
	formalResidual  string
	err             error
}

// RunStream drives the full client-visible response for one request: it
// injects the protocol, loops attempts through the upstream, and emits
// either the success or the exhausted-retry terminal event (§4.6, §4.7).
// The caller has already written response headers (200, SSE content-type);
// upstream failures resolve to a terminal event rather than propagating
// (§7). An error is returned only when the request body cannot be rewritten,
// the final event cannot be encoded or written, or the client goes away.
func (e *Engine) RunStream(ctx context.Context, w http.ResponseWriter, upstreamURLBase string, reqURL *url.URL, originalHeaders http.Header, originalBody map[string]interface{}, injectBegin, includeThoughts bool, path string) error {
	injectedBody, err := rewriter.Inject(originalBody, injectBegin, true)
	if err != nil {
		return fmt.Errorf("streaming: inject protocol: %w", err)
	}

	sw := NewSafeWriter(w)
	currentBody := injectedBody
	sessionText := ""
	isThoughtFinished := false
	cherryClient := strings.Contains(strings.ToLower(originalHeaders.Get("User-Agent")), strings.ToLower(e.cfg.CherryClientUserAgentMarker))

	stopHeartbeat := make(chan struct{})
	defer close(stopHeartbeat)
	go e.heartbeatLoop(sw, &isThoughtFinished, cherryClient, stopHeartbeat)

	retryCount, nonRetryableCount, fetchCount := 0, 0, 0
	machine := NewMachine(injectBegin)
	firstAttempt := true
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
			logger.LogError(fmt.Sprintf("streaming: fetch budget exhausted: %v", ferr))
			return e.emitExhausted(sw, machine, nil)
		}

		if resp.StatusCode != http.StatusOK {
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			status := classifyStatus(e.cfg, resp.StatusCode, string(bodyBytes))

			switch status.decision {
			case decisionFatal:
				logger.LogError(fmt.Sprintf("streaming: fatal status %d, aborting request", resp.StatusCode))
				return e.emitExhausted(sw, machine, nil)

			case decisionRetryBudget:
				retryCount++
				e.bumpRetry(retryClassFor(status.decision))
				if retryCount > e.cfg.MaxRetries {
					return e.emitExhausted(sw, machine, nil)
				}
				if resp.StatusCode == 429 && status.quotaSleepable {
					time.Sleep(time.Second)
				}

			default:
				nonRetryableCount++
				e.bumpRetry(retryClassFor(status.decision))
				if nonRetryableCount > e.cfg.MaxNonRetryableStatusRetries {
					return e.emitExhausted(sw, machine, nil)
				}
				time.Sleep(e.cfg.RetryDelay)
			}

			currentBody, err = rewriter.BuildContinuation(injectedBody, sessionText)
			if err != nil {
				return fmt.Errorf("streaming: build continuation: %w", err)
			}
			if !firstAttempt && machine.HasGotBeginToken() {
				machine = NewContinuationMachine()
			}
			firstAttempt = false
			continue
		}

		forwarder := NewForwarder(protocol.Lookahead)
		outcome := e.consumeAttempt(ctx, resp.Body, machine, forwarder, sw, &sessionText, &isThoughtFinished, includeThoughts, path)
		resp.Body.Close()

		switch outcome.kind {
		case outcomeComplete:
			parts := BuildSuccessParts(outcome.thoughtResidual, outcome.formalResidual)
			return e.writeFinal(sw, machine, parts, "STOP")

		case outcomePassthroughEnded, outcomeAbort:
			return outcome.err

		default: // outcomeInterrupted
			retryCount++
			if outcome.reason == "GHOST_LOOP" {
				e.bumpRetry(metrics.ErrorClassGhostLoop)
			} else {
				e.bumpRetry(metrics.ErrorClassIncompleteStream)
			}
			logger.LogError(fmt.Sprintf("streaming: attempt interrupted (%s), retry %d/%d", outcome.reason, retryCount, e.cfg.MaxRetries))
			if retryCount > e.cfg.MaxRetries {
				parts := BuildExhaustedParts(outcome.formalResidual)
				return e.writeFinal(sw, machine, parts, "FXXKED")
			}

			currentBody, err = rewriter.BuildContinuation(injectedBody, sessionText)
			if err != nil {
				return fmt.Errorf("streaming: build continuation: %w", err)
			}
			if outcome.reason == "GHOST_LOOP" || outcome.reason == "PREMATURE_BEGIN" {
				rewriter.ApplyGhostLoopRemediation(currentBody, e.cfg.StartOfThought)
			}
			if machine.HasGotBeginToken() {
				machine = NewContinuationMachine()
			} else {
				machine = NewMachine(injectBegin)
			}
			firstAttempt = false
		}
	}
}

// fetchWithRetry performs the upstream POST, retrying network faults up to
// MaxFetchRetries with the cenkalti/backoff exponential policy (§4.6).
func (e *Engine) fetchWithRetry(ctx context.Context, upstreamURLBase string, reqURL *url.URL, originalHeaders http.Header, body map[string]interface{}, fetchCount *int) (*http.Response, error) {
	for {
		req, err := rewriter.BuildUpstreamRequest(ctx, upstreamURLBase, reqURL, originalHeaders, body)
		if err != nil {
			return nil, fmt.Errorf("streaming: build upstream request: %w", err)
		}
		resp, err := e.client.Do(req)
		if err == nil {
			return resp, nil
		}

		*fetchCount++
		e.bumpRetry(metrics.ErrorClassNetworkFault)
		logger.LogError(fmt.Sprintf("streaming: network fault on attempt fetch %d/%d: %v", *fetchCount, e.cfg.MaxFetchRetries, err))
		if *fetchCount > e.cfg.MaxFetchRetries {
			return nil, err
		}
		time.Sleep(utils.NetworkFaultBackoff(*fetchCount))
	}
}

// consumeAttempt streams one 200 response through the decoder, phase
// machine and forwarder until the attempt completes, is interrupted, ends
// in passthrough, or the context is cancelled.
func (e *Engine) consumeAttempt(ctx context.Context, body io.Reader, machine *Machine, forwarder *Forwarder, sw *SafeWriter, sessionText *string, isThoughtFinished *bool, includeThoughts bool, path string) attemptOutcome {
	decoder := NewDecoder(body, e.cfg.JSONBufferSize)
	eventCh := make(chan *RawEvent, e.cfg.SSEBufferSize)
	errCh := make(chan error, 1)
	go func() {
		defer close(eventCh)
		for {
			ev, err := decoder.Next()
			if err != nil {
				if err != io.EOF {
					errCh <- err
				}
				return
			}
			eventCh <- ev
		}
	}()

	attemptFormalText := ""
	firstByte := true

	emit := func(line BufferedLine) {
		if werr := sw.WriteEvent(line.RawLine); werr != nil {
			logger.LogError(fmt.Sprintf("streaming: write to client failed: %v", werr))
			return
		}
		attemptFormalText += line.Text
		*sessionText += line.Text
		if line.IsTransitionLine {
			*isThoughtFinished = true
		}
	}

	for {
		timeout := e.cfg.InactivityTimeoutSubsequent
		if firstByte {
			timeout = e.cfg.InactivityTimeoutFirstByte
		}

		select {
		case <-ctx.Done():
			forwarder.Flush(emit)
			return attemptOutcome{kind: outcomeAbort, err: ctx.Err()}

		case readErr := <-errCh:
			logger.LogError(fmt.Sprintf("streaming: read error: %v", readErr))
			return e.concludeAttempt(machine, forwarder, attemptFormalText, path, "READ_ERROR")

		case <-time.After(timeout):
			// Inactivity timeout is treated as a clean stream end (§4.6).
			return e.concludeAttempt(machine, forwarder, attemptFormalText, path, "INACTIVITY_TIMEOUT")

		case ev, ok := <-eventCh:
			if !ok {
				return e.concludeAttempt(machine, forwarder, attemptFormalText, path, "DROP")
			}
			firstByte = false

			if !ev.HasData {
				for _, l := range ev.PassthroughLines {
					sw.WriteRaw(l + "\n")
				}
				continue
			}

			if machine.Phase() == PhasePassthrough {
				if werr := sw.WriteRaw("data: " + ev.DataPayload + "\n\n"); werr != nil {
					return attemptOutcome{kind: outcomeAbort, err: werr}
				}
				continue
			}

			pe, perr := ParseEvent(ev.DataPayload)
			if perr != nil {
				logger.LogError(fmt.Sprintf("streaming: dropping malformed event: %v", perr))
				continue
			}
			if pe.BlockReason != "" {
				return attemptOutcome{kind: outcomeInterrupted, reason: "BLOCK", formalResidual: attemptFormalText + forwarder.PendingText()}
			}

			step := machine.Step(pe, "data: "+ev.DataPayload)
			result := e.applyStep(step, pe, forwarder, sw, emit, includeThoughts)
			if result != nil {
				return *result
			}

			combined := attemptFormalText + forwarder.PendingText()
			if DetectGhostLoop(combined, e.cfg.StartOfThought) {
				// No flush here: a ghost loop is a stream-end-without-completion
				// (§4.4) — the withheld buffered text, which is exactly what
				// triggered the detector, must never reach the client and must
				// not be counted as delivered, so it is discarded along with the
				// rest of this attempt's forwarder state.
				return attemptOutcome{kind: outcomeInterrupted, reason: "GHOST_LOOP", formalResidual: attemptFormalText}
			}

			if pe.FinishReason != "" && pe.PartsSummary.HasThought && !pe.PartsSummary.HasResponseText {
				return e.concludeAttempt(machine, forwarder, attemptFormalText, path, "FINISH_DURING_THOUGHT")
			}
			if pe.FinishReason == "STOP" || pe.FinishReason == "MAX_TOKENS" {
				return e.concludeAttempt(machine, forwarder, attemptFormalText, path, "")
			}
			if pe.FinishReason != "" {
				return e.concludeAttempt(machine, forwarder, attemptFormalText, path, "FINISH_ABNORMAL")
			}
		}
	}
}

// applyStep translates one Step result into forwarder ingestion or direct
// writes, returning a non-nil outcome only when the attempt must end right
// here (function-call passthrough start, or premature-begin abandonment).
// includeThoughts gates whether thought-flagged parts are ever built and
// forwarded to the client at all (§3: "when true, thought content is
// surfaced to the client" — false/absent suppresses it entirely).
func (e *Engine) applyStep(step StepResult, pe *ParsedEvent, forwarder *Forwarder, sw *SafeWriter, emit func(BufferedLine), includeThoughts bool) *attemptOutcome {
	switch step.Action {
	case ActionDropThoughtOnly, ActionNone:
		return nil

	case ActionThought:
		if !includeThoughts {
			return nil
		}
		line, err := buildThoughtLine(pe.Raw, step.ThoughtText)
		if err == nil {
			forwarder.Ingest(line)
			forwarder.Drain(emit)
		}
		return nil

	case ActionTransition:
		if includeThoughts && step.ThoughtText != "" {
			if line, err := buildThoughtLine(pe.Raw, step.ThoughtText); err == nil {
				forwarder.Ingest(line)
			}
		}
		if line, err := buildFormalLine(pe.Raw, step.FormalText); err == nil {
			line.IsTransitionLine = true
			forwarder.Ingest(line)
		}
		forwarder.Drain(emit)
		return nil

	case ActionFormal:
		if line, err := buildFormalLine(pe.Raw, step.FormalText); err == nil {
			forwarder.Ingest(line)
			forwarder.Drain(emit)
		}
		return nil

	case ActionFunctionCallPassthrough:
		if includeThoughts && step.ThoughtText != "" {
			if line, err := buildThoughtLine(pe.Raw, step.ThoughtText); err == nil {
				forwarder.Ingest(line)
			}
		}
		forwarder.Flush(emit)
		if werr := sw.WriteRaw(step.RawLine + "\n\n"); werr != nil {
			return &attemptOutcome{kind: outcomeAbort, err: werr}
		}
		return &attemptOutcome{kind: outcomePassthroughEnded}

	case ActionAbandon:
		return &attemptOutcome{kind: outcomeInterrupted, reason: "PREMATURE_BEGIN"}
	}
	return nil
}

// concludeAttempt runs the completion predicate of §4.6 against this
// attempt's state and decides whether it finished cleanly or needs a retry.
func (e *Engine) concludeAttempt(machine *Machine, forwarder *Forwarder, attemptFormalText, path, forcedReason string) attemptOutcome {
	residual := attemptFormalText + forwarder.PendingText()

	if forcedReason != "" && forcedReason != "INACTIVITY_TIMEOUT" && forcedReason != "DROP" {
		return attemptOutcome{kind: outcomeInterrupted, reason: forcedReason, formalResidual: residual}
	}

	// Completion needs (hasGotBeginToken OR injectBegin was never required)
	// AND (formal text ends with FINISHED OR model is lite-class, exempt
	// from the FINISHED requirement) (§4.6).
	hasBegin := machine.HasGotBeginToken() || machine.Phase() != PhaseThought && machine.Phase() != PhasePassthrough
	trimmed := strings.TrimRight(residual, " \t\r\n")
	endsFinished := strings.HasSuffix(trimmed, protocol.Finished)
	liteExempt := protocol.IsLiteModel(path)

	if len(trimmed) > 0 && hasBegin && (endsFinished || liteExempt) {
		thoughtResidual := ""
		for _, l := range forwarder.Residual() {
			thoughtResidual += l.ThoughtText
		}
		return attemptOutcome{kind: outcomeComplete, thoughtResidual: thoughtResidual, formalResidual: forwarder.PendingText()}
	}

	reason := forcedReason
	if reason == "" {
		reason = "FINISH_INCOMPLETE"
	}
	return attemptOutcome{kind: outcomeInterrupted, reason: reason, formalResidual: residual}
}

func (e *Engine) emitExhausted(sw *SafeWriter, machine *Machine, template map[string]interface{}) error {
	parts := BuildExhaustedParts("")
	return e.writeFinal(sw, machine, parts, "FXXKED")
}

func (e *Engine) writeFinal(sw *SafeWriter, machine *Machine, parts []interface{}, finishReason string) error {
	template := map[string]interface{}{
		"candidates": []interface{}{
			map[string]interface{}{"index": 0, "content": map[string]interface{}{"role": "model"}},
		},
	}
	line, err := EncodeEvent(template, parts, finishReason)
	if err != nil {
		return fmt.Errorf("streaming: encode final event: %w", err)
	}
	return sw.WriteEvent(line)
}

// heartbeatLoop emits an empty-text keepalive event every HeartbeatInterval
// while the response is open (§4.6, §8 scenario S7). It never writes after
// stop is closed.
func (e *Engine) heartbeatLoop(sw *SafeWriter, isThoughtFinished *bool, cherryClient bool, stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			thoughtFlag := !*isThoughtFinished && !cherryClient
			part := map[string]interface{}{"text": ""}
			if thoughtFlag {
				part["thought"] = true
			}
			line, err := EncodeEvent(map[string]interface{}{
				"candidates": []interface{}{
					map[string]interface{}{"index": 0, "content": map[string]interface{}{"role": "model"}},
				},
			}, []interface{}{part}, "")
			if err != nil {
				continue
			}
			if werr := sw.WriteEvent(line); werr != nil {
				logger.LogDebug(fmt.Sprintf("streaming: heartbeat write failed, client likely gone: %v", werr))
				return
			}
		}
	}
}

func buildThoughtLine(template map[string]interface{}, text string) (BufferedLine, error) {
	parts := []interface{}{}
	if text != "" {
		parts = append(parts, map[string]interface{}{"text": text, "thought": true})
	}
	encoded, err := EncodeEvent(template, parts, "")
	if err != nil {
		return BufferedLine{}, err
	}
	return BufferedLine{RawLine: encoded, ThoughtText: text}, nil
}

func buildFormalLine(template map[string]interface{}, text string) (BufferedLine, error) {
	parts := []interface{}{map[string]interface{}{"text": text}}
	encoded, err := EncodeEvent(template, parts, "")
	if err != nil {
		return BufferedLine{}, err
	}
	return BufferedLine{RawLine: encoded, Text: text, FormalText: text}, nil
}
