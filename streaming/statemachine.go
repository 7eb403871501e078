package streaming

import (
	"strings"

	"gemini-sentinel-proxy/protocol"
)

// Phase is the machine's current state (§4.5). The single transition event
// that carries BEGIN is not a Phase of its own: it is reported as
// ActionTransition, after which the machine is in PhaseFormal.
type Phase int

const (
	PhaseThought Phase = iota
	PhaseFormal
	PhasePassthrough
)

// StepAction tells the caller what to do with a Step result.
type StepAction int

const (
	ActionNone StepAction = iota
	ActionDropThoughtOnly
	ActionThought
	ActionTransition
	ActionFormal
	ActionFunctionCallPassthrough
	ActionPassthroughByte
	ActionAbandon
)

// StepResult is the outcome of feeding one parsed event to the Machine.
type StepResult struct {
	Action      StepAction
	ThoughtText string
	FormalText  string
	RawLine     string
}

// Machine is the per-attempt phase state machine of §4.5. It owns the
// bounded begin-sentinel detection window (up to the two most-recently
// seen formal-candidate fragments, per §9's "rolling concatenation of up to
// three most-recent formal-text fragments").
type Machine struct {
	phase         Phase
	pending       []string
	hasGotBegin   bool
	passthrough   bool
	isFirstOutput bool
}

// NewMachine creates a Machine. When injectBegin is false the machine
// starts directly in PhaseFormal (§4.5: "Without injectBegin, state begins
// at Formal").
func NewMachine(injectBegin bool) *Machine {
	phase := PhaseThought
	if !injectBegin {
		phase = PhaseFormal
	}
	return &Machine{phase: phase, isFirstOutput: true}
}

// NewContinuationMachine creates a Machine for a retry attempt that follows
// one where BEGIN was already observed. §3 lists hasGotBeginToken as
// per-attempt state, but a continuation's request body never re-asks for
// BEGIN (inject() runs once per client request, not per attempt) so a
// continuation attempt's model output resumes directly in formal text;
// carrying hasGotBegin forward is what makes the completion predicate of
// §4.6 correct on attempt 2+.
func NewContinuationMachine() *Machine {
	return &Machine{phase: PhaseFormal, hasGotBegin: true, isFirstOutput: false}
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase { return m.phase }

// HasGotBeginToken reports whether BEGIN has been observed this attempt.
func (m *Machine) HasGotBeginToken() bool { return m.hasGotBegin }

// Step feeds one parsed event (plus its raw rendered line, needed verbatim
// for passthrough) through the machine and returns what the caller should
// do with it.
func (m *Machine) Step(pe *ParsedEvent, rawLine string) StepResult {
	if m.passthrough {
		return StepResult{Action: ActionPassthroughByte, RawLine: rawLine}
	}

	summary := pe.PartsSummary

	if summary.HasFunctionCall {
		flushed := strings.Join(m.pending, "")
		m.pending = nil
		m.passthrough = true
		m.isFirstOutput = false
		return StepResult{Action: ActionFunctionCallPassthrough, ThoughtText: flushed, RawLine: rawLine}
	}

	switch m.phase {
	case PhaseFormal:
		m.isFirstOutput = false
		if summary.HasResponseText {
			return StepResult{Action: ActionFormal, FormalText: summary.ResponseText}
		}
		return StepResult{Action: ActionNone}

	case PhaseThought:
		return m.stepThought(summary)

	default:
		return StepResult{Action: ActionNone}
	}
}

func (m *Machine) stepThought(summary PartsSummary) StepResult {
	wasFirstOutput := m.isFirstOutput
	m.isFirstOutput = false

	if summary.HasThought && !summary.HasResponseText {
		// Garbage thought-only frame; dropped per §4.5.
		return StepResult{Action: ActionDropThoughtOnly}
	}

	candidate := summary.ResponseText
	if candidate == "" {
		return StepResult{Action: ActionNone}
	}

	matched, window, consumed, idx := m.tryBeginMatch(candidate)
	if !matched {
		m.pending = append(m.pending, candidate)
		if len(m.pending) > 2 {
			flushed := m.pending[0]
			m.pending = m.pending[1:]
			return StepResult{Action: ActionThought, ThoughtText: flushed}
		}
		return StepResult{Action: ActionNone}
	}

	flushCount := len(m.pending) - consumed
	var flushedPrefix string
	if flushCount > 0 {
		flushedPrefix = strings.Join(m.pending[:flushCount], "")
	}
	m.pending = nil

	prefix := window[:idx]
	suffix := window[idx+len(protocol.Begin):]

	if wasFirstOutput && idx == 0 && flushCount == 0 {
		// The model skipped the thought stage entirely: restart the attempt.
		return StepResult{Action: ActionAbandon}
	}

	m.hasGotBegin = true
	m.phase = PhaseFormal

	return StepResult{
		Action:      ActionTransition,
		ThoughtText: flushedPrefix + prefix,
		FormalText:  suffix,
	}
}

// tryBeginMatch implements the cross-event BEGIN scan of §4.5: concatenate
// the 0, 1, or 2 most-recent pending fragments with candidate, in
// increasing window size, and accept the first match whose preceding
// character isn't a backtick. consumed is how many pending fragments (from
// the tail) participated in the winning window.
func (m *Machine) tryBeginMatch(candidate string) (matched bool, window string, consumed int, idx int) {
	maxWindow := 2
	if len(m.pending) < maxWindow {
		maxWindow = len(m.pending)
	}
	for k := 0; k <= maxWindow; k++ {
		start := len(m.pending) - k
		var sb strings.Builder
		for i := start; i < len(m.pending); i++ {
			sb.WriteString(m.pending[i])
		}
		sb.WriteString(candidate)
		w := sb.String()

		i := strings.Index(w, protocol.Begin)
		if i == -1 {
			continue
		}
		if i > 0 && w[i-1] == '`' {
			continue
		}
		return true, w, k, i
	}
	return false, "", 0, -1
}

// DetectGhostLoop reports whether combined contains two or more occurrences
// of startOfThought, indicating the model is stuck re-emitting its
// remediation anchor as formal text (§4.5).
func DetectGhostLoop(combined, startOfThought string) bool {
	if startOfThought == "" {
		return false
	}
	return strings.Count(combined, startOfThought) >= 2
}
