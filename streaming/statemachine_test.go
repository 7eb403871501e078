package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parsedEventWithText(text string, thought bool) *ParsedEvent {
	parts := []interface{}{map[string]interface{}{"text": text, "thought": thought}}
	return &ParsedEvent{Parts: parts, PartsSummary: ParseParts(parts)}
}

func TestMachineStartsInFormalWithoutInjectBegin(t *testing.T) {
	m := NewMachine(false)
	assert.Equal(t, PhaseFormal, m.Phase())
}

func TestMachineStartsInThoughtWithInjectBegin(t *testing.T) {
	m := NewMachine(true)
	assert.Equal(t, PhaseThought, m.Phase())
}

func TestMachineSingleEventTransition(t *testing.T) {
	m := NewMachine(true)
	// Prime the thought phase with an actual thought event first so the
	// transition event is not the very first output (§4.5 premature-begin guard).
	pre := parsedEventWithText("thinking...", true)
	pre.PartsSummary.HasThought = true
	res := m.Step(pre, "")
	assert.Equal(t, ActionDropThoughtOnly, res.Action)

	ev := parsedEventWithText("[RESPONSE_BEGIN]hello world", false)
	res = m.Step(ev, "")
	require.Equal(t, ActionTransition, res.Action)
	assert.Equal(t, "", res.ThoughtText)
	assert.Equal(t, "hello world", res.FormalText)
	assert.True(t, m.HasGotBeginToken())
	assert.Equal(t, PhaseFormal, m.Phase())
}

func TestMachinePrematureBeginAbandonsAttempt(t *testing.T) {
	m := NewMachine(true)
	ev := parsedEventWithText("[RESPONSE_BEGIN]hello", false)
	res := m.Step(ev, "")
	assert.Equal(t, ActionAbandon, res.Action)
}

func TestMachineSplitBeginAcrossTwoEvents(t *testing.T) {
	m := NewMachine(true)
	pre := parsedEventWithText("thinking...", true)
	pre.PartsSummary.HasThought = true
	m.Step(pre, "")

	ev1 := parsedEventWithText("more thinking[RESPONSE_", false)
	res1 := m.Step(ev1, "")
	assert.Equal(t, ActionNone, res1.Action)

	ev2 := parsedEventWithText("BEGIN]hello world", false)
	res2 := m.Step(ev2, "")
	require.Equal(t, ActionTransition, res2.Action)
	assert.Equal(t, "more thinking", res2.ThoughtText)
	assert.Equal(t, "hello world", res2.FormalText)
}

func TestMachineSplitBeginAcrossThreeEvents(t *testing.T) {
	m := NewMachine(true)
	pre := parsedEventWithText("priming", true)
	pre.PartsSummary.HasThought = true
	m.Step(pre, "")

	m.Step(parsedEventWithText("fragment-a[RESPONSE", false), "")
	m.Step(parsedEventWithText("_BE", false), "")
	res := m.Step(parsedEventWithText("GIN]answer", false), "")
	require.Equal(t, ActionTransition, res.Action)
	assert.Equal(t, "fragment-a", res.ThoughtText)
	assert.Equal(t, "answer", res.FormalText)
}

func TestMachineBacktickGuardRejectsTransition(t *testing.T) {
	m := NewMachine(true)
	pre := parsedEventWithText("priming", true)
	pre.PartsSummary.HasThought = true
	m.Step(pre, "")

	ev := parsedEventWithText("```[RESPONSE_BEGIN]", false)
	res := m.Step(ev, "")
	assert.NotEqual(t, ActionTransition, res.Action)
	assert.Equal(t, PhaseThought, m.Phase())
}

func TestMachineDropsGarbageThoughtOnlyFrames(t *testing.T) {
	m := NewMachine(true)
	ev := &ParsedEvent{PartsSummary: PartsSummary{HasThought: true, HasResponseText: false}}
	res := m.Step(ev, "")
	assert.Equal(t, ActionDropThoughtOnly, res.Action)
}

func TestMachineFormalPhasePassesTextThrough(t *testing.T) {
	m := NewMachine(false)
	ev := parsedEventWithText("plain formal text", false)
	res := m.Step(ev, "")
	assert.Equal(t, ActionFormal, res.Action)
	assert.Equal(t, "plain formal text", res.FormalText)
}

func TestMachineFunctionCallEntersStickyPassthrough(t *testing.T) {
	m := NewMachine(false)
	parts := []interface{}{map[string]interface{}{"functionCall": map[string]interface{}{"name": "lookup"}}}
	ev := &ParsedEvent{Parts: parts, PartsSummary: ParseParts(parts)}
	res := m.Step(ev, "raw-line")
	assert.Equal(t, ActionFunctionCallPassthrough, res.Action)

	next := parsedEventWithText("anything at all", false)
	res2 := m.Step(next, "raw-line-2")
	assert.Equal(t, ActionPassthroughByte, res2.Action)
	assert.Equal(t, "raw-line-2", res2.RawLine)
}

func TestDetectGhostLoop(t *testing.T) {
	prelude := "Let me work through this."
	assert.False(t, DetectGhostLoop(prelude, prelude))
	assert.True(t, DetectGhostLoop(prelude+" "+prelude, prelude))
	assert.False(t, DetectGhostLoop("no prelude here", prelude))
	assert.False(t, DetectGhostLoop("anything", ""))
}

func TestNewContinuationMachineStartsFormalWithBeginAlreadyGot(t *testing.T) {
	m := NewContinuationMachine()
	assert.Equal(t, PhaseFormal, m.Phase())
	assert.True(t, m.HasGotBeginToken())
}
