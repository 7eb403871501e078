// Package protocol holds the literal sentinel tokens, prompt text and
// per-model policy tables the rest of the proxy is built around.
package protocol

import "strings"

const (
	// Begin marks the first bytes of the model's formal answer.
	Begin = "[RESPONSE_BEGIN]"
	// Finished marks the last bytes of the model's formal answer.
	Finished = "[RESPONSE_FINISHED]"
	// Incomplete is appended by the proxy itself once retries are exhausted.
	Incomplete = "[RESPONSE_NOT_FINISHED]"
)

// Lookahead is the number of trailing characters withheld from the client
// at all times so a completed Finished token can never reach it.
const Lookahead = len(Finished) + 4

// FixedUserAgent is sent on every upstream request, regardless of what the
// client identified itself as.
const FixedUserAgent = "gemini-sentinel-proxy/1.0"

// outputStartProtocol demands Begin as the first bytes of the formal answer.
const outputStartProtocol = `You must begin your formal answer with the exact token ` + Begin + `.
It must be the very first bytes you output for the formal answer: no leading
whitespace, no greeting, no markdown fence before it. Emit it exactly once.`

// finalOutputProtocol demands Finished as the last bytes of the answer.
const finalOutputProtocol = `You must end your entire response with the exact token ` + Finished + `.
It must be the last bytes you output, outside of any code fence or other
markup, and must appear exactly once.`

// reminderPrompt is glued onto the last user turn of every request.
const reminderPrompt = `Reminder: start your formal answer with ` + Begin + ` and end your whole response with ` + Finished + `.`

// RetryPrompt instructs the model to resume a truncated answer.
const RetryPrompt = `Your previous answer was cut off. Continue the answer from the exact next
character, with zero repetition of anything already written and no preamble
or acknowledgement. When you reach the true end of the answer, finish with ` + Finished + `.`

// PromptSeparator glues injected prompt blocks onto existing instruction text.
const PromptSeparator = "\n\n---\n"

// BuildSystemPrompt assembles the active protocol blocks for injection,
// honouring injectBegin (false when thinkingBudget==0).
func BuildSystemPrompt(injectBegin, injectFinish bool) string {
	var blocks []string
	if injectBegin {
		blocks = append(blocks, outputStartProtocol)
	}
	if injectFinish {
		blocks = append(blocks, finalOutputProtocol)
	}
	return strings.Join(blocks, PromptSeparator)
}

// Reminder returns the reminder block appended to the final user turn.
func Reminder() string {
	return reminderPrompt
}

// RetryBudgets groups the per-error-class retry budgets of §4.1.
type RetryBudgets struct {
	MaxRetries                   int
	MaxFetchRetries               int
	MaxNonRetryableStatusRetries  int
}

// DefaultRetryBudgets mirrors the environment defaults of §6.
var DefaultRetryBudgets = RetryBudgets{
	MaxRetries:                  100,
	MaxFetchRetries:              3,
	MaxNonRetryableStatusRetries: 3,
}

// RetryableStatuses are upstream HTTP statuses retried under MaxRetries.
var RetryableStatuses = map[int]bool{
	403: true,
	429: true,
	500: true,
	503: true,
}

// effectivelyRetryable400Markers are substrings of a 400 body that indicate
// the request should be treated with the same generous MaxRetries budget as
// the statuses above, rather than MaxNonRetryableStatusRetries.
var effectivelyRetryable400Markers = []string{
	"api key",
	"user location",
}

// IsEffectivelyRetryable400 reports whether a 400 response body matches one
// of the markers that promote it to the MaxRetries budget.
func IsEffectivelyRetryable400(status int, body string) bool {
	if status != 400 {
		return false
	}
	lower := strings.ToLower(body)
	for _, marker := range effectivelyRetryable400Markers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// quotaExhaustedMarkers identify a 429 as a hard quota exhaustion rather than
// a transient metric-quota condition.
var quotaExhaustedMarkers = []string{
	`"quota_limit_value":"0"`,
	"GenerateRequestsPerDayPerProjectPerModel",
}

// IsHardQuotaExhausted reports whether a 429 body indicates the daily/
// per-project quota is fully exhausted (no point sleeping and retrying).
func IsHardQuotaExhausted(body string) bool {
	for _, marker := range quotaExhaustedMarkers {
		if strings.Contains(body, marker) {
			return true
		}
	}
	return false
}

// SentinelModelAllowList are the URL-path model substrings the sentinel
// protocol engages for; any other model bypasses the engine untouched.
var SentinelModelAllowList = []string{
	"gemini-2.5-pro",
	"gemini-2.5-flash",
	"gemini-2.5-flash-lite",
}

// LiteModelSuffix marks model classes exempt from the FINISHED-required
// completion predicate (§4.6).
const LiteModelSuffix = "flash-lite"

// IsSentinelModel reports whether the request path names a model on the
// sentinel-protocol allow-list.
func IsSentinelModel(path string) bool {
	lower := strings.ToLower(path)
	for _, model := range SentinelModelAllowList {
		if strings.Contains(lower, model) {
			return true
		}
	}
	return false
}

// IsLiteModel reports whether the request path names a "lite" model class.
func IsLiteModel(path string) bool {
	return strings.Contains(strings.ToLower(path), LiteModelSuffix)
}

// ThinkingBudgetRange is an inclusive [Min,Max] clamp range.
type ThinkingBudgetRange struct {
	Min int
	Max int
}

// DefaultThinkingBudgetRange applies to any model with no specific entry.
var DefaultThinkingBudgetRange = ThinkingBudgetRange{Min: 128, Max: 32768}

// ThinkingBudgetRanges is the per-model clamp table referenced by §4.2.
var ThinkingBudgetRanges = map[string]ThinkingBudgetRange{
	"gemini-2.5-pro":        {Min: 128, Max: 32768},
	"gemini-2.5-flash":      {Min: 0, Max: 24576},
	"gemini-2.5-flash-lite": {Min: 0, Max: 24576},
}

// StripPartialSentinelSuffix removes a trailing partial match of token from
// text, checking every suffix length from longest to shortest (the same
// "try each possible suffix" technique the teacher used for its own done
// token). It guards a function-call passthrough flush against emitting the
// first few bytes of a sentinel that never got to complete.
func StripPartialSentinelSuffix(text, token string) string {
	maxLen := len(token) - 1
	if maxLen > len(text) {
		maxLen = len(text)
	}
	for n := maxLen; n > 0; n-- {
		if strings.HasSuffix(text, token[:n]) {
			return text[:len(text)-n]
		}
	}
	return text
}

// ClampThinkingBudget clamps budget to the inclusive range configured for
// the given model path. A budget of exactly 0 is returned unchanged: it
// disables begin-sentinel injection regardless of model class (§4.2).
func ClampThinkingBudget(path string, budget int) int {
	if budget == 0 {
		return 0
	}
	r := DefaultThinkingBudgetRange
	lower := strings.ToLower(path)
	for model, rng := range ThinkingBudgetRanges {
		if strings.Contains(lower, model) {
			r = rng
			break
		}
	}
	if budget < r.Min {
		return r.Min
	}
	if budget > r.Max {
		return r.Max
	}
	return budget
}
