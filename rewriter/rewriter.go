// Package rewriter implements C2: normalising and rewriting request bodies,
// injecting the sentinel protocol prompts, clamping thinking budgets, and
// assembling continuation requests for retries.
package rewriter

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"

	"gemini-sentinel-proxy/protocol"
	"gemini-sentinel-proxy/utils"
)

// Normalise folds the "system_instruction" alias into the canonical
// "systemInstruction" key in place. If both are present, the canonical key
// wins and the alias is dropped. Calling Normalise on an already-normalised
// body is a no-op (§8 property 4: idempotent).
func Normalise(body map[string]interface{}) {
	canonical, hasCanonical := body["systemInstruction"]
	alias, hasAlias := body["system_instruction"]
	if !hasAlias {
		return
	}
	if hasCanonical {
		_ = canonical
		delete(body, "system_instruction")
		return
	}
	body["systemInstruction"] = alias
	delete(body, "system_instruction")
}

// IsStructuredOutputRequest reports whether the body requests schema
// constrained output, which bypasses the sentinel engine entirely (§3).
func IsStructuredOutputRequest(body map[string]interface{}) bool {
	genConfig, ok := body["generationConfig"].(map[string]interface{})
	if !ok {
		return false
	}
	_, ok = genConfig["responseSchema"]
	return ok
}

// DeriveRequestPolicy clamps generationConfig.thinkingConfig.thinkingBudget
// in place (§4.2) and derives the request-level injectBegin/includeThoughts
// flags of §3. path is the request URL path, used to look up the model's
// clamp range and allow-list membership.
func DeriveRequestPolicy(body map[string]interface{}, path string) (injectBegin, includeThoughts bool) {
	injectBegin = protocol.IsSentinelModel(path)

	genConfig, ok := body["generationConfig"].(map[string]interface{})
	if !ok {
		return injectBegin, false
	}
	thinkingConfig, ok := genConfig["thinkingConfig"].(map[string]interface{})
	if !ok {
		return injectBegin, false
	}

	if budget, ok := thinkingConfig["thinkingBudget"].(float64); ok {
		clamped := protocol.ClampThinkingBudget(path, int(budget))
		thinkingConfig["thinkingBudget"] = float64(clamped)
		if clamped == 0 {
			injectBegin = false
		}
	}

	includeThoughts, _ = thinkingConfig["includeThoughts"].(bool)
	return injectBegin, includeThoughts
}

// Inject deep-copies body, normalises it, ensures
// systemInstruction.parts[0].text exists and appends the active prompt
// blocks to it, appends FINISHED to every prior model turn's last text
// part, and appends the reminder prompt to the final user turn (§4.2).
func Inject(body map[string]interface{}, injectBegin, injectFinish bool) (map[string]interface{}, error) {
	clone, err := utils.DeepCopyJSON(body)
	if err != nil {
		return nil, err
	}
	Normalise(clone)

	part0 := ensureSystemInstructionFirstPart(clone)
	if promptBlock := protocol.BuildSystemPrompt(injectBegin, injectFinish); promptBlock != "" {
		existing, _ := part0["text"].(string)
		if existing != "" {
			part0["text"] = existing + protocol.PromptSeparator + promptBlock
		} else {
			part0["text"] = promptBlock
		}
	}

	contents, _ := clone["contents"].([]interface{})
	lastUserIndex := -1
	for i, raw := range contents {
		content, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := content["role"].(string)
		switch role {
		case "model":
			appendToLastTextPart(content, protocol.Finished)
		case "user":
			lastUserIndex = i
		}
	}
	if lastUserIndex != -1 {
		if content, ok := contents[lastUserIndex].(map[string]interface{}); ok {
			appendToLastNonEmptyTextPart(content, "\n\n"+protocol.Reminder())
		}
	}

	return clone, nil
}

// BuildContinuation assembles a retry request body that hands the model
// back its own truncated answer and asks it to continue (§4.2). If
// accumulatedText is too short to be a meaningful partial answer, the
// original body is returned unchanged.
func BuildContinuation(currentBody map[string]interface{}, accumulatedText string) (map[string]interface{}, error) {
	if len(accumulatedText) <= len(protocol.Finished) {
		return currentBody, nil
	}

	clone, err := utils.DeepCopyJSON(currentBody)
	if err != nil {
		return nil, err
	}
	Normalise(clone)

	contents, ok := clone["contents"].([]interface{})
	if !ok {
		contents = []interface{}{}
	}

	lastUserIndex := -1
	for i := len(contents) - 1; i >= 0; i-- {
		if content, ok := contents[i].(map[string]interface{}); ok {
			if role, _ := content["role"].(string); role == "user" {
				lastUserIndex = i
				break
			}
		}
	}

	history := []interface{}{
		map[string]interface{}{
			"role": "model",
			"parts": []interface{}{
				map[string]interface{}{"text": accumulatedText},
			},
		},
		map[string]interface{}{
			"role": "user",
			"parts": []interface{}{
				map[string]interface{}{"text": protocol.RetryPrompt},
			},
		},
	}

	if lastUserIndex != -1 {
		newContents := make([]interface{}, 0, len(contents)+2)
		newContents = append(newContents, contents[:lastUserIndex+1]...)
		newContents = append(newContents, history...)
		newContents = append(newContents, contents[lastUserIndex+1:]...)
		clone["contents"] = newContents
	} else {
		clone["contents"] = append(contents, history...)
	}

	return clone, nil
}

// ApplyGhostLoopRemediation rewrites the final text part of the last content
// entry to exactly thoughtPrelude, provided that entry's role is "model"
// (§4.2). This resets the model's continuation anchor to a known prefix
// after a ghost loop has been detected.
func ApplyGhostLoopRemediation(body map[string]interface{}, thoughtPrelude string) {
	contents, ok := body["contents"].([]interface{})
	if !ok || len(contents) == 0 {
		return
	}
	last, ok := contents[len(contents)-1].(map[string]interface{})
	if !ok {
		return
	}
	if role, _ := last["role"].(string); role != "model" {
		return
	}
	parts, ok := last["parts"].([]interface{})
	if !ok {
		return
	}
	for i := len(parts) - 1; i >= 0; i-- {
		part, ok := parts[i].(map[string]interface{})
		if !ok {
			continue
		}
		if _, ok := part["text"].(string); ok {
			part["text"] = thoughtPrelude
			return
		}
	}
}

// BuildUpstreamRequest builds the POST request sent upstream: it copies
// Content-Type, propagates the API key via header (moving it out of the
// URL's ?key= query parameter if that's where the client put it), and sets
// the proxy's fixed User-Agent (§4.2, §6).
func BuildUpstreamRequest(ctx context.Context, upstreamURLBase string, reqURL *url.URL, originalHeaders http.Header, body map[string]interface{}) (*http.Request, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	target := *reqURL
	query := target.Query()

	apiKey := originalHeaders.Get("X-Goog-Api-Key")
	if apiKey == "" {
		if key := query.Get("key"); key != "" {
			apiKey = key
			query.Del("key")
			target.RawQuery = query.Encode()
		}
	}

	fullURL := upstreamURLBase + target.Path
	if target.RawQuery != "" {
		fullURL += "?" + target.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}

	if ct := originalHeaders.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-Goog-Api-Key", apiKey)
	}
	req.Header.Set("User-Agent", protocol.FixedUserAgent)

	return req, nil
}

func ensureSystemInstructionFirstPart(body map[string]interface{}) map[string]interface{} {
	si, ok := body["systemInstruction"].(map[string]interface{})
	if !ok {
		si = map[string]interface{}{}
		body["systemInstruction"] = si
	}
	parts, ok := si["parts"].([]interface{})
	if !ok || len(parts) == 0 {
		parts = []interface{}{map[string]interface{}{"text": ""}}
		si["parts"] = parts
	}
	part0, ok := parts[0].(map[string]interface{})
	if !ok {
		part0 = map[string]interface{}{"text": ""}
		parts[0] = part0
	}
	if _, ok := part0["text"].(string); !ok {
		part0["text"] = ""
	}
	return part0
}

func appendToLastTextPart(content map[string]interface{}, suffix string) {
	parts, ok := content["parts"].([]interface{})
	if !ok {
		return
	}
	for i := len(parts) - 1; i >= 0; i-- {
		part, ok := parts[i].(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok {
			part["text"] = text + suffix
			return
		}
	}
}

func appendToLastNonEmptyTextPart(content map[string]interface{}, suffix string) {
	parts, ok := content["parts"].([]interface{})
	if !ok {
		return
	}
	for i := len(parts) - 1; i >= 0; i-- {
		part, ok := parts[i].(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok && text != "" {
			part["text"] = text + suffix
			return
		}
	}
}
