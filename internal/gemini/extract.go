package gemini

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// generateResponse covers the top level of every observed response shape.
// Candidates is raw so that "absent" and "present but empty" stay
// distinguishable and so each candidate can be re-decoded per shape.
type generateResponse struct {
	Error          *apiErrorBody     `json:"error"`
	Candidates     []json.RawMessage `json:"candidates"`
	PromptFeedback *promptFeedback   `json:"promptFeedback"`
	UsageMetadata  map[string]any    `json:"usageMetadata"`
}

type apiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

// candidate is a union of the candidate shapes the service has been seen to
// produce. Decoding is lenient; unpopulated branches stay zero.
type candidate struct {
	Content      *candidateContent `json:"content"`
	FinishReason string            `json:"finishReason"`
	Text         string            `json:"text"`
	Output       string            `json:"output"`
	Message      *candidateMessage `json:"message"`
	Parts        []flexPart        `json:"parts"`
}

type candidateContent struct {
	Parts []flexPart `json:"parts"`
	Text  string     `json:"text"`
}

type candidateMessage struct {
	Text    string     `json:"text"`
	Content string     `json:"content"`
	Parts   []flexPart `json:"parts"`
}

// flexPart tolerates the text living under either key.
type flexPart struct {
	Text    string `json:"text"`
	Content string `json:"content"`
}

// ExtractText pulls the answer text out of a raw generateContent response
// body. The upstream schema is not stable, so extraction walks a cascade of
// known shapes and falls back to a recursive search for any field named
// "text". The first non-empty trimmed string wins. Every input yields exactly
// one answer or exactly one error.
func ExtractText(body []byte) (string, error) {
	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &APIError{Kind: KindParseFailure, Message: fmt.Sprintf("undecodable response body: %v", err)}
	}

	if resp.Error != nil {
		return "", &APIError{
			Kind:       KindParseFailure,
			StatusCode: resp.Error.Code,
			Message:    fmt.Sprintf("API error in response body: %s", resp.Error.Message),
		}
	}

	if resp.Candidates == nil {
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			return "", &APIError{
				Kind:    KindBlocked,
				Message: fmt.Sprintf("prompt blocked: %s", resp.PromptFeedback.BlockReason),
			}
		}
		return "", &APIError{Kind: KindNoText, Message: "no candidates in response"}
	}
	if len(resp.Candidates) == 0 {
		return "", &APIError{Kind: KindNoText, Message: "empty candidates list"}
	}

	raw := resp.Candidates[0]
	var cand candidate
	if err := json.Unmarshal(raw, &cand); err != nil {
		return "", &APIError{Kind: KindParseFailure, Message: fmt.Sprintf("undecodable candidate: %v", err)}
	}

	if strings.EqualFold(cand.FinishReason, "SAFETY") {
		return "", &APIError{Kind: KindBlocked, Message: "response blocked by safety filter"}
	}
	// MAX_TOKENS and STOP both carry usable text; fall through either way.

	if text, ok := candidateText(cand); ok {
		return text, nil
	}

	// Last resort: the shape is new. Hunt for any "text" field.
	if text, ok := findTextField(decodeTree(raw)); ok {
		return text, nil
	}

	return "", &APIError{
		Kind:    KindNoText,
		Message: fmt.Sprintf("could not extract text from candidate (keys: %s)", candidateKeys(raw)),
	}
}

// candidateText tries each known candidate shape in order.
func candidateText(cand candidate) (string, bool) {
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if t, ok := nonEmpty(p.Text); ok {
				return t, true
			}
		}
		for _, p := range cand.Content.Parts {
			if t, ok := nonEmpty(p.Content); ok {
				return t, true
			}
		}
		if t, ok := nonEmpty(cand.Content.Text); ok {
			return t, true
		}
	}
	if t, ok := nonEmpty(cand.Text); ok {
		return t, true
	}
	if t, ok := nonEmpty(cand.Output); ok {
		return t, true
	}
	if cand.Message != nil {
		if t, ok := nonEmpty(cand.Message.Text); ok {
			return t, true
		}
		if t, ok := nonEmpty(cand.Message.Content); ok {
			return t, true
		}
		for _, p := range cand.Message.Parts {
			if t, ok := nonEmpty(p.Text); ok {
				return t, true
			}
		}
	}
	for _, p := range cand.Parts {
		if t, ok := nonEmpty(p.Text); ok {
			return t, true
		}
	}
	return "", false
}

// findTextField walks a decoded JSON tree depth-first looking for a string
// field named "text". Map keys are visited in sorted order so the result is
// deterministic.
func findTextField(v any) (string, bool) {
	switch node := v.(type) {
	case map[string]any:
		if t, ok := node["text"].(string); ok {
			if trimmed, ok := nonEmpty(t); ok {
				return trimmed, true
			}
		}
		keys := make([]string, 0, len(node))
		for k := range node {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if t, ok := findTextField(node[k]); ok {
				return t, true
			}
		}
	case []any:
		for _, item := range node {
			if t, ok := findTextField(item); ok {
				return t, true
			}
		}
	}
	return "", false
}

func decodeTree(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func candidateKeys(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "not an object"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}

func nonEmpty(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	return trimmed, trimmed != ""
}
