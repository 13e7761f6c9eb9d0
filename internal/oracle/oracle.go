// ABOUTME: AI oracle request/response types and strict response contract validation
// ABOUTME: Any contract violation drops all actions and keeps only best-effort reply text

package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrContractViolation is returned when an oracle response does not match
// the expected JSON contract.
var ErrContractViolation = errors.New("oracle contract violation")

// Turn roles in conversation history.
const (
	RoleContact   = "contact"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one message of conversation history sent to the oracle.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Capability describes an action kind the oracle may propose.
type Capability struct {
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    []string `json:"required,omitempty"`
	Optional    []string `json:"optional,omitempty"`
}

// Request is sent to the oracle for each new inbound message.
type Request struct {
	History  []Turn       `json:"conversation_history"`
	Manifest []Capability `json:"capability_manifest"`
}

// Action is one structured instruction proposed by the oracle.
type Action struct {
	Type       string         `json:"type"`
	Data       map[string]any `json:"data"`
	Confidence float64        `json:"confidence"`
}

// Response is the validated oracle output.
type Response struct {
	ReplyText  string
	Actions    []Action       // at or above the confidence floor
	Suppressed []Action       // below the confidence floor, never executed
	Metadata   map[string]any // intent, sentiment, ...
	Degraded   bool           // transport failure or contract violation
	Violation  error          // why the response degraded, if it did
}

// Transport performs the raw oracle call and returns the response body.
type Transport interface {
	Complete(ctx context.Context, req *Request) ([]byte, error)
}

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*\n?(.*?)\\s*```$")

// stripFences removes a surrounding markdown code fence, which models add
// even when told not to.
func stripFences(raw []byte) []byte {
	trimmed := bytes.TrimSpace(raw)
	if m := fencePattern.FindSubmatch(trimmed); m != nil {
		return bytes.TrimSpace(m[1])
	}
	return trimmed
}

// Parse validates raw against the response contract:
//
//	{"reply_text": string, "actions": [{"type": string, "data": object, "confidence": number}], "metadata": object}
//
// reply_text, actions and metadata may be absent or null. Every action must
// have a non-empty type, an object (or null) data and a confidence in [0,1].
// On any violation the returned Response carries no actions, its ReplyText is
// whatever text could be salvaged, and the error wraps ErrContractViolation.
func Parse(raw []byte) (*Response, error) {
	body := stripFences(raw)

	var top map[string]json.RawMessage
	if err := json.Unmarshal(body, &top); err != nil || top == nil {
		if json.Valid(body) {
			return &Response{}, violation("response is not a JSON object")
		}
		return &Response{ReplyText: salvageText(body)}, violation("response is not valid JSON")
	}

	resp := &Response{}

	if v, ok := top["reply_text"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &resp.ReplyText); err != nil {
			return &Response{}, violation("reply_text is not a string")
		}
	}

	if v, ok := top["metadata"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &resp.Metadata); err != nil || resp.Metadata == nil {
			return &Response{ReplyText: resp.ReplyText}, violation("metadata is not an object")
		}
	}

	if v, ok := top["actions"]; ok && !isNull(v) {
		actions, err := parseActions(v)
		if err != nil {
			return &Response{ReplyText: resp.ReplyText, Metadata: resp.Metadata}, err
		}
		resp.Actions = actions
	}

	return resp, nil
}

func parseActions(raw json.RawMessage) ([]Action, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, violation("actions is not an array")
	}

	actions := make([]Action, 0, len(items))
	for i, item := range items {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
			return nil, violation(fmt.Sprintf("actions[%d] is not an object", i))
		}

		var a Action
		if err := json.Unmarshal(fields["type"], &a.Type); err != nil || strings.TrimSpace(a.Type) == "" {
			return nil, violation(fmt.Sprintf("actions[%d].type must be a non-empty string", i))
		}
		a.Type = strings.TrimSpace(a.Type)

		if d, ok := fields["data"]; ok && !isNull(d) {
			if err := json.Unmarshal(d, &a.Data); err != nil || a.Data == nil {
				return nil, violation(fmt.Sprintf("actions[%d].data is not an object", i))
			}
		}
		if a.Data == nil {
			a.Data = map[string]any{}
		}

		c, ok := fields["confidence"]
		if !ok || isNull(c) || json.Unmarshal(c, &a.Confidence) != nil {
			return nil, violation(fmt.Sprintf("actions[%d].confidence must be a number", i))
		}
		if a.Confidence < 0 || a.Confidence > 1 {
			return nil, violation(fmt.Sprintf("actions[%d].confidence %v out of range [0,1]", i, a.Confidence))
		}

		actions = append(actions, a)
	}
	return actions, nil
}

var replyTextPattern = regexp.MustCompile(`"reply_text"\s*:\s*("(?:[^"\\]|\\.)*")`)

// salvageText extracts reply text from a body that failed to parse: a
// reply_text field from truncated JSON, or the body itself when it is plain
// prose rather than broken JSON.
func salvageText(body []byte) string {
	if m := replyTextPattern.FindSubmatch(body); m != nil {
		var s string
		if err := json.Unmarshal(m[1], &s); err == nil {
			return s
		}
	}
	text := strings.TrimSpace(string(body))
	if text == "" || strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return ""
	}
	return text
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func violation(detail string) error {
	return fmt.Errorf("%w: %s", ErrContractViolation, detail)
}
