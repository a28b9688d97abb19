// Package sandbox runs browser-automation commands against one persistent
// execution session. The command surface is a fixed vocabulary of
// high-level actions; caller-supplied code is never evaluated.
package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"appforge/internal/fault"
)

// Action is one of the allowed sandbox verbs.
type Action string

const (
	ActionNavigate   Action = "navigate"
	ActionClick      Action = "click"
	ActionType       Action = "type"
	ActionPress      Action = "press"
	ActionScreenshot Action = "screenshot"
	// ActionFinish is produced by the model to end a browse loop. It is
	// understood by the orchestrator and rejected by Execute.
	ActionFinish Action = "finish"
)

// Command is a single sandbox instruction.
type Command struct {
	Action   Action `json:"action"`
	URL      string `json:"url,omitempty"`
	Selector string `json:"selector,omitempty"`
	Text     string `json:"text,omitempty"`
	Key      string `json:"key,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Summary  string `json:"summary,omitempty"`
}

// Validate checks the command carries the fields its action needs.
func (c Command) Validate() error {
	const op = "sandbox.Validate"
	switch c.Action {
	case ActionNavigate:
		if c.URL == "" {
			return fault.Newf(fault.KindValidation, op, "navigate requires url")
		}
		if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
			return fault.Newf(fault.KindValidation, op, "navigate url must be http(s): %s", c.URL)
		}
	case ActionClick:
		if c.Selector == "" {
			return fault.Newf(fault.KindValidation, op, "click requires selector")
		}
	case ActionType:
		if c.Selector == "" {
			return fault.Newf(fault.KindValidation, op, "type requires selector")
		}
	case ActionPress:
		if c.Selector == "" || c.Key == "" {
			return fault.Newf(fault.KindValidation, op, "press requires selector and key")
		}
	case ActionScreenshot, ActionFinish:
	case "":
		return fault.Newf(fault.KindValidation, op, "missing action")
	default:
		return fault.Newf(fault.KindValidation, op, "unknown action: %s", c.Action)
	}
	return nil
}

// FromArgs builds a Command from a loosely typed tool-argument map, the
// form tool actions arrive in over the event transport.
func FromArgs(args map[string]any) (Command, error) {
	get := func(key string) string {
		if v, ok := args[key].(string); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}
	cmd := Command{
		Action:   Action(get("action")),
		URL:      get("url"),
		Selector: get("selector"),
		Text:     get("text"),
		Key:      get("key"),
		Reason:   get("reason"),
		Summary:  get("summary"),
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// ParseModelCommand extracts the single JSON command object from a model
// reply. The model is asked for bare JSON but often wraps it in prose or
// a code fence, so the first balanced object is taken.
func ParseModelCommand(reply string) (Command, error) {
	const op = "sandbox.ParseModelCommand"

	start := strings.Index(reply, "{")
	if start < 0 {
		return Command{}, fault.Newf(fault.KindValidation, op, "no JSON object in model reply")
	}

	depth := 0
	end := -1
	inString := false
	escaped := false
	for i := start; i < len(reply); i++ {
		ch := reply[i]
		if escaped {
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			escaped = inString
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					end = i + 1
				}
			}
		}
		if end > 0 {
			break
		}
	}
	if end < 0 {
		return Command{}, fault.Newf(fault.KindValidation, op, "unterminated JSON object in model reply")
	}

	var cmd Command
	if err := json.Unmarshal([]byte(reply[start:end]), &cmd); err != nil {
		return Command{}, fault.New(fault.KindValidation, op, fmt.Errorf("decode command: %w", err))
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}
