package sandbox

import (
	"testing"

	"appforge/internal/fault"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		ok   bool
	}{
		{"navigate https", Command{Action: ActionNavigate, URL: "https://example.com"}, true},
		{"navigate http", Command{Action: ActionNavigate, URL: "http://localhost:3000"}, true},
		{"navigate no url", Command{Action: ActionNavigate}, false},
		{"navigate file scheme", Command{Action: ActionNavigate, URL: "file:///etc/passwd"}, false},
		{"navigate javascript scheme", Command{Action: ActionNavigate, URL: "javascript:alert(1)"}, false},
		{"click", Command{Action: ActionClick, Selector: "#submit"}, true},
		{"click no selector", Command{Action: ActionClick}, false},
		{"type", Command{Action: ActionType, Selector: "input[name=q]", Text: "milk"}, true},
		{"type no selector", Command{Action: ActionType, Text: "milk"}, false},
		{"press", Command{Action: ActionPress, Selector: "input", Key: "Enter"}, true},
		{"press no key", Command{Action: ActionPress, Selector: "input"}, false},
		{"screenshot", Command{Action: ActionScreenshot}, true},
		{"finish", Command{Action: ActionFinish, Summary: "done"}, true},
		{"missing action", Command{}, false},
		{"unknown action", Command{Action: "evaluate", Text: "window.close()"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("expected validation error")
				}
				if !fault.Is(err, fault.KindValidation) {
					t.Fatalf("error kind = %v, want validation", err)
				}
			}
		})
	}
}

func TestFromArgs(t *testing.T) {
	cmd, err := FromArgs(map[string]any{
		"action":   "navigate",
		"url":      "  https://example.com  ",
		"reason":   "open the landing page",
		"ignored":  42,
		"selector": nil,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Action != ActionNavigate || cmd.URL != "https://example.com" {
		t.Errorf("got %+v", cmd)
	}
	if cmd.Reason != "open the landing page" {
		t.Errorf("reason = %q", cmd.Reason)
	}

	if _, err := FromArgs(map[string]any{"action": "click"}); !fault.Is(err, fault.KindValidation) {
		t.Errorf("invalid args should fail validation, got %v", err)
	}
}

func TestParseModelCommand(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  Command
	}{
		{
			"bare json",
			`{"action":"navigate","url":"https://example.com"}`,
			Command{Action: ActionNavigate, URL: "https://example.com"},
		},
		{
			"prose wrapped",
			"I will open the page first.\n\n{\"action\": \"navigate\", \"url\": \"https://example.com\", \"reason\": \"start\"}\n\nThen we can look around.",
			Command{Action: ActionNavigate, URL: "https://example.com", Reason: "start"},
		},
		{
			"code fence",
			"```json\n{\"action\":\"click\",\"selector\":\"#add\"}\n```",
			Command{Action: ActionClick, Selector: "#add"},
		},
		{
			"braces inside strings",
			`{"action":"type","selector":"#note","text":"use {curly} braces"}`,
			Command{Action: ActionType, Selector: "#note", Text: "use {curly} braces"},
		},
		{
			"finish",
			`{"action":"finish","summary":"the task is complete"}`,
			Command{Action: ActionFinish, Summary: "the task is complete"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseModelCommand(tt.reply)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseModelCommandRejects(t *testing.T) {
	for _, reply := range []string{
		"I could not decide on a next step.",
		`{"action":"navigate","url":"https://x.test"`,
		`{"action":"evaluate","text":"document.title"}`,
	} {
		if _, err := ParseModelCommand(reply); !fault.Is(err, fault.KindValidation) {
			t.Errorf("reply %q: got %v, want validation fault", reply, err)
		}
	}
}
