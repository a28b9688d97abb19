// Package prompt builds the prompts sent to the model and manages the
// optional on-disk system prompt with live reload.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"appforge/internal/parse"
)

// DefaultSystem is the instruction prepended to every prompt when no
// system prompt file is configured.
const DefaultSystem = `You are an expert software engineer. ` +
	`Be precise, produce working code, and follow the requested output format exactly.`

// ForChat builds the single round-trip chat prompt.
func ForChat(system, message string) string {
	return join(system, fmt.Sprintf("Respond to the following user message: %s", message))
}

// ForGenerateApp asks the model for a complete multi-file application in
// the marker+fence convention the parser extracts.
func ForGenerateApp(system, description string) string {
	return join(system, fmt.Sprintf(
		"Generate a complete application from this description: %s. "+
			"Provide the code for all necessary files, each in a separate markdown "+
			"code block with the file path above it, like \"**File: path/to/file.ext**\" "+
			"followed by the code block.", description))
}

// ForDebug builds the debugging prompt.
func ForDebug(system, code string) string {
	return join(system, fmt.Sprintf("Debug this code and suggest fixes: %s", code))
}

// ForDocs builds the documentation prompt over a file set.
func ForDocs(system string, files []parse.File) string {
	payload, err := json.Marshal(files)
	if err != nil {
		payload = []byte("[]")
	}
	return join(system, fmt.Sprintf("Generate documentation for these files: %s", payload))
}

// ForBrowseStep asks the model for the next browser command as a single
// JSON object. The fixed vocabulary keeps caller-supplied code out of the
// sandbox entirely.
func ForBrowseStep(system, task, lastOutcome string, step, maxSteps int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are driving a web browser to complete this task: %s\n", task)
	fmt.Fprintf(&b, "This is step %d of at most %d.\n", step, maxSteps)
	if lastOutcome != "" {
		fmt.Fprintf(&b, "Result of your previous command: %s\n", lastOutcome)
	}
	b.WriteString(`Reply with exactly one JSON object and nothing else. Allowed forms:
{"action":"navigate","url":"https://..."}
{"action":"click","selector":"css selector","reason":"why"}
{"action":"type","selector":"css selector","text":"...","reason":"why"}
{"action":"press","selector":"css selector","key":"Enter","reason":"why"}
{"action":"screenshot"}
{"action":"finish","summary":"what you accomplished"}`)
	return join(system, b.String())
}

func join(system, body string) string {
	system = strings.TrimSpace(system)
	if system == "" {
		system = DefaultSystem
	}
	return system + "\n\n" + body
}
