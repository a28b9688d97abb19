// Package agent orchestrates the task pipeline: it turns one request into
// model calls, parsed artifacts, persisted projects, sandbox commands, and
// an ordered lifecycle event stream per session.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"appforge/internal/bus"
	"appforge/internal/cache"
	"appforge/internal/fault"
	"appforge/internal/model"
	"appforge/internal/parse"
	"appforge/internal/project"
	"appforge/internal/prompt"
	"appforge/internal/sandbox"
)

const (
	// maxBrowseSteps bounds the iterative browse loop so a wandering
	// model cannot drive the sandbox forever.
	maxBrowseSteps = 15

	// projectNameLimit truncates long descriptions into project names.
	projectNameLimit = 50
)

// Agent wires the pipeline stages together. One Agent serves all
// sessions; requests within a session are processed sequentially,
// sessions are independent.
type Agent struct {
	gen      model.Generator
	cache    cache.Cache
	store    *project.Store
	bus      *bus.Bus
	sandbox  sandbox.Runner
	prompts  *prompt.Library
	cacheTTL time.Duration
	logger   *zap.Logger

	// flight collapses concurrent identical generation requests so the
	// model is invoked at most once per fingerprint.
	flight singleflight.Group

	mu       sync.Mutex
	sessions map[string]*sync.Mutex
}

// Config carries the Agent's dependencies.
type Config struct {
	Generator model.Generator
	Cache     cache.Cache
	Store     *project.Store
	Bus       *bus.Bus
	Sandbox   sandbox.Runner
	Prompts   *prompt.Library
	CacheTTL  time.Duration
	Logger    *zap.Logger
}

// New builds an Agent.
func New(cfg Config) *Agent {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Cache == nil {
		cfg.Cache = cache.NewFallible(nil, cfg.Logger)
	}
	return &Agent{
		gen:      cfg.Generator,
		cache:    cfg.Cache,
		store:    cfg.Store,
		bus:      cfg.Bus,
		sandbox:  cfg.Sandbox,
		prompts:  cfg.Prompts,
		cacheTTL: cfg.CacheTTL,
		logger:   cfg.Logger,
		sessions: make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the mutex serializing one session's requests.
func (a *Agent) sessionLock(sessionID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.sessions[sessionID]
	if !ok {
		m = &sync.Mutex{}
		a.sessions[sessionID] = m
	}
	return m
}

// publish emits an event unless the request context is already dead. A
// cancelled request produces no further events and no cache writes.
func (a *Agent) publish(ctx context.Context, sessionID string, ev bus.Event) {
	if ctx.Err() != nil {
		return
	}
	if _, err := a.bus.Publish(sessionID, ev); err != nil {
		a.logger.Warn("event publish failed",
			zap.String("session", sessionID), zap.Error(err))
	}
}

// run frames one request: user_task first, then the handler's own events,
// then exactly one error event if the handler failed.
func (a *Agent) run(ctx context.Context, sessionID, task string, fn func(ctx context.Context) error) error {
	lock := a.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	a.publish(ctx, sessionID, bus.UserTask(task))
	err := fn(ctx)
	if err != nil {
		a.publish(ctx, sessionID, bus.Error(err.Error()))
	}
	return err
}

func (a *Agent) system() string {
	if a.prompts == nil {
		return ""
	}
	return a.prompts.System()
}

// cached returns the artifact stored for fp, when present and unexpired.
// Handlers check this before publishing any thought: a hit produces a
// single result event with no intermediate steps.
func (a *Agent) cached(ctx context.Context, fp string) (string, bool) {
	value, ok, _ := a.cache.Get(ctx, fp)
	if !ok {
		return "", false
	}
	a.logger.Debug("cache hit", zap.String("fingerprint", fp))
	return string(value), true
}

// invoke runs one model call for fp, shared across concurrent identical
// requests. The successful result is written back to the cache unless the
// request was cancelled.
func (a *Agent) invoke(ctx context.Context, fp, prompt string) (string, error) {
	v, err, _ := a.flight.Do(fp, func() (any, error) {
		text, err := a.gen.Generate(ctx, prompt)
		if err != nil {
			return nil, err
		}
		if ctx.Err() == nil {
			_ = a.cache.Put(ctx, fp, []byte(text), a.cacheTTL)
		}
		return text, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// HandleChat answers one chat message.
func (a *Agent) HandleChat(ctx context.Context, sessionID, message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fault.Newf(fault.KindValidation, "agent.HandleChat", "empty message")
	}

	var reply string
	err := a.run(ctx, sessionID, message, func(ctx context.Context) error {
		fp := cache.Fingerprint("chat", message)
		if text, ok := a.cached(ctx, fp); ok {
			reply = text
			a.publish(ctx, sessionID, bus.Result(text))
			return nil
		}

		a.publish(ctx, sessionID, bus.Thought("Thinking about your message"))
		text, err := a.invoke(ctx, fp, prompt.ForChat(a.system(), message))
		if err != nil {
			return err
		}
		reply = text
		a.publish(ctx, sessionID, bus.Result(text))
		return nil
	})
	return reply, err
}

// AppResult is the outcome of a generate-app request.
type AppResult struct {
	Project *project.Project `json:"project"`
	Files   []parse.File     `json:"files"`
	Cached  bool             `json:"cached"`
}

// HandleGenerateApp runs the full pipeline: generate (or reuse cached
// output), parse into files, persist as a new version-1 project, report.
// Every request creates its own project even when generation was cached,
// but a hit publishes only the final result, no intermediate events.
func (a *Agent) HandleGenerateApp(ctx context.Context, sessionID, ownerID, description string) (*AppResult, error) {
	const op = "agent.HandleGenerateApp"
	if strings.TrimSpace(description) == "" {
		return nil, fault.Newf(fault.KindValidation, op, "empty description")
	}

	var result *AppResult
	err := a.run(ctx, sessionID, description, func(ctx context.Context) error {
		fp := cache.Fingerprint("generate-app", description)
		text, hit := a.cached(ctx, fp)
		if !hit {
			a.publish(ctx, sessionID, bus.Thought("Generating application"))
			generated, err := a.invoke(ctx, fp, prompt.ForGenerateApp(a.system(), description))
			if err != nil {
				return err
			}
			text = generated
		}

		files, parseErrs := parse.Files(text, parse.DefaultFallbackPath)
		for _, perr := range parseErrs {
			a.logger.Warn("skipped unsafe artifact path", zap.Error(perr))
		}
		if len(files) == 0 {
			return fault.Newf(fault.KindValidation, op, "model output yielded no usable files")
		}

		if !hit {
			a.publish(ctx, sessionID, bus.Action("project_store", map[string]any{
				"operation": "create",
				"files":     len(files),
			}))
		}

		proj, err := a.store.Create(ctx, projectName(description), ownerID, files)
		if err != nil {
			return err
		}

		paths := make([]string, len(files))
		for i, f := range files {
			paths[i] = f.Path
		}
		a.publish(ctx, sessionID, bus.Result(fmt.Sprintf(
			"Created project %s with %d files: %s",
			proj.ID, len(files), strings.Join(paths, ", "))))

		result = &AppResult{Project: proj, Files: files, Cached: hit}
		return nil
	})
	return result, err
}

// HandleDebug analyzes a code snippet and suggests fixes.
func (a *Agent) HandleDebug(ctx context.Context, sessionID, code string) (string, error) {
	if strings.TrimSpace(code) == "" {
		return "", fault.Newf(fault.KindValidation, "agent.HandleDebug", "empty code")
	}

	var reply string
	err := a.run(ctx, sessionID, "debug request", func(ctx context.Context) error {
		fp := cache.Fingerprint("debug", code)
		if text, ok := a.cached(ctx, fp); ok {
			reply = text
			a.publish(ctx, sessionID, bus.Result(text))
			return nil
		}

		a.publish(ctx, sessionID, bus.Thought("Analyzing code"))
		text, err := a.invoke(ctx, fp, prompt.ForDebug(a.system(), code))
		if err != nil {
			return err
		}
		reply = text
		a.publish(ctx, sessionID, bus.Result(text))
		return nil
	})
	return reply, err
}

// HandleDocs generates documentation for a file set.
func (a *Agent) HandleDocs(ctx context.Context, sessionID string, files []parse.File) (string, error) {
	if len(files) == 0 {
		return "", fault.Newf(fault.KindValidation, "agent.HandleDocs", "no files supplied")
	}

	var input strings.Builder
	for _, f := range files {
		input.WriteString(f.Path)
		input.WriteByte('\x00')
		input.WriteString(f.Content)
		input.WriteByte('\x00')
	}

	var reply string
	err := a.run(ctx, sessionID, "documentation request", func(ctx context.Context) error {
		fp := cache.Fingerprint("docs", input.String())
		if text, ok := a.cached(ctx, fp); ok {
			reply = text
			a.publish(ctx, sessionID, bus.Result(text))
			return nil
		}

		a.publish(ctx, sessionID, bus.Thought("Writing documentation"))
		text, err := a.invoke(ctx, fp, prompt.ForDocs(a.system(), files))
		if err != nil {
			return err
		}
		reply = text
		a.publish(ctx, sessionID, bus.Result(text))
		return nil
	})
	return reply, err
}

// HandleToolAction dispatches one explicit tool invocation. The browser
// is the only tool; its action event precedes dispatch so observers see
// the attempt even when it fails.
func (a *Agent) HandleToolAction(ctx context.Context, sessionID, tool string, args map[string]any) (string, error) {
	const op = "agent.HandleToolAction"
	if tool != "browser" {
		return "", fault.Newf(fault.KindValidation, op, "unknown tool: %s", tool)
	}

	var output string
	err := a.run(ctx, sessionID, fmt.Sprintf("tool action: %s", tool), func(ctx context.Context) error {
		cmd, err := sandbox.FromArgs(args)
		if err != nil {
			return err
		}
		a.publish(ctx, sessionID, bus.Action(tool, args))

		outcome, err := a.sandbox.Execute(ctx, cmd)
		if err != nil {
			return err
		}
		output = outcome.Output
		a.publish(ctx, sessionID, bus.Result(outcome.Output))
		return nil
	})
	return output, err
}

// HandleBrowseTask drives the sandbox iteratively: ask the model for the
// next command, execute it, feed the outcome back, until the model
// finishes or the step cap is hit.
func (a *Agent) HandleBrowseTask(ctx context.Context, sessionID, task string) (string, error) {
	const op = "agent.HandleBrowseTask"
	if strings.TrimSpace(task) == "" {
		return "", fault.Newf(fault.KindValidation, op, "empty task")
	}

	var summary string
	err := a.run(ctx, sessionID, task, func(ctx context.Context) error {
		lastOutcome := ""
		for step := 1; step <= maxBrowseSteps; step++ {
			reply, err := a.gen.Generate(ctx,
				prompt.ForBrowseStep(a.system(), task, lastOutcome, step, maxBrowseSteps))
			if err != nil {
				return err
			}

			cmd, err := sandbox.ParseModelCommand(reply)
			if err != nil {
				return err
			}
			if cmd.Reason != "" {
				a.publish(ctx, sessionID, bus.Thought(cmd.Reason))
			}

			if cmd.Action == sandbox.ActionFinish {
				summary = cmd.Summary
				if summary == "" {
					summary = "task complete"
				}
				a.publish(ctx, sessionID, bus.Result(summary))
				return nil
			}

			a.publish(ctx, sessionID, bus.Action("browser", commandArgs(cmd)))
			outcome, err := a.sandbox.Execute(ctx, cmd)
			if err != nil {
				if fault.Is(err, fault.KindBusy) {
					// Another session holds the sandbox. Let the model
					// decide whether to retry or finish.
					lastOutcome = "the browser is busy with another command, try again"
					continue
				}
				return err
			}
			lastOutcome = outcome.Output
		}
		return fault.Newf(fault.KindTransient, op,
			"task did not finish within %d steps", maxBrowseSteps)
	})
	return summary, err
}

// UpdateFile appends a new version of one file in an existing project.
func (a *Agent) UpdateFile(ctx context.Context, sessionID, projectID, path, content string) (*project.FileArtifact, error) {
	var artifact *project.FileArtifact
	err := a.run(ctx, sessionID, fmt.Sprintf("update %s", path), func(ctx context.Context) error {
		a.publish(ctx, sessionID, bus.Action("project_store", map[string]any{
			"operation":  "add_version",
			"project_id": projectID,
			"path":       path,
		}))
		art, err := a.store.AddFileVersion(ctx, projectID, path, content)
		if err != nil {
			return err
		}
		artifact = art
		a.publish(ctx, sessionID, bus.Result(fmt.Sprintf(
			"%s is now at version %d", art.Path, art.Version)))
		return nil
	})
	return artifact, err
}

// CloseSession terminates a session's event stream.
func (a *Agent) CloseSession(sessionID string) {
	a.bus.Close(sessionID)
	a.mu.Lock()
	delete(a.sessions, sessionID)
	a.mu.Unlock()
}

// projectName derives a project name from the description's first
// characters, never splitting a rune.
func projectName(description string) string {
	name := strings.TrimSpace(description)
	if utf8.RuneCountInString(name) <= projectNameLimit {
		return name
	}
	runes := []rune(name)
	return string(runes[:projectNameLimit])
}

func commandArgs(cmd sandbox.Command) map[string]any {
	args := map[string]any{"action": string(cmd.Action)}
	if cmd.URL != "" {
		args["url"] = cmd.URL
	}
	if cmd.Selector != "" {
		args["selector"] = cmd.Selector
	}
	if cmd.Text != "" {
		args["text"] = cmd.Text
	}
	if cmd.Key != "" {
		args["key"] = cmd.Key
	}
	return args
}
