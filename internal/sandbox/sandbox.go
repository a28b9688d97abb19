package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"appforge/internal/fault"
)

// Status is the sandbox session lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusReady         Status = "ready"
	StatusBusy          Status = "busy"
	StatusCrashed       Status = "crashed"
	StatusClosed        Status = "closed"
)

// Outcome is the result of a successfully executed command.
type Outcome struct {
	Output string `json:"output"`
}

// Runner is the orchestrator's view of the sandbox.
type Runner interface {
	Execute(ctx context.Context, cmd Command) (*Outcome, error)
	Screenshot(ctx context.Context) ([]byte, error)
}

// Sandbox owns exactly one live execution context. At most one command is
// in flight; a second caller is rejected with a retryable busy fault
// rather than queued. A crash is terminal for the session: every later
// call fails fast until Reinitialize builds a fresh driver under a new
// session id.
type Sandbox struct {
	factory     DriverFactory
	execTimeout time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	driver    Driver
	status    Status
	sessionID string
}

// New creates an uninitialized sandbox.
func New(factory DriverFactory, execTimeout time.Duration, logger *zap.Logger) *Sandbox {
	if execTimeout <= 0 {
		execTimeout = 45 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sandbox{
		factory:     factory,
		execTimeout: execTimeout,
		logger:      logger,
		status:      StatusUninitialized,
	}
}

// Initialize builds the driver session. Only valid from uninitialized.
func (s *Sandbox) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusUninitialized {
		status := s.status
		s.mu.Unlock()
		return fault.Newf(fault.KindValidation, "sandbox.Initialize", "cannot initialize from %s", status)
	}
	s.mu.Unlock()
	return s.start(ctx)
}

// Reinitialize discards any previous session (crashed or not) and builds
// a fresh one under a new session id. Crashed state is never reused.
func (s *Sandbox) Reinitialize(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusBusy {
		s.mu.Unlock()
		return fault.Newf(fault.KindBusy, "sandbox.Reinitialize", "command in flight")
	}
	old := s.driver
	s.driver = nil
	s.status = StatusUninitialized
	s.sessionID = ""
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return s.start(ctx)
}

func (s *Sandbox) start(ctx context.Context) error {
	driver, err := s.factory(ctx)
	if err != nil {
		return fault.New(fault.KindTransient, "sandbox.start", err)
	}

	s.mu.Lock()
	s.driver = driver
	s.status = StatusReady
	s.sessionID = uuid.NewString()
	s.mu.Unlock()

	s.logger.Info("sandbox session ready", zap.String("session", s.SessionID()))
	return nil
}

// SessionID returns the current session id, empty when uninitialized.
func (s *Sandbox) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Status returns the current lifecycle state.
func (s *Sandbox) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Close shuts the session down. Further calls fail until Reinitialize.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	driver := s.driver
	s.driver = nil
	s.status = StatusClosed
	s.mu.Unlock()

	if driver != nil {
		return driver.Close()
	}
	return nil
}

// acquire moves ready -> busy, or explains why it cannot.
func (s *Sandbox) acquire(op string) (Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.status {
	case StatusReady:
		s.status = StatusBusy
		return s.driver, nil
	case StatusBusy:
		return nil, fault.Newf(fault.KindBusy, op, "a command is already running")
	case StatusCrashed:
		return nil, fault.Newf(fault.KindSandboxCrash, op, "session crashed, requires reinitialization")
	case StatusClosed:
		return nil, fault.Newf(fault.KindValidation, op, "session closed")
	default:
		return nil, fault.Newf(fault.KindValidation, op, "session not initialized")
	}
}

// release moves busy back to ready, or to crashed when the command died
// with the driver.
func (s *Sandbox) release(crashed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusBusy {
		return
	}
	if crashed {
		s.status = StatusCrashed
		return
	}
	s.status = StatusReady
}

// Execute runs one command against the session, time-boxed. A second
// caller during execution gets a busy fault. A panic or a crash-classified
// driver error marks the session crashed.
func (s *Sandbox) Execute(ctx context.Context, cmd Command) (outcome *Outcome, err error) {
	const op = "sandbox.Execute"

	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.Action == ActionFinish {
		return nil, fault.Newf(fault.KindValidation, op, "finish is not an executable action")
	}

	driver, err := s.acquire(op)
	if err != nil {
		return nil, err
	}

	crashed := false
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			err = fault.Newf(fault.KindSandboxCrash, op, "panic during execution: %v", r)
		}
		s.release(crashed)
	}()

	execCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	runErr := s.run(execCtx, driver, cmd)
	if runErr != nil {
		if fault.Is(runErr, fault.KindSandboxCrash) {
			crashed = true
			s.logger.Error("sandbox session crashed",
				zap.String("session", s.SessionID()), zap.Error(runErr))
			return nil, runErr
		}
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, fault.New(fault.KindTransient, op,
				fmt.Errorf("command timed out after %s: %w", s.execTimeout, runErr))
		}
		return nil, fmt.Errorf("%s: %w", op, runErr)
	}

	return &Outcome{Output: describe(cmd)}, nil
}

func (s *Sandbox) run(ctx context.Context, driver Driver, cmd Command) error {
	switch cmd.Action {
	case ActionNavigate:
		return driver.Navigate(ctx, cmd.URL)
	case ActionClick:
		return driver.Click(ctx, cmd.Selector)
	case ActionType:
		return driver.Type(ctx, cmd.Selector, cmd.Text)
	case ActionPress:
		return driver.Press(ctx, cmd.Selector, cmd.Key)
	case ActionScreenshot:
		_, err := driver.Screenshot(ctx)
		return err
	default:
		return fault.Newf(fault.KindValidation, "sandbox.run", "unknown action: %s", cmd.Action)
	}
}

// Screenshot captures the current page. Requires a ready session; a busy
// session rejects like any other command.
func (s *Sandbox) Screenshot(ctx context.Context) (data []byte, err error) {
	const op = "sandbox.Screenshot"

	driver, err := s.acquire(op)
	if err != nil {
		return nil, err
	}

	crashed := false
	defer func() {
		if r := recover(); r != nil {
			crashed = true
			err = fault.Newf(fault.KindSandboxCrash, op, "panic during screenshot: %v", r)
		}
		s.release(crashed)
	}()

	shotCtx, cancel := context.WithTimeout(ctx, s.execTimeout)
	defer cancel()

	data, err = driver.Screenshot(shotCtx)
	if err != nil {
		if fault.Is(err, fault.KindSandboxCrash) {
			crashed = true
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return data, nil
}

func describe(cmd Command) string {
	switch cmd.Action {
	case ActionNavigate:
		return fmt.Sprintf("navigated to %s", cmd.URL)
	case ActionClick:
		return fmt.Sprintf("clicked %s", cmd.Selector)
	case ActionType:
		return fmt.Sprintf("typed into %s", cmd.Selector)
	case ActionPress:
		return fmt.Sprintf("pressed %s on %s", cmd.Key, cmd.Selector)
	case ActionScreenshot:
		return "captured screenshot"
	default:
		return string(cmd.Action)
	}
}
