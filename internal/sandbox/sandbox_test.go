package sandbox

import (
	"context"
	"sync"
	"testing"
	"time"

	"appforge/internal/fault"
)

// fakeDriver scripts driver behavior for state machine tests.
type fakeDriver struct {
	mu        sync.Mutex
	navErr    error
	clickErr  error
	block     chan struct{} // when set, Navigate blocks until closed
	shot      []byte
	shotErr   error
	closed    bool
	navigated []string
}

func (d *fakeDriver) Navigate(ctx context.Context, url string) error {
	if d.block != nil {
		select {
		case <-d.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.mu.Lock()
	d.navigated = append(d.navigated, url)
	d.mu.Unlock()
	return d.navErr
}

func (d *fakeDriver) Click(context.Context, string) error { return d.clickErr }
func (d *fakeDriver) Type(context.Context, string, string) error { return nil }
func (d *fakeDriver) Press(context.Context, string, string) error { return nil }

func (d *fakeDriver) Screenshot(context.Context) ([]byte, error) {
	return d.shot, d.shotErr
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

func newTestSandbox(t *testing.T, driver *fakeDriver, timeout time.Duration) *Sandbox {
	t.Helper()
	s := New(func(context.Context) (Driver, error) { return driver, nil }, timeout, nil)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return s
}

func TestExecuteNavigate(t *testing.T) {
	driver := &fakeDriver{}
	s := newTestSandbox(t, driver, time.Second)

	outcome, err := s.Execute(context.Background(), Command{Action: ActionNavigate, URL: "https://example.com"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Output != "navigated to https://example.com" {
		t.Errorf("output = %q", outcome.Output)
	}
	if s.Status() != StatusReady {
		t.Errorf("status after success = %s", s.Status())
	}
}

func TestExecuteRejectsWhileBusy(t *testing.T) {
	driver := &fakeDriver{block: make(chan struct{})}
	s := newTestSandbox(t, driver, 5*time.Second)

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := s.Execute(context.Background(), Command{Action: ActionNavigate, URL: "https://example.com"})
		done <- err
	}()
	<-started

	// Wait for the first command to take the session.
	deadline := time.Now().Add(time.Second)
	for s.Status() != StatusBusy && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.Status() != StatusBusy {
		t.Fatal("first command never reached busy")
	}

	_, err := s.Execute(context.Background(), Command{Action: ActionClick, Selector: "#go"})
	if !fault.Is(err, fault.KindBusy) {
		t.Fatalf("second command should be rejected busy, got %v", err)
	}

	close(driver.block)
	if err := <-done; err != nil {
		t.Fatalf("first command failed: %v", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("status after release = %s", s.Status())
	}
}

func TestExecuteTimeout(t *testing.T) {
	driver := &fakeDriver{block: make(chan struct{})}
	defer close(driver.block)
	s := newTestSandbox(t, driver, 20*time.Millisecond)

	_, err := s.Execute(context.Background(), Command{Action: ActionNavigate, URL: "https://slow.example"})
	if !fault.Is(err, fault.KindTransient) {
		t.Fatalf("timeout should be a transient fault, got %v", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("timeout must not wedge the session, status = %s", s.Status())
	}
}

func TestCrashIsTerminalUntilReinitialize(t *testing.T) {
	driver := &fakeDriver{
		navErr: fault.Newf(fault.KindSandboxCrash, "sandbox.driver", "browser connection lost"),
	}
	s := newTestSandbox(t, driver, time.Second)
	firstID := s.SessionID()

	_, err := s.Execute(context.Background(), Command{Action: ActionNavigate, URL: "https://example.com"})
	if !fault.Is(err, fault.KindSandboxCrash) {
		t.Fatalf("expected crash fault, got %v", err)
	}
	if s.Status() != StatusCrashed {
		t.Fatalf("status = %s, want crashed", s.Status())
	}

	// Everything fails fast now, nothing hangs.
	if _, err := s.Execute(context.Background(), Command{Action: ActionClick, Selector: "#x"}); !fault.Is(err, fault.KindSandboxCrash) {
		t.Errorf("post-crash execute = %v", err)
	}
	if _, err := s.Screenshot(context.Background()); !fault.Is(err, fault.KindSandboxCrash) {
		t.Errorf("post-crash screenshot = %v", err)
	}

	if err := s.Reinitialize(context.Background()); err != nil {
		t.Fatalf("reinitialize: %v", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("status after reinit = %s", s.Status())
	}
	if s.SessionID() == firstID || s.SessionID() == "" {
		t.Error("reinitialization must mint a fresh session id")
	}
	if !driver.closed {
		t.Error("old driver must be closed on reinitialization")
	}
}

func TestExecutePanicMarksCrashed(t *testing.T) {
	driver := &fakeDriver{}
	s := newTestSandbox(t, driver, time.Second)
	// Swap in a driver whose Click panics.
	s.driver = panicDriver{}

	_, err := s.Execute(context.Background(), Command{Action: ActionClick, Selector: "#x"})
	if !fault.Is(err, fault.KindSandboxCrash) {
		t.Fatalf("expected crash fault from panic, got %v", err)
	}
	if s.Status() != StatusCrashed {
		t.Errorf("status = %s, want crashed", s.Status())
	}
}

type panicDriver struct{}

func (panicDriver) Navigate(context.Context, string) error { panic("boom") }
func (panicDriver) Click(context.Context, string) error { panic("boom") }
func (panicDriver) Type(context.Context, string, string) error { panic("boom") }
func (panicDriver) Press(context.Context, string, string) error { panic("boom") }
func (panicDriver) Screenshot(context.Context) ([]byte, error) { panic("boom") }
func (panicDriver) Close() error { return nil }

func TestScreenshotRequiresReady(t *testing.T) {
	s := New(func(context.Context) (Driver, error) { return &fakeDriver{}, nil }, time.Second, nil)
	if _, err := s.Screenshot(context.Background()); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("uninitialized screenshot = %v", err)
	}
}

func TestScreenshotReturnsImage(t *testing.T) {
	driver := &fakeDriver{shot: []byte{0x89, 'P', 'N', 'G'}}
	s := newTestSandbox(t, driver, time.Second)

	data, err := s.Screenshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 4 {
		t.Errorf("unexpected image payload: %v", data)
	}
}

func TestExecuteRejectsFinish(t *testing.T) {
	s := newTestSandbox(t, &fakeDriver{}, time.Second)
	if _, err := s.Execute(context.Background(), Command{Action: ActionFinish, Summary: "done"}); !fault.Is(err, fault.KindValidation) {
		t.Fatalf("finish must not execute, got %v", err)
	}
}

func TestCloseThenUse(t *testing.T) {
	driver := &fakeDriver{}
	s := newTestSandbox(t, driver, time.Second)
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !driver.closed {
		t.Error("driver not closed")
	}
	if _, err := s.Execute(context.Background(), Command{Action: ActionClick, Selector: "#x"}); !fault.Is(err, fault.KindValidation) {
		t.Errorf("closed execute = %v", err)
	}
	if err := s.Reinitialize(context.Background()); err != nil {
		t.Fatalf("reinitialize after close: %v", err)
	}
	if s.Status() != StatusReady {
		t.Errorf("status = %s", s.Status())
	}
	_ = s.Close()
}
