package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"appforge/internal/fault"
)

// Driver is the browser backend behind the sandbox state machine. The
// go-rod implementation is the real one; tests substitute a fake.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, selector string) error
	Type(ctx context.Context, selector, text string) error
	Press(ctx context.Context, selector, key string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// DriverFactory builds a fresh Driver. Reinitialization after a crash
// goes through the factory so no crashed state is ever reused.
type DriverFactory func(ctx context.Context) (Driver, error)

// DriverConfig configures the rod driver.
type DriverConfig struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	NavTimeout     time.Duration
}

// RodFactory returns a factory that launches a Chrome instance with one
// persistent page per driver.
func RodFactory(cfg DriverConfig) DriverFactory {
	return func(ctx context.Context) (Driver, error) {
		return newRodDriver(ctx, cfg)
	}
}

type rodDriver struct {
	browser *rod.Browser
	page    *rod.Page
	cfg     DriverConfig
}

func newRodDriver(ctx context.Context, cfg DriverConfig) (*rodDriver, error) {
	if cfg.ViewportWidth == 0 {
		cfg.ViewportWidth = 1280
	}
	if cfg.ViewportHeight == 0 {
		cfg.ViewportHeight = 800
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = 30 * time.Second
	}

	controlURL, err := launcher.New().Headless(cfg.Headless).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             cfg.ViewportWidth,
		Height:            cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		_ = browser.Close()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	return &rodDriver{browser: browser, page: page, cfg: cfg}, nil
}

func (d *rodDriver) Navigate(ctx context.Context, url string) error {
	err := d.page.Context(ctx).Timeout(d.cfg.NavTimeout).Navigate(url)
	return d.classify(err, "navigate to %s", url)
}

func (d *rodDriver) Click(ctx context.Context, selector string) error {
	el, err := d.page.Context(ctx).Element(selector)
	if err != nil {
		return d.classify(err, "find %s", selector)
	}
	return d.classify(el.Click(proto.InputMouseButtonLeft, 1), "click %s", selector)
}

func (d *rodDriver) Type(ctx context.Context, selector, text string) error {
	el, err := d.page.Context(ctx).Element(selector)
	if err != nil {
		return d.classify(err, "find %s", selector)
	}
	return d.classify(el.Input(text), "type into %s", selector)
}

func (d *rodDriver) Press(ctx context.Context, selector, key string) error {
	k, err := namedKey(key)
	if err != nil {
		return err
	}
	el, findErr := d.page.Context(ctx).Element(selector)
	if findErr != nil {
		return d.classify(findErr, "find %s", selector)
	}
	if err := el.Focus(); err != nil {
		return d.classify(err, "focus %s", selector)
	}
	return d.classify(d.page.Keyboard.Press(k), "press %s", key)
}

func (d *rodDriver) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := d.page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, d.classify(err, "screenshot")
	}
	return data, nil
}

func (d *rodDriver) Close() error {
	return d.browser.Close()
}

// classify wraps a driver error, promoting it to a crash fault when the
// browser connection itself is gone.
func (d *rodDriver) classify(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf(format+": %w", append(args, err)...)
	if _, verErr := d.browser.Version(); verErr != nil {
		return fault.New(fault.KindSandboxCrash, "sandbox.driver", wrapped)
	}
	return wrapped
}

func namedKey(key string) (input.Key, error) {
	switch key {
	case "Enter":
		return input.Enter, nil
	case "Tab":
		return input.Tab, nil
	case "Escape":
		return input.Escape, nil
	case "Backspace":
		return input.Backspace, nil
	case "ArrowUp":
		return input.ArrowUp, nil
	case "ArrowDown":
		return input.ArrowDown, nil
	case "ArrowLeft":
		return input.ArrowLeft, nil
	case "ArrowRight":
		return input.ArrowRight, nil
	default:
		return 0, fault.Newf(fault.KindValidation, "sandbox.Press", "unsupported key: %s", key)
	}
}
