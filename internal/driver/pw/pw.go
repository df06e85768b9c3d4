// Package pw implements driver.Driver with playwright-go driving Firefox,
// either launched locally or attached to a remote playwright server.
package pw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/driver"
)

const (
	installTimeout = 5 * time.Minute
	launchTimeout  = 60 * time.Second
	pollInterval   = 250 * time.Millisecond
)

type element struct {
	handle playwright.ElementHandle
	loc    driver.Locator
}

func (e *element) Locator() driver.Locator { return e.loc }

// Driver is a playwright-backed browser session with one page.
type Driver struct {
	logger  *zap.Logger
	page    playwright.Page
	bctx    playwright.BrowserContext
	closers []func() error

	mu    sync.Mutex
	frame playwright.Frame

	quitOnce sync.Once
	quitErr  error
}

// NewLocal installs Firefox if needed and launches it.
func NewLocal(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (*Driver, error) {
	logger = logger.With(zap.String("driver", config.DriverFirefox))
	runOpts := &playwright.RunOptions{
		Browsers: []string{"firefox"},
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if err := ensureInstallation(ctx, runOpts, logger); err != nil {
		return nil, err
	}
	pwr, err := playwright.Run(runOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright driver: %w", err)
	}
	browser, err := pwr.Firefox.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args:     cfg.Args,
		Timeout:  playwright.Float(float64(launchTimeout.Milliseconds())),
	})
	if err != nil {
		_ = pwr.Stop()
		return nil, fmt.Errorf("failed to launch firefox: %w", mapErr(err))
	}
	return newSession(pwr, browser, cfg, logger)
}

// NewRemote connects to a playwright server, e.g. a firefox container.
func NewRemote(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (*Driver, error) {
	logger = logger.With(zap.String("driver", config.DriverFirefoxRemote), zap.String("remote_url", cfg.RemoteURL))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pwr, err := playwright.Run(&playwright.RunOptions{SkipInstallBrowsers: true, Stdout: io.Discard, Stderr: io.Discard})
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright driver: %w", err)
	}
	browser, err := pwr.Firefox.Connect(cfg.RemoteURL, playwright.BrowserTypeConnectOptions{
		Timeout: playwright.Float(float64(launchTimeout.Milliseconds())),
	})
	if err != nil {
		_ = pwr.Stop()
		if strings.Contains(err.Error(), "ECONNREFUSED") || strings.Contains(err.Error(), "connection refused") {
			return nil, fmt.Errorf("%w: %v", driver.ErrConnectionRefused, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.RemoteURL, mapErr(err))
	}
	return newSession(pwr, browser, cfg, logger)
}

// ensureInstallation runs the blocking installer under a deadline.
func ensureInstallation(ctx context.Context, opts *playwright.RunOptions, logger *zap.Logger) error {
	logger.Info("Verifying Playwright browser installation...")
	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- playwright.Install(opts) }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to install playwright browsers: %w", err)
		}
		return nil
	case <-installCtx.Done():
		return fmt.Errorf("timeout waiting for playwright installation: %w", installCtx.Err())
	}
}

func newSession(pwr *playwright.Playwright, browser playwright.Browser, cfg config.DriverConfig, logger *zap.Logger) (*Driver, error) {
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		Viewport:          &playwright.Size{Width: 1280, Height: 1024},
	})
	if err != nil {
		_ = browser.Close()
		_ = pwr.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		_ = pwr.Stop()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	page.SetDefaultTimeout(float64(cfg.Timeout.Milliseconds()))

	d := newDriver(page, bctx, logger,
		func() error { return bctx.Close() },
		func() error { return browser.Close() },
		pwr.Stop,
	)
	logger.Info("Browser session started.", zap.String("browser_version", browser.Version()))
	return d, nil
}

func newDriver(page playwright.Page, bctx playwright.BrowserContext, logger *zap.Logger, closers ...func() error) *Driver {
	return &Driver{logger: logger, page: page, bctx: bctx, closers: closers}
}

// selector renders a locator in playwright's engine-prefixed syntax.
func selector(loc driver.Locator) string {
	if loc.Strategy == driver.XPath {
		return "xpath=" + loc.Expr
	}
	return "css=" + loc.Expr
}

// mapErr translates playwright failures into the driver sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, playwright.ErrTimeout):
		return fmt.Errorf("%w: %v", driver.ErrTimeout, err)
	case errors.Is(err, playwright.ErrTargetClosed):
		return fmt.Errorf("%w: %v", driver.ErrSessionClosed, err)
	}
	return err
}

func (d *Driver) current() playwright.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.frame != nil {
		return d.frame
	}
	return d.page.MainFrame()
}

// budget clamps timeout to ctx's deadline, in playwright milliseconds.
func budget(ctx context.Context, timeout time.Duration) float64 {
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout {
			timeout = left
		}
	}
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	return float64(timeout.Milliseconds())
}

func asElement(el driver.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e == nil || e.handle == nil {
		return nil, fmt.Errorf("pw: foreign element %T", el)
	}
	return e, nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Debug("Navigating.", zap.String("url", url))
	if _, err := d.page.Goto(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, mapErr(err))
	}
	d.mu.Lock()
	d.frame = nil
	d.mu.Unlock()
	return nil
}

func (d *Driver) Find(ctx context.Context, loc driver.Locator) (driver.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := d.current().QuerySelector(selector(loc))
	if err != nil {
		return nil, mapErr(err)
	}
	if h == nil {
		return nil, driver.NotFoundError(loc)
	}
	return &element{handle: h, loc: loc}, nil
}

func (d *Driver) FindAll(ctx context.Context, within driver.Element, loc driver.Locator) ([]driver.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		handles []playwright.ElementHandle
		err     error
	)
	if within == nil {
		handles, err = d.current().QuerySelectorAll(selector(loc))
	} else {
		parent, perr := asElement(within)
		if perr != nil {
			return nil, perr
		}
		handles, err = parent.handle.QuerySelectorAll(selector(loc))
	}
	if err != nil {
		return nil, mapErr(err)
	}
	out := make([]driver.Element, 0, len(handles))
	for _, h := range handles {
		out = append(out, &element{handle: h, loc: loc})
	}
	return out, nil
}

func (d *Driver) WaitFor(ctx context.Context, loc driver.Locator, cond driver.Condition, timeout time.Duration) (driver.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	state := playwright.WaitForSelectorState("attached")
	if cond == driver.Clickable {
		state = playwright.WaitForSelectorState("visible")
	}
	h, err := d.current().WaitForSelector(selector(loc), playwright.FrameWaitForSelectorOptions{
		State:   &state,
		Timeout: playwright.Float(budget(ctx, timeout)),
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, driver.TimeoutError(fmt.Sprintf("%s to be %s", loc, cond), timeout)
		}
		return nil, mapErr(err)
	}
	if cond == driver.Clickable {
		if err := d.waitEnabled(ctx, h, timeout-time.Since(start)); err != nil {
			if errors.Is(err, driver.ErrTimeout) {
				return nil, driver.TimeoutError(fmt.Sprintf("%s to be %s", loc, cond), timeout)
			}
			return nil, err
		}
	}
	return &element{handle: h, loc: loc}, nil
}

func (d *Driver) waitEnabled(ctx context.Context, h playwright.ElementHandle, left time.Duration) error {
	deadline := time.Now().Add(left)
	for {
		ok, err := h.IsEnabled()
		if err != nil {
			return mapErr(err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return driver.ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (d *Driver) WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		title, err := d.Title(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(title, substr) {
			return nil
		}
		if !time.Now().Before(deadline) {
			return driver.TimeoutError(fmt.Sprintf("title to contain %q", substr), timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.handle.Click(); err != nil {
		return fmt.Errorf("click %s: %w", e.loc, mapErr(err))
	}
	return nil
}

func (d *Driver) Type(ctx context.Context, el driver.Element, text string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.handle.Fill(text); err != nil {
		return fmt.Errorf("type into %s: %w", e.loc, mapErr(err))
	}
	return nil
}

func (d *Driver) Text(ctx context.Context, el driver.Element) (string, error) {
	e, err := asElement(el)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := e.handle.InnerText()
	if err != nil {
		return "", fmt.Errorf("read text of %s: %w", e.loc, mapErr(err))
	}
	return text, nil
}

func (d *Driver) SwitchToFrame(ctx context.Context, loc driver.Locator, timeout time.Duration) error {
	el, err := d.WaitFor(ctx, loc, driver.Present, timeout)
	if err != nil {
		return fmt.Errorf("switch to frame %s: %w", loc, err)
	}
	frame, err := el.(*element).handle.ContentFrame()
	if err != nil {
		return fmt.Errorf("switch to frame %s: %w", loc, mapErr(err))
	}
	if frame == nil {
		return fmt.Errorf("switch to frame %s: element is not a frame", loc)
	}
	d.mu.Lock()
	d.frame = frame
	d.mu.Unlock()
	return nil
}

func (d *Driver) SwitchToDefault(ctx context.Context) error {
	d.mu.Lock()
	d.frame = nil
	d.mu.Unlock()
	return ctx.Err()
}

func (d *Driver) ExecuteScript(ctx context.Context, script string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := d.page.Evaluate(script); err != nil {
		return fmt.Errorf("execute script: %w", mapErr(err))
	}
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.page.URL(), nil
}

func (d *Driver) FrameURL(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return d.current().URL(), nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title, err := d.page.Title()
	if err != nil {
		return "", mapErr(err)
	}
	return title, nil
}

func (d *Driver) Refresh(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.frame = nil
	d.mu.Unlock()
	if _, err := d.page.Reload(); err != nil {
		return fmt.Errorf("refresh: %w", mapErr(err))
	}
	return nil
}

func (d *Driver) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := d.bctx.Cookies()
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", mapErr(err))
	}
	out := make([]driver.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromPlaywrightCookie(c))
	}
	return out, nil
}

func (d *Driver) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(cookies) == 0 {
		return nil
	}
	params := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toOptionalCookie(c))
	}
	if err := d.bctx.AddCookies(params); err != nil {
		return fmt.Errorf("set cookies: %w", mapErr(err))
	}
	return nil
}

// Quit closes the context, the browser and the playwright driver once.
func (d *Driver) Quit() error {
	d.quitOnce.Do(func() {
		var errs []error
		for _, closeFn := range d.closers {
			if err := closeFn(); err != nil && !errors.Is(err, playwright.ErrTargetClosed) {
				errs = append(errs, err)
			}
		}
		d.quitErr = errors.Join(errs...)
		d.logger.Info("Browser session closed.")
	})
	return d.quitErr
}

func fromPlaywrightCookie(c playwright.Cookie) driver.Cookie {
	out := driver.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HttpOnly,
		Secure:   c.Secure,
	}
	if c.SameSite != nil {
		out.SameSite = string(*c.SameSite)
	}
	// Playwright reports session cookies with an expiry of -1.
	if c.Expires > 0 {
		sec := int64(c.Expires)
		out.Expires = time.Unix(sec, int64((c.Expires-float64(sec))*1e9)).UTC()
	}
	return out
}

func toOptionalCookie(c driver.Cookie) playwright.OptionalCookie {
	oc := playwright.OptionalCookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   playwright.String(c.Domain),
		Path:     playwright.String(c.Path),
		HttpOnly: playwright.Bool(c.HTTPOnly),
		Secure:   playwright.Bool(c.Secure),
	}
	if oc.Path == nil || *oc.Path == "" {
		oc.Path = playwright.String("/")
	}
	if c.SameSite != "" {
		ss := playwright.SameSiteAttribute(c.SameSite)
		oc.SameSite = &ss
	}
	if !c.Session() {
		oc.Expires = playwright.Float(float64(c.Expires.Unix()))
	}
	return oc
}

var _ driver.Driver = (*Driver)(nil)
