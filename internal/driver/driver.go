// Package driver defines the browser capability set the enrollment stages
// consume. Concrete backends live in the cdp and pw subpackages.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Backends wrap their native failures so errors.Is works
// across every driver.
var (
	ErrNotFound          = errors.New("element not found")
	ErrTimeout           = errors.New("expected condition timed out")
	ErrSessionClosed     = errors.New("browser session closed")
	ErrConnectionRefused = errors.New("browser connection refused")
)

// Strategy is the query language of a Locator.
type Strategy int

const (
	CSS Strategy = iota
	XPath
)

func (s Strategy) String() string {
	switch s {
	case CSS:
		return "css"
	case XPath:
		return "xpath"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

const xpathPrefix = "xpath="

// Locator is a lookup expression for a landmark on the page.
type Locator struct {
	Strategy Strategy
	Expr     string
}

// ByCSS returns a CSS locator.
func ByCSS(expr string) Locator { return Locator{Strategy: CSS, Expr: expr} }

// ByXPath returns an XPath locator.
func ByXPath(expr string) Locator { return Locator{Strategy: XPath, Expr: expr} }

// ParseLocator reads the override syntax: "xpath=" selects XPath, anything
// else is CSS.
func ParseLocator(s string) Locator {
	if strings.HasPrefix(s, xpathPrefix) {
		return ByXPath(strings.TrimPrefix(s, xpathPrefix))
	}
	return ByCSS(s)
}

// String renders the locator in the override syntax accepted by ParseLocator.
func (l Locator) String() string {
	if l.Strategy == XPath {
		return xpathPrefix + l.Expr
	}
	return l.Expr
}

// Condition is what WaitFor waits for.
type Condition int

const (
	// Present means attached to the DOM.
	Present Condition = iota
	// Clickable means present, visible and enabled.
	Clickable
)

func (c Condition) String() string {
	if c == Clickable {
		return "clickable"
	}
	return "present"
}

// Element is an opaque handle to a node. Handles are only meaningful to the
// driver that produced them.
type Element interface {
	// Locator reports the expression the element was found with.
	Locator() Locator
}

// Cookie is a backend-neutral browser cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
	SameSite string    `json:"same_site,omitempty"`
}

// Session reports whether the cookie lives only for the browser session.
func (c Cookie) Session() bool { return c.Expires.IsZero() }

// Expired reports whether the cookie expired before now.
func (c Cookie) Expired(now time.Time) bool {
	return !c.Session() && c.Expires.Before(now)
}

// Driver is the capability set a browser backend provides. Queries run
// against the current browsing context, which SwitchToFrame and
// SwitchToDefault move. ExecuteScript always runs in the top document.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	// Find returns the first match in the current context without waiting.
	Find(ctx context.Context, loc Locator) (Element, error)
	// FindAll returns every match under within, or under the current
	// context when within is nil. No match is an empty slice, not an error.
	FindAll(ctx context.Context, within Element, loc Locator) ([]Element, error)
	WaitFor(ctx context.Context, loc Locator, cond Condition, timeout time.Duration) (Element, error)
	WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error
	Click(ctx context.Context, el Element) error
	Type(ctx context.Context, el Element, text string) error
	Text(ctx context.Context, el Element) (string, error)
	SwitchToFrame(ctx context.Context, loc Locator, timeout time.Duration) error
	SwitchToDefault(ctx context.Context) error
	ExecuteScript(ctx context.Context, script string) error
	CurrentURL(ctx context.Context) (string, error)
	// FrameURL is the document URL of the current context.
	FrameURL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	// Quit releases the browser. It is safe to call more than once.
	Quit() error
}

// Exists reports whether loc matches in the current context, without waiting.
func Exists(ctx context.Context, d Driver, loc Locator) (bool, error) {
	_, err := d.Find(ctx, loc)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// WaitClick waits for loc to become clickable and clicks it.
func WaitClick(ctx context.Context, d Driver, loc Locator, timeout time.Duration) error {
	el, err := d.WaitFor(ctx, loc, Clickable, timeout)
	if err != nil {
		return err
	}
	return d.Click(ctx, el)
}

// WaitText waits for loc to be present and returns its rendered text.
func WaitText(ctx context.Context, d Driver, loc Locator, timeout time.Duration) (string, error) {
	el, err := d.WaitFor(ctx, loc, Present, timeout)
	if err != nil {
		return "", err
	}
	return d.Text(ctx, el)
}

// NotFoundError decorates ErrNotFound with the locator that missed.
func NotFoundError(loc Locator) error {
	return fmt.Errorf("%w: %s", ErrNotFound, loc)
}

// TimeoutError decorates ErrTimeout with what was being waited for.
func TimeoutError(what string, timeout time.Duration) error {
	return fmt.Errorf("%w: %s after %s", ErrTimeout, what, timeout)
}
