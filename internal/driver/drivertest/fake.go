// Package drivertest provides a scriptable in-memory driver.Driver so the
// enrollment stages can be exercised without a browser.
package drivertest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xkilldash9x/classbot/internal/driver"
)

// Top is the frame key of the top-level document.
const Top = ""

// Element is a fake node. Zero values describe a visible, enabled element
// with empty text.
type Element struct {
	loc driver.Locator

	Text     string
	TextFunc func() string
	Hidden   bool
	Disabled bool
	OnClick  func()

	mu       sync.Mutex
	children map[string][]*Element
	typed    strings.Builder
	clicks   int
}

// NewElement returns an element with the given text.
func NewElement(text string) *Element { return &Element{Text: text} }

// Locator implements driver.Element.
func (e *Element) Locator() driver.Locator { return e.loc }

// Add registers children returned by FindAll(e, loc).
func (e *Element) Add(loc driver.Locator, children ...*Element) *Element {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.children == nil {
		e.children = make(map[string][]*Element)
	}
	for _, c := range children {
		c.loc = loc
	}
	e.children[loc.String()] = append(e.children[loc.String()], children...)
	return e
}

// Typed returns everything typed into the element.
func (e *Element) Typed() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.typed.String()
}

// Clicks returns how many times the element was clicked.
func (e *Element) Clicks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clicks
}

func (e *Element) text() string {
	if e.TextFunc != nil {
		return e.TextFunc()
	}
	return e.Text
}

type document struct {
	url      string
	elements map[string][]*Element
}

// Driver is the fake. All methods are safe for concurrent use; hooks run
// without the driver lock held so they may mutate the page.
type Driver struct {
	mu       sync.Mutex
	docs     map[string]*document
	frame    string
	title    string
	cookies  []driver.Cookie
	calls    []string
	failures map[string]error
	quits    int

	OnNavigate func(url string)
	OnScript   func(script string)
	OnRefresh  func()
	// TitleFunc, when set, overrides the static title.
	TitleFunc func() string
}

// New returns an empty fake with a top-level document.
func New() *Driver {
	return &Driver{
		docs:     map[string]*document{Top: {elements: make(map[string][]*Element)}},
		failures: make(map[string]error),
	}
}

func (d *Driver) doc(frame string) *document {
	doc, ok := d.docs[frame]
	if !ok {
		doc = &document{elements: make(map[string][]*Element)}
		d.docs[frame] = doc
	}
	return doc
}

// Set replaces the elements matching loc in the given frame. The frame key
// is the String() of the frame's locator, or Top.
func (d *Driver) Set(frame string, loc driver.Locator, els ...*Element) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, el := range els {
		el.loc = loc
	}
	d.doc(frame).elements[loc.String()] = els
}

// Remove deletes every element matching loc in the given frame.
func (d *Driver) Remove(frame string, loc driver.Locator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.doc(frame).elements, loc.String())
}

// SetURL sets the document URL reported for a frame.
func (d *Driver) SetURL(frame, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doc(frame).url = url
}

// SetTitle sets the page title.
func (d *Driver) SetTitle(title string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.title = title
}

// FailOn makes the call with the given record (see Calls) return err.
func (d *Driver) FailOn(call string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[call] = err
}

// Calls returns the recorded calls, e.g. "navigate http://x", "click #id".
func (d *Driver) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

// Called reports whether a call with the given record happened.
func (d *Driver) Called(call string) bool {
	for _, c := range d.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

// QuitCount returns how many times Quit ran.
func (d *Driver) QuitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quits
}

// Frame returns the current frame key.
func (d *Driver) Frame() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

// record logs a call and returns its injected failure, if any.
func (d *Driver) record(ctx context.Context, call string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, call)
	return d.failures[call]
}

func (d *Driver) lookup(loc driver.Locator) []*Element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc(d.frame).elements[loc.String()]
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	if err := d.record(ctx, "navigate "+url); err != nil {
		return err
	}
	if d.OnNavigate != nil {
		d.OnNavigate(url)
	}
	return nil
}

func (d *Driver) Find(ctx context.Context, loc driver.Locator) (driver.Element, error) {
	if err := d.record(ctx, "find "+loc.String()); err != nil {
		return nil, err
	}
	els := d.lookup(loc)
	if len(els) == 0 {
		return nil, driver.NotFoundError(loc)
	}
	return els[0], nil
}

func (d *Driver) FindAll(ctx context.Context, within driver.Element, loc driver.Locator) ([]driver.Element, error) {
	if err := d.record(ctx, "findall "+loc.String()); err != nil {
		return nil, err
	}
	var els []*Element
	if within == nil {
		els = d.lookup(loc)
	} else {
		parent, err := asElement(within)
		if err != nil {
			return nil, err
		}
		parent.mu.Lock()
		els = parent.children[loc.String()]
		parent.mu.Unlock()
	}
	out := make([]driver.Element, 0, len(els))
	for _, el := range els {
		out = append(out, el)
	}
	return out, nil
}

// WaitFor checks once; the fake never sleeps. A miss is reported as a
// timeout, as a real driver would after its budget elapsed.
func (d *Driver) WaitFor(ctx context.Context, loc driver.Locator, cond driver.Condition, timeout time.Duration) (driver.Element, error) {
	if err := d.record(ctx, "wait "+loc.String()); err != nil {
		return nil, err
	}
	for _, el := range d.lookup(loc) {
		if cond == driver.Clickable && (el.Hidden || el.Disabled) {
			continue
		}
		return el, nil
	}
	return nil, driver.TimeoutError(fmt.Sprintf("%s to be %s", loc, cond), timeout)
}

func (d *Driver) WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error {
	if err := d.record(ctx, "waittitle "+substr); err != nil {
		return err
	}
	title, _ := d.Title(ctx)
	if !strings.Contains(title, substr) {
		return driver.TimeoutError(fmt.Sprintf("title to contain %q", substr), timeout)
	}
	return nil
}

func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	if err := d.record(ctx, "click "+e.loc.String()); err != nil {
		return err
	}
	e.mu.Lock()
	e.clicks++
	e.mu.Unlock()
	if e.OnClick != nil {
		e.OnClick()
	}
	return nil
}

func (d *Driver) Type(ctx context.Context, el driver.Element, text string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	if err := d.record(ctx, "type "+e.loc.String()); err != nil {
		return err
	}
	e.mu.Lock()
	e.typed.WriteString(text)
	e.mu.Unlock()
	return nil
}

func (d *Driver) Text(ctx context.Context, el driver.Element) (string, error) {
	e, err := asElement(el)
	if err != nil {
		return "", err
	}
	if err := d.record(ctx, "text "+e.loc.String()); err != nil {
		return "", err
	}
	return e.text(), nil
}

func (d *Driver) SwitchToFrame(ctx context.Context, loc driver.Locator, timeout time.Duration) error {
	if err := d.record(ctx, "frame "+loc.String()); err != nil {
		return err
	}
	if len(d.lookup(loc)) == 0 {
		return driver.TimeoutError(fmt.Sprintf("frame %s", loc), timeout)
	}
	d.mu.Lock()
	d.frame = loc.String()
	d.mu.Unlock()
	return nil
}

func (d *Driver) SwitchToDefault(ctx context.Context) error {
	if err := d.record(ctx, "default"); err != nil {
		return err
	}
	d.mu.Lock()
	d.frame = Top
	d.mu.Unlock()
	return nil
}

func (d *Driver) ExecuteScript(ctx context.Context, script string) error {
	if err := d.record(ctx, "script "+strings.TrimSpace(script)); err != nil {
		return err
	}
	if d.OnScript != nil {
		d.OnScript(script)
	}
	return nil
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	if err := d.record(ctx, "url"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc(Top).url, nil
}

func (d *Driver) FrameURL(ctx context.Context) (string, error) {
	if err := d.record(ctx, "frameurl"); err != nil {
		return "", err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc(d.frame).url, nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if d.TitleFunc != nil {
		return d.TitleFunc(), nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.title, nil
}

func (d *Driver) Refresh(ctx context.Context) error {
	if err := d.record(ctx, "refresh"); err != nil {
		return err
	}
	if d.OnRefresh != nil {
		d.OnRefresh()
	}
	return nil
}

func (d *Driver) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	if err := d.record(ctx, "cookies"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.Cookie(nil), d.cookies...), nil
}

func (d *Driver) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	if err := d.record(ctx, "setcookies"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cookies = append(d.cookies, cookies...)
	return nil
}

func (d *Driver) Quit() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.quits++
	d.calls = append(d.calls, "quit")
	return nil
}

func asElement(el driver.Element) (*Element, error) {
	e, ok := el.(*Element)
	if !ok || e == nil {
		return nil, fmt.Errorf("drivertest: foreign element %T", el)
	}
	return e, nil
}

var _ driver.Driver = (*Driver)(nil)
