package enroll

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/driver/drivertest"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// -- Notification recording --

type event struct {
	op  string
	id  string
	msg notify.Message
	// quits is the session's Quit count when the event happened.
	quits int
}

// recChannel records every notification and numbers the handles.
type recChannel struct {
	mu      sync.Mutex
	events  []event
	next    int
	session *drivertest.Driver
}

func (c *recChannel) quits() int {
	if c.session == nil {
		return 0
	}
	return c.session.QuitCount()
}

func (c *recChannel) Send(ctx context.Context, msg notify.Message) (notify.Handle, error) {
	if err := ctx.Err(); err != nil {
		return notify.Handle{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := fmt.Sprint(c.next)
	c.events = append(c.events, event{op: "send", id: id, msg: msg, quits: c.quits()})
	return notify.Handle{ID: id, Message: msg}, nil
}

func (c *recChannel) Edit(ctx context.Context, h notify.Handle, msg notify.Message) (notify.Handle, error) {
	if err := ctx.Err(); err != nil {
		return h, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{op: "edit", id: h.ID, msg: msg, quits: c.quits()})
	return notify.Handle{ID: h.ID, Message: msg}, nil
}

func (c *recChannel) Delete(ctx context.Context, h notify.Handle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event{op: "delete", id: h.ID, quits: c.quits()})
	return nil
}

func (c *recChannel) all() []event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event(nil), c.events...)
}

// titles returns the titles of sent messages in order.
func (c *recChannel) titles() []string {
	var out []string
	for _, e := range c.all() {
		if e.op == "send" {
			out = append(out, e.msg.Title)
		}
	}
	return out
}

func (c *recChannel) ops(op string) []event {
	var out []event
	for _, e := range c.all() {
		if e.op == op {
			out = append(out, e)
		}
	}
	return out
}

// -- Sleeping --

// sleeper records requested pauses without sleeping. hook runs on every
// call with the call number, starting at one.
type sleeper struct {
	mu    sync.Mutex
	calls []time.Duration
	hook  func(n int)
}

func (s *sleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.calls = append(s.calls, d)
	n := len(s.calls)
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (s *sleeper) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// -- Portal scripting --

type harness struct {
	t     *testing.T
	d     *drivertest.Driver
	reg   *selectors.Registry
	ch    *recChannel
	sl    *sleeper
	deps  Deps
	frame string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := drivertest.New()
	reg := selectors.Default()
	ch := &recChannel{session: d}
	sl := &sleeper{}
	logger := zaptest.NewLogger(t)
	h := &harness{
		t:   t,
		d:   d,
		reg: reg,
		ch:  ch,
		sl:  sl,
		deps: Deps{
			Driver:    d,
			Selectors: reg,
			Reporter:  notify.NewReporter(ch, logger),
			Enroll: config.EnrollConfig{
				Sleep:          2 * time.Second,
				SettleDelay:    2 * time.Second,
				ApprovalPoll:   time.Second,
				LandingRetries: 3,
			},
			Timeout: 15 * time.Second,
			Logger:  logger,
			Sleep:   sl.sleep,
		},
		frame: drivertest.Top,
	}
	return h
}

func (h *harness) loc(lm selectors.Landmark) driver.Locator { return h.reg.MustGet(lm) }

// key returns the fake's frame key for a frame landmark.
func (h *harness) key(lm selectors.Landmark) string { return h.loc(lm).String() }

// in sets the frame later set calls write to.
func (h *harness) in(frame string) *harness {
	h.frame = frame
	return h
}

func (h *harness) set(lm selectors.Landmark, els ...*drivertest.Element) {
	h.d.Set(h.frame, h.loc(lm), els...)
}

func (h *harness) el(lm selectors.Landmark, text string) *drivertest.Element {
	e := drivertest.NewElement(text)
	h.set(lm, e)
	return e
}

// cartBody builds a cart table body with the given row texts.
func (h *harness) cartBody(rows ...string) *drivertest.Element {
	body := drivertest.NewElement("")
	for _, r := range rows {
		body.Add(h.loc(selectors.CartRows), drivertest.NewElement(r))
	}
	return body
}

type row struct {
	code, msg string
}

// resultsBody builds a results table body with a header row followed by
// one row per result.
func (h *harness) resultsBody(rows ...row) *drivertest.Element {
	body := drivertest.NewElement("")
	body.Add(h.loc(selectors.ResultsRows), drivertest.NewElement("Class Message Status"))
	for _, r := range rows {
		codeCell := drivertest.NewElement("").Add(h.loc(selectors.ResultsCode), drivertest.NewElement(r.code))
		msgCell := drivertest.NewElement("").Add(h.loc(selectors.ResultsMessage), drivertest.NewElement(r.msg))
		tr := drivertest.NewElement("").Add(h.loc(selectors.ResultsCells), codeCell, msgCell)
		body.Add(h.loc(selectors.ResultsRows), tr)
	}
	return body
}

// cartFlow puts the cart footer controls and one cart row in the current
// frame and returns the finish button. Each click of finish installs the
// next results table from rounds; the last one repeats.
func (h *harness) cartFlow(rounds ...[]row) *drivertest.Element {
	h.set(selectors.CartBody, h.cartBody("Class Description Units Status", "COP 3014 Programming I"))
	h.el(selectors.CartContinue, "Next")
	h.el(selectors.CartRestart, "Add Another Class")
	finish := h.el(selectors.CartFinish, "Submit")

	frame := h.frame
	round := 0
	finish.OnClick = func() {
		rows := rounds[len(rounds)-1]
		if round < len(rounds) {
			rows = rounds[round]
		}
		round++
		h.d.Set(frame, h.loc(selectors.ResultsBody), h.resultsBody(rows...))
	}
	return finish
}

// loginPage installs the login form. onSubmit runs when the form is posted.
func (h *harness) loginPage(onSubmit func()) (user, pass *drivertest.Element) {
	user = h.el(selectors.LoginUsername, "")
	pass = h.el(selectors.LoginPassword, "")
	submit := h.el(selectors.LoginSubmit, "Login")
	submit.OnClick = onSubmit
	return user, pass
}

// navigablePortal installs everything NavigateToCart needs, with the
// homepage already loaded and no term grid, and leaves later set calls
// writing into the enrollment frame.
func (h *harness) navigablePortal() {
	h.in(drivertest.Top)
	h.d.SetTitle("Homepage")
	h.el(selectors.HomeTabSelector, "Student Central<br>Student\nView")
	h.el(selectors.HomeMyClasses, "My Classes")
	h.el(selectors.EnrollFrame, "")
	h.in(h.key(selectors.EnrollFrame))
}

func (h *harness) clicks(lm selectors.Landmark) int {
	n := 0
	for _, c := range h.d.Calls() {
		if c == "click "+h.loc(lm).String() {
			n++
		}
	}
	return n
}

func (h *harness) waits(lm selectors.Landmark) int {
	n := 0
	for _, c := range h.d.Calls() {
		if c == "wait "+h.loc(lm).String() {
			n++
		}
	}
	return n
}
