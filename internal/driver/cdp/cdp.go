// Package cdp implements driver.Driver over the Chrome DevTools Protocol
// with chromedp, against a local Chrome or a remote DevTools endpoint such
// as browserless.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	cdptypes "github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/driver"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	startupTimeout      = 60 * time.Second
)

// JS bodies called with `this` bound to the element.
const (
	jsClick     = `function() { this.scrollIntoView({block: "center"}); this.click(); }`
	jsText      = `function() { return (this.innerText !== undefined ? this.innerText : this.textContent) || ""; }`
	jsFocus     = `function() { this.focus(); try { const n = this.value.length; this.setSelectionRange(n, n); } catch (e) {} }`
	jsClickable = `function() {
	const r = this.getBoundingClientRect();
	const s = window.getComputedStyle(this);
	return r.width > 0 && r.height > 0 && s.visibility !== "hidden" && s.display !== "none" && !this.disabled;
}`
	jsFrameURL = `function() { try { return this.contentWindow.location.href; } catch (e) { return this.src || ""; } }`
)

// xpathGroup owns the remote objects created by one scoped XPath search.
const xpathGroup = "classbot-xpath"

// xpathScript returns a function that evaluates expr with `this` as the
// context node and returns the matches in document order.
func xpathScript(expr string) string {
	quoted, _ := jsoniter.MarshalToString(expr)
	return `function() {
	const doc = this.nodeType === Node.DOCUMENT_NODE ? this : this.ownerDocument;
	const res = doc.evaluate(` + quoted + `, this, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null);
	const out = [];
	for (let i = 0; i < res.snapshotLength; i++) {
		const n = res.snapshotItem(i);
		if (n.nodeType === Node.ELEMENT_NODE) out.push(n);
	}
	return out;
}`
}

// xpathRoot is the context node for a search scoped to from: an iframe's
// content document, or the element itself.
func xpathRoot(from *cdptypes.Node) *cdptypes.Node {
	if from.ContentDocument != nil {
		return from.ContentDocument
	}
	return from
}

func isFrameNode(n *cdptypes.Node) bool {
	name := strings.ToUpper(n.NodeName)
	return name == "IFRAME" || name == "FRAME"
}

// elementObjects picks the array entries out of a property listing, in
// index order.
func elementObjects(props []*runtime.PropertyDescriptor) []runtime.RemoteObjectID {
	type entry struct {
		idx int
		id  runtime.RemoteObjectID
	}
	var entries []entry
	for _, p := range props {
		idx, err := strconv.Atoi(p.Name)
		if err != nil || p.Value == nil || p.Value.ObjectID == "" {
			continue
		}
		entries = append(entries, entry{idx: idx, id: p.Value.ObjectID})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].idx < entries[j].idx })
	ids := make([]runtime.RemoteObjectID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	return ids
}

type element struct {
	node *cdptypes.Node
	loc  driver.Locator
}

func (e *element) Locator() driver.Locator { return e.loc }

// Driver is a chromedp-backed browser session.
type Driver struct {
	logger *zap.Logger
	tabCtx context.Context
	cancel []context.CancelFunc

	// Injection points so unit tests run without a browser.
	runActions   func(ctx context.Context, actions ...chromedp.Action) error
	queryNodes   func(ctx context.Context, loc driver.Locator, from *cdptypes.Node) ([]*cdptypes.Node, error)
	searchXPath  func(ctx context.Context, expr string, from *cdptypes.Node) ([]*cdptypes.Node, error)
	callOn       func(ctx context.Context, node *cdptypes.Node, fn string, res any) error
	closeTab     func() error
	pollInterval time.Duration

	mu    sync.Mutex
	frame *element

	quitOnce sync.Once
	quitErr  error
}

// NewLocal launches a Chrome process.
func NewLocal(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (*Driver, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), buildAllocatorOptions(cfg)...)
	return start(ctx, allocCtx, allocCancel, logger.With(zap.String("driver", config.DriverChrome)))
}

// NewRemote attaches to a DevTools endpoint. Both ws:// and http:// URLs
// are accepted; for http chromedp resolves the websocket via /json/version.
func NewRemote(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (*Driver, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	return start(ctx, allocCtx, allocCancel, logger.With(zap.String("driver", config.DriverRemote), zap.String("remote_url", cfg.RemoteURL)))
}

// start opens the first tab. The browser outlives ctx; only Quit ends it.
func start(ctx context.Context, allocCtx context.Context, allocCancel context.CancelFunc, logger *zap.Logger) (*Driver, error) {
	sugar := logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)
	d := newDriver(tabCtx, logger, tabCancel, allocCancel)

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	// An empty Run allocates the browser and attaches to the first target.
	if err := d.run(startCtx); err != nil {
		d.cancelAll()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	logger.Info("Browser session started.")
	return d, nil
}

func newDriver(tabCtx context.Context, logger *zap.Logger, cancels ...context.CancelFunc) *Driver {
	d := &Driver{
		logger:       logger,
		tabCtx:       tabCtx,
		cancel:       cancels,
		runActions:   chromedp.Run,
		pollInterval: defaultPollInterval,
	}
	d.queryNodes = d.defaultQueryNodes
	d.searchXPath = d.defaultSearchXPath
	d.callOn = d.defaultCallOn
	d.closeTab = func() error { return chromedp.Cancel(tabCtx) }
	return d
}

// run executes actions bounded by both the tab and the caller's ctx.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(d.tabCtx, ctx)
	defer cancel()
	return d.mapErr(ctx, d.runActions(runCtx, actions...))
}

// mapErr translates chromedp failures into the driver sentinels.
func (d *Driver) mapErr(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if d.tabCtx.Err() != nil || errors.Is(err, chromedp.ErrInvalidContext) {
		return fmt.Errorf("%w: %v", driver.ErrSessionClosed, err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return fmt.Errorf("%w: %v", driver.ErrConnectionRefused, err)
	case strings.Contains(msg, "websocket: close"), strings.Contains(msg, "target closed"), strings.Contains(msg, "use of closed network connection"):
		return fmt.Errorf("%w: %v", driver.ErrSessionClosed, err)
	}
	return err
}

func (d *Driver) currentFrame() *element {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}

func (d *Driver) defaultQueryNodes(ctx context.Context, loc driver.Locator, from *cdptypes.Node) ([]*cdptypes.Node, error) {
	var nodes []*cdptypes.Node
	opts := []chromedp.QueryOption{chromedp.AtLeast(0)}
	switch {
	case loc.Strategy == driver.XPath && from != nil:
		// chromedp's BySearch ignores FromNode, so scoped XPath runs in the page.
		return d.searchXPath(ctx, loc.Expr, from)
	case loc.Strategy == driver.XPath:
		opts = append(opts, chromedp.BySearch)
	default:
		opts = append(opts, chromedp.ByQueryAll)
	}
	if from != nil {
		opts = append(opts, chromedp.FromNode(from))
	}
	if err := d.run(ctx, chromedp.Nodes(loc.Expr, &nodes, opts...)); err != nil {
		return nil, err
	}
	return nodes, nil
}

func (d *Driver) defaultSearchXPath(ctx context.Context, expr string, from *cdptypes.Node) ([]*cdptypes.Node, error) {
	var nodes []*cdptypes.Node
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		root := xpathRoot(from)
		if root == from && isFrameNode(from) {
			desc, err := dom.DescribeNode().WithBackendNodeID(from.BackendNodeID).WithPierce(true).Do(ctx)
			if err != nil {
				return err
			}
			if desc.ContentDocument != nil {
				root = desc.ContentDocument
			}
		}

		obj, err := dom.ResolveNode().WithBackendNodeID(root.BackendNodeID).WithObjectGroup(xpathGroup).Do(ctx)
		if err != nil {
			return err
		}
		defer runtime.ReleaseObjectGroup(xpathGroup).Do(ctx)

		arr, exc, err := runtime.CallFunctionOn(xpathScript(expr)).
			WithObjectID(obj.ObjectID).
			WithObjectGroup(xpathGroup).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("xpath %q: %w", expr, exc)
		}
		if arr == nil || arr.ObjectID == "" {
			return nil
		}
		props, _, _, exc, err := runtime.GetProperties(arr.ObjectID).WithOwnProperties(true).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("xpath %q: %w", expr, exc)
		}

		for _, id := range elementObjects(props) {
			nodeID, err := dom.RequestNode(id).Do(ctx)
			if err != nil {
				return err
			}
			node, err := dom.DescribeNode().WithNodeID(nodeID).Do(ctx)
			if err != nil {
				return err
			}
			node.NodeID = nodeID
			nodes = append(nodes, node)
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return nodes, nil
}

func (d *Driver) defaultCallOn(ctx context.Context, node *cdptypes.Node, fn string, res any) error {
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithBackendNodeID(node.BackendNodeID).Do(ctx)
		if err != nil {
			return err
		}
		defer runtime.ReleaseObject(obj.ObjectID).Do(ctx)

		out, exc, err := runtime.CallFunctionOn(fn).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %w", exc)
		}
		if res == nil || out == nil || len(out.Value) == 0 {
			return nil
		}
		return jsoniter.Unmarshal(out.Value, res)
	}))
}

// query runs loc against the current frame's document.
func (d *Driver) query(ctx context.Context, loc driver.Locator) ([]*cdptypes.Node, error) {
	var from *cdptypes.Node
	if f := d.currentFrame(); f != nil {
		from = f.node
	}
	return d.queryNodes(ctx, loc, from)
}

// poll calls check every pollInterval until it reports true, the timeout
// elapses, or ctx ends.
func (d *Driver) poll(ctx context.Context, timeout time.Duration, what string, check func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()
	for {
		ok, err := check()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return driver.TimeoutError(what, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func asElement(el driver.Element) (*element, error) {
	e, ok := el.(*element)
	if !ok || e == nil || e.node == nil {
		return nil, fmt.Errorf("cdp: foreign element %T", el)
	}
	return e, nil
}

func (d *Driver) Navigate(ctx context.Context, url string) error {
	d.logger.Debug("Navigating.", zap.String("url", url))
	if err := d.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	d.mu.Lock()
	d.frame = nil
	d.mu.Unlock()
	return nil
}

func (d *Driver) Find(ctx context.Context, loc driver.Locator) (driver.Element, error) {
	nodes, err := d.query(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, driver.NotFoundError(loc)
	}
	return &element{node: nodes[0], loc: loc}, nil
}

func (d *Driver) FindAll(ctx context.Context, within driver.Element, loc driver.Locator) ([]driver.Element, error) {
	var (
		nodes []*cdptypes.Node
		err   error
	)
	if within == nil {
		nodes, err = d.query(ctx, loc)
	} else {
		parent, perr := asElement(within)
		if perr != nil {
			return nil, perr
		}
		nodes, err = d.queryNodes(ctx, loc, parent.node)
	}
	if err != nil {
		return nil, err
	}
	out := make([]driver.Element, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, &element{node: n, loc: loc})
	}
	return out, nil
}

func (d *Driver) clickable(ctx context.Context, node *cdptypes.Node) (bool, error) {
	var ok bool
	if err := d.callOn(ctx, node, jsClickable, &ok); err != nil {
		// A node replaced between query and call is just not ready yet.
		if ctx.Err() != nil || errors.Is(err, driver.ErrSessionClosed) || errors.Is(err, driver.ErrConnectionRefused) {
			return false, err
		}
		return false, nil
	}
	return ok, nil
}

func (d *Driver) WaitFor(ctx context.Context, loc driver.Locator, cond driver.Condition, timeout time.Duration) (driver.Element, error) {
	var found driver.Element
	err := d.poll(ctx, timeout, fmt.Sprintf("%s to be %s", loc, cond), func() (bool, error) {
		nodes, err := d.query(ctx, loc)
		if err != nil {
			return false, err
		}
		for _, n := range nodes {
			if cond == driver.Clickable {
				ok, err := d.clickable(ctx, n)
				if err != nil {
					return false, err
				}
				if !ok {
					continue
				}
			}
			found = &element{node: n, loc: loc}
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

func (d *Driver) WaitForTitle(ctx context.Context, substr string, timeout time.Duration) error {
	return d.poll(ctx, timeout, fmt.Sprintf("title to contain %q", substr), func() (bool, error) {
		title, err := d.Title(ctx)
		if err != nil {
			return false, err
		}
		return strings.Contains(title, substr), nil
	})
}

func (d *Driver) Click(ctx context.Context, el driver.Element) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	if err := d.callOn(ctx, e.node, jsClick, nil); err != nil {
		return fmt.Errorf("click %s: %w", e.loc, err)
	}
	return nil
}

func (d *Driver) Type(ctx context.Context, el driver.Element, text string) error {
	e, err := asElement(el)
	if err != nil {
		return err
	}
	if err := d.callOn(ctx, e.node, jsFocus, nil); err != nil {
		return fmt.Errorf("focus %s: %w", e.loc, err)
	}
	if err := d.run(ctx, input.InsertText(text)); err != nil {
		return fmt.Errorf("type into %s: %w", e.loc, err)
	}
	return nil
}

func (d *Driver) Text(ctx context.Context, el driver.Element) (string, error) {
	e, err := asElement(el)
	if err != nil {
		return "", err
	}
	var text string
	if err := d.callOn(ctx, e.node, jsText, &text); err != nil {
		return "", fmt.Errorf("read text of %s: %w", e.loc, err)
	}
	return text, nil
}

// SwitchToFrame waits for the iframe and scopes later queries to it.
// Queries run relative to the current frame, so frames nest.
func (d *Driver) SwitchToFrame(ctx context.Context, loc driver.Locator, timeout time.Duration) error {
	el, err := d.WaitFor(ctx, loc, driver.Present, timeout)
	if err != nil {
		return fmt.Errorf("switch to frame %s: %w", loc, err)
	}
	d.mu.Lock()
	d.frame = el.(*element)
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
	return d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, exc, err := runtime.Evaluate(script).WithAwaitPromise(false).Do(ctx)
		if err != nil {
			return err
		}
		if exc != nil {
			return fmt.Errorf("script exception: %w", exc)
		}
		return nil
	}))
}

func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	var url string
	if err := d.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

func (d *Driver) FrameURL(ctx context.Context) (string, error) {
	f := d.currentFrame()
	if f == nil {
		return d.CurrentURL(ctx)
	}
	var url string
	if err := d.callOn(ctx, f.node, jsFrameURL, &url); err != nil {
		return "", fmt.Errorf("read frame url: %w", err)
	}
	return url, nil
}

func (d *Driver) Title(ctx context.Context) (string, error) {
	var title string
	if err := d.run(ctx, chromedp.Title(&title)); err != nil {
		return "", err
	}
	return title, nil
}

func (d *Driver) Refresh(ctx context.Context) error {
	d.mu.Lock()
	d.frame = nil
	d.mu.Unlock()
	return d.run(ctx, chromedp.Reload())
}

func (d *Driver) Cookies(ctx context.Context) ([]driver.Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) (err error) {
		raw, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("get cookies: %w", err)
	}
	out := make([]driver.Cookie, 0, len(raw))
	for _, c := range raw {
		out = append(out, fromNetworkCookie(c))
	}
	return out, nil
}

func (d *Driver) SetCookies(ctx context.Context, cookies []driver.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		params = append(params, toCookieParam(c))
	}
	if err := d.run(ctx, network.SetCookies(params)); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// Quit closes the browser once; later calls return the first result.
func (d *Driver) Quit() error {
	d.quitOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- d.closeTab() }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				d.quitErr = err
			}
		case <-ctx.Done():
			d.quitErr = fmt.Errorf("browser did not close: %w", ctx.Err())
		}
		d.cancelAll()
		d.logger.Info("Browser session closed.")
	})
	return d.quitErr
}

func (d *Driver) cancelAll() {
	for _, c := range d.cancel {
		c()
	}
}

func fromNetworkCookie(c *network.Cookie) driver.Cookie {
	out := driver.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
		SameSite: c.SameSite.String(),
	}
	// CDP reports session cookies with a non-positive expiry.
	if c.Expires > 0 {
		sec := int64(c.Expires)
		out.Expires = time.Unix(sec, int64((c.Expires-float64(sec))*1e9)).UTC()
	}
	return out
}

func toCookieParam(c driver.Cookie) *network.CookieParam {
	p := &network.CookieParam{
		Name:     c.Name,
		Value:    c.Value,
		Domain:   c.Domain,
		Path:     c.Path,
		HTTPOnly: c.HTTPOnly,
		Secure:   c.Secure,
	}
	if c.SameSite != "" {
		p.SameSite = network.CookieSameSite(c.SameSite)
	}
	if !c.Session() {
		exp := cdptypes.TimeSinceEpoch(c.Expires)
		p.Expires = &exp
	}
	return p
}

var _ driver.Driver = (*Driver)(nil)
