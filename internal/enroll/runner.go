package enroll

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/notify"
)

// notifyTimeout bounds notifications sent on a detached context.
const notifyTimeout = 15 * time.Second

// Outcome is how a terminal error is reported.
type Outcome struct {
	Status ExitStatus
	Title  string
	Body   string
}

// Classify maps a run error to its exit status and notification text.
func Classify(err error) Outcome {
	var (
		empty *EmptyCartError
		cfg   *ConfigError
	)
	switch {
	case err == nil:
		return Outcome{Status: Done}
	case errors.Is(err, context.Canceled):
		return Outcome{Status: Interrupted, Title: "Keyboard Interrupt Encountered!", Body: "You have interrupted the program!"}
	case errors.Is(err, ErrBadPassword):
		return Outcome{Status: BadCredentials, Title: "Bad Password!", Body: "Your password is incorrect! Please check your credentials and relaunch."}
	case errors.As(err, &empty):
		return Outcome{Status: EmptyCart, Title: "Empty Cart Exception Encountered!", Body: empty.Reason}
	case errors.As(err, &cfg):
		return Outcome{Status: ConfigInvalid, Title: "Configuration Error!", Body: cfg.Error()}
	case errors.Is(err, driver.ErrConnectionRefused):
		return Outcome{Status: ConnectionRefused, Title: "Connection Refused Encountered!", Body: "The connection to the browser was refused! Maybe the browser is down?"}
	case errors.Is(err, driver.ErrSessionClosed):
		return Outcome{Status: SessionClosed, Title: "WebDriver Exception Encountered!", Body: "The browser window was closed! Maybe this was expected? Check the logs!"}
	case errors.Is(err, driver.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Outcome{
			Status: Timeout,
			Title:  "Expected Condition Timeout Encountered!",
			Body: "This occurs whenever an expected condition is unable to resolve within the set timeout. " +
				"Sometimes this is because the servers are under load, and sometimes it's due to elements missing entirely! " +
				"Try increasing `driver.timeout` or running the bot locally to debug!",
		}
	default:
		return Outcome{
			Status: Unknown,
			Title:  "Unknown Exception Encountered!",
			Body: "An unknown exception has occurred! Please check the logs for more details.\n\n" +
				fmt.Sprintf("`%s: %s`", typeName(err), err.Error()),
		}
	}
}

// typeName names the innermost error's type, e.g. "StructureError".
func typeName(err error) string {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return t.String()
	}
	return t.Name()
}

// detached returns a context that survives cancellation of ctx, for the
// final notifications of an interrupted run.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
}

// report logs and notifies a terminal error and returns its status.
func (d *Deps) report(ctx context.Context, err error) ExitStatus {
	out := Classify(err)
	if out.Status == Done {
		return Done
	}
	body := out.Body
	if out.Status == Timeout && d.Enroll.Debug {
		body += fmt.Sprintf("\n\n```\n%s\n```", err.Error())
	}
	d.Logger.Error("Run failed.", zap.Stringer("status", out.Status), zap.Error(err))

	nctx, cancel := detached(ctx)
	defer cancel()
	d.Reporter.Post(nctx, out.Title, body, notify.Danger)
	return out.Status
}

// RunOptions are the per-run inputs.
type RunOptions struct {
	Credentials Credentials
	Term        string
	Modulo      int
	DriverKind  string
	RunID       string

	// SuccessImage is attached to the enrolled notifications when set.
	SuccessImage string
}

// Runner chains the stages over one session.
type Runner struct {
	Deps
	opts   RunOptions
	logger *zap.Logger
}

// NewRunner builds a runner. deps.Driver must be set.
func NewRunner(deps Deps, opts RunOptions) *Runner {
	return &Runner{Deps: deps, opts: opts, logger: deps.Logger.Named("runner")}
}

// Run executes authentication, navigation and the retry loop, reports the
// terminal condition, and returns its status. Panics in the stages are
// reported as unknown errors.
func (r *Runner) Run(ctx context.Context) (status ExitStatus) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Recovered from panic.", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			status = r.report(ctx, fmt.Errorf("panic: %v", p))
		}
	}()
	return r.report(ctx, r.run(ctx))
}

func (r *Runner) run(ctx context.Context) error {
	r.loadCookies(ctx)

	auth := NewAuthenticator(r.Deps)
	outcome, err := auth.Login(ctx, r.opts.Credentials)
	if err != nil {
		return err
	}
	switch outcome {
	case AuthBadPassword:
		return ErrBadPassword
	case AuthSecondFactor:
		if err := auth.HandleSecondFactor(ctx); err != nil {
			return err
		}
	}

	if err := NewNavigator(r.Deps, r.opts.Term).NavigateToCart(ctx); err != nil {
		return err
	}
	loop := NewLoop(r.Deps, r.opts.Modulo)
	loop.SuccessImage = r.opts.SuccessImage
	_, err = loop.Run(ctx)
	return err
}

// loadCookies restores cached cookies. Failures are logged only.
func (r *Runner) loadCookies(ctx context.Context) {
	if r.Cookies == nil {
		return
	}
	cookies, err := r.Cookies.LoadAll()
	if err != nil {
		r.logger.Warn("Could not load cached cookies.", zap.Error(err))
		return
	}
	if len(cookies) == 0 {
		return
	}
	if err := r.Driver.SetCookies(ctx, cookies); err != nil {
		r.logger.Warn("Could not restore cached cookies.", zap.Error(err))
		return
	}
	r.logger.Debug("Restored cached cookies.", zap.Int("count", len(cookies)))
}

// SessionFactory opens the browser session for a run.
type SessionFactory func(ctx context.Context) (driver.Driver, error)

// RunWithSession owns the session for a whole run: it opens it, runs the
// stages, releases it exactly once on every path, and then posts the
// shutdown notification.
func RunWithSession(ctx context.Context, factory SessionFactory, deps Deps, opts RunOptions) ExitStatus {
	deps.Logger = deps.Logger.With(zap.String("run_id", opts.RunID))
	logger := deps.Logger.Named("session")

	deps.Reporter.Post(ctx, "Starting up!",
		fmt.Sprintf("Classbot is booting up...\nDriver: `%s`\nRun: `%s`", opts.DriverKind, opts.RunID),
		notify.Info)
	defer func() {
		nctx, cancel := detached(ctx)
		defer cancel()
		deps.Reporter.Post(nctx, "Shutting down!", "Classbot is shutting down...", notify.Danger)
	}()

	d, err := factory(ctx)
	if err != nil {
		return deps.report(ctx, fmt.Errorf("open browser session: %w", err))
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			if err := d.Quit(); err != nil {
				logger.Warn("Error while releasing the browser session.", zap.Error(err))
				return
			}
			logger.Info("Browser session released.")
		})
	}
	defer release()

	deps.Driver = d
	return NewRunner(deps, opts).Run(ctx)
}
