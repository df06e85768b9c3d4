package enroll

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

// AuthOutcome is the result of submitting the login form.
type AuthOutcome int

const (
	AuthOK AuthOutcome = iota
	AuthBadPassword
	AuthSecondFactor
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthOK:
		return "ok"
	case AuthBadPassword:
		return "bad_password"
	case AuthSecondFactor:
		return "second_factor_required"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Credentials is the portal account. The password never leaves this struct
// through String or logging.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Username: %q, Password: [REDACTED]}", c.Username)
}

// GoString keeps %#v from printing the password.
func (c Credentials) GoString() string { return c.String() }

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (c Credentials) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("username", c.Username)
	return nil
}

// Duo notification texts.
const (
	duoRequiredTitle = "Duo Approval Required!"
	duoRequiredBody  = "Please accept 2FA on your device to continue.\nIf this is your first time approving, you may need to approve twice."
	duoApprovedTitle = "Duo Approved!"
	duoApprovedBody  = "The script is now proceeding!"
	duoSuccessMarker = "success"
)

// Authenticator logs in and clears the second factor.
type Authenticator struct {
	Deps
	logger *zap.Logger
}

// NewAuthenticator builds the authentication stage.
func NewAuthenticator(deps Deps) *Authenticator {
	return &Authenticator{Deps: deps, logger: deps.Logger.Named("auth")}
}

// Login submits the credentials and reports which branch the portal took.
func (a *Authenticator) Login(ctx context.Context, creds Credentials) (AuthOutcome, error) {
	a.logger.Info("Attempting login.", zap.Object("credentials", creds))
	if err := a.Driver.Navigate(ctx, selectors.EntryURL); err != nil {
		return AuthOK, fmt.Errorf("open portal: %w", err)
	}

	fields := []struct {
		lm   selectors.Landmark
		text string
	}{
		{selectors.LoginUsername, creds.Username},
		{selectors.LoginPassword, creds.Password},
	}
	for _, f := range fields {
		el, err := a.Driver.WaitFor(ctx, a.loc(f.lm), driver.Present, a.Timeout)
		if err != nil {
			return AuthOK, fmt.Errorf("find %s: %w", f.lm, err)
		}
		if err := a.Driver.Type(ctx, el, f.text); err != nil {
			return AuthOK, fmt.Errorf("fill %s: %w", f.lm, err)
		}
	}
	if err := a.waitClick(ctx, selectors.LoginSubmit); err != nil {
		return AuthOK, fmt.Errorf("submit login: %w", err)
	}

	// The post-submit DOM update has no reliable marker.
	if err := a.sleep(ctx, a.Enroll.SettleDelay); err != nil {
		return AuthOK, err
	}

	if bad, err := a.exists(ctx, selectors.LoginError); err != nil {
		return AuthOK, err
	} else if bad {
		a.logger.Warn("Portal rejected the credentials.")
		return AuthBadPassword, nil
	}
	if duo, err := a.exists(ctx, selectors.DuoFrame); err != nil {
		return AuthOK, err
	} else if duo {
		a.logger.Info("Second factor required.")
		return AuthSecondFactor, nil
	}
	a.logger.Info("Logged in.")
	return AuthOK, nil
}

// HandleSecondFactor waits for the operator to approve the push. The wait
// has no deadline of its own; cancelling ctx is the only way out.
func (a *Authenticator) HandleSecondFactor(ctx context.Context) error {
	if err := a.Driver.SwitchToFrame(ctx, a.loc(selectors.DuoFrame), a.Timeout); err != nil {
		return fmt.Errorf("enter duo frame: %w", err)
	}
	// A remembered device renders a different frame, so there is nothing
	// to wait on here.
	if err := a.sleep(ctx, frameSettle); err != nil {
		return err
	}

	interactive, err := a.exists(ctx, selectors.DuoAuthMethods)
	if err != nil {
		return err
	}
	if interactive {
		if err := a.awaitApproval(ctx); err != nil {
			return err
		}
	} else {
		a.logger.Info("Second factor handled by a remembered device.")
	}

	if err := a.Driver.SwitchToDefault(ctx); err != nil {
		return err
	}
	if err := a.Driver.WaitForTitle(ctx, selectors.LandingTitle, a.Timeout); err != nil {
		return fmt.Errorf("wait for landing page: %w", err)
	}
	return nil
}

func (a *Authenticator) awaitApproval(ctx context.Context) error {
	domain := a.frameDomain(ctx)
	h := a.Reporter.Post(ctx, duoRequiredTitle, duoRequiredBody, notify.Warning)

	// An automatic push already in flight is cancelled so "remember me"
	// can be ticked before re-sending it.
	autoPush, err := a.exists(ctx, selectors.DuoMessage)
	if err != nil {
		return err
	}
	if autoPush {
		for _, lm := range []selectors.Landmark{selectors.DuoCancel, selectors.DuoRemember, selectors.DuoDefaultMethod} {
			if err := a.waitClick(ctx, lm); err != nil {
				return fmt.Errorf("re-send duo push via %s: %w", lm, err)
			}
		}
	}

	a.logger.Info("Awaiting second factor approval.")
	for {
		msg, err := a.statusText(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(strings.ToLower(msg), duoSuccessMarker) {
			break
		}
		if err := a.sleep(ctx, a.Enroll.ApprovalPoll); err != nil {
			return err
		}
	}
	a.logger.Info("Second factor approved.")

	a.saveCookies(ctx, domain)
	a.Reporter.Update(ctx, h, notify.Patch{
		Title:    notify.Text(duoApprovedTitle),
		Body:     notify.Text(duoApprovedBody),
		Severity: notify.Sev(notify.Success),
	})
	return nil
}

// statusText returns the duo status line, or "" while it is not rendered.
func (a *Authenticator) statusText(ctx context.Context) (string, error) {
	el, err := a.Driver.Find(ctx, a.loc(selectors.DuoMessage))
	if errors.Is(err, driver.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.Driver.Text(ctx, el)
}

func (a *Authenticator) frameDomain(ctx context.Context) string {
	raw, err := a.Driver.FrameURL(ctx)
	if err != nil {
		a.logger.Warn("Could not read the duo frame URL.", zap.Error(err))
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// saveCookies is best-effort; a failure only costs a future push.
func (a *Authenticator) saveCookies(ctx context.Context, domain string) {
	if a.Cookies == nil || domain == "" {
		return
	}
	cookies, err := a.Driver.Cookies(ctx)
	if err != nil {
		a.logger.Warn("Could not read cookies.", zap.Error(err))
		return
	}
	if err := a.Cookies.Save(domain, cookies); err != nil {
		a.logger.Warn("Could not save cookies.", zap.String("domain", domain), zap.Error(err))
		return
	}
	a.logger.Debug("Saved cookies.", zap.String("domain", domain), zap.Int("count", len(cookies)))
}
