// Package enroll drives the registration portal: authentication, navigation
// to the shopping cart, and the enrollment retry loop. Every stage talks to
// the browser through driver.Driver and looks elements up by landmark, so
// the package itself holds no selector expressions.
package enroll

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/cookies"
	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

// Fixed pauses the portal needs after certain actions. They are not
// conditions because the DOM changes they wait for are not observable.
const (
	frameSettle    = time.Second
	refreshSettle  = 3 * time.Second
	tabSettle      = 2 * time.Second
	myClassesDelay = 2 * time.Second
	// landingBudget is the short wait for the Student Central link, which
	// sometimes needs a refresh before it renders.
	landingBudget = 5 * time.Second
)

// Deps are the collaborators every stage shares.
type Deps struct {
	Driver    driver.Driver
	Selectors *selectors.Registry
	Reporter  *notify.Reporter
	// Cookies may be nil when cookie caching is disabled.
	Cookies *cookies.Store
	Enroll  config.EnrollConfig
	// Timeout is the budget of every wait.
	Timeout time.Duration
	Logger  *zap.Logger

	// Sleep pauses for d or until ctx is done. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (d *Deps) sleep(ctx context.Context, dur time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, dur)
	}
	return Sleep(ctx, dur)
}

func (d *Deps) loc(lm selectors.Landmark) driver.Locator {
	return d.Selectors.MustGet(lm)
}

func (d *Deps) exists(ctx context.Context, lm selectors.Landmark) (bool, error) {
	return driver.Exists(ctx, d.Driver, d.loc(lm))
}

func (d *Deps) waitClick(ctx context.Context, lm selectors.Landmark) error {
	return driver.WaitClick(ctx, d.Driver, d.loc(lm), d.Timeout)
}

// Sleep is a context-aware time.Sleep.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
