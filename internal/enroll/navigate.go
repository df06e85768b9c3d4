package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

// Navigator walks from the portal landing page to the shopping cart. It is
// not re-entrant and runs once per session.
type Navigator struct {
	Deps
	// Term is a case-insensitive fragment of the wanted term's label.
	Term   string
	logger *zap.Logger
}

// NewNavigator builds the navigation stage.
func NewNavigator(deps Deps, term string) *Navigator {
	return &Navigator{Deps: deps, Term: term, logger: deps.Logger.Named("navigate")}
}

// NavigateToCart leaves the driver inside the enrollment frame on the cart
// screen.
func (n *Navigator) NavigateToCart(ctx context.Context) error {
	if err := n.openHomepage(ctx); err != nil {
		return err
	}
	if err := n.ensureStudentTab(ctx); err != nil {
		return &NavigationError{Step: "student tab", Err: err}
	}
	if err := n.openCart(ctx); err != nil {
		return &NavigationError{Step: "add classes", Err: err}
	}
	return n.selectTerm(ctx)
}

// openHomepage clicks through to Student Central, refreshing when the link
// fails to render. enroll.landing_retries bounds the click attempts.
func (n *Navigator) openHomepage(ctx context.Context) error {
	for attempts := 0; ; {
		title, err := n.Driver.Title(ctx)
		if err != nil {
			return err
		}
		if strings.Contains(title, selectors.HomepageTitle) {
			return nil
		}

		attempts++
		err = driver.WaitClick(ctx, n.Driver, n.loc(selectors.HomeStudentCentral), landingBudget)
		if err == nil {
			err = n.Driver.WaitForTitle(ctx, selectors.HomepageTitle, landingBudget)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, driver.ErrTimeout) {
			return &NavigationError{Step: "homepage", Err: err}
		}
		if attempts >= n.Enroll.LandingRetries {
			return &NavigationError{Step: "homepage", Err: fmt.Errorf("gave up after %d attempts: %w", attempts, err)}
		}

		n.logger.Warn("Home page failed to load, refreshing.", zap.Int("attempt", attempts))
		if err := n.Driver.Refresh(ctx); err != nil {
			return &NavigationError{Step: "homepage", Err: err}
		}
		if err := n.sleep(ctx, refreshSettle); err != nil {
			return err
		}
	}
}

// cleanTabLabel reduces the tab selector's text to its visible caption.
func cleanTabLabel(raw string) string {
	parts := strings.Split(raw, "<br>")
	last := parts[len(parts)-1]
	first, _, _ := strings.Cut(last, "\n")
	return strings.ToLower(strings.TrimSpace(first))
}

func (n *Navigator) ensureStudentTab(ctx context.Context) error {
	raw, err := driver.WaitText(ctx, n.Driver, n.loc(selectors.HomeTabSelector), n.Timeout)
	if err != nil {
		return err
	}
	tab := cleanTabLabel(raw)
	if strings.Contains(tab, selectors.StudentTab) {
		return nil
	}
	// The visible tab control is not always attachable, so switch in-page.
	n.logger.Info("Switching to the student tab.", zap.String("current", tab))
	if err := n.Driver.ExecuteScript(ctx, selectors.TabSwitchScript); err != nil {
		return err
	}
	return n.sleep(ctx, tabSettle)
}

func (n *Navigator) openCart(ctx context.Context) error {
	if err := n.waitClick(ctx, selectors.HomeMyClasses); err != nil {
		return err
	}
	if err := n.sleep(ctx, myClassesDelay); err != nil {
		return err
	}
	// Clicking the Add Classes step does nothing; the page's own navigation
	// function has to be called.
	if err := n.Driver.ExecuteScript(ctx, selectors.AddClassesScript); err != nil {
		return err
	}
	return n.Driver.SwitchToFrame(ctx, n.loc(selectors.EnrollFrame), n.Timeout)
}

// selectTerm picks the configured term when the portal asks for one. The
// grid only appears for accounts with more than one open term.
func (n *Navigator) selectTerm(ctx context.Context) error {
	grid, err := n.exists(ctx, selectors.TermGrid)
	if err != nil {
		return err
	}
	if !grid {
		n.logger.Debug("No term grid, the cart is already scoped to a term.")
		return nil
	}

	table, err := n.Driver.WaitFor(ctx, n.loc(selectors.TermGridTable), driver.Present, n.Timeout)
	if err != nil {
		return &NavigationError{Step: "term grid", Err: err}
	}
	entries, err := n.Driver.FindAll(ctx, table, n.loc(selectors.TermEntries))
	if err != nil {
		return &NavigationError{Step: "term grid", Err: err}
	}
	labels := make([]string, 0, len(entries))
	for _, el := range entries {
		text, err := n.Driver.Text(ctx, el)
		if err != nil {
			return &NavigationError{Step: "term grid", Err: err}
		}
		labels = append(labels, text)
	}

	idx, matches, err := SelectTerm(labels, n.Term)
	if err != nil {
		return err
	}
	if len(matches) > 1 {
		n.logger.Warn("Term selector matches more than one term, using the first.",
			zap.String("term", n.Term), zap.Strings("candidates", matches))
	}
	n.logger.Info("Selecting term.", zap.String("label", labels[idx]), zap.Int("index", idx))

	option, err := n.Selectors.Format(selectors.TermOption, idx)
	if err != nil {
		return err
	}
	if err := driver.WaitClick(ctx, n.Driver, option, n.Timeout); err != nil {
		return &NavigationError{Step: "term option", Err: err}
	}
	if err := n.waitClick(ctx, selectors.TermContinue); err != nil {
		return &NavigationError{Step: "term continue", Err: err}
	}
	return nil
}

// SelectTerm returns the index of the first label containing term,
// case-insensitively, along with every matching label. No match is a
// ConfigError.
func SelectTerm(labels []string, term string) (int, []string, error) {
	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return -1, nil, &ConfigError{Key: "portal.term", Msg: "term is empty"}
	}
	idx := -1
	var matches []string
	for i, label := range labels {
		if strings.Contains(strings.ToLower(label), needle) {
			if idx < 0 {
				idx = i
			}
			matches = append(matches, label)
		}
	}
	if idx < 0 {
		return -1, nil, &ConfigError{
			Key: "portal.term",
			Msg: fmt.Sprintf("could not find term %q among %q", term, labels),
		}
	}
	return idx, matches, nil
}
