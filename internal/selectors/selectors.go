// Package selectors maps the portal's logical landmarks to lookup
// expressions. Stages never embed an expression inline; when the portal
// changes, this file (or the `selectors:` config block) is the only edit.
package selectors

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/classbot/internal/driver"
)

// Landmark is the logical name of a UI element.
type Landmark string

const (
	LoginUsername Landmark = "login.username"
	LoginPassword Landmark = "login.password"
	LoginSubmit   Landmark = "login.submit"
	LoginError    Landmark = "login.error"

	DuoFrame         Landmark = "duo.frame"
	DuoAuthMethods   Landmark = "duo.auth_methods"
	DuoMessage       Landmark = "duo.message"
	DuoCancel        Landmark = "duo.cancel"
	DuoRemember      Landmark = "duo.remember"
	DuoDefaultMethod Landmark = "duo.default_method"

	HomeStudentCentral Landmark = "home.student_central"
	HomeTabSelector    Landmark = "home.tab_selector"
	HomeMyClasses      Landmark = "home.my_classes"

	EnrollFrame Landmark = "enroll.frame"

	TermGrid      Landmark = "term.grid"
	TermGridTable Landmark = "term.grid_table"
	TermEntries   Landmark = "term.entries"
	// TermOption is a template taking the zero-based entry index.
	TermOption   Landmark = "term.option"
	TermContinue Landmark = "term.continue"

	CartBody     Landmark = "cart.body"
	CartRows     Landmark = "cart.rows"
	CartContinue Landmark = "cart.continue"
	CartFinish   Landmark = "cart.finish"
	CartRestart  Landmark = "cart.restart"

	ResultsBody    Landmark = "results.body"
	ResultsRows    Landmark = "results.rows"
	ResultsCells   Landmark = "results.cells"
	ResultsCode    Landmark = "results.code"
	ResultsMessage Landmark = "results.message"
)

// Portal constants.
const (
	EntryURL = "http://www.my.fsu.edu"

	// LandingTitle appears in the title once authentication completes.
	LandingTitle = "myFSU Portal"
	// HomepageTitle appears in the title once Student Central has loaded.
	HomepageTitle = "Homepage"
	// StudentTab appears in the tab selector when the student view is active.
	StudentTab = "student"

	TabSwitchScript = `lpSwipeToTabFromDD("SA.EMPLOYEE.FSU_STUDENT_HP");`

	AddClassesScript = `top.ptgpPage.openUrlWithWarning(
	'https://campusadmin.omni.fsu.edu/psc/sprdcs_newwin/EMPLOYEE/SA/c/SA_LEARNER_SERVICES.SSR_SSENRL_CART.GBL?NavColl=true',
	'top.ptgpPage.selectStep(\'ADMN_S201807141525557333111812\');',
	false
);`

	EmptyCartText = "Your enrollment shopping cart is empty."
	// SuccessMarker is matched case-sensitively against a raw result message.
	SuccessMarker = "Success"
	// MinCartRows is the header row plus at least one course row.
	MinCartRows = 2
)

// defaults are CSS so they also work inside frames on the chromedp backend.
var defaults = map[Landmark]string{
	LoginUsername: "#username",
	LoginPassword: "#password",
	LoginSubmit:   "#fsu-login-button",
	LoginError:    "#msg",

	DuoFrame:         "#duo_iframe",
	DuoAuthMethods:   "#auth_methods",
	DuoMessage:       ".message-text",
	DuoCancel:        ".btn-cancel",
	DuoRemember:      `[name="dampen_choice"]`,
	DuoDefaultMethod: ":has(> * > .used-automatically) > button",

	HomeStudentCentral: "a[title='Student Central']",
	HomeTabSelector:    `[id="HOMEPAGE_SELECTOR$PIMG"] > span`,
	HomeMyClasses:      `[id="win0divPTNUI_LAND_REC_GROUPLET$10"]`,

	EnrollFrame: "#main_target_win0",

	TermGrid:      "#PSLEVEL2GRID",
	TermGridTable: ".PSLEVEL2GRID",
	TermEntries:   "span[id*='TERM_CAR$']",
	TermOption:    `[id="win0divSSR_DUMMY_RECV1$sels$%d$$0"]`,
	TermContinue:  "#DERIVED_SSS_SCT_SSR_PB_GO",

	CartBody:     `[id="SSR_REGFORM_VW$scroll$0"] > tbody`,
	CartRows:     "tr",
	CartContinue: "#gh-footer > ul > li > a",
	CartFinish:   "#gh-footer > ul > li:nth-of-type(3) > a",
	CartRestart:  "#gh-footer > ul > li:nth-of-type(2) > a",

	ResultsBody:    `[id="SSR_SS_ERD_ER$scroll$0"] table > tbody`,
	ResultsRows:    "tr",
	ResultsCells:   "td",
	ResultsCode:    "span",
	ResultsMessage: "div > div",
}

// Registry maps landmarks to locators.
type Registry struct {
	locators map[Landmark]driver.Locator
}

// Default returns the portal's registry.
func Default() *Registry {
	r := &Registry{locators: make(map[Landmark]driver.Locator, len(defaults))}
	for lm, expr := range defaults {
		r.locators[lm] = driver.ByCSS(expr)
	}
	return r
}

// Get returns the locator for a landmark. An unknown landmark is a
// programming error.
func (r *Registry) Get(lm Landmark) (driver.Locator, error) {
	loc, ok := r.locators[lm]
	if !ok {
		return driver.Locator{}, fmt.Errorf("unknown landmark %q", lm)
	}
	return loc, nil
}

// MustGet is Get for landmarks declared in this package.
func (r *Registry) MustGet(lm Landmark) driver.Locator {
	loc, err := r.Get(lm)
	if err != nil {
		panic(err)
	}
	return loc
}

// Format renders a templated landmark such as TermOption.
func (r *Registry) Format(lm Landmark, args ...any) (driver.Locator, error) {
	loc, err := r.Get(lm)
	if err != nil {
		return driver.Locator{}, err
	}
	if !strings.Contains(loc.Expr, "%") {
		return driver.Locator{}, fmt.Errorf("landmark %q is not a template", lm)
	}
	loc.Expr = fmt.Sprintf(loc.Expr, args...)
	return loc, nil
}

// Merge applies expression overrides keyed by landmark name. Unknown names
// are rejected so a typo in config does not silently do nothing.
func (r *Registry) Merge(overrides map[string]string) error {
	for name, expr := range overrides {
		lm := Landmark(name)
		if _, ok := r.locators[lm]; !ok {
			return fmt.Errorf("selectors: unknown landmark %q", name)
		}
		if strings.TrimSpace(expr) == "" {
			return fmt.Errorf("selectors: empty expression for %q", name)
		}
		r.locators[lm] = driver.ParseLocator(expr)
	}
	return nil
}

// Landmarks returns every landmark in sorted order.
func (r *Registry) Landmarks() []Landmark {
	out := make([]Landmark, 0, len(r.locators))
	for lm := range r.locators {
		out = append(out, lm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Snapshot returns the registry as landmark name to override syntax, the
// same shape the `selectors:` config block takes.
func (r *Registry) Snapshot() map[string]string {
	out := make(map[string]string, len(r.locators))
	for lm, loc := range r.locators {
		out[string(lm)] = loc.String()
	}
	return out
}
