package enroll

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

const (
	progressTitle   = "Enrollment Loop Started!"
	allEnrolledMsg  = "Successfully Enrolled in All Remaining Classes!"
	someEnrolledMsg = "Successfully Enrolled in Some Classes..."
	enrolledPreface = "You're now enrolled in the following classes:"
)

// Result is the outcome of one course in one submission.
type Result struct {
	Code      string
	Succeeded bool
	Message   string
}

// Results are the outcomes of one submission in table order.
type Results struct {
	items []Result
	index map[string]int
}

// Add appends r. A code seen earlier in the same submission is replaced
// in place.
func (rs *Results) Add(r Result) {
	if rs.index == nil {
		rs.index = make(map[string]int)
	}
	if i, ok := rs.index[r.Code]; ok {
		rs.items[i] = r
		return
	}
	rs.index[r.Code] = len(rs.items)
	rs.items = append(rs.items, r)
}

// Len returns the number of courses.
func (rs *Results) Len() int { return len(rs.items) }

// All returns the results in table order.
func (rs *Results) All() []Result { return append([]Result(nil), rs.items...) }

// Get returns the result for code.
func (rs *Results) Get(code string) (Result, bool) {
	i, ok := rs.index[code]
	if !ok {
		return Result{}, false
	}
	return rs.items[i], true
}

// AnySucceeded reports whether at least one course succeeded.
func (rs *Results) AnySucceeded() bool {
	for _, r := range rs.items {
		if r.Succeeded {
			return true
		}
	}
	return false
}

// AllSucceeded reports whether every course succeeded. An empty set is
// false so a submission that produced no rows never ends the loop.
func (rs *Results) AllSucceeded() bool {
	if len(rs.items) == 0 {
		return false
	}
	for _, r := range rs.items {
		if !r.Succeeded {
			return false
		}
	}
	return true
}

// Succeeded returns the codes that succeeded, in table order.
func (rs *Results) Succeeded() []string {
	var codes []string
	for _, r := range rs.items {
		if r.Succeeded {
			codes = append(codes, r.Code)
		}
	}
	return codes
}

// IsSuccess applies the portal's success wording. The match is a
// case-sensitive substring: "Success: enrolled" matches, "unsuccessful"
// does not.
func IsSuccess(raw string) bool {
	return strings.Contains(raw, selectors.SuccessMarker)
}

// CleanMessage keeps the text after the last bold prefix, first line only.
func CleanMessage(raw string) string {
	parts := strings.Split(raw, "</b>")
	first, _, _ := strings.Cut(parts[len(parts)-1], "\n")
	return first
}

// NormalizeCode removes all whitespace from a course label.
func NormalizeCode(label string) string {
	return strings.Join(strings.Fields(label), "")
}

// EnrolledBody renders the success notification body.
func EnrolledBody(codes []string) string {
	var b strings.Builder
	b.WriteString(enrolledPreface)
	for _, c := range codes {
		fmt.Fprintf(&b, "\n - `%s`", c)
	}
	return b.String()
}

// Loop submits the cart until every course is enrolled.
type Loop struct {
	Deps
	// Modulo is how many iterations pass between progress updates.
	Modulo int

	// SuccessImage, when set, is attached to the enrolled notifications.
	SuccessImage string

	logger *zap.Logger
}

// NewLoop builds the retry loop.
func NewLoop(deps Deps, modulo int) *Loop {
	return &Loop{Deps: deps, Modulo: modulo, logger: deps.Logger.Named("loop")}
}

// Run iterates until every course succeeded (Done) or a terminal error
// occurs. Errors are returned with the status they map to.
func (l *Loop) Run(ctx context.Context) (ExitStatus, error) {
	progress := l.Reporter.StartProgress(ctx, progressTitle, l.Modulo)
	l.logger.Info("Enrollment loop started.", zap.Int("modulo", l.Modulo))

	for iteration := 0; ; {
		results, err := l.iterate(ctx)
		if err != nil {
			var empty *EmptyCartError
			if errors.As(err, &empty) {
				progress.Discard(ctx)
			}
			return Classify(err).Status, err
		}

		iteration++
		l.logger.Debug("Loop iteration finished.", zap.Int("iteration", iteration), zap.Int("results", results.Len()))
		ticked := progress.Tick(ctx, iteration)

		if results.Len() == 0 {
			l.logger.Warn("Submission returned no results, treating as not yet enrolled.", zap.Int("iteration", iteration))
		}
		if results.AnySucceeded() {
			title := someEnrolledMsg
			if results.AllSucceeded() {
				title = allEnrolledMsg
			}
			codes := results.Succeeded()
			l.logger.Info("Enrolled in classes.", zap.Strings("codes", codes))
			l.Reporter.Send(ctx, notify.Message{
				Title:    title,
				Body:     EnrolledBody(codes),
				Severity: notify.Success,
				Image:    l.SuccessImage,
			})
		}
		if results.AllSucceeded() {
			if !ticked {
				progress.Set(ctx, iteration)
			}
			l.logger.Info("All classes enrolled.", zap.Int("iterations", iteration))
			return Done, nil
		}

		if err := l.sleep(ctx, l.Enroll.Sleep); err != nil {
			return Classify(err).Status, err
		}
	}
}

// iterate runs one cart-to-results cycle.
func (l *Loop) iterate(ctx context.Context) (*Results, error) {
	if _, err := l.ReadCart(ctx); err != nil {
		return nil, err
	}
	if err := l.waitClick(ctx, selectors.CartContinue); err != nil {
		return nil, fmt.Errorf("continue to confirmation: %w", err)
	}
	if err := l.waitClick(ctx, selectors.CartFinish); err != nil {
		return nil, fmt.Errorf("finish enrolling: %w", err)
	}
	results, err := l.ReadResults(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.waitClick(ctx, selectors.CartRestart); err != nil {
		return nil, fmt.Errorf("start over: %w", err)
	}
	return results, nil
}

// ReadCart returns the cart rows, header included, or an EmptyCartError.
func (l *Loop) ReadCart(ctx context.Context) ([]driver.Element, error) {
	body, err := l.Driver.WaitFor(ctx, l.loc(selectors.CartBody), driver.Present, l.Timeout)
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}
	rows, err := l.Driver.FindAll(ctx, body, l.loc(selectors.CartRows))
	if err != nil {
		return nil, fmt.Errorf("read cart rows: %w", err)
	}
	// The table always has a header row plus either a course or the
	// empty-cart notice.
	if len(rows) < selectors.MinCartRows {
		return nil, &EmptyCartError{Reason: "Less than two rows? Something went wrong!"}
	}
	second, err := l.Driver.Text(ctx, rows[1])
	if err != nil {
		return nil, fmt.Errorf("read cart row: %w", err)
	}
	if second == selectors.EmptyCartText {
		return nil, &EmptyCartError{Reason: "Your shopping cart is empty!"}
	}
	return rows, nil
}

// ReadResults waits for the results table and parses it.
func (l *Loop) ReadResults(ctx context.Context) (*Results, error) {
	body, err := l.Driver.WaitFor(ctx, l.loc(selectors.ResultsBody), driver.Present, l.Timeout)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}
	rows, err := l.Driver.FindAll(ctx, body, l.loc(selectors.ResultsRows))
	if err != nil {
		return nil, fmt.Errorf("read result rows: %w", err)
	}
	return ParseResults(ctx, l.Driver, l.Selectors, rows)
}

// ParseResults turns result rows into Results. The first row is the header.
// A data row without the expected cells or labels is a StructureError.
func ParseResults(ctx context.Context, d driver.Driver, reg *selectors.Registry, rows []driver.Element) (*Results, error) {
	results := &Results{}
	if len(rows) == 0 {
		return results, nil
	}
	for i, row := range rows[1:] {
		rowNum := i + 1
		cells, err := d.FindAll(ctx, row, reg.MustGet(selectors.ResultsCells))
		if err != nil {
			return nil, err
		}
		if len(cells) < 2 {
			return nil, &StructureError{Landmark: selectors.ResultsCells, Row: rowNum, Msg: fmt.Sprintf("expected 2 cells, found %d", len(cells))}
		}

		label, err := firstText(ctx, d, cells[0], reg.MustGet(selectors.ResultsCode))
		if err != nil {
			return nil, err
		}
		if label == nil {
			return nil, &StructureError{Landmark: selectors.ResultsCode, Row: rowNum, Msg: "course label missing"}
		}
		raw, err := firstText(ctx, d, cells[1], reg.MustGet(selectors.ResultsMessage))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, &StructureError{Landmark: selectors.ResultsMessage, Row: rowNum, Msg: "result message missing"}
		}

		results.Add(Result{
			Code:      NormalizeCode(*label),
			Succeeded: IsSuccess(*raw),
			Message:   CleanMessage(*raw),
		})
	}
	return results, nil
}

// firstText returns the text of the first match of loc under parent, or
// nil when nothing matches.
func firstText(ctx context.Context, d driver.Driver, parent driver.Element, loc driver.Locator) (*string, error) {
	els, err := d.FindAll(ctx, parent, loc)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, nil
	}
	text, err := d.Text(ctx, els[0])
	if err != nil {
		return nil, err
	}
	return &text, nil
}
