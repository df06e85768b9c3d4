package pw

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/classbot/internal/driver"
)

func TestSelector(t *testing.T) {
	assert.Equal(t, "css=#duo_iframe", selector(driver.ByCSS("#duo_iframe")))
	assert.Equal(t, "xpath=//*[@id='msg']", selector(driver.ByXPath("//*[@id='msg']")))
}

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(fmt.Errorf("wait: %w", playwright.ErrTimeout)), driver.ErrTimeout)
	assert.ErrorIs(t, mapErr(fmt.Errorf("click: %w", playwright.ErrTargetClosed)), driver.ErrSessionClosed)

	boom := errors.New("boom")
	assert.Same(t, boom, mapErr(boom))
}

func TestBudget(t *testing.T) {
	assert.Equal(t, float64(15000), budget(context.Background(), 15*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.LessOrEqual(t, budget(ctx, time.Minute), float64(1000), "the context deadline caps the wait")

	expired, cancel2 := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel2()
	assert.Equal(t, float64(1), budget(expired, time.Minute))
}

func TestCookieConversion(t *testing.T) {
	lax := playwright.SameSiteAttribute("Lax")
	c := fromPlaywrightCookie(playwright.Cookie{
		Name:     "remember",
		Value:    "yes",
		Domain:   "api-123.duosecurity.com",
		Path:     "/",
		Expires:  1803945600,
		HttpOnly: true,
		Secure:   true,
		SameSite: &lax,
	})
	assert.Equal(t, time.Unix(1803945600, 0).UTC(), c.Expires)
	assert.Equal(t, "Lax", c.SameSite)
	assert.True(t, c.HTTPOnly)

	oc := toOptionalCookie(c)
	require.NotNil(t, oc.Expires)
	assert.Equal(t, float64(1803945600), *oc.Expires)
	require.NotNil(t, oc.SameSite)
	assert.Equal(t, lax, *oc.SameSite)

	session := fromPlaywrightCookie(playwright.Cookie{Name: "sid", Expires: -1})
	assert.True(t, session.Session())
	sessionParam := toOptionalCookie(session)
	assert.Nil(t, sessionParam.Expires)
	assert.Equal(t, "/", *sessionParam.Path, "an empty path defaults to the root")
}

func TestQuitOnce(t *testing.T) {
	var order []string
	closeErr := errors.New("browser stuck")
	d := newDriver(nil, nil, zaptest.NewLogger(t),
		func() error { order = append(order, "context"); return fmt.Errorf("close: %w", playwright.ErrTargetClosed) },
		func() error { order = append(order, "browser"); return closeErr },
		func() error { order = append(order, "driver"); return nil },
	)

	err := d.Quit()
	assert.ErrorIs(t, err, closeErr, "target closed during shutdown is not an error")
	assert.Equal(t, []string{"context", "browser", "driver"}, order)

	assert.ErrorIs(t, d.Quit(), closeErr)
	assert.Len(t, order, 3, "closers run once")
}

func TestForeignElement(t *testing.T) {
	d := newDriver(nil, nil, zaptest.NewLogger(t))
	err := d.Click(context.Background(), nil)
	assert.ErrorContains(t, err, "foreign element")
}
