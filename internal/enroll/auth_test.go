package enroll

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/classbot/internal/cookies"
	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/driver/drivertest"
	"github.com/xkilldash9x/classbot/internal/notify"
	"github.com/xkilldash9x/classbot/internal/selectors"
)

var testCreds = Credentials{Username: "ab12c", Password: "hunter2"}

func TestCredentialsRedaction(t *testing.T) {
	assert.NotContains(t, testCreds.String(), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%v %+v %#v %s", testCreds, testCreds, testCreds, testCreds), "hunter2")

	core, logs := observer.New(zapcore.InfoLevel)
	zap.New(core).Info("login", zap.Object("credentials", testCreds))
	fields := logs.All()[0].ContextMap()["credentials"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"username": "ab12c"}, fields)
}

func TestLogin(t *testing.T) {
	tests := []struct {
		name     string
		onSubmit func(h *harness)
		want     AuthOutcome
	}{
		{name: "logged in", onSubmit: func(*harness) {}, want: AuthOK},
		{name: "bad password", onSubmit: func(h *harness) { h.el(selectors.LoginError, "Invalid credentials") }, want: AuthBadPassword},
		{name: "second factor", onSubmit: func(h *harness) { h.el(selectors.DuoFrame, "") }, want: AuthSecondFactor},
		{
			name: "error marker wins over second factor",
			onSubmit: func(h *harness) {
				h.el(selectors.LoginError, "Invalid credentials")
				h.el(selectors.DuoFrame, "")
			},
			want: AuthBadPassword,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			user, pass := h.loginPage(func() { tt.onSubmit(h) })

			got, err := NewAuthenticator(h.deps).Login(context.Background(), testCreds)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			assert.Equal(t, "ab12c", user.Typed())
			assert.Equal(t, "hunter2", pass.Typed())
			assert.Equal(t, "navigate "+selectors.EntryURL, h.d.Calls()[0])
			assert.Equal(t, []time.Duration{2 * time.Second}, h.sl.calls, "one settle delay after submit")
		})
	}
}

func TestLoginMissingForm(t *testing.T) {
	h := newHarness(t)
	_, err := NewAuthenticator(h.deps).Login(context.Background(), testCreds)
	assert.ErrorIs(t, err, driver.ErrTimeout)
	assert.ErrorContains(t, err, string(selectors.LoginUsername))
}

// duoPage enters the duo frame and installs the interactive prompt.
func duoPage(h *harness, autoPush bool) (status *drivertest.Element) {
	h.in(drivertest.Top)
	h.el(selectors.DuoFrame, "")
	duo := h.key(selectors.DuoFrame)
	h.d.SetURL(duo, "https://api-1a2b3c.duosecurity.com/frame/prompt?sid=xyz")
	h.d.SetTitle("myFSU Portal")
	h.in(duo)
	h.el(selectors.DuoAuthMethods, "")
	h.el(selectors.DuoCancel, "Cancel")
	h.el(selectors.DuoRemember, "")
	h.el(selectors.DuoDefaultMethod, "Send Me a Push")
	if autoPush {
		status = h.el(selectors.DuoMessage, "Pushed a login request to your device...")
	}
	return status
}

func TestHandleSecondFactorCachedDevice(t *testing.T) {
	h := newHarness(t)
	h.el(selectors.DuoFrame, "")
	h.d.SetTitle("myFSU Portal")

	err := NewAuthenticator(h.deps).HandleSecondFactor(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.ch.all(), "no approval message without a prompt")
	assert.Equal(t, drivertest.Top, h.d.Frame())
	assert.True(t, h.d.Called("waittitle myFSU Portal"))
	assert.Equal(t, []time.Duration{time.Second}, h.sl.calls, "frame settle only")
}

func TestHandleSecondFactorApproval(t *testing.T) {
	h := newHarness(t)
	store, err := cookies.NewStore(filepath.Join(t.TempDir(), "cookies"))
	require.NoError(t, err)
	h.deps.Cookies = store

	status := duoPage(h, true)
	require.NoError(t, h.d.SetCookies(context.Background(), []driver.Cookie{{Name: "remember", Value: "1", Domain: "api-1a2b3c.duosecurity.com", Path: "/"}}))

	// The operator approves after the third poll.
	polls := 0
	status.TextFunc = func() string {
		polls++
		if polls < 3 {
			return "Pushed a login request to your device..."
		}
		return "Success! Logging you in..."
	}

	err = NewAuthenticator(h.deps).HandleSecondFactor(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, h.clicks(selectors.DuoCancel))
	assert.Equal(t, 1, h.clicks(selectors.DuoRemember))
	assert.Equal(t, 1, h.clicks(selectors.DuoDefaultMethod))
	assert.Equal(t, 3, polls)
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, h.sl.calls, "frame settle plus two approval polls")

	saved, err := store.Load("api-1a2b3c.duosecurity.com")
	require.NoError(t, err)
	require.Len(t, saved, 1)
	assert.Equal(t, "remember", saved[0].Name)

	events := h.ch.all()
	require.Len(t, events, 2)
	assert.Equal(t, "send", events[0].op)
	assert.Equal(t, "Duo Approval Required!", events[0].msg.Title)
	assert.Equal(t, notify.Warning, events[0].msg.Severity)
	assert.Equal(t, "edit", events[1].op)
	assert.Equal(t, events[0].id, events[1].id)
	assert.Equal(t, notify.Message{Title: "Duo Approved!", Body: "The script is now proceeding!", Severity: notify.Success}, events[1].msg)

	assert.Equal(t, drivertest.Top, h.d.Frame())
}

func TestHandleSecondFactorWithoutAutoPush(t *testing.T) {
	h := newHarness(t)
	duoPage(h, false)

	// The status line appears only once the operator acts.
	h.sl.hook = func(n int) {
		if n == 3 {
			h.in(h.key(selectors.DuoFrame)).el(selectors.DuoMessage, "Success! Logging you in...")
		}
	}

	err := NewAuthenticator(h.deps).HandleSecondFactor(context.Background())
	require.NoError(t, err)
	assert.Zero(t, h.clicks(selectors.DuoCancel), "no push to cancel")
	assert.Zero(t, h.clicks(selectors.DuoDefaultMethod))
}

func TestHandleSecondFactorCancelled(t *testing.T) {
	h := newHarness(t)
	duoPage(h, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sl.hook = func(n int) {
		if n == 5 {
			cancel()
		}
	}

	err := NewAuthenticator(h.deps).HandleSecondFactor(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, h.sl.count())

	for _, e := range h.ch.all() {
		assert.NotEqual(t, "Duo Approved!", e.msg.Title)
	}
}

func TestHandleSecondFactorCookieFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	status := duoPage(h, true)
	status.Text = "Success!"
	h.d.FailOn("cookies", errors.New("devtools hiccup"))
	h.deps.Cookies = &cookies.Store{Dir: t.TempDir()}

	err := NewAuthenticator(h.deps).HandleSecondFactor(context.Background())
	assert.NoError(t, err)
}
