// internal/browser/manager_test.go
package browser

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/driver/drivertest"
)

// newTestManager swaps every launcher for one that records the kind it was
// asked for.
func newTestManager(t *testing.T) (*Manager, *[]string) {
	t.Helper()
	m := NewManager(zaptest.NewLogger(t))
	t.Cleanup(m.client.CloseIdleConnections)

	var launched []string
	for kind := range m.launchers {
		kind := kind
		m.launchers[kind] = func(ctx context.Context, cfg config.DriverConfig, _ *zap.Logger) (driver.Driver, error) {
			launched = append(launched, kind)
			return drivertest.New(), nil
		}
	}
	return m, &launched
}

// refusedURL returns an address nothing listens on.
func refusedURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestLaunchLocalKinds(t *testing.T) {
	for _, kind := range []string{config.DriverChrome, config.DriverFirefox} {
		t.Run(kind, func(t *testing.T) {
			m, launched := newTestManager(t)
			d, err := m.Launch(context.Background(), config.DriverConfig{Kind: kind})
			require.NoError(t, err)
			assert.NotNil(t, d)
			assert.Equal(t, []string{kind}, *launched)
		})
	}
}

func TestLaunchUnknownKind(t *testing.T) {
	m, launched := newTestManager(t)
	_, err := m.Launch(context.Background(), config.DriverConfig{Kind: "safari"})
	assert.ErrorContains(t, err, `"safari"`)
	assert.Empty(t, *launched)
}

func TestLaunchRemoteProbe(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		if r.URL.Query().Get("token") != "good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"HeadlessChrome/120.0","webSocketDebuggerUrl":"ws://x/devtools/browser/1"}`))
	}))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	t.Run("reachable", func(t *testing.T) {
		m, launched := newTestManager(t)
		_, err := m.Launch(context.Background(), config.DriverConfig{Kind: config.DriverRemote, RemoteURL: wsURL + "?token=good"})
		require.NoError(t, err)
		assert.Equal(t, "/json/version", gotPath)
		assert.Equal(t, "token=good", gotQuery)
		assert.Equal(t, []string{config.DriverRemote}, *launched)
	})

	t.Run("rejected", func(t *testing.T) {
		m, launched := newTestManager(t)
		_, err := m.Launch(context.Background(), config.DriverConfig{Kind: config.DriverRemote, RemoteURL: wsURL + "?token=bad"})
		assert.ErrorContains(t, err, "unexpected status 401")
		assert.NotContains(t, err.Error(), "token=bad", "tokens are kept out of errors")
		assert.Empty(t, *launched)
	})

	t.Run("refused", func(t *testing.T) {
		m, launched := newTestManager(t)
		_, err := m.Launch(context.Background(), config.DriverConfig{Kind: config.DriverRemote, RemoteURL: "ws://" + refusedURL(t)})
		assert.ErrorIs(t, err, driver.ErrConnectionRefused)
		assert.Empty(t, *launched)
	})
}

func TestLaunchFirefoxRemoteProbe(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	m, launched := newTestManager(t)
	_, err = m.Launch(context.Background(), config.DriverConfig{Kind: config.DriverFirefoxRemote, RemoteURL: "ws://" + l.Addr().String() + "/playwright"})
	require.NoError(t, err)
	assert.Equal(t, []string{config.DriverFirefoxRemote}, *launched)

	_, err = m.Launch(context.Background(), config.DriverConfig{Kind: config.DriverFirefoxRemote, RemoteURL: "ws://" + refusedURL(t)})
	assert.ErrorIs(t, err, driver.ErrConnectionRefused)
}

func TestLaunchMapsRefusedErrors(t *testing.T) {
	m, _ := newTestManager(t)
	m.launchers[config.DriverChrome] = func(context.Context, config.DriverConfig, *zap.Logger) (driver.Driver, error) {
		return nil, errors.New("dial tcp 127.0.0.1:9222: connect: connection refused")
	}
	_, err := m.Launch(context.Background(), config.DriverConfig{Kind: config.DriverChrome})
	assert.ErrorIs(t, err, driver.ErrConnectionRefused)
}

func TestDevToolsVersionURL(t *testing.T) {
	tests := []struct {
		in, want string
		err      bool
	}{
		{in: "ws://browserless:3000?token=abc", want: "http://browserless:3000/json/version?token=abc"},
		{in: "wss://chrome.example.com/devtools", want: "https://chrome.example.com/json/version"},
		{in: "http://localhost:9222", want: "http://localhost:9222/json/version"},
		{in: "ftp://localhost", err: true},
		{in: "ws://", err: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := devToolsVersionURL(tt.in)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
