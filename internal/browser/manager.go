// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/driver"
	"github.com/xkilldash9x/classbot/internal/driver/cdp"
	"github.com/xkilldash9x/classbot/internal/driver/pw"
	"github.com/xkilldash9x/classbot/internal/network"
)

const probeTimeout = 5 * time.Second

// Launcher starts one driver variant.
type Launcher func(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (driver.Driver, error)

// Manager picks and starts the driver variant named by driver.kind. The
// choice is made once at startup; remote variants are probed first so an
// unreachable endpoint fails fast with driver.ErrConnectionRefused.
type Manager struct {
	logger    *zap.Logger
	client    *network.Client
	dialer    *net.Dialer
	launchers map[string]Launcher
}

// NewManager wires the built-in variants.
func NewManager(logger *zap.Logger) *Manager {
	clientCfg := network.NewDefaultClientConfig()
	clientCfg.Logger = logger.Named("httpclient")
	clientCfg.RequestTimeout = probeTimeout
	clientCfg.ForceHTTP2 = false

	return &Manager{
		logger: logger.Named("browser_manager"),
		client: network.NewClient(clientCfg),
		dialer: &net.Dialer{Timeout: probeTimeout},
		launchers: map[string]Launcher{
			config.DriverChrome: func(ctx context.Context, cfg config.DriverConfig, l *zap.Logger) (driver.Driver, error) {
				return cdp.NewLocal(ctx, cfg, l)
			},
			config.DriverRemote: func(ctx context.Context, cfg config.DriverConfig, l *zap.Logger) (driver.Driver, error) {
				return cdp.NewRemote(ctx, cfg, l)
			},
			config.DriverFirefox: func(ctx context.Context, cfg config.DriverConfig, l *zap.Logger) (driver.Driver, error) {
				return pw.NewLocal(ctx, cfg, l)
			},
			config.DriverFirefoxRemote: func(ctx context.Context, cfg config.DriverConfig, l *zap.Logger) (driver.Driver, error) {
				return pw.NewRemote(ctx, cfg, l)
			},
		},
	}
}

// New is shorthand for NewManager(logger).Launch(ctx, cfg).
func New(ctx context.Context, cfg config.DriverConfig, logger *zap.Logger) (driver.Driver, error) {
	m := NewManager(logger)
	defer m.client.CloseIdleConnections()
	return m.Launch(ctx, cfg)
}

// Launch starts the configured variant.
func (m *Manager) Launch(ctx context.Context, cfg config.DriverConfig) (driver.Driver, error) {
	launch, ok := m.launchers[cfg.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown driver.kind %q", cfg.Kind)
	}

	switch cfg.Kind {
	case config.DriverRemote:
		if err := m.probeDevTools(ctx, cfg.RemoteURL); err != nil {
			return nil, err
		}
	case config.DriverFirefoxRemote:
		if err := m.probeTCP(ctx, cfg.RemoteURL); err != nil {
			return nil, err
		}
	}

	m.logger.Info("Launching browser.", zap.String("kind", cfg.Kind), zap.Bool("headless", cfg.Headless))
	d, err := launch(ctx, cfg, m.logger)
	if err != nil {
		if isRefused(err) && !errors.Is(err, driver.ErrConnectionRefused) {
			err = fmt.Errorf("%w: %v", driver.ErrConnectionRefused, err)
		}
		return nil, err
	}
	return d, nil
}

// devToolsVersionURL maps a ws(s) or http(s) endpoint to its /json/version
// document, keeping the query so tokens survive.
func devToolsVersionURL(remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", fmt.Errorf("parse remote url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported remote url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("remote url %q has no host", remote)
	}
	u.Path = "/json/version"
	u.Fragment = ""
	return u.String(), nil
}

func (m *Manager) probeDevTools(ctx context.Context, remote string) error {
	target, err := devToolsVersionURL(remote)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if isRefused(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %v", driver.ErrConnectionRefused, redact(target), err)
		}
		return fmt.Errorf("probe %s: %w", redact(target), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("probe %s: unexpected status %d", redact(target), resp.StatusCode)
	}
	m.logger.Debug("Remote DevTools endpoint is reachable.", zap.String("url", redact(target)))
	return nil
}

func (m *Manager) probeTCP(ctx context.Context, remote string) error {
	u, err := url.Parse(remote)
	if err != nil {
		return fmt.Errorf("parse remote url: %w", err)
	}
	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "wss", "https":
			host = net.JoinHostPort(u.Hostname(), "443")
		default:
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, err := m.dialer.DialContext(ctx, "tcp", host)
	if err != nil {
		if isRefused(err) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s: %v", driver.ErrConnectionRefused, host, err)
		}
		return fmt.Errorf("probe %s: %w", host, err)
	}
	return conn.Close()
}

func isRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "ECONNREFUSED")
}

// redact drops the query, which may carry an access token.
func redact(target string) string {
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i]
	}
	return target
}
