// Package notify delivers operator notifications. A Channel talks to one
// destination; the Reporter wraps it with best-effort semantics so that a
// delivery failure never fails an enrollment run.
package notify

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/network"
)

// BotName is the display name used on every channel.
const BotName = "classbot"

// Severity classifies a notification. Each severity has an embed colour.
type Severity int

const (
	Primary Severity = iota
	Secondary
	Success
	Danger
	Warning
	Info
	Light
	Dark
)

var severityNames = [...]string{"primary", "secondary", "success", "danger", "warning", "info", "light", "dark"}

// Colours follow the bootstrap button palette.
var severityColors = [...]int{0x0069d9, 0x5a6268, 0x218838, 0xc82333, 0xe0a800, 0x138496, 0xe2e6ea, 0x23272b}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// Color returns the RGB embed colour, Primary's for unknown values.
func (s Severity) Color() int {
	if s < 0 || int(s) >= len(severityColors) {
		return severityColors[Primary]
	}
	return severityColors[s]
}

// Message is one notification.
type Message struct {
	Title    string
	Body     string
	Severity Severity
	// Image is an optional image URL.
	Image string
}

// Handle identifies a delivered message and carries its last known content
// so partial updates can fill in unspecified fields.
type Handle struct {
	ID string
	Message
}

// Zero reports whether the handle refers to nothing, e.g. after a failed send.
func (h Handle) Zero() bool { return h.ID == "" }

// Channel is a notification destination.
type Channel interface {
	Send(ctx context.Context, msg Message) (Handle, error)
	Edit(ctx context.Context, h Handle, msg Message) (Handle, error)
	Delete(ctx context.Context, h Handle) error
}

// Options carries build metadata shown in message footers.
type Options struct {
	Version  string
	Hostname string
}

func (o Options) withDefaults() Options {
	if o.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			o.Hostname = h
		} else {
			o.Hostname = "unknown"
		}
	}
	if o.Version == "" {
		o.Version = "dev"
	}
	return o
}

// Footer renders the attribution line, e.g. "classbot v1.2 on 'host'".
func (o Options) Footer() string {
	return fmt.Sprintf("%s v%s on '%s'", BotName, o.Version, o.Hostname)
}

// New selects the channel configured by cfg.Kind.
func New(cfg config.NotifyConfig, opts Options, logger *zap.Logger) (Channel, error) {
	opts = opts.withDefaults()
	switch cfg.Kind {
	case config.NotifyDiscord:
		clientCfg := network.NewDefaultClientConfig()
		clientCfg.Logger = logger.Named("httpclient")
		return NewDiscord(cfg.Discord, network.NewClient(clientCfg), opts, logger)
	case config.NotifySMTP:
		return NewSMTP(cfg.SMTP, opts, logger), nil
	case config.NotifyLog:
		return NewLog(logger), nil
	default:
		return nil, fmt.Errorf("unknown notify.kind %q", cfg.Kind)
	}
}
