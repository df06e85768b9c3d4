package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/classbot/internal/config"
	"github.com/xkilldash9x/classbot/internal/network"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// DiscordAPIBase is the webhook endpoint prefix every URL must start with.
const DiscordAPIBase = "https://discord.com/api/webhooks"

const (
	defaultRateLimit  = 0.5
	defaultMaxRetries = 4
	maxRetryAfter     = 30 * time.Second
)

type discordFooter struct {
	Text string `json:"text"`
}

type discordImage struct {
	URL string `json:"url"`
}

type discordEmbed struct {
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Color       int           `json:"color"`
	Timestamp   string        `json:"timestamp"`
	Footer      discordFooter `json:"footer"`
	Image       *discordImage `json:"image,omitempty"`
}

type discordPayload struct {
	Username  string         `json:"username"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content"`
	Embeds    []discordEmbed `json:"embeds"`
}

type discordMessage struct {
	ID string `json:"id"`
}

type discordRateLimited struct {
	RetryAfter float64 `json:"retry_after"`
}

// Discord posts embeds through a webhook. Calls are rate limited and
// transient failures (429 and 5xx) are retried with exponential backoff.
type Discord struct {
	base     string
	id       string
	token    string
	mentions string
	avatar   string
	opts     Options

	client  *network.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time

	newBackOff func() backoff.BackOff
}

// ParseWebhookURL splits a webhook URL into its id and token. Query strings
// and fragments are ignored.
func ParseWebhookURL(raw string) (id, token string, err error) {
	if !strings.HasPrefix(raw, DiscordAPIBase+"/") {
		return "", "", fmt.Errorf("discord webhook url must start with %s", DiscordAPIBase)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse discord webhook url: %w", err)
	}
	rest := strings.TrimPrefix(u.Path, "/api/webhooks/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("discord webhook url must look like %s/{id}/{token}", DiscordAPIBase)
	}
	return parts[0], parts[1], nil
}

// NewDiscord builds a webhook channel from cfg.
func NewDiscord(cfg config.DiscordConfig, client *network.Client, opts Options, logger *zap.Logger) (*Discord, error) {
	id, token, err := ParseWebhookURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	rps := cfg.RateLimit
	if rps <= 0 {
		rps = defaultRateLimit
	}
	if client == nil {
		client = network.NewClient(nil)
	}
	return &Discord{
		base:     DiscordAPIBase,
		id:       id,
		token:    token,
		mentions: strings.TrimSpace(cfg.Mentions),
		avatar:   cfg.AvatarURL,
		opts:     opts.withDefaults(),
		client:   client,
		limiter:  rate.NewLimiter(rate.Limit(rps), 1),
		logger:   logger.Named("discord"),
		now:      time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxElapsedTime = 2 * time.Minute
			return b
		},
	}, nil
}

func (d *Discord) webhookURL() string {
	return d.base + "/" + d.id + "/" + d.token
}

func (d *Discord) messageURL(id string) string {
	return d.webhookURL() + "/messages/" + url.PathEscape(id)
}

func (d *Discord) payload(msg Message) discordPayload {
	embed := discordEmbed{
		Title:       msg.Title,
		Description: msg.Body,
		Color:       msg.Severity.Color(),
		Timestamp:   d.now().UTC().Format(time.RFC3339),
		Footer:      discordFooter{Text: d.opts.Footer()},
	}
	if msg.Image != "" {
		embed.Image = &discordImage{URL: msg.Image}
	}
	return discordPayload{
		Username:  BotName,
		AvatarURL: d.avatar,
		Content:   d.mentions,
		Embeds:    []discordEmbed{embed},
	}
}

// Send posts msg and returns the created message's handle.
func (d *Discord) Send(ctx context.Context, msg Message) (Handle, error) {
	var created discordMessage
	if err := d.do(ctx, http.MethodPost, d.webhookURL()+"?wait=true", d.payload(msg), &created); err != nil {
		return Handle{}, fmt.Errorf("discord send: %w", err)
	}
	if created.ID == "" {
		return Handle{}, fmt.Errorf("discord send: response carried no message id")
	}
	return Handle{ID: created.ID, Message: msg}, nil
}

// Edit replaces the content of h with msg.
func (d *Discord) Edit(ctx context.Context, h Handle, msg Message) (Handle, error) {
	if err := d.do(ctx, http.MethodPatch, d.messageURL(h.ID), d.payload(msg), nil); err != nil {
		return h, fmt.Errorf("discord edit %s: %w", h.ID, err)
	}
	return Handle{ID: h.ID, Message: msg}, nil
}

// Delete removes h.
func (d *Discord) Delete(ctx context.Context, h Handle) error {
	if err := d.do(ctx, http.MethodDelete, d.messageURL(h.ID), nil, nil); err != nil {
		return fmt.Errorf("discord delete %s: %w", h.ID, err)
	}
	return nil
}

// do runs one webhook call with rate limiting and retries. out, when non-nil,
// receives the decoded response body.
func (d *Discord) do(ctx context.Context, method, target string, body any, out any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
	}

	attempt := 0
	operation := func() error {
		attempt++
		if err := d.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := d.once(ctx, method, target, encoded, out)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		d.logger.Debug("Retrying webhook call.",
			zap.String("method", method), zap.Int("attempt", attempt),
			zap.Duration("backoff", wait), zap.Error(err))
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), defaultMaxRetries), ctx)
	return backoff.RetryNotify(operation, b, notify)
}

func (d *Discord) once(ctx context.Context, method, target string, encoded []byte, out any) error {
	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return backoff.Permanent(err)
	}
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := retryAfter(resp, data)
		if wait > 0 {
			d.logger.Info("Webhook rate limited.", zap.Duration("retry_after", wait))
			timer := time.NewTimer(wait)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return backoff.Permanent(ctx.Err())
			case <-timer.C:
			}
		}
		return fmt.Errorf("rate limited (status %d)", resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error (status %d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("request rejected (status %d): %s", resp.StatusCode, truncate(data, 200)))
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// retryAfter reads the wait from the JSON body, falling back to the
// Retry-After header. Both are in seconds.
func retryAfter(resp *http.Response, body []byte) time.Duration {
	var rl discordRateLimited
	secs := 0.0
	if err := json.Unmarshal(body, &rl); err == nil && rl.RetryAfter > 0 {
		secs = rl.RetryAfter
	} else if h := resp.Header.Get("Retry-After"); h != "" {
		if v, err := strconv.ParseFloat(h, 64); err == nil {
			secs = v
		}
	}
	wait := time.Duration(secs * float64(time.Second))
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	return wait
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
