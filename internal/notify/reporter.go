package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Patch is a partial update. Nil fields keep the message's current value.
type Patch struct {
	Title    *string
	Body     *string
	Severity *Severity
	// Image replaces the attached image URL; an empty string removes it.
	Image *string
}

// Text returns a pointer to s, for building a Patch.
func Text(s string) *string { return &s }

// Sev returns a pointer to s, for building a Patch.
func Sev(s Severity) *Severity { return &s }

func (p Patch) apply(m Message) Message {
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.Body != nil {
		m.Body = *p.Body
	}
	if p.Severity != nil {
		m.Severity = *p.Severity
	}
	if p.Image != nil {
		m.Image = *p.Image
	}
	return m
}

// Reporter posts, updates and deletes notifications on a Channel. Every call
// is best-effort: failures are logged at warn level and never returned.
type Reporter struct {
	ch     Channel
	logger *zap.Logger
}

// NewReporter wraps ch.
func NewReporter(ch Channel, logger *zap.Logger) *Reporter {
	return &Reporter{ch: ch, logger: logger.Named("notify")}
}

// Post sends a new text message. A failed send yields a zero Handle.
func (r *Reporter) Post(ctx context.Context, title, body string, sev Severity) Handle {
	return r.Send(ctx, Message{Title: title, Body: body, Severity: sev})
}

// Send posts msg as is, image included. A failed send yields a zero Handle.
func (r *Reporter) Send(ctx context.Context, msg Message) Handle {
	h, err := r.ch.Send(ctx, msg)
	if err != nil {
		r.logger.Warn("Failed to post notification.", zap.String("title", msg.Title), zap.Error(err))
		return Handle{}
	}
	return h
}

// Update edits h in place and returns the handle with its new content. On
// failure, or for a zero handle, h is returned unchanged.
func (r *Reporter) Update(ctx context.Context, h Handle, p Patch) Handle {
	if h.Zero() {
		return h
	}
	updated, err := r.ch.Edit(ctx, h, p.apply(h.Message))
	if err != nil {
		r.logger.Warn("Failed to update notification.", zap.String("id", h.ID), zap.Error(err))
		return h
	}
	return updated
}

// Delete removes h. A zero handle is a no-op.
func (r *Reporter) Delete(ctx context.Context, h Handle) {
	if h.Zero() {
		return
	}
	if err := r.ch.Delete(ctx, h); err != nil {
		r.logger.Warn("Failed to delete notification.", zap.String("id", h.ID), zap.Error(err))
	}
}

// Progress is the single tracked loop-count message of a run. It is posted
// once and then only updated or discarded.
type Progress struct {
	r      *Reporter
	h      Handle
	modulo int
}

// ProgressBody renders the loop count line.
func ProgressBody(iteration int) string {
	return fmt.Sprintf("Loop count: `%d`", iteration)
}

// StartProgress posts the tracking message with a count of zero. modulo
// values below one are treated as one.
func (r *Reporter) StartProgress(ctx context.Context, title string, modulo int) *Progress {
	if modulo < 1 {
		modulo = 1
	}
	return &Progress{
		r:      r,
		h:      r.Post(ctx, title, ProgressBody(0), Light),
		modulo: modulo,
	}
}

// Tick updates the count when iteration is a multiple of the modulo and
// reports whether it did.
func (p *Progress) Tick(ctx context.Context, iteration int) bool {
	if iteration%p.modulo != 0 {
		return false
	}
	p.Set(ctx, iteration)
	return true
}

// Set updates the count unconditionally.
func (p *Progress) Set(ctx context.Context, iteration int) {
	p.h = p.r.Update(ctx, p.h, Patch{Body: Text(ProgressBody(iteration))})
}

// Discard deletes the message.
func (p *Progress) Discard(ctx context.Context) {
	p.r.Delete(ctx, p.h)
	p.h = Handle{}
}

// Handle returns the current handle.
func (p *Progress) Handle() Handle { return p.h }
