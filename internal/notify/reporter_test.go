package notify_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/classbot/internal/mocks"
	"github.com/xkilldash9x/classbot/internal/notify"
)

func newReporter(t *testing.T) (*notify.Reporter, *mocks.MockChannel) {
	t.Helper()
	ch := new(mocks.MockChannel)
	t.Cleanup(func() { ch.AssertExpectations(t) })
	return notify.NewReporter(ch, zaptest.NewLogger(t)), ch
}

func TestReporterPost(t *testing.T) {
	ctx := context.Background()

	t.Run("success returns the handle", func(t *testing.T) {
		r, ch := newReporter(t)
		msg := notify.Message{Title: "Starting up!", Body: "hi", Severity: notify.Info}
		ch.On("Send", ctx, msg).Return(notify.Handle{ID: "1", Message: msg}, nil).Once()

		h := r.Post(ctx, "Starting up!", "hi", notify.Info)
		assert.Equal(t, "1", h.ID)
		assert.False(t, h.Zero())
	})

	t.Run("failure is swallowed", func(t *testing.T) {
		r, ch := newReporter(t)
		ch.On("Send", ctx, mock.Anything).Return(notify.Handle{}, errors.New("503")).Once()

		h := r.Post(ctx, "Starting up!", "hi", notify.Info)
		assert.True(t, h.Zero())
	})
}

func TestReporterSendKeepsImage(t *testing.T) {
	ctx := context.Background()
	r, ch := newReporter(t)
	msg := notify.Message{
		Title:    "Enrolled in All Classes!",
		Body:     "`COP3014`",
		Severity: notify.Success,
		Image:    "https://media.giphy.com/media/enrolled.gif",
	}
	ch.On("Send", ctx, msg).Return(notify.Handle{ID: "9", Message: msg}, nil).Once()

	h := r.Send(ctx, msg)
	assert.Equal(t, msg.Image, h.Image)
}

func TestReporterUpdate(t *testing.T) {
	ctx := context.Background()
	orig := notify.Handle{ID: "7", Message: notify.Message{Title: "Duo Approval Required!", Body: "approve", Severity: notify.Warning}}

	t.Run("patch keeps unspecified fields", func(t *testing.T) {
		r, ch := newReporter(t)
		want := notify.Message{Title: "Duo Approved!", Body: "approve", Severity: notify.Success}
		ch.On("Edit", ctx, orig, want).Return(notify.Handle{ID: "7", Message: want}, nil).Once()

		h := r.Update(ctx, orig, notify.Patch{Title: notify.Text("Duo Approved!"), Severity: notify.Sev(notify.Success)})
		assert.Equal(t, want, h.Message)
	})

	t.Run("patch sets and clears the image", func(t *testing.T) {
		r, ch := newReporter(t)
		withImage := orig.Message
		withImage.Image = "https://example.com/duo.png"
		ch.On("Edit", ctx, orig, withImage).Return(notify.Handle{ID: "7", Message: withImage}, nil).Once()

		h := r.Update(ctx, orig, notify.Patch{Image: notify.Text(withImage.Image)})
		assert.Equal(t, withImage.Image, h.Image)

		ch.On("Edit", ctx, h, orig.Message).Return(notify.Handle{ID: "7", Message: orig.Message}, nil).Once()
		h = r.Update(ctx, h, notify.Patch{Image: notify.Text("")})
		assert.Empty(t, h.Image)
	})

	t.Run("zero handle is a no-op", func(t *testing.T) {
		r, _ := newReporter(t)
		h := r.Update(ctx, notify.Handle{}, notify.Patch{Body: notify.Text("x")})
		assert.True(t, h.Zero())
	})

	t.Run("failure returns the original handle", func(t *testing.T) {
		r, ch := newReporter(t)
		ch.On("Edit", ctx, orig, mock.Anything).Return(notify.Handle{}, errors.New("gone")).Once()

		h := r.Update(ctx, orig, notify.Patch{Body: notify.Text("x")})
		assert.Equal(t, orig, h)
	})
}

func TestReporterDelete(t *testing.T) {
	ctx := context.Background()
	r, ch := newReporter(t)
	ch.On("Delete", ctx, notify.Handle{ID: "3"}).Return(errors.New("404")).Once()

	r.Delete(ctx, notify.Handle{ID: "3"})
	r.Delete(ctx, notify.Handle{})
}

func TestProgress(t *testing.T) {
	ctx := context.Background()
	r, ch := newReporter(t)

	start := notify.Message{Title: "Enrollment Loop Started!", Body: "Loop count: `0`", Severity: notify.Light}
	ch.On("Send", ctx, start).Return(notify.Handle{ID: "p", Message: start}, nil).Once()

	var bodies []string
	ch.On("Edit", ctx, mock.Anything, mock.Anything).Return(func(_ context.Context, h notify.Handle, m notify.Message) (notify.Handle, error) {
		bodies = append(bodies, m.Body)
		return notify.Handle{ID: h.ID, Message: m}, nil
	})
	ch.On("Delete", ctx, mock.MatchedBy(func(h notify.Handle) bool { return h.ID == "p" })).Return(nil).Once()

	p := r.StartProgress(ctx, "Enrollment Loop Started!", 5)
	var ticked []int
	for i := 1; i <= 12; i++ {
		if p.Tick(ctx, i) {
			ticked = append(ticked, i)
		}
	}
	assert.Equal(t, []int{5, 10}, ticked)
	assert.Equal(t, []string{"Loop count: `5`", "Loop count: `10`"}, bodies)

	p.Set(ctx, 12)
	assert.Equal(t, "Loop count: `12`", p.Handle().Body)

	p.Discard(ctx)
	assert.True(t, p.Handle().Zero())
	p.Discard(ctx)
}

func TestProgressModuloFloor(t *testing.T) {
	ctx := context.Background()
	r, ch := newReporter(t)
	ch.On("Send", ctx, mock.Anything).Return(notify.Handle{}, errors.New("down")).Once()

	p := r.StartProgress(ctx, "Enrollment Loop Started!", 0)
	assert.True(t, p.Tick(ctx, 1), "a modulo below one updates every iteration")
	assert.True(t, p.Tick(ctx, 2))
}
