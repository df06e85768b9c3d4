package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewLog(zap.New(core))
	ctx := context.Background()

	h1, err := l.Send(ctx, Message{Title: "Starting up!", Severity: Info})
	require.NoError(t, err)
	h2, err := l.Send(ctx, Message{Title: "Bad Password!", Body: "Your password is incorrect!", Severity: Danger, Image: "https://img/sad.png"})
	require.NoError(t, err)
	assert.NotEqual(t, h1.ID, h2.ID)

	_, err = l.Edit(ctx, h1, Message{Title: "Duo Approval Required!", Severity: Warning})
	require.NoError(t, err)
	require.NoError(t, l.Delete(ctx, h1))

	entries := logs.All()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	assert.Equal(t, "Your password is incorrect!", entries[1].ContextMap()["body"])
	assert.Equal(t, "https://img/sad.png", entries[1].ContextMap()["image"])
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "edit", entries[2].ContextMap()["event"])
	assert.Equal(t, "notify", entries[3].LoggerName)
}
