package notify

import (
	"context"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log writes notifications to the logger. It is the fallback when no remote
// channel is configured.
type Log struct {
	logger *zap.Logger
	seq    atomic.Int64
}

// NewLog builds a logging channel.
func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger.Named("notify")}
}

func level(sev Severity) zapcore.Level {
	switch sev {
	case Danger:
		return zapcore.ErrorLevel
	case Warning:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *Log) write(verb, id string, msg Message) {
	if ce := l.logger.Check(level(msg.Severity), msg.Title); ce != nil {
		ce.Write(
			zap.String("event", verb),
			zap.String("id", id),
			zap.String("severity", msg.Severity.String()),
			zap.String("body", msg.Body),
			zap.String("image", msg.Image),
		)
	}
}

// Send logs msg.
func (l *Log) Send(_ context.Context, msg Message) (Handle, error) {
	id := strconv.FormatInt(l.seq.Add(1), 10)
	l.write("send", id, msg)
	return Handle{ID: id, Message: msg}, nil
}

// Edit logs the new content of h.
func (l *Log) Edit(_ context.Context, h Handle, msg Message) (Handle, error) {
	l.write("edit", h.ID, msg)
	return Handle{ID: h.ID, Message: msg}, nil
}

// Delete logs the removal.
func (l *Log) Delete(_ context.Context, h Handle) error {
	l.logger.Debug("Notification deleted.", zap.String("id", h.ID))
	return nil
}
