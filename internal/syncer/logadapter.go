package syncer

import (
	"context"

	"go.uber.org/zap"

	"github.com/and161185/gophcal/internal/recurrence"
)

// Log records changes instead of sending them anywhere. Useful for local runs.
type Log struct {
	log *zap.Logger
}

// NewLog constructs the log adapter.
func NewLog(log *zap.Logger) *Log {
	if log == nil {
		log = zap.NewNop()
	}
	return &Log{log: log}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Push(_ context.Context, ch Change) error {
	l.log.Info("sync change",
		zap.String("op", ch.Op.String()),
		zap.String("event_id", ch.Event.ID.String()),
		zap.String("title", ch.Event.Title),
		zap.Time("start", ch.Event.Start),
		zap.String("rule", recurrence.String(ch.Event.Rule)),
		zap.Int("exceptions", len(ch.Event.ExceptionDates)),
	)
	return nil
}
