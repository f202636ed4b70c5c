package metrics

import (
	"context"
	"log/slog"
)

// LoggerObserver writes events to a structured logger at debug level.
type LoggerObserver struct {
	log *slog.Logger
}

func NewLoggerObserver(log *slog.Logger) *LoggerObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LoggerObserver{log: log}
}

func (o *LoggerObserver) RecordEvent(ev Event) {
	attrs := []slog.Attr{
		slog.String("name", ev.Name),
		slog.String("session_id", ev.SessionID),
		slog.String("intent", ev.Intent),
		slog.String("skill_id", ev.SkillID),
		slog.String("stage", ev.Stage),
		slog.String("lang", ev.Lang),
		slog.Duration("duration", ev.Duration),
	}
	o.log.LogAttrs(context.Background(), slog.LevelDebug, "intent_metrics", attrs...)
}
