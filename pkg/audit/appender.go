package audit

import (
	"context"

	"github.com/rs/zerolog"
)

// Appender - интерфейс для записи audit логов
type Appender interface {
	// Append - записать audit entry
	Append(ctx context.Context, entry *Entry) error

	// Close - закрыть appender
	Close() error
}

// LogAppender пишет записи в zerolog логгер приложения
type LogAppender struct {
	log   zerolog.Logger
	level Level
}

// NewLogAppender - создать appender поверх zerolog
func NewLogAppender(log zerolog.Logger, level Level) *LogAppender {
	return &LogAppender{log: log.With().Str("component", "audit").Logger(), level: level}
}

// Append - записать entry как событие лога
func (la *LogAppender) Append(ctx context.Context, entry *Entry) error {
	e := entry.FilterByLevel(la.level)

	ev := la.log.Info()
	if e.Status == StatusFailure {
		ev = la.log.Warn()
	}
	ev = ev.Str("audit_id", e.ID).
		Str("operation", string(e.Operation)).
		Str("status", string(e.Status)).
		Str("run_id", e.RunID)
	if e.Step != "" {
		ev = ev.Str("step", e.Step).Str("sobject", e.SObject).Str("action", e.Action).Str("api", e.API)
	}
	if e.RecordsAffected > 0 {
		ev = ev.Int64("records", e.RecordsAffected)
	}
	if e.RowErrors > 0 {
		ev = ev.Int64("row_errors", e.RowErrors)
	}
	if e.Duration > 0 {
		ev = ev.Dur("duration", e.Duration)
	}
	if e.ErrorMessage != "" {
		ev = ev.Str("error", e.ErrorMessage)
	}
	if len(e.Metadata) > 0 {
		ev = ev.Interface("metadata", e.Metadata)
	}
	ev.Msg("Audit")
	return nil
}

// Close - ничего не делает
func (la *LogAppender) Close() error {
	return nil
}

// NullAppender - пустой appender (для тестов)
type NullAppender struct{}

// NewNullAppender - создать null appender
func NewNullAppender() *NullAppender {
	return &NullAppender{}
}

// Append - ничего не делает
func (na *NullAppender) Append(ctx context.Context, entry *Entry) error {
	return nil
}

// Close - ничего не делает
func (na *NullAppender) Close() error {
	return nil
}
