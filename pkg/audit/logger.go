package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger - основной интерфейс для аудита
type Logger interface {
	Log(ctx context.Context, entry *Entry) error
	Flush() error
	Close() error
}

// AuditLogger - логгер аудита с синхронной или асинхронной записью в appenders
type AuditLogger struct {
	appenders    []Appender
	entryChannel chan *Entry
	wg           sync.WaitGroup
	done         chan struct{}
	closeOnce    sync.Once
	mu           sync.RWMutex
	config       LoggerConfig
}

// LoggerConfig - конфигурация логгера
type LoggerConfig struct {
	// AsyncMode - асинхронная запись в appenders
	AsyncMode bool

	// BufferSize - размер буфера для асинхронного режима
	BufferSize int

	// DefaultUser - пользователь по умолчанию (если не указан в entry)
	DefaultUser string

	// OnError - callback при ошибке записи
	OnError func(error)
}

// NewLogger - создать новый audit logger
func NewLogger(config LoggerConfig, appenders ...Appender) *AuditLogger {
	if config.BufferSize <= 0 {
		config.BufferSize = 1000
	}
	l := &AuditLogger{
		appenders: appenders,
		done:      make(chan struct{}),
		config:    config,
	}
	if config.AsyncMode {
		l.entryChannel = make(chan *Entry, config.BufferSize)
		l.wg.Add(1)
		go l.processEntries()
	}
	return l
}

// Log - записать audit entry
func (l *AuditLogger) Log(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("entry is nil")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.User == "" {
		entry.User = l.config.DefaultUser
	}

	if l.entryChannel == nil {
		return l.writeEntry(ctx, entry)
	}

	select {
	case <-l.done:
		return fmt.Errorf("logger is closed")
	default:
	}
	select {
	case l.entryChannel <- entry:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		// Буфер переполнен, записываем синхронно
		return l.writeEntry(ctx, entry)
	}
}

// writeEntry - записать entry во все appenders
func (l *AuditLogger) writeEntry(ctx context.Context, entry *Entry) error {
	l.mu.RLock()
	appenders := l.appenders
	l.mu.RUnlock()

	var errs []error
	for _, appender := range appenders {
		if err := appender.Append(ctx, entry); err != nil {
			errs = append(errs, err)
			l.handleError(fmt.Errorf("appender failed: %w", err))
		}
	}
	return errors.Join(errs...)
}

// processEntries - обработка entries в асинхронном режиме
func (l *AuditLogger) processEntries() {
	defer l.wg.Done()

	for {
		select {
		case entry := <-l.entryChannel:
			l.writeEntry(context.Background(), entry)
		case <-l.done:
			// Обрабатываем оставшиеся entries
			for {
				select {
				case entry := <-l.entryChannel:
					l.writeEntry(context.Background(), entry)
				default:
					return
				}
			}
		}
	}
}

// Flush - сбросить буферы всех appenders
func (l *AuditLogger) Flush() error {
	l.mu.RLock()
	appenders := l.appenders
	l.mu.RUnlock()

	var errs []error
	for _, appender := range appenders {
		if flusher, ok := appender.(interface{ Flush() error }); ok {
			if err := flusher.Flush(); err != nil {
				errs = append(errs, err)
				l.handleError(fmt.Errorf("flush failed: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// Close - дописать очередь и закрыть все appenders
func (l *AuditLogger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()

		errs := []error{l.Flush()}
		l.mu.RLock()
		for _, appender := range l.appenders {
			errs = append(errs, appender.Close())
		}
		l.mu.RUnlock()
		err = errors.Join(errs...)
	})
	return err
}

// AddAppender - добавить appender
func (l *AuditLogger) AddAppender(appender Appender) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appenders = append(l.appenders, appender)
}

func (l *AuditLogger) handleError(err error) {
	if l.config.OnError != nil {
		l.config.OnError(err)
	}
}

// DefaultConfig - конфигурация по умолчанию (асинхронная запись)
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		AsyncMode:  true,
		BufferSize: 1000,
	}
}

// SyncConfig - конфигурация для синхронного режима
func SyncConfig() LoggerConfig {
	return LoggerConfig{AsyncMode: false}
}

// NullLogger - пустой logger
type NullLogger struct{}

// NewNullLogger - создать null logger
func NewNullLogger() *NullLogger {
	return &NullLogger{}
}

// Log - ничего не делает
func (nl *NullLogger) Log(ctx context.Context, entry *Entry) error { return nil }

// Flush - ничего не делает
func (nl *NullLogger) Flush() error { return nil }

// Close - ничего не делает
func (nl *NullLogger) Close() error { return nil }
