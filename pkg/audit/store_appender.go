package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/ruslano69/orgdata/pkg/store"
)

// auditColumns - колонки таблицы аудита
var auditColumns = []string{
	"id", "timestamp", "operation", "status", "run_id", "user_name", "mapping",
	"step", "sobject", "action", "api", "records_affected", "row_errors",
	"duration_ms", "error_message", "metadata",
}

// StoreAppender - запись в таблицу хранилища (sqlite, postgres, mysql, mssql)
type StoreAppender struct {
	mu         sync.Mutex
	store      store.RecordStore
	owned      bool
	tableName  string
	level      Level
	batchSize  int
	batchQueue []*Entry
}

// StoreAppenderConfig - конфигурация store appender
type StoreAppenderConfig struct {
	// Store - открытое хранилище; если nil, открывается по Driver/DSN
	Store  store.RecordStore
	Driver string
	DSN    string

	// TableName - имя таблицы для аудита
	TableName string

	Level Level

	// BatchSize - размер batch для группового insert (0 = без batching)
	BatchSize int
}

// NewStoreAppender - создать appender; таблица создается если не существует
func NewStoreAppender(ctx context.Context, config StoreAppenderConfig) (*StoreAppender, error) {
	if config.TableName == "" {
		config.TableName = "audit_log"
	}

	sa := &StoreAppender{
		store:     config.Store,
		tableName: config.TableName,
		level:     config.Level,
		batchSize: config.BatchSize,
	}

	if sa.store == nil {
		if config.DSN == "" {
			return nil, fmt.Errorf("store or dsn is required")
		}
		st, err := store.Open(ctx, store.Config{Driver: config.Driver, DSN: config.DSN})
		if err != nil {
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		sa.store = st
		sa.owned = true
	}

	if err := sa.createTable(ctx); err != nil {
		if sa.owned {
			sa.store.Close()
		}
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}
	return sa, nil
}

func (sa *StoreAppender) createTable(ctx context.Context) error {
	exists, err := sa.store.TableExists(ctx, sa.tableName)
	if err != nil || exists {
		return err
	}
	cols := make([]store.Column, len(auditColumns))
	for i, c := range auditColumns {
		cols[i] = store.Column{Name: c, PrimaryKey: i == 0}
	}
	return sa.store.CreateTable(ctx, sa.tableName, cols)
}

// Append - записать entry (или поставить в batch)
func (sa *StoreAppender) Append(ctx context.Context, entry *Entry) error {
	filtered := entry.FilterByLevel(sa.level)

	sa.mu.Lock()
	defer sa.mu.Unlock()

	sa.batchQueue = append(sa.batchQueue, filtered)
	if len(sa.batchQueue) < sa.batchSize {
		return nil
	}
	return sa.flushLocked(ctx)
}

// Flush - записать накопленный batch
func (sa *StoreAppender) Flush() error {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return sa.flushLocked(context.Background())
}

func (sa *StoreAppender) flushLocked(ctx context.Context) error {
	if len(sa.batchQueue) == 0 {
		return nil
	}
	queue := sa.batchQueue
	sa.batchQueue = nil

	rows := func(yield func([]string, error) bool) {
		for _, e := range queue {
			row, err := entryRow(e)
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
	if _, err := sa.store.BulkInsert(ctx, sa.tableName, auditColumns, iter.Seq2[[]string, error](rows)); err != nil {
		return fmt.Errorf("failed to insert audit entries: %w", err)
	}
	return nil
}

func entryRow(e *Entry) ([]string, error) {
	var metadata string
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		metadata = string(data)
	}
	return []string{
		e.ID,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		string(e.Operation),
		string(e.Status),
		e.RunID,
		e.User,
		e.Mapping,
		e.Step,
		e.SObject,
		e.Action,
		e.API,
		strconv.FormatInt(e.RecordsAffected, 10),
		strconv.FormatInt(e.RowErrors, 10),
		strconv.FormatInt(e.Duration.Milliseconds(), 10),
		e.ErrorMessage,
		metadata,
	}, nil
}

// Close - записать остаток batch; хранилище закрывается, если открыто appender'ом
func (sa *StoreAppender) Close() error {
	err := sa.Flush()
	if sa.owned {
		if cerr := sa.store.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
