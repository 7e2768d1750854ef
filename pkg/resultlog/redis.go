package resultlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ruslano69/orgdata/pkg/etl"
)

// RunResult представляет состояние запуска, публикуемое в Redis
// после завершения выполнения (успешного или с ошибкой).
//
// Redis-ключи:
//
//	SET  orgdata:run:<name>:state  <JSON>  EX <ttl>  - для GET-запросов оркестратора
//	PUB  orgdata:run:<name>                          - для event-driven маршрутизации
type RunResult struct {
	RunID            string      `json:"run_id"`
	Kind             etl.RunKind `json:"kind"`
	Mapping          string      `json:"mapping"`
	ResultName       string      `json:"result_name"`
	Status           string      `json:"status"` // "success" | "failed"
	StartedAt        time.Time   `json:"started_at"`
	FinishedAt       time.Time   `json:"finished_at"`
	DurationMs       int64       `json:"duration_ms"`
	RecordsProcessed int         `json:"records_processed"`
	RowErrors        int         `json:"row_errors"`
	Error            *string     `json:"error,omitempty"`
	Steps            *etl.Report `json:"steps"`
}

// NewRunResult собирает результат запуска из отчета
func NewRunResult(name string, run etl.RunInfo, report *etl.Report, runErr error) RunResult {
	if report == nil {
		report = etl.NewReport()
	}
	result := RunResult{
		RunID:      run.ID,
		Kind:       run.Kind,
		Mapping:    run.Mapping,
		ResultName: name,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		DurationMs: run.FinishedAt.Sub(run.StartedAt).Milliseconds(),
		Steps:      report,
	}
	result.RecordsProcessed, result.RowErrors = report.Totals()

	if runErr != nil {
		result.Status = "failed"
		errStr := runErr.Error()
		result.Error = &errStr
	} else {
		result.Status = "success"
	}
	return result
}

// StateKey - ключ последнего состояния запуска
func StateKey(name string) string {
	return fmt.Sprintf("orgdata:run:%s:state", name)
}

// Channel - канал событий завершения запуска
func Channel(name string) string {
	return fmt.Sprintf("orgdata:run:%s", name)
}

// RedisPublisher публикует результат выполнения запуска в Redis
type RedisPublisher struct {
	client *redis.Client
	config etl.ResultLogConfig
}

var _ etl.ReportSink = (*RedisPublisher)(nil)

// NewRedisPublisher создает новый Redis publisher на основе конфигурации
func NewRedisPublisher(config etl.ResultLogConfig) *RedisPublisher {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})
	return &RedisPublisher{client: client, config: config}
}

// Publish публикует результат выполнения запуска:
//   - SET orgdata:run:<name>:state <JSON> EX <ttl>  → для опроса (polling)
//   - PUBLISH orgdata:run:<name> <JSON>              → для подписки (pub/sub)
//
// Вызывается независимо от результата выполнения (success или failed).
// runErr == nil означает успешное выполнение.
func (p *RedisPublisher) Publish(ctx context.Context, run etl.RunInfo, report *etl.Report, runErr error) error {
	payload, err := json.Marshal(NewRunResult(p.config.Name, run, report, runErr))
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	ttl := time.Duration(p.config.TTL) * time.Second

	// SET ключ с TTL - оркестратор может GET для получения последнего состояния
	if err := p.client.Set(ctx, StateKey(p.config.Name), payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}

	// PUBLISH событие - оркестратор может SUBSCRIBE для event-driven маршрутизации
	if err := p.client.Publish(ctx, Channel(p.config.Name), payload).Err(); err != nil {
		return fmt.Errorf("redis PUBLISH failed: %w", err)
	}

	return nil
}

// Close закрывает соединение с Redis
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
