package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"strings"
)

var (
	// ErrConnection - транспортная ошибка (обрыв соединения, таймаут, DNS)
	// Считается временной: вызывающий код может повторить запрос другим способом.
	ErrConnection = errors.New("remote connection error")

	// ErrNotFound - объект или job не найден на удаленной стороне
	ErrNotFound = errors.New("remote object not found")
)

// Permission - бит доступа из describe
type Permission string

const (
	PermCreateable Permission = "createable"
	PermUpdateable Permission = "updateable"
	PermQueryable  Permission = "queryable"
	PermDeletable  Permission = "deletable"
)

// SObjectDescribe - запись глобального describe (один sObject)
type SObjectDescribe struct {
	Name       string `json:"name"`
	Createable bool   `json:"createable"`
	Updateable bool   `json:"updateable"`
	Queryable  bool   `json:"queryable"`
	Deletable  bool   `json:"deletable"`
}

// Allows проверяет бит доступа sObject
func (s SObjectDescribe) Allows(p Permission) bool {
	switch p {
	case PermCreateable:
		return s.Createable
	case PermUpdateable:
		return s.Updateable
	case PermQueryable:
		return s.Queryable
	case PermDeletable:
		return s.Deletable
	}
	return false
}

// FieldDescribe - описание одного поля sObject
type FieldDescribe struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Createable  bool     `json:"createable"`
	Updateable  bool     `json:"updateable"`
	Nillable    bool     `json:"nillable"`
	ExternalID  bool     `json:"externalId"`
	IDLookup    bool     `json:"idLookup"`
	ReferenceTo []string `json:"referenceTo"`
}

// Allows проверяет бит доступа поля.
// У полей нет бита queryable: видимое поле всегда можно запросить.
func (f FieldDescribe) Allows(p Permission) bool {
	switch p {
	case PermCreateable:
		return f.Createable
	case PermUpdateable:
		return f.Updateable
	}
	return true
}

// Describer - источник схемы удаленной стороны
type Describer interface {
	DescribeGlobal(ctx context.Context) ([]SObjectDescribe, error)
	DescribeEntity(ctx context.Context, sobject string) ([]FieldDescribe, error)
}

// Record - запись в JSON-представлении synchronous API
type Record map[string]any

// QueryCursor - результат synchronous запроса. Первая страница уже получена,
// остальные подгружаются лениво при итерации.
type QueryCursor interface {
	TotalSize() int
	Records(ctx context.Context) iter.Seq2[Record, error]
}

// JobSpec - параметры создания bulk job
type JobSpec struct {
	Object          string
	Operation       string // insert, update, upsert, delete, hardDelete, query
	Concurrency     string // Parallel, Serial
	ExternalIDField string
}

// JobInfo - сводная информация о bulk job
type JobInfo struct {
	ID               string
	State            string
	BatchesCompleted int
	BatchesTotal     int
}

// BatchInfo - состояние одного batch внутри job
type BatchInfo struct {
	ID               string
	State            string // Queued, InProgress, Completed, Failed, Not Processed
	StateMessage     string
	RecordsProcessed int
	RecordsFailed    int
}

// SaveResult - результат synchronous DML для одной записи
type SaveResult struct {
	ID      string
	Success bool
	Created bool
	Errors  []string
}

// Error возвращает сообщения об ошибках одной строкой
func (r SaveResult) Error() string {
	return strings.Join(r.Errors, "; ")
}

// BulkAPI - примитивы job-based стратегии
type BulkAPI interface {
	CreateJob(ctx context.Context, spec JobSpec) (string, error)
	PostBatch(ctx context.Context, jobID string, csvData []byte) (string, error)
	PostQuery(ctx context.Context, jobID string, soql string) (string, error)
	CloseJob(ctx context.Context, jobID string) error
	JobStatus(ctx context.Context, jobID string) (JobInfo, error)
	BatchStates(ctx context.Context, jobID string) ([]BatchInfo, error)
	BatchResults(ctx context.Context, jobID, batchID string) (io.ReadCloser, error)
	QueryResultIDs(ctx context.Context, jobID, batchID string) ([]string, error)
	QueryResult(ctx context.Context, jobID, batchID, resultID string) (io.ReadCloser, error)
}

// SyncAPI - примитивы request/response стратегии
type SyncAPI interface {
	Query(ctx context.Context, soql string) (QueryCursor, error)
	Create(ctx context.Context, sobject string, records []Record) ([]SaveResult, error)
	Update(ctx context.Context, sobject string, records []Record) ([]SaveResult, error)
	Upsert(ctx context.Context, sobject, externalIDField string, records []Record) ([]SaveResult, error)
	Delete(ctx context.Context, ids []string) ([]SaveResult, error)
}

// Client - абстрактный клиент удаленного data service.
// Ядро зависит только от этого интерфейса.
type Client interface {
	Describer
	BulkAPI
	SyncAPI

	// APIVersion возвращает версию API, например "62.0"
	APIVersion() string

	// EstimateRecordCount возвращает приблизительное количество записей sObject
	EstimateRecordCount(ctx context.Context, sobject string) (int, error)
}

// APIError - ответ удаленной стороны с кодом ошибки
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote API error %d: %s", e.StatusCode, e.Message)
}

// Temporary сообщает, имеет ли смысл повторить запрос
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTemporary проверяет, является ли ошибка временной (сеть или 5xx/429)
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnection) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return false
}

// ParseVersion разбирает строку версии API ("62.0") в число
func ParseVersion(v string) float64 {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	var major, minor int
	n, _ := fmt.Sscanf(v, "%d.%d", &major, &minor)
	if n == 0 {
		return 0
	}
	return float64(major) + float64(minor)/10
}
