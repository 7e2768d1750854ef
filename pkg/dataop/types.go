package dataop

import (
	"errors"
	"fmt"
	"strings"
)

// OperationType - вид операции шага
type OperationType string

const (
	OpInsert      OperationType = "insert"
	OpUpdate      OperationType = "update"
	OpDelete      OperationType = "delete"
	OpHardDelete  OperationType = "hardDelete"
	OpUpsert      OperationType = "upsert"
	OpETLUpsert   OperationType = "etl_upsert"
	OpSmartUpsert OperationType = "smart_upsert"
	OpQuery       OperationType = "query"
)

var operationTypes = []OperationType{
	OpInsert, OpUpdate, OpDelete, OpHardDelete, OpUpsert, OpETLUpsert, OpSmartUpsert, OpQuery,
}

// ParseOperationType разбирает имя операции без учета регистра
func ParseOperationType(s string) (OperationType, error) {
	for _, op := range operationTypes {
		if strings.EqualFold(string(op), strings.TrimSpace(s)) {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown action %q", s)
}

// IsUpsert - upsert любого вида
func (o OperationType) IsUpsert() bool {
	return o == OpUpsert || o == OpETLUpsert || o == OpSmartUpsert
}

// IsDelete - delete или hardDelete
func (o OperationType) IsDelete() bool {
	return o == OpDelete || o == OpHardDelete
}

// API - стратегия выполнения операции
type API string

const (
	APISmart API = "smart"
	APIBulk  API = "bulk"
	APIREST  API = "rest"
)

// ParseAPI разбирает имя стратегии без учета регистра. Пустая строка = smart.
func ParseAPI(s string) (API, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "smart":
		return APISmart, nil
	case "bulk":
		return APIBulk, nil
	case "rest":
		return APIREST, nil
	}
	return "", fmt.Errorf("unknown api %q", s)
}

// BulkMode - режим параллельности bulk job
type BulkMode string

const (
	BulkParallel BulkMode = "Parallel"
	BulkSerial   BulkMode = "Serial"
)

// ParseBulkMode разбирает режим без учета регистра. Пустая строка допустима.
func ParseBulkMode(s string) (BulkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "parallel":
		return BulkParallel, nil
	case "serial":
		return BulkSerial, nil
	}
	return "", fmt.Errorf("unknown bulk_mode %q", s)
}

// Status - итоговый статус job
type Status string

const (
	StatusSuccess    Status = "Success"
	StatusRowFailure Status = "Row failure"
	StatusJobFailure Status = "Job failure"
	StatusInProgress Status = "In progress"
	StatusAborted    Status = "Aborted"
)

// JobResult - снимок результата завершенной операции
type JobResult struct {
	Status           Status   `json:"status"`
	JobErrors        []string `json:"job_errors"`
	RecordsProcessed int      `json:"records_processed"`
	TotalRowErrors   int      `json:"total_row_errors"`
}

// Result - результат DML для одной записи, в порядке входного потока
type Result struct {
	ID      string
	Success bool
	Error   string
	Created bool
}

var (
	// ErrOperationReused - операция уже использована
	ErrOperationReused = errors.New("data operation cannot be reused")

	// ErrJobFailure - job завершился с ошибкой уровня job
	ErrJobFailure = errors.New("job failure")

	// ErrUnsupported - комбинация операции и стратегии не поддерживается
	ErrUnsupported = errors.New("unsupported operation")
)

// JobError - ошибка уровня job с сообщениями удаленной стороны
type JobError struct {
	SObject   string
	Operation OperationType
	Result    JobResult
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s %s job failed: %s", e.Operation, e.SObject, strings.Join(e.Result.JobErrors, "; "))
}

func (e *JobError) Unwrap() error { return ErrJobFailure }

// state - жизненный цикл операции: new -> started/queried -> done
type state int

const (
	stateNew state = iota
	stateStarted
	stateDone
)
