package audit

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// Level - уровень детализации логирования
type Level int

const (
	// LevelMinimal - только основная информация
	LevelMinimal Level = iota

	// LevelStandard - стандартная информация
	LevelStandard

	// LevelFull - полная информация включая данные
	LevelFull
)

// String - строковое представление уровня
func (l Level) String() string {
	switch l {
	case LevelMinimal:
		return "minimal"
	case LevelStandard:
		return "standard"
	case LevelFull:
		return "full"
	default:
		return fmt.Sprintf("unknown(%d)", l)
	}
}

// ParseLevel - уровень по имени; пустая строка - LevelStandard
func ParseLevel(s string) (Level, error) {
	switch s {
	case "minimal":
		return LevelMinimal, nil
	case "", "standard":
		return LevelStandard, nil
	case "full":
		return LevelFull, nil
	}
	return LevelStandard, fmt.Errorf("unknown audit level %q", s)
}

// Operation - тип операции
type Operation string

const (
	OpLoad     Operation = "load"     // запуск загрузки
	OpExtract  Operation = "extract"  // запуск выгрузки
	OpStep     Operation = "step"     // шаг маппинга
	OpValidate Operation = "validate" // проверка маппинга по схеме
	OpConnect  Operation = "connect"
)

// Status - статус выполнения операции
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial" // шаг завершен с ошибками строк
)

// Entry - запись в audit логе
type Entry struct {
	// ID - уникальный идентификатор записи
	ID string `json:"id"`

	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	Status    Status    `json:"status"`

	// RunID связывает записи шагов с записью запуска
	RunID string `json:"run_id,omitempty"`

	// User - пользователь или система
	User string `json:"user,omitempty"`

	// Mapping - путь к маппингу
	Mapping string `json:"mapping,omitempty"`

	// Step и SObject - шаг маппинга и объект удаленной организации
	Step    string `json:"step,omitempty"`
	SObject string `json:"sobject,omitempty"`

	// Action и API - операция шага и выбранный API (bulk, rest)
	Action string `json:"action,omitempty"`
	API    string `json:"api,omitempty"`

	RecordsAffected int64         `json:"records_affected,omitempty"`
	RowErrors       int64         `json:"row_errors,omitempty"`
	Duration        time.Duration `json:"duration,omitempty"`
	ErrorMessage    string        `json:"error_message,omitempty"`

	// Metadata - дополнительные метаданные
	Metadata map[string]any `json:"metadata,omitempty"`

	// Data - данные операции (только для LevelFull)
	Data any `json:"data,omitempty"`
}

// NewEntry - создать новую audit запись
func NewEntry(operation Operation, status Status) *Entry {
	return &Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Operation: operation,
		Status:    status,
		Metadata:  make(map[string]any),
	}
}

// WithRun - установить запуск и маппинг
func (e *Entry) WithRun(runID, mappingPath string) *Entry {
	e.RunID = runID
	e.Mapping = mappingPath
	return e
}

// WithUser - установить пользователя
func (e *Entry) WithUser(user string) *Entry {
	e.User = user
	return e
}

// WithStep - установить шаг и объект
func (e *Entry) WithStep(step, sobject string) *Entry {
	e.Step = step
	e.SObject = sobject
	return e
}

// WithAction - установить операцию шага и API
func (e *Entry) WithAction(action, api string) *Entry {
	e.Action = action
	e.API = api
	return e
}

// WithRecordsAffected - установить количество записей
func (e *Entry) WithRecordsAffected(count int64) *Entry {
	e.RecordsAffected = count
	return e
}

// WithRowErrors - количество ошибок строк; при ненулевом значении статус partial
func (e *Entry) WithRowErrors(count int64) *Entry {
	e.RowErrors = count
	if count > 0 && e.Status == StatusSuccess {
		e.Status = StatusPartial
	}
	return e
}

// WithDuration - установить длительность
func (e *Entry) WithDuration(duration time.Duration) *Entry {
	e.Duration = duration
	return e
}

// WithError - установить ошибку
func (e *Entry) WithError(err error) *Entry {
	if err != nil {
		e.ErrorMessage = err.Error()
		e.Status = StatusFailure
	}
	return e
}

// WithMetadata - добавить метаданные
func (e *Entry) WithMetadata(key string, value any) *Entry {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// WithData - установить данные операции
func (e *Entry) WithData(data any) *Entry {
	e.Data = data
	return e
}

// ToJSON - преобразовать в JSON
func (e *Entry) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String - строковое представление
func (e *Entry) String() string {
	return fmt.Sprintf("[%s] %s %s run=%s step=%q (sobject=%s, records=%d, row_errors=%d, duration=%v)",
		e.Timestamp.Format(time.RFC3339),
		e.Operation,
		e.Status,
		e.RunID,
		e.Step,
		e.SObject,
		e.RecordsAffected,
		e.RowErrors,
		e.Duration,
	)
}

// Clone - создать копию записи
func (e *Entry) Clone() *Entry {
	clone := *e
	if e.Metadata != nil {
		clone.Metadata = maps.Clone(e.Metadata)
	}
	return &clone
}

// FilterByLevel - фильтрация данных по уровню
func (e *Entry) FilterByLevel(level Level) *Entry {
	filtered := e.Clone()

	switch level {
	case LevelMinimal:
		filtered.Metadata = nil
		filtered.Data = nil
	case LevelStandard:
		filtered.Data = nil
	case LevelFull:
	}

	return filtered
}
