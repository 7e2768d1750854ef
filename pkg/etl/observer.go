package etl

import (
	"context"
	"time"

	"github.com/ruslano69/orgdata/pkg/dataop"
)

// RunKind - направление выполнения
type RunKind string

const (
	KindLoad    RunKind = "load"
	KindExtract RunKind = "extract"
)

// StepEvent - завершение одного шага (успешное или нет)
type StepEvent struct {
	Step     string
	Kind     RunKind
	Action   dataop.OperationType
	API      dataop.API // пусто, если операция не выполнялась
	Report   StepReport
	Duration time.Duration
	Err      error
}

// StepObserver получает события шагов. Вызывается синхронно из оркестратора.
type StepObserver interface {
	StepFinished(ctx context.Context, ev StepEvent)
}

// RunInfo - описание завершенного запуска для публикации отчета
type RunInfo struct {
	ID         string    `json:"id"`
	Kind       RunKind   `json:"kind"`
	Mapping    string    `json:"mapping"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// ReportSink публикует итоговый отчет (Redis, Excel, метрики).
// runErr - ошибка запуска; отчет при этом частичный.
type ReportSink interface {
	Publish(ctx context.Context, run RunInfo, report *Report, runErr error) error
}

// observers - рассылка события нескольким наблюдателям
type observers []StepObserver

func (o observers) StepFinished(ctx context.Context, ev StepEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.StepFinished(ctx, ev)
		}
	}
}
