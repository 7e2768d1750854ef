package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ruslano69/orgdata/pkg/etl"
)

// StepMetrics собирает метрики шагов и запусков в собственный registry.
// Реализует etl.StepObserver и etl.ReportSink.
type StepMetrics struct {
	registry *prometheus.Registry
	textfile string

	// stepRecords - записи, обработанные шагом
	stepRecords *prometheus.CounterVec
	// stepRowErrors - записи, отклоненные удаленной стороной
	stepRowErrors *prometheus.CounterVec
	// stepsTotal - завершенные шаги по статусу
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	runsTotal      *prometheus.CounterVec
	runLastSuccess *prometheus.GaugeVec
}

var (
	_ etl.StepObserver = (*StepMetrics)(nil)
	_ etl.ReportSink   = (*StepMetrics)(nil)
)

// New создает метрики. textfile - путь для WriteToTextfile после запуска,
// пусто - метрики только в registry.
func New(textfile string) *StepMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &StepMetrics{
		registry: reg,
		textfile: textfile,
		stepRecords: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgdata_step_records_total",
				Help: "Total number of records processed by mapping steps",
			},
			[]string{"kind", "step", "sobject"},
		),
		stepRowErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgdata_step_row_errors_total",
				Help: "Total number of records rejected by the remote org",
			},
			[]string{"kind", "step", "sobject"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgdata_steps_total",
				Help: "Total number of finished mapping steps by status",
			},
			[]string{"kind", "api", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orgdata_step_duration_seconds",
				Help:    "Duration of mapping steps",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
			[]string{"kind", "sobject"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orgdata_runs_total",
				Help: "Total number of runs by result",
			},
			[]string{"kind", "result"},
		),
		runLastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "orgdata_run_last_success_timestamp_seconds",
				Help: "Unix time of the last successful run",
			},
			[]string{"kind"},
		),
	}
}

// Registry возвращает registry метрик
func (m *StepMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// StepFinished реализует etl.StepObserver
func (m *StepMetrics) StepFinished(ctx context.Context, ev etl.StepEvent) {
	kind := string(ev.Kind)
	sobject := ev.Report.SObject

	m.stepRecords.WithLabelValues(kind, ev.Step, sobject).Add(float64(ev.Report.RecordsProcessed))
	m.stepRowErrors.WithLabelValues(kind, ev.Step, sobject).Add(float64(ev.Report.TotalRowErrors))
	m.stepsTotal.WithLabelValues(kind, string(ev.API), string(ev.Report.Status)).Inc()
	m.stepDuration.WithLabelValues(kind, sobject).Observe(ev.Duration.Seconds())
}

// Publish реализует etl.ReportSink: итог запуска и запись textfile
func (m *StepMetrics) Publish(ctx context.Context, run etl.RunInfo, report *etl.Report, runErr error) error {
	kind := string(run.Kind)
	if runErr != nil {
		m.runsTotal.WithLabelValues(kind, "failed").Inc()
	} else {
		m.runsTotal.WithLabelValues(kind, "success").Inc()
		m.runLastSuccess.WithLabelValues(kind).Set(float64(run.FinishedAt.Unix()))
	}

	if m.textfile == "" {
		return nil
	}
	return m.WriteToTextfile(m.textfile)
}

// WriteToTextfile пишет метрики в формате textfile collector node_exporter
func (m *StepMetrics) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
