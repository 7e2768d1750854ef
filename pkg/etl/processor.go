package etl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/audit"
	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/mapping"
	"github.com/ruslano69/orgdata/pkg/remote"
	"github.com/ruslano69/orgdata/pkg/retry"
	"github.com/ruslano69/orgdata/pkg/store"
	checkpoint "github.com/ruslano69/orgdata/pkg/sync"
)

// ProcessorStats представляет статистику выполнения запуска
type ProcessorStats struct {
	RunID            string
	Kind             RunKind
	StartTime        time.Time
	EndTime          time.Time
	Duration         time.Duration
	StepsRun         int
	RecordsProcessed int
	RowErrors        int
	DeadLetters      int
	ResumedFrom      string
	Errors           []error
}

// Processor выполняет загрузку или выгрузку по RunConfig:
// маппинг, хранилище, контрольные точки, аудит и публикация отчета.
type Processor struct {
	config *RunConfig
	client remote.Client
	log    zerolog.Logger

	store     store.RecordStore
	sinks     []ReportSink
	observers observers
	audit     audit.Logger

	report *Report
	stats  ProcessorStats
}

// Option настраивает Processor
type Option func(*Processor)

// WithStore - использовать открытое хранилище вместо store из конфигурации.
// Processor его не закрывает.
func WithStore(st store.RecordStore) Option {
	return func(p *Processor) { p.store = st }
}

// WithReportSink добавляет получателя итогового отчета
func WithReportSink(sink ReportSink) Option {
	return func(p *Processor) { p.sinks = append(p.sinks, sink) }
}

// WithObserver добавляет наблюдателя шагов
func WithObserver(obs StepObserver) Option {
	return func(p *Processor) { p.observers = append(p.observers, obs) }
}

// WithAuditLogger - использовать готовый audit логгер вместо конфигурации audit
func WithAuditLogger(l audit.Logger) Option {
	return func(p *Processor) { p.audit = l }
}

// NewProcessor создает процессор
func NewProcessor(config *RunConfig, client remote.Client, log zerolog.Logger, opts ...Option) *Processor {
	p := &Processor{config: config, client: client, log: log}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// runEnv - ресурсы одного запуска
type runEnv struct {
	info        RunInfo
	mapping     *mapping.Mapping
	fingerprint string
	store       store.RecordStore
	audit       audit.Logger
	observer    StepObserver
	checkpoints *checkpoint.StateManager
	stateKey    string
}

// Load выполняет загрузку маппинга в удаленную организацию
func (p *Processor) Load(ctx context.Context) error {
	return p.execute(ctx, KindLoad, p.load)
}

// Extract выполняет выгрузку маппинга в хранилище
func (p *Processor) Extract(ctx context.Context) error {
	return p.execute(ctx, KindExtract, p.extract)
}

func (p *Processor) execute(ctx context.Context, kind RunKind, run func(context.Context, *runEnv) (*Report, error)) (err error) {
	if err := p.Validate(); err != nil {
		return err
	}

	p.stats = ProcessorStats{RunID: uuid.NewString(), Kind: kind, StartTime: time.Now()}
	p.report = nil
	defer func() {
		p.stats.EndTime = time.Now()
		p.stats.Duration = p.stats.EndTime.Sub(p.stats.StartTime)
		if err != nil {
			p.stats.Errors = append(p.stats.Errors, err)
		}
	}()

	if p.config.Run.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Run.Timeout)
		defer cancel()
	}

	env := &runEnv{info: RunInfo{ID: p.stats.RunID, Kind: kind, Mapping: p.config.Run.Mapping, StartedAt: p.stats.StartTime}}
	log := p.log.With().Str("run_id", env.info.ID).Str("kind", string(kind)).Logger()

	if err := p.open(ctx, env, log); err != nil {
		return err
	}
	defer p.closeEnv(env)

	report, runErr := run(ctx, env)
	if report == nil {
		report = NewReport()
	}
	p.report = report
	env.info.FinishedAt = time.Now()

	p.stats.StepsRun = report.Len()
	p.stats.RecordsProcessed, p.stats.RowErrors = report.Totals()

	p.finishCheckpoint(env, runErr, log)
	p.logRun(ctx, env, runErr)
	p.publish(ctx, env, report, runErr, log)

	if runErr != nil {
		log.Error().Err(runErr).Msg("Run failed")
		return runErr
	}
	log.Info().
		Int("steps", p.stats.StepsRun).
		Int("processed", p.stats.RecordsProcessed).
		Int("row_errors", p.stats.RowErrors).
		Msg("Run finished")
	return nil
}

// open разбирает маппинг и готовит хранилище, аудит и контрольные точки
func (p *Processor) open(ctx context.Context, env *runEnv, log zerolog.Logger) error {
	data, err := os.ReadFile(p.config.Run.Mapping)
	if err != nil {
		return fmt.Errorf("failed to read mapping file: %w", err)
	}
	m, err := mapping.Parse(bytes.NewReader(data), mapping.ParseOptions{UnsafeFilters: p.config.Run.UnsafeFilters, Logger: log})
	if err != nil {
		return fmt.Errorf("failed to parse mapping: %w", err)
	}
	env.mapping = m
	env.fingerprint = checkpoint.Fingerprint(data)

	env.store = p.store
	if env.store == nil {
		st, err := store.Open(ctx, p.config.Store)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		env.store = st
	}

	env.audit = p.audit
	if env.audit == nil {
		al, err := NewAuditLogger(ctx, p.config.Audit, log)
		if err != nil {
			p.closeEnv(env)
			return fmt.Errorf("failed to initialize audit: %w", err)
		}
		env.audit = al
	}

	if p.config.Checkpoint.Enabled {
		sm, err := checkpoint.NewStateManager(p.config.Checkpoint.File, true)
		if err != nil {
			p.closeEnv(env)
			return fmt.Errorf("failed to open checkpoint: %w", err)
		}
		env.checkpoints = sm
		env.stateKey = checkpoint.StateKey(string(env.info.Kind), p.config.Run.Mapping)
	}

	obs := append(observers{}, p.observers...)
	obs = append(obs, &auditObserver{logger: env.audit, runID: env.info.ID, mapping: env.info.Mapping})
	env.observer = obs
	return nil
}

func (p *Processor) closeEnv(env *runEnv) {
	if env.audit != nil && p.audit == nil {
		if err := env.audit.Close(); err != nil {
			p.stats.Errors = append(p.stats.Errors, fmt.Errorf("failed to close audit: %w", err))
		}
	}
	if env.store != nil && p.store == nil {
		if err := env.store.Close(); err != nil {
			p.stats.Errors = append(p.stats.Errors, fmt.Errorf("failed to close store: %w", err))
		}
	}
}


// primarySteps - имена шагов маппинга без синтезированных
func primarySteps(m *mapping.Mapping) []string {
	var names []string
	for _, s := range m.Steps {
		if !s.Synthesized {
			names = append(names, s.Name)
		}
	}
	return names
}

// beginCheckpoint возвращает шаг продолжения и функцию отметки выполненных шагов
func (p *Processor) beginCheckpoint(env *runEnv, steps []string, log zerolog.Logger) (string, func(string) error, error) {
	if env.checkpoints == nil {
		return "", nil, nil
	}
	var start string
	if p.config.Run.Resume {
		if step, ok := env.checkpoints.ResumeStep(env.stateKey, env.fingerprint, steps); ok {
			start = step
			p.stats.ResumedFrom = step
			log.Info().Str("start_step", step).Msg("Resuming after last completed step")
		} else {
			log.Info().Msg("No checkpoint to resume from, starting from the first step")
		}
	}
	if err := env.checkpoints.Begin(env.stateKey, env.fingerprint, env.info.ID); err != nil {
		return "", nil, err
	}
	return start, func(step string) error {
		return env.checkpoints.MarkCompleted(env.stateKey, step)
	}, nil
}

// finishCheckpoint сбрасывает состояние после успешного запуска и сохраняет ошибку иначе
func (p *Processor) finishCheckpoint(env *runEnv, runErr error, log zerolog.Logger) {
	if env.checkpoints == nil {
		return
	}
	var err error
	if runErr != nil {
		err = env.checkpoints.Fail(env.stateKey, runErr)
	} else {
		err = env.checkpoints.Reset(env.stateKey)
	}
	if err != nil {
		log.Warn().Err(err).Str("file", env.checkpoints.GetStatePath()).Msg("Failed to update checkpoint")
		p.stats.Errors = append(p.stats.Errors, err)
	}
}

// ========== Загрузка ==========

func (p *Processor) load(ctx context.Context, env *runEnv) (*Report, error) {
	log := p.log.With().Str("run_id", env.info.ID).Logger()

	if path := p.config.Store.SQLPath; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sql script: %w", err)
		}
		err = env.store.ExecScript(ctx, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to load sql script: %w", err)
		}
		log.Info().Str("path", path).Msg("Store initialized from SQL script")
	}

	exp, err := PrepareLoad(ctx, p.client, env.store, env.mapping, p.config.PrepareOptions(), log)
	p.logValidation(ctx, env, err)
	if err != nil {
		return nil, err
	}

	start, onDone, err := p.beginCheckpoint(env, primarySteps(env.mapping), log)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkpoint: %w", err)
	}
	if start == "" {
		start = p.config.Run.StartStep
	}

	var dlq *retry.DLQ
	if p.config.DLQ.Enabled {
		dlq, err = retry.NewDLQ(p.config.DLQ)
		if err != nil {
			return nil, err
		}
		defer func() {
			p.stats.DeadLetters = dlq.Size()
			if err := dlq.Flush(); err != nil {
				log.Warn().Err(err).Msg("Failed to flush dead letters")
				p.stats.Errors = append(p.stats.Errors, err)
			}
		}()
	}

	bulkMode, _ := dataop.ParseBulkMode(p.config.Run.BulkMode)
	loader := NewLoader(p.client, env.store, env.mapping, exp, LoadOptions{
		StartStep:       start,
		IgnoreRowErrors: p.config.Run.IgnoreRowErrors,
		RowWarningLimit: p.config.Run.RowWarningLimit,
		ResetOIDs:       p.config.Run.ResetOIDsEnabled(),
		BulkMode:        bulkMode,
		Today:           p.config.Run.TodayDate(),
		Operations:      p.config.Operations,
		DLQ:             dlq,
		Observer:        env.observer,
		OnStepDone:      onDone,
	}, log)
	return loader.Run(ctx)
}

// ========== Выгрузка ==========

func (p *Processor) extract(ctx context.Context, env *runEnv) (*Report, error) {
	log := p.log.With().Str("run_id", env.info.ID).Logger()

	err := PrepareExtract(ctx, p.client, env.mapping, p.config.PrepareOptions(), log)
	p.logValidation(ctx, env, err)
	if err != nil {
		return nil, err
	}

	// выгрузка пересоздает таблицы, поэтому всегда начинается с первого шага;
	// контрольная точка только отражает ход выполнения
	var onDone func(string) error
	if env.checkpoints != nil {
		if err := env.checkpoints.Begin(env.stateKey, env.fingerprint, env.info.ID); err != nil {
			return nil, fmt.Errorf("failed to begin checkpoint: %w", err)
		}
		onDone = func(step string) error {
			return env.checkpoints.MarkCompleted(env.stateKey, step)
		}
	}

	extractor := NewExtractor(p.client, env.store, env.mapping, ExtractOptions{
		Today:      p.config.Run.TodayDate(),
		Operations: p.config.Operations,
		Observer:   env.observer,
		OnStepDone: onDone,
	}, log)
	report, err := extractor.Run(ctx)
	if err != nil {
		return report, err
	}

	if path := p.config.Store.SQLPath; path != "" {
		f, err := os.Create(path)
		if err != nil {
			return report, fmt.Errorf("failed to create sql dump: %w", err)
		}
		err = env.store.Dump(ctx, f, nil)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return report, fmt.Errorf("failed to dump store: %w", err)
		}
		log.Info().Str("path", path).Msg("Store dumped to SQL script")
	}
	return report, nil
}

// ========== Аудит и отчет ==========

func (p *Processor) logValidation(ctx context.Context, env *runEnv, err error) {
	e := audit.NewEntry(audit.OpValidate, audit.StatusSuccess).
		WithRun(env.info.ID, env.info.Mapping).
		WithMetadata("steps", len(env.mapping.Steps)).
		WithError(err)
	_ = env.audit.Log(ctx, e)
}

func (p *Processor) logRun(ctx context.Context, env *runEnv, runErr error) {
	op := audit.OpLoad
	if env.info.Kind == KindExtract {
		op = audit.OpExtract
	}
	e := audit.NewEntry(op, audit.StatusSuccess).
		WithRun(env.info.ID, env.info.Mapping).
		WithRecordsAffected(int64(p.stats.RecordsProcessed)).
		WithRowErrors(int64(p.stats.RowErrors)).
		WithDuration(env.info.FinishedAt.Sub(env.info.StartedAt)).
		WithMetadata("steps", p.stats.StepsRun).
		WithError(runErr)
	if p.stats.ResumedFrom != "" {
		e.WithMetadata("resumed_from", p.stats.ResumedFrom)
	}
	_ = env.audit.Log(ctx, e)
}

// publish пишет JSON отчет и передает его получателям. Отчет публикуется и при
// ошибке запуска; ошибки публикации не меняют результат запуска.
func (p *Processor) publish(ctx context.Context, env *runEnv, report *Report, runErr error, log zerolog.Logger) {
	if path := p.config.Report.JSON; path != "" {
		if err := writeReportJSON(path, env.info, report, runErr); err != nil {
			log.Warn().Err(err).Msg("Failed to write JSON report")
			p.stats.Errors = append(p.stats.Errors, err)
		}
	}

	// публикация не должна прерываться из-за истекшего срока запуска
	pubCtx := context.WithoutCancel(ctx)
	for _, sink := range p.sinks {
		if err := sink.Publish(pubCtx, env.info, report, runErr); err != nil {
			log.Warn().Err(err).Msg("Failed to publish report")
			p.stats.Errors = append(p.stats.Errors, err)
		}
	}
}

// ReportDocument - JSON документ итогового отчета
type ReportDocument struct {
	Run   RunInfo `json:"run"`
	Error string  `json:"error,omitempty"`
	Steps *Report `json:"steps"`
}

// NewReportDocument собирает документ отчета
func NewReportDocument(run RunInfo, report *Report, runErr error) ReportDocument {
	doc := ReportDocument{Run: run, Steps: report}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	return doc
}

func writeReportJSON(path string, run RunInfo, report *Report, runErr error) error {
	data, err := json.MarshalIndent(NewReportDocument(run, report, runErr), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// GetStats возвращает статистику последнего запуска
func (p *Processor) GetStats() ProcessorStats {
	return p.stats
}

// Report возвращает отчет последнего запуска (nil до запуска)
func (p *Processor) Report() *Report {
	return p.report
}

// Validate проверяет конфигурацию процессора перед выполнением
func (p *Processor) Validate() error {
	if p.config == nil {
		return fmt.Errorf("config is nil")
	}
	if p.client == nil {
		return fmt.Errorf("remote client is nil")
	}
	if err := p.config.Validate(); err != nil {
		return err
	}
	if p.config.Run.Mapping == "" {
		return fmt.Errorf("run: mapping is required")
	}
	return nil
}

// GetConfig возвращает конфигурацию процессора
func (p *Processor) GetConfig() *RunConfig {
	return p.config
}

// IsJobFailure - ошибка запуска вызвана отказом задания удаленной стороны
func IsJobFailure(err error) bool {
	return errors.Is(err, dataop.ErrJobFailure)
}
