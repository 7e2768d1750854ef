package etl

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/audit"
	"github.com/ruslano69/orgdata/pkg/dataop"
)

// NewAuditLogger создает audit логгер по конфигурации.
// Аудит выключен - возвращается NullLogger.
func NewAuditLogger(ctx context.Context, cfg AuditConfig, log zerolog.Logger) (audit.Logger, error) {
	if !cfg.Enabled {
		return audit.NewNullLogger(), nil
	}
	level, err := audit.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var appenders []audit.Appender
	if cfg.Output != "" {
		fa, err := audit.NewFileAppender(audit.FileAppenderConfig{FilePath: cfg.Output, Level: level, FormatJSON: true})
		if err != nil {
			return nil, err
		}
		appenders = append(appenders, fa)
	}
	if cfg.DSN != "" {
		sa, err := audit.NewStoreAppender(ctx, audit.StoreAppenderConfig{Driver: cfg.Driver, DSN: cfg.DSN, Level: level, BatchSize: 50})
		if err != nil {
			for _, a := range appenders {
				a.Close()
			}
			return nil, err
		}
		appenders = append(appenders, sa)
	}

	config := audit.DefaultConfig()
	config.OnError = func(err error) {
		log.Warn().Err(err).Msg("Audit write failed")
	}
	return audit.NewLogger(config, appenders...), nil
}

// auditObserver пишет запись аудита на каждый шаг
type auditObserver struct {
	logger  audit.Logger
	runID   string
	mapping string
}

func (a *auditObserver) StepFinished(ctx context.Context, ev StepEvent) {
	e := audit.NewEntry(audit.OpStep, audit.StatusSuccess).
		WithRun(a.runID, a.mapping).
		WithStep(ev.Step, ev.Report.SObject).
		WithAction(string(ev.Action), string(ev.API)).
		WithRecordsAffected(int64(ev.Report.RecordsProcessed)).
		WithRowErrors(int64(ev.Report.TotalRowErrors)).
		WithDuration(ev.Duration).
		WithMetadata("kind", string(ev.Kind)).
		WithMetadata("status", string(ev.Report.Status)).
		WithError(ev.Err)
	if ev.Report.Status == dataop.StatusJobFailure && ev.Err == nil {
		e.Status = audit.StatusFailure
	}
	if len(ev.Report.JobErrors) > 0 {
		e.WithData(ev.Report.JobErrors)
	}
	_ = a.logger.Log(ctx, e)
}
