package etl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/mapping"
	"github.com/ruslano69/orgdata/pkg/remote"
	"github.com/ruslano69/orgdata/pkg/security"
)

// DeleteOptions - параметры удаления записей удаленной организации
type DeleteOptions struct {
	Objects []string
	// Where - условие SOQL без WHERE, допустимо только для одного объекта
	Where string
	// HardDelete удаляет записи минуя корзину; только через bulk
	HardDelete      bool
	IgnoreRowErrors bool
	RowWarningLimit int
	API             dataop.API

	Namespace        string
	InjectNamespaces bool
	// UnsafeFilters отключает проверку Where
	UnsafeFilters bool
	Operations    dataop.Config
}

// Validate проверяет параметры удаления
func (o *DeleteOptions) Validate() error {
	if len(o.Objects) == 0 {
		return errors.New("at least one object must be specified")
	}
	for _, obj := range o.Objects {
		if strings.TrimSpace(obj) == "" {
			return errors.New("object name cannot be empty")
		}
	}
	if strings.TrimSpace(o.Where) != "" && len(o.Objects) > 1 {
		return errors.New("criteria cannot be specified if more than one object is specified")
	}
	if o.HardDelete && o.API == dataop.APIREST {
		return errors.New("the hardDelete option requires Bulk API")
	}
	if err := security.NewFilterValidator(!o.UnsafeFilters).Validate(o.Where); err != nil {
		return fmt.Errorf("invalid where clause: %w", err)
	}
	return nil
}

func (o *DeleteOptions) operation() dataop.OperationType {
	if o.HardDelete {
		return dataop.OpHardDelete
	}
	return dataop.OpDelete
}

// DeleteStepName - имя шага отчета для удаления объекта
func DeleteStepName(sobject string) string {
	return "Delete " + sobject
}

// Delete удаляет записи перечисленных объектов (все или по условию Where).
// Объекты проверяются по схеме (право deletable) с подстановкой namespace.
// Ошибка строки прерывает удаление, если ошибки не игнорируются.
func Delete(ctx context.Context, client remote.Client, opts DeleteOptions, log zerolog.Logger) (*Report, error) {
	report := NewReport()
	if err := opts.Validate(); err != nil {
		return report, err
	}
	opts.Operations.SetDefaults()
	if opts.API == "" {
		opts.API = dataop.APISmart
	}
	op := opts.operation()

	m := &mapping.Mapping{}
	for _, obj := range opts.Objects {
		m.Steps = append(m.Steps, mapping.NewStep(DeleteStepName(obj), obj, op))
	}
	if err := mapping.ValidateAndInject(ctx, m, client, mapping.ValidateOptions{
		Namespace:        opts.Namespace,
		InjectNamespaces: opts.InjectNamespaces,
		Operation:        op,
		Logger:           log,
	}); err != nil {
		return report, err
	}

	checker := NewRowErrorChecker(log, opts.IgnoreRowErrors, opts.RowWarningLimit)
	for _, step := range m.Steps {
		stepLog := log.With().Str("step", step.Name).Logger()
		sr, err := deleteObject(ctx, client, step, opts, checker, stepLog)
		report.Add(step.Name, sr)
		if err != nil {
			return report, fmt.Errorf("step %q failed: %w", step.Name, err)
		}
	}
	return report, nil
}

func deleteObject(ctx context.Context, client remote.Client, step *mapping.Step, opts DeleteOptions,
	checker *RowErrorChecker, log zerolog.Logger) (StepReport, error) {
	sr := StepReport{SObject: step.SFObject, Status: dataop.StatusSuccess}

	soql := "SELECT Id FROM " + step.SFObject
	if where := strings.TrimSpace(opts.Where); where != "" {
		soql += " WHERE " + where
	}
	log.Info().Str("soql", soql).Msg("Querying records to delete")

	query, _, err := dataop.NewQuery(ctx, client, dataop.QuerySpec{SObject: step.SFObject, SOQL: soql, Fields: []string{"Id"}},
		opts.API, -1, opts.Operations, log)
	if err != nil {
		return sr, err
	}
	if err := query.Query(ctx); err != nil {
		return sr, err
	}
	qres := query.JobResult()
	if qres.Status != dataop.StatusSuccess {
		sr.Status = qres.Status
		sr.JobErrors = qres.JobErrors
		return sr, &dataop.JobError{SObject: step.SFObject, Operation: dataop.OpQuery, Result: qres}
	}
	if qres.RecordsProcessed == 0 {
		log.Info().Msgf("No records found, skipping delete operation for %s", step.SFObject)
		return sr, nil
	}

	spec := dataop.DMLSpec{SObject: step.SFObject, Operation: step.Action, Fields: []string{"Id"}}
	dml, api, err := dataop.NewDML(ctx, client, spec, opts.API, qres.RecordsProcessed, opts.Operations, log)
	if err != nil {
		return sr, err
	}
	log.Info().Str("api", string(api)).Int("records", qres.RecordsProcessed).Msgf("Deleting %s records", step.SFObject)

	var ids []string
	rows := func(yield func([]string, error) bool) {
		for row, err := range query.Results(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			ids = append(ids, row[0])
			if !yield(row, nil) {
				return
			}
		}
	}

	if err := dml.Start(ctx); err != nil {
		return sr, err
	}
	if err := dml.Load(ctx, rows); err != nil {
		return sr, err
	}
	if err := dml.End(ctx); err != nil {
		return sr, err
	}

	res := dml.JobResult()
	sr.Status = res.Status
	sr.JobErrors = res.JobErrors
	sr.RecordsProcessed = res.RecordsProcessed
	sr.TotalRowErrors = res.TotalRowErrors
	if res.Status == dataop.StatusJobFailure {
		return sr, &dataop.JobError{SObject: step.SFObject, Operation: step.Action, Result: res}
	}

	var fatal error
	err = dataop.Drain(ctx, dml, func(i int, r dataop.Result) error {
		if r.Success {
			return nil
		}
		id := r.ID
		if id == "" && i < len(ids) {
			id = ids[i]
		}
		if err := checker.Check(step.Name, id, r.Error); err != nil && fatal == nil {
			fatal = err
		}
		return nil
	})
	if err != nil {
		return sr, fmt.Errorf("failed to read results: %w", err)
	}
	return sr, fatal
}
