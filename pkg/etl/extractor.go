package etl

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/mapping"
	"github.com/ruslano69/orgdata/pkg/remote"
	"github.com/ruslano69/orgdata/pkg/store"
)

// ExtractOptions - параметры запуска выгрузки
type ExtractOptions struct {
	Today      time.Time
	Operations dataop.Config
	Observer   StepObserver

	// OnStepDone вызывается после каждого шага
	OnStepDone func(step string) error
}

// Extractor переносит записи удаленной организации в локальное хранилище
type Extractor struct {
	client  remote.Client
	store   store.RecordStore
	mapping *mapping.Mapping
	opts    ExtractOptions
	log     zerolog.Logger

	created  map[string]bool // таблицы, пересозданные в этом запуске
	idTables map[string]bool // таблицы с <table>_sf_ids
	nextID   map[string]int
}

// NewExtractor создает выгрузку для проверенного маппинга (см. PrepareExtract)
func NewExtractor(client remote.Client, st store.RecordStore, m *mapping.Mapping, opts ExtractOptions, log zerolog.Logger) *Extractor {
	opts.Operations.SetDefaults()
	if opts.Today.IsZero() {
		opts.Today = time.Now()
	}
	return &Extractor{
		client:   client,
		store:    st,
		mapping:  m,
		opts:     opts,
		log:      log,
		created:  make(map[string]bool),
		idTables: make(map[string]bool),
		nextID:   make(map[string]int),
	}
}

// Run выгружает шаги по порядку, затем переводит ссылки на локальные Id
func (e *Extractor) Run(ctx context.Context) (*Report, error) {
	report := NewReport()
	for _, step := range e.mapping.Steps {
		if step.Synthesized {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := e.runStep(ctx, step, report); err != nil {
			return report, err
		}
		if e.opts.OnStepDone != nil {
			if err := e.opts.OnStepDone(step.Name); err != nil {
				return report, fmt.Errorf("failed to record completion of %q: %w", step.Name, err)
			}
		}
	}
	if err := e.remapLookups(ctx); err != nil {
		return report, err
	}
	return report, nil
}

func (e *Extractor) runStep(ctx context.Context, step *mapping.Step, report *Report) error {
	log := e.log.With().Str("step", step.Name).Str("sobject", step.SFObject).Logger()
	log.Info().Msg("Extracting step")
	started := time.Now()

	sr, api, err := e.extractStep(ctx, step, log)
	if err != nil && sr.Status != dataop.StatusJobFailure {
		sr.Status = dataop.StatusJobFailure
		sr.JobErrors = append(sr.JobErrors, err.Error())
	}
	report.Add(step.Name, sr)

	if e.opts.Observer != nil {
		e.opts.Observer.StepFinished(ctx, StepEvent{
			Step: step.Name, Kind: KindExtract, Action: dataop.OpQuery, API: api,
			Report: sr, Duration: time.Since(started), Err: err,
		})
	}
	if err != nil {
		log.Error().Err(err).Msg("Step failed")
		return fmt.Errorf("step %q (%s) failed: %w", step.Name, step.SFObject, err)
	}
	log.Info().Int("records", sr.RecordsProcessed).Msg("Step finished")
	return nil
}

// SOQL возвращает запрос выгрузки шага
func SOQL(step *mapping.Step) (string, []string) {
	fields := step.ExtractFields()
	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), step.SFObject)

	var where []string
	if f := strings.TrimSpace(step.SOQLFilter); f != "" {
		if len(f) > 6 && strings.EqualFold(f[:6], "WHERE ") {
			f = strings.TrimSpace(f[6:])
		}
		where = append(where, f)
	}
	if step.RecordType != "" {
		where = append(where, "RecordType.DeveloperName = "+soqlString(step.RecordType))
	}
	if len(where) > 0 {
		soql += " WHERE " + strings.Join(where, " AND ")
	}
	return soql, fields
}

// extractLayout - колонки таблицы для полей запроса
type extractLayout struct {
	columns []store.Column
	names   []string // имена колонок для вставки
	fields  []string // поле удаленного объекта для каждой колонки, "" - локальный Id
	source  []int    // индекс поля в строке запроса, -1 - локальный Id, -2 - константа
	consts  []string // значения колонок-констант
	sfIDs   bool     // удаленный Id пишется в <table>_sf_ids
}

// recordTypeColumn - колонка с developer name типа записи шага с record_type
const recordTypeColumn = "record_type"

func layout(step *mapping.Step, queryFields []string) extractLayout {
	colOf := step.CompleteFieldMap(false)
	var l extractLayout
	if !step.OIDAsPK() {
		l.sfIDs = true
		l.columns = append(l.columns, store.Column{Name: "id", PrimaryKey: true})
		l.names = append(l.names, "id")
		l.fields = append(l.fields, "")
		l.source = append(l.source, -1)
	}
	for i, f := range queryFields {
		if f == "Id" && l.sfIDs {
			continue
		}
		col, _ := colOf.Get(f)
		if slices.Contains(l.names, col) {
			continue
		}
		l.columns = append(l.columns, store.Column{Name: col, PrimaryKey: f == "Id"})
		l.names = append(l.names, col)
		l.fields = append(l.fields, f)
		l.source = append(l.source, i)
	}
	for range l.names {
		l.consts = append(l.consts, "")
	}
	if step.RecordType != "" && !slices.Contains(l.names, recordTypeColumn) {
		l.columns = append(l.columns, store.Column{Name: recordTypeColumn})
		l.names = append(l.names, recordTypeColumn)
		l.fields = append(l.fields, "")
		l.source = append(l.source, -2)
		l.consts = append(l.consts, step.RecordType)
	}
	return l
}

func (e *Extractor) extractStep(ctx context.Context, step *mapping.Step, log zerolog.Logger) (StepReport, dataop.API, error) {
	sr := StepReport{SObject: step.SFObject, RecordType: step.RecordType, Status: dataop.StatusSuccess}

	if step.Fields.Has("RecordTypeId") {
		n, err := storeRecordTypes(ctx, e.client, e.store, step.SFObject, step.SourceRecordTypeTable(), e.opts.Operations, log)
		if err != nil {
			return sr, "", err
		}
		log.Debug().Int("record_types", n).Msg("Extracted record types")
	}

	soql, fields := SOQL(step)
	op, api, err := dataop.NewQuery(ctx, e.client, dataop.QuerySpec{SObject: step.SFObject, SOQL: soql, Fields: fields},
		step.API, -1, e.opts.Operations, log)
	if err != nil {
		return sr, "", err
	}
	if err := op.Query(ctx); err != nil {
		return sr, api, err
	}
	res := op.JobResult()
	sr.Status = res.Status
	sr.JobErrors = res.JobErrors
	if res.Status == dataop.StatusJobFailure {
		return sr, api, &dataop.JobError{SObject: step.SFObject, Operation: dataop.OpQuery, Result: res}
	}

	lay := layout(step, fields)
	if err := e.prepareTable(ctx, step.Table, lay); err != nil {
		return sr, api, err
	}

	var dates *DateShifter
	if step.AnchorDate != nil {
		types, err := describeTypes(ctx, e.client, step.SFObject)
		if err != nil {
			return sr, api, err
		}
		dates = NewDateShifter(*step.AnchorDate, e.opts.Today, lay.fields, types, true)
	}

	idIndex := slices.Index(fields, "Id")
	var pairs [][]string
	rows := func(yield func([]string, error) bool) {
		for row, err := range op.Results(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			out := make([]string, len(lay.names))
			for i, src := range lay.source {
				if src >= 0 {
					out[i] = row[src]
					continue
				}
				if src == -2 {
					out[i] = lay.consts[i]
					continue
				}
				e.nextID[step.Table]++
				out[i] = strconv.Itoa(e.nextID[step.Table])
				pairs = append(pairs, []string{out[i], row[idIndex]})
			}
			if err := dates.Shift(out); err != nil {
				yield(nil, err)
				return
			}
			if !yield(out, nil) {
				return
			}
		}
	}

	if err := e.store.Begin(ctx); err != nil {
		return sr, api, err
	}
	n, err := e.store.BulkInsert(ctx, step.Table, lay.names, iter.Seq2[[]string, error](rows))
	if err != nil {
		_ = e.store.Rollback()
		return sr, api, err
	}
	if lay.sfIDs && len(pairs) > 0 {
		if _, err := e.store.BulkInsert(ctx, store.IDTableName(step.Table), []string{"id", "sf_id"}, sliceRows(pairs)); err != nil {
			_ = e.store.Rollback()
			return sr, api, err
		}
	}
	if err := e.store.Commit(); err != nil {
		return sr, api, err
	}

	sr.RecordsProcessed = n
	return sr, api, nil
}

// prepareTable пересоздает таблицу шага (и ее таблицу Id) при первом использовании в запуске
func (e *Extractor) prepareTable(ctx context.Context, table string, lay extractLayout) error {
	if e.created[table] {
		return nil
	}
	if err := e.store.DropTable(ctx, table); err != nil {
		return err
	}
	if err := e.store.CreateTable(ctx, table, lay.columns); err != nil {
		return err
	}
	if lay.sfIDs {
		if _, err := e.store.IDTable(ctx, table, true); err != nil {
			return err
		}
		e.idTables[table] = true
	}
	e.created[table] = true
	e.nextID[table] = 0
	return nil
}

// remapLookups заменяет удаленные Id в колонках ссылок на локальные Id целевых таблиц
func (e *Extractor) remapLookups(ctx context.Context) error {
	if err := e.store.Begin(ctx); err != nil {
		return err
	}
	for _, step := range e.mapping.Steps {
		for field, lk := range step.Lookups.All() {
			col, _ := lk.KeyFieldFor(nil)
			for _, target := range lk.Table {
				if !e.idTables[target] {
					continue
				}
				n, err := e.store.RemapColumn(ctx, step.Table, col, store.IDTableName(target))
				if err != nil {
					_ = e.store.Rollback()
					return fmt.Errorf("failed to remap lookup %s of %s: %w", field, step.Name, err)
				}
				e.log.Debug().Str("table", step.Table).Str("column", col).Str("target", target).Int64("rows", n).Msg("Remapped lookup")
			}
		}
	}
	return e.store.Commit()
}
