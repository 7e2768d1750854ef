package etl

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/mapping"
	"github.com/ruslano69/orgdata/pkg/remote"
	"github.com/ruslano69/orgdata/pkg/retry"
	"github.com/ruslano69/orgdata/pkg/selection"
	"github.com/ruslano69/orgdata/pkg/store"
)

// PrepareOptions - параметры проверки маппинга по схеме удаленной организации
type PrepareOptions struct {
	Namespace        string
	InjectNamespaces bool
	DropMissing      bool
	PersonAccounts   bool
}

func (o PrepareOptions) validateOptions(op dataop.OperationType, log zerolog.Logger) mapping.ValidateOptions {
	return mapping.ValidateOptions{
		Namespace:        o.Namespace,
		InjectNamespaces: o.InjectNamespaces,
		DropMissing:      o.DropMissing,
		Operation:        op,
		PersonAccounts:   o.PersonAccounts,
		Logger:           log,
	}
}

// PrepareLoad готовит маппинг к загрузке: проставляет after, проверяет схему
// (с подстановкой namespace) и раскрывает отложенные ссылки в шаги update.
func PrepareLoad(ctx context.Context, describer remote.Describer, st store.RecordStore, m *mapping.Mapping, opts PrepareOptions, log zerolog.Logger) (*mapping.Expansion, error) {
	if err := ValidateLoad(ctx, describer, m, opts, log); err != nil {
		return nil, err
	}
	exp, err := mapping.Expand(m, func(table string) (string, error) {
		return st.PrimaryKey(ctx, table)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to expand mapping: %w", err)
	}
	return exp, nil
}

// ValidateLoad выводит отложенные ссылки и проверяет маппинг для загрузки
// без обращения к хранилищу
func ValidateLoad(ctx context.Context, describer remote.Describer, m *mapping.Mapping, opts PrepareOptions, log zerolog.Logger) error {
	mapping.InferAfter(m)
	return mapping.ValidateAndInject(ctx, m, describer, opts.validateOptions(dataop.OpInsert, log))
}

// PrepareExtract проверяет маппинг для выгрузки (право queryable)
func PrepareExtract(ctx context.Context, describer remote.Describer, m *mapping.Mapping, opts PrepareOptions, log zerolog.Logger) error {
	return mapping.ValidateAndInject(ctx, m, describer, opts.validateOptions(dataop.OpQuery, log))
}

// LoadOptions - параметры запуска загрузки
type LoadOptions struct {
	// StartStep - имя шага, с которого продолжить; предыдущие шаги пропускаются
	StartStep       string
	IgnoreRowErrors bool
	RowWarningLimit int
	// ResetOIDs пересоздает таблицы соответствия Id при первом использовании в запуске
	ResetOIDs bool
	// BulkMode переопределяет bulk_mode шагов
	BulkMode   dataop.BulkMode
	Today      time.Time
	Operations dataop.Config
	DLQ        *retry.DLQ
	Observer   StepObserver
	Rand       *rand.Rand

	// OnStepDone вызывается после шага и его after шагов
	OnStepDone func(step string) error
}

// Loader переносит строки локального хранилища в удаленную организацию
type Loader struct {
	client  remote.Client
	store   store.RecordStore
	mapping *mapping.Mapping
	exp     *mapping.Expansion
	opts    LoadOptions
	log     zerolog.Logger

	checker   *RowErrorChecker
	initIDs   map[string]bool
	describes map[string][]remote.FieldDescribe
}

// NewLoader создает загрузчик для подготовленного маппинга (см. PrepareLoad)
func NewLoader(client remote.Client, st store.RecordStore, m *mapping.Mapping, exp *mapping.Expansion, opts LoadOptions, log zerolog.Logger) *Loader {
	opts.Operations.SetDefaults()
	if opts.Today.IsZero() {
		opts.Today = time.Now()
	}
	return &Loader{
		client:    client,
		store:     st,
		mapping:   m,
		exp:       exp,
		opts:      opts,
		log:       log,
		checker:   NewRowErrorChecker(log, opts.IgnoreRowErrors, opts.RowWarningLimit),
		initIDs:   make(map[string]bool),
		describes: make(map[string][]remote.FieldDescribe),
	}
}

// RowErrors - количество проигнорированных ошибок строк
func (l *Loader) RowErrors() int {
	return l.checker.Count()
}

// Run выполняет шаги по порядку. После каждого основного шага выполняются
// его after шаги. Отчет возвращается и при ошибке: в нем все начатые шаги.
func (l *Loader) Run(ctx context.Context) (*Report, error) {
	report := NewReport()

	start := 0
	if l.opts.StartStep != "" {
		start = l.mapping.Index(l.opts.StartStep)
		if start < 0 || l.mapping.Steps[start].Synthesized {
			return report, fmt.Errorf("start step %q not found in mapping", l.opts.StartStep)
		}
	}

	for i, step := range l.mapping.Steps {
		if step.Synthesized {
			continue
		}
		if i < start {
			// Id, загруженные предыдущим запуском, сохраняются
			l.initIDs[step.Table] = true
			l.log.Info().Str("step", step.Name).Msg("Skipping step before start step")
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := l.runStep(ctx, step, report); err != nil {
			return report, err
		}
		for _, after := range l.exp.After(step.Name) {
			if err := l.runStep(ctx, after, report); err != nil {
				return report, err
			}
		}
		if l.opts.OnStepDone != nil {
			if err := l.opts.OnStepDone(step.Name); err != nil {
				return report, fmt.Errorf("failed to record completion of %q: %w", step.Name, err)
			}
		}
	}
	return report, nil
}

func (l *Loader) runStep(ctx context.Context, step *mapping.Step, report *Report) error {
	log := l.log.With().Str("step", step.Name).Str("sobject", step.SFObject).Logger()
	log.Info().Str("action", string(step.Action)).Msg("Loading step")
	started := time.Now()

	sr, api, err := l.loadStep(ctx, step, log)
	var rowErr *RowError
	if err != nil && !errors.As(err, &rowErr) && sr.Status != dataop.StatusJobFailure {
		sr.Status = dataop.StatusJobFailure
		sr.JobErrors = append(sr.JobErrors, err.Error())
	}
	report.Add(step.Name, sr)

	if l.opts.Observer != nil {
		l.opts.Observer.StepFinished(ctx, StepEvent{
			Step: step.Name, Kind: KindLoad, Action: step.Action, API: api,
			Report: sr, Duration: time.Since(started), Err: err,
		})
	}

	if err != nil {
		log.Error().Err(err).Msg("Step failed")
		return fmt.Errorf("step %q (%s) failed: %w", step.Name, step.SFObject, err)
	}
	log.Info().
		Str("status", string(sr.Status)).
		Int("processed", sr.RecordsProcessed).
		Int("row_errors", sr.TotalRowErrors).
		Msg("Step finished")
	return nil
}

// loadRecord - запись для операции и локальный Id ее строки
type loadRecord struct {
	localID string
	values  []string
}

func (l *Loader) loadStep(ctx context.Context, step *mapping.Step, log zerolog.Logger) (StepReport, dataop.API, error) {
	sr := StepReport{SObject: step.SFObject, RecordType: step.RecordType, Status: dataop.StatusSuccess}

	op, extID, err := l.operation(ctx, step)
	if err != nil {
		return sr, "", err
	}
	p, err := l.plan(ctx, step, op, extID, log)
	if err != nil {
		return sr, "", err
	}

	volume, err := l.store.Count(ctx, p.query)
	if err != nil {
		return sr, "", err
	}
	if volume == 0 {
		log.Info().Msg("No rows to load")
		return sr, "", nil
	}

	var idTable string
	if step.Inserts() {
		if idTable, err = l.idTable(ctx, step.Table, true); err != nil {
			return sr, "", err
		}
	}

	rows := l.records(ctx, step, p)
	var preset [][]string
	if step.Select != nil && op == dataop.OpInsert {
		recs, err := collectRecords(rows)
		if err != nil {
			return sr, "", err
		}
		insert, matched, err := l.selectExisting(ctx, step, p, recs, log)
		if err != nil {
			return sr, "", err
		}
		preset = matched
		rows = sliceRecords(insert)
		volume = len(insert)

		if volume == 0 {
			if err := l.writeIDs(ctx, idTable, preset); err != nil {
				return sr, "", err
			}
			sr.RecordsProcessed = len(preset)
			return sr, "", nil
		}
	}

	spec := dataop.DMLSpec{
		SObject:         step.SFObject,
		Operation:       op,
		Fields:          p.fields,
		ExternalIDField: extID,
		BulkMode:        l.bulkMode(step),
		BatchSize:       step.BatchSize,
	}
	dml, api, err := dataop.NewDML(ctx, l.client, spec, step.API, volume, l.opts.Operations, log)
	if err != nil {
		return sr, "", err
	}

	var localIDs []string
	var payloads [][]string
	feed := func(yield func([]string, error) bool) {
		for rec, err := range rows {
			if err != nil {
				yield(nil, err)
				return
			}
			localIDs = append(localIDs, rec.localID)
			if l.opts.DLQ != nil {
				payloads = append(payloads, rec.values)
			}
			if !yield(rec.values, nil) {
				return
			}
		}
	}

	if err := dml.Start(ctx); err != nil {
		return sr, api, err
	}
	if err := dml.Load(ctx, feed); err != nil {
		return sr, api, err
	}
	if err := dml.End(ctx); err != nil {
		return sr, api, err
	}

	res := dml.JobResult()
	sr.Status = res.Status
	sr.JobErrors = res.JobErrors
	sr.RecordsProcessed = res.RecordsProcessed + len(preset)
	sr.TotalRowErrors = res.TotalRowErrors
	if res.Status == dataop.StatusJobFailure {
		return sr, api, &dataop.JobError{SObject: step.SFObject, Operation: op, Result: res}
	}

	pairs := preset
	var fatal error
	err = dataop.Drain(ctx, dml, func(i int, r dataop.Result) error {
		if i >= len(localIDs) {
			return fmt.Errorf("operation returned more results than the %d records sent", len(localIDs))
		}
		if r.Success {
			if idTable != "" && r.ID != "" {
				pairs = append(pairs, []string{localIDs[i], r.ID})
			}
			return nil
		}
		if err := l.checker.Check(step.Name, localIDs[i], r.Error); err != nil {
			if fatal == nil {
				fatal = err
			}
			return nil
		}
		if l.opts.DLQ != nil {
			l.opts.DLQ.Add(retry.DLQEntry{
				Step: step.Name, SObject: step.SFObject, LocalID: localIDs[i],
				Error: r.Error, Data: payload(p.fields, payloads, i),
			})
		}
		return nil
	})
	if err != nil {
		return sr, api, fmt.Errorf("failed to read results: %w", err)
	}

	// успешные Id сохраняются и при фатальной ошибке строки
	if err := l.writeIDs(ctx, idTable, pairs); err != nil {
		return sr, api, err
	}
	return sr, api, fatal
}

func payload(fields []string, payloads [][]string, i int) map[string]string {
	if i >= len(payloads) {
		return nil
	}
	out := make(map[string]string, len(fields))
	for j, f := range fields {
		out[f] = payloads[i][j]
	}
	return out
}

// operation переводит action шага в DML операцию и внешний ключ upsert
func (l *Loader) operation(ctx context.Context, step *mapping.Step) (dataop.OperationType, string, error) {
	switch step.Action {
	case dataop.OpInsert, dataop.OpUpdate, dataop.OpDelete, dataop.OpHardDelete:
		return step.Action, "", nil
	case dataop.OpUpsert:
		if len(step.UpdateKey) == 0 {
			return "", "", fmt.Errorf("upsert of %s requires update_key", step.SFObject)
		}
		return dataop.OpUpsert, step.UpdateKey[0], nil
	case dataop.OpSmartUpsert:
		if len(step.UpdateKey) == 1 {
			key := step.UpdateKey[0]
			if strings.EqualFold(key, "Id") {
				return dataop.OpUpsert, "Id", nil
			}
			fields, err := l.describe(ctx, step.SFObject)
			if err != nil {
				return "", "", err
			}
			for _, f := range fields {
				if strings.EqualFold(f.Name, key) && (f.ExternalID || f.IDLookup) {
					return dataop.OpUpsert, f.Name, nil
				}
			}
		}
		// ключ не является внешним Id: сопоставление по запросу, как etl_upsert
		return dataop.OpUpsert, "Id", nil
	case dataop.OpETLUpsert:
		return dataop.OpUpsert, "Id", nil
	}
	return "", "", fmt.Errorf("action %s is not supported by load", step.Action)
}

// matchesByQuery - upsert по Id с предварительным поиском существующих записей по ключу
func matchesByQuery(step *mapping.Step, extID string) bool {
	return (step.Action == dataop.OpETLUpsert || step.Action == dataop.OpSmartUpsert) &&
		extID == "Id" && !slices.ContainsFunc(step.UpdateKey, func(k string) bool { return strings.EqualFold(k, "Id") })
}

func (l *Loader) describe(ctx context.Context, sobject string) ([]remote.FieldDescribe, error) {
	if fields, ok := l.describes[sobject]; ok {
		return fields, nil
	}
	fields, err := l.client.DescribeEntity(ctx, sobject)
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", sobject, err)
	}
	l.describes[sobject] = fields
	return fields, nil
}

func (l *Loader) bulkMode(step *mapping.Step) dataop.BulkMode {
	if l.opts.BulkMode != "" {
		return l.opts.BulkMode
	}
	return step.BulkMode
}

// idTable возвращает таблицу соответствия. own - таблица шага, который в нее пишет:
// при ResetOIDs она пересоздается при первом таком использовании.
func (l *Loader) idTable(ctx context.Context, table string, own bool) (string, error) {
	reset := own && l.opts.ResetOIDs && !l.initIDs[table]
	if own {
		l.initIDs[table] = true
	}
	return l.store.IDTable(ctx, table, reset)
}

func (l *Loader) writeIDs(ctx context.Context, idTable string, pairs [][]string) error {
	if idTable == "" || len(pairs) == 0 {
		return nil
	}
	if err := l.store.Begin(ctx); err != nil {
		return err
	}
	if _, err := l.store.BulkInsert(ctx, idTable, []string{"id", "sf_id"}, sliceRows(pairs)); err != nil {
		_ = l.store.Rollback()
		return fmt.Errorf("failed to store ids in %s: %w", idTable, err)
	}
	return l.store.Commit()
}

// ========== План шага ==========

// valueSource - значение поля записи: колонка строки хранилища или константа
type valueSource struct {
	column int // < 0 - константа value
	value  string
}

// loadPlan описывает превращение строки хранилища в запись операции.
// Первая колонка строки - локальный Id.
type loadPlan struct {
	query   store.RowQuery
	fields  []string
	sources []valueSource
	idIndex int // позиция Id в fields или -1
	dates   *DateShifter

	// upsert по Id: ключ -> Id существующей записи
	keyIndex []int
	existing map[string]string
}

func (p *loadPlan) record(raw []string) (loadRecord, error) {
	values := make([]string, len(p.sources))
	for i, src := range p.sources {
		if src.column >= 0 {
			values[i] = raw[src.column]
		} else {
			values[i] = src.value
		}
	}
	if err := p.dates.Shift(values); err != nil {
		return loadRecord{}, fmt.Errorf("record %s: %w", raw[0], err)
	}
	if p.existing != nil {
		values[p.idIndex] = p.existing[p.key(values)]
	}
	return loadRecord{localID: raw[0], values: values}, nil
}

func (p *loadPlan) key(values []string) string {
	parts := make([]string, len(p.keyIndex))
	for i, k := range p.keyIndex {
		parts[i] = values[k]
	}
	return strings.Join(parts, "\x00")
}

// empty - в записи нет значений, кроме Id
func (p *loadPlan) empty(values []string) bool {
	for i, v := range values {
		if i != p.idIndex && v != "" {
			return false
		}
	}
	return true
}

func (l *Loader) plan(ctx context.Context, step *mapping.Step, op dataop.OperationType, extID string, log zerolog.Logger) (*loadPlan, error) {
	cols, err := l.store.Columns(ctx, step.Table)
	if err != nil {
		return nil, err
	}
	pk, err := l.localKey(ctx, step)
	if err != nil {
		return nil, err
	}

	p := &loadPlan{idIndex: -1, query: store.RowQuery{
		Table:   step.Table,
		Columns: []string{pk},
		Filters: step.Filters,
		OrderBy: pk,
	}}
	add := func(field string, src valueSource) {
		p.fields = append(p.fields, field)
		p.sources = append(p.sources, src)
	}
	column := func(name string) int {
		p.query.Columns = append(p.query.Columns, name)
		return len(p.query.Columns) - 1
	}

	for field, col := range step.Fields.All() {
		if field == "RecordTypeId" || (field == "Id" && op == dataop.OpInsert) {
			continue
		}
		if !slices.Contains(cols, col) {
			return nil, fmt.Errorf("column %s for field %s not found in table %s", col, field, step.Table)
		}
		add(field, valueSource{column: column(col)})
	}

	rt, rtJoin, err := l.recordTypeSource(ctx, step, cols, column, log)
	if err != nil {
		return nil, err
	}

	base := len(p.query.Columns)
	for field, lk := range step.Lookups.All() {
		if lk.After != "" {
			continue
		}
		key, err := lk.KeyFieldFor(cols)
		if err != nil {
			return nil, fmt.Errorf("lookup %s of %s: %w", field, step.Name, err)
		}
		join := store.LookupJoin{Column: key}
		for _, target := range lk.Table {
			idt, err := l.idTable(ctx, target, false)
			if err != nil {
				return nil, err
			}
			join.IDTables = append(join.IDTables, idt)
		}
		p.query.Lookups = append(p.query.Lookups, join)
		add(field, valueSource{column: base + len(p.query.Lookups) - 1})
	}
	if rtJoin != nil {
		p.query.RecordType = rtJoin
		rt = valueSource{column: base + len(p.query.Lookups)}
	}

	for field, v := range step.Static.All() {
		if field != "RecordTypeId" {
			add(field, valueSource{column: -1, value: v})
		}
	}
	if step.UsesRecordTypes() {
		add("RecordTypeId", rt)
	}

	if op.IsDelete() {
		i := slices.Index(p.fields, "Id")
		if i < 0 {
			return nil, fmt.Errorf("%s of %s requires an Id field or lookup", op, step.SFObject)
		}
		p.fields = []string{"Id"}
		p.sources = []valueSource{p.sources[i]}
	}
	p.idIndex = slices.Index(p.fields, "Id")

	if step.AnchorDate != nil {
		fields, err := l.describe(ctx, step.SFObject)
		if err != nil {
			return nil, err
		}
		types := make(map[string]string, len(fields))
		for _, f := range fields {
			types[strings.ToLower(f.Name)] = f.Type
		}
		p.dates = NewDateShifter(*step.AnchorDate, l.opts.Today, p.fields, types, false)
	}

	if matchesByQuery(step, extID) {
		if err := l.matchExisting(ctx, step, p, log); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// localKey - колонка локального Id шага
func (l *Loader) localKey(ctx context.Context, step *mapping.Step) (string, error) {
	if col, ok := step.Fields.Get("Id"); ok {
		return col, nil
	}
	return l.store.PrimaryKey(ctx, step.Table)
}

// recordTypeSource определяет источник RecordTypeId: static, record_type
// (Id по developer name) или колонка таблицы. Колонка переводится в Id целевой
// организации через <obj>_rt_mapping, если эта таблица есть в хранилище.
func (l *Loader) recordTypeSource(ctx context.Context, step *mapping.Step, cols []string, column func(string) int, log zerolog.Logger) (valueSource, *store.RecordTypeJoin, error) {
	if v, ok := step.Static.Get("RecordTypeId"); ok {
		return valueSource{column: -1, value: v}, nil, nil
	}
	if step.RecordType != "" {
		id, err := recordTypeID(ctx, l.client, step.SFObject, step.RecordType, l.opts.Operations, log)
		if err != nil {
			return valueSource{}, nil, err
		}
		return valueSource{column: -1, value: id}, nil, nil
	}
	col, ok := step.Fields.Get("RecordTypeId")
	if !ok {
		return valueSource{column: -1}, nil, nil
	}
	if !slices.Contains(cols, col) {
		return valueSource{}, nil, fmt.Errorf("column %s for field RecordTypeId not found in table %s", col, step.Table)
	}

	source := step.SourceRecordTypeTable()
	exists, err := l.store.TableExists(ctx, source)
	if err != nil {
		return valueSource{}, nil, err
	}
	if !exists {
		log.Debug().Str("table", source).Msg("No record type mapping, using record type ids as is")
		return valueSource{column: column(col)}, nil, nil
	}

	target := step.TargetRecordTypeTable()
	n, err := storeRecordTypes(ctx, l.client, l.store, step.SFObject, target, l.opts.Operations, log)
	if err != nil {
		return valueSource{}, nil, err
	}
	log.Debug().Int("record_types", n).Msg("Loaded target record types")
	return valueSource{}, &store.RecordTypeJoin{Column: col, SourceTable: source, TargetTable: target}, nil
}

// matchExisting запрашивает Id существующих записей по ключу update_key
func (l *Loader) matchExisting(ctx context.Context, step *mapping.Step, p *loadPlan, log zerolog.Logger) error {
	fields := []string{"Id"}
	for _, k := range step.UpdateKey {
		i := slices.IndexFunc(p.fields, func(f string) bool { return strings.EqualFold(f, k) })
		if i < 0 {
			return fmt.Errorf("update key %s of %s is not a loaded field", k, step.Name)
		}
		p.keyIndex = append(p.keyIndex, i)
		fields = append(fields, p.fields[i])
	}

	spec := dataop.QuerySpec{
		SObject: step.SFObject,
		SOQL:    fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), step.SFObject),
		Fields:  fields,
	}
	rows, err := queryAll(ctx, l.client, spec, dataop.APISmart, l.opts.Operations, log)
	if err != nil {
		return fmt.Errorf("failed to query existing %s records: %w", step.SFObject, err)
	}

	p.existing = make(map[string]string, len(rows))
	for _, row := range rows {
		key := strings.Join(row[1:], "\x00")
		if _, ok := p.existing[key]; !ok {
			p.existing[key] = row[0]
		}
	}
	if p.idIndex < 0 {
		p.fields = append(p.fields, "Id")
		p.sources = append(p.sources, valueSource{column: -1})
		p.idIndex = len(p.fields) - 1
	}
	log.Debug().Int("existing", len(p.existing)).Msg("Matched records by update key")
	return nil
}

// records читает строки шага и превращает их в записи.
// Для update строки без значений пропускаются.
func (l *Loader) records(ctx context.Context, step *mapping.Step, p *loadPlan) iter.Seq2[loadRecord, error] {
	return func(yield func(loadRecord, error) bool) {
		for raw, err := range l.store.StreamRows(ctx, p.query) {
			if err != nil {
				yield(loadRecord{}, err)
				return
			}
			rec, err := p.record(raw)
			if err != nil {
				yield(loadRecord{}, err)
				return
			}
			if step.Action == dataop.OpUpdate && p.empty(rec.values) {
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func collectRecords(rows iter.Seq2[loadRecord, error]) ([]loadRecord, error) {
	var out []loadRecord
	for rec, err := range rows {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func sliceRecords(recs []loadRecord) iter.Seq2[loadRecord, error] {
	return func(yield func(loadRecord, error) bool) {
		for _, r := range recs {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// ========== Выбор существующих записей ==========

// selectExisting сопоставляет записи существующим в организации.
// Возвращает записи для вставки и пары (локальный Id, удаленный Id) выбранных.
func (l *Loader) selectExisting(ctx context.Context, step *mapping.Step, p *loadPlan, recs []loadRecord, log zerolog.Logger) ([]loadRecord, [][]string, error) {
	strategy, err := selection.ParseStrategy(step.Select.Strategy)
	if err != nil {
		return nil, nil, fmt.Errorf("step %s: %w", step.Name, err)
	}

	var fields []string
	var index []int
	for i, f := range p.fields {
		if strings.EqualFold(f, "Id") || slices.ContainsFunc(fields, func(x string) bool { return strings.EqualFold(x, f) }) {
			continue
		}
		fields = append(fields, f)
		index = append(index, i)
	}
	opts := selection.Options{
		SObject:        step.SFObject,
		Strategy:       strategy,
		Fields:         fields,
		PriorityFields: step.Select.PriorityFields.Keys(),
		Threshold:      step.Select.Threshold,
		Rand:           l.opts.Rand,
	}

	soql, queryFields := selection.CandidateQuery(step.SFObject, opts, step.Select.Filter, len(recs))
	rows, err := queryAll(ctx, l.client, dataop.QuerySpec{SObject: step.SFObject, SOQL: soql, Fields: queryFields},
		dataop.APISmart, l.opts.Operations, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query %s candidates: %w", step.SFObject, err)
	}
	candidates := make([]selection.Candidate, len(rows))
	for i, row := range rows {
		candidates[i] = selection.Candidate{ID: row[0], Values: row[1:]}
	}

	load := make([][]string, len(recs))
	for i, rec := range recs {
		load[i] = make([]string, len(index))
		for j, k := range index {
			load[i][j] = rec.values[k]
		}
	}

	res, err := selection.Select(load, candidates, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to select %s records: %w", step.SFObject, err)
	}
	if res.Message != "" {
		log.Warn().Msg(res.Message)
		return recs, nil, nil
	}

	var insert []loadRecord
	var matched [][]string
	for _, m := range res.Matches {
		if m.Reused() {
			matched = append(matched, []string{recs[m.LoadIndex].localID, m.RemoteID})
		} else {
			insert = append(insert, recs[m.LoadIndex])
		}
	}
	log.Info().Int("selected", len(matched)).Int("inserted", len(insert)).Msg("Selected existing records")
	return insert, matched, nil
}
