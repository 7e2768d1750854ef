package dataop

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/remote"
)

// ParseBool - нестрогий разбор булевых значений (true/yes/y/on/1 и их противоположности)
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "t", "yes", "y", "on", "1":
		return true, nil
	case "false", "f", "no", "n", "off", "0", "":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean value %q", s)
}

// FormatValue приводит значение JSON к строке для локального хранилища
func FormatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

// recordValue достает значение поля, в том числе через связь ("RecordType.DeveloperName")
func recordValue(rec map[string]any, field string) any {
	head, rest, nested := strings.Cut(field, ".")
	for k, v := range rec {
		if !strings.EqualFold(k, head) {
			continue
		}
		if !nested {
			return v
		}
		if child, ok := v.(map[string]any); ok {
			return recordValue(child, rest)
		}
		return nil
	}
	if nested {
		// fake и некоторые прокси возвращают связи плоскими ключами
		for k, v := range rec {
			if strings.EqualFold(k, field) {
				return v
			}
		}
	}
	return nil
}

// ========== REST query ==========

type restQuery struct {
	client remote.Client
	spec   QuerySpec
	cfg    Config
	log    zerolog.Logger

	state  state
	cursor remote.QueryCursor
	result JobResult
}

func newRESTQuery(client remote.Client, spec QuerySpec, cfg Config, log zerolog.Logger) QueryOperation {
	return &restQuery{client: client, spec: spec, cfg: cfg, log: log}
}

func (q *restQuery) Query(ctx context.Context) error {
	if q.state != stateNew {
		return ErrOperationReused
	}
	q.state = stateDone
	cur, err := q.client.Query(ctx, q.spec.SOQL)
	if err != nil {
		q.result = JobResult{Status: StatusJobFailure, JobErrors: []string{err.Error()}}
		return err
	}
	q.cursor = cur
	q.result = JobResult{Status: StatusSuccess, RecordsProcessed: cur.TotalSize()}
	return nil
}

func (q *restQuery) JobResult() JobResult { return q.result }

func (q *restQuery) Results(ctx context.Context) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		if q.cursor == nil {
			yield(nil, fmt.Errorf("query of %s has not completed", q.spec.SObject))
			return
		}
		for rec, err := range q.cursor.Records(ctx) {
			if err != nil {
				yield(nil, err)
				return
			}
			row := make([]string, len(q.spec.Fields))
			for i, f := range q.spec.Fields {
				row[i] = FormatValue(recordValue(rec, f))
			}
			if !yield(row, nil) {
				return
			}
		}
	}
}

// ========== REST DML ==========

type restDML struct {
	client remote.Client
	spec   DMLSpec
	cfg    Config
	log    zerolog.Logger

	state     state
	boolean   map[string]bool
	results   []Result
	processed int
	failed    int
	result    JobResult
}

func newRESTDML(client remote.Client, spec DMLSpec, cfg Config, log zerolog.Logger) DMLOperation {
	return &restDML{client: client, spec: spec, cfg: cfg, log: log}
}

func (o *restDML) Start(ctx context.Context) error {
	if o.state != stateNew {
		return ErrOperationReused
	}
	o.state = stateStarted
	if o.spec.Operation.IsDelete() {
		return nil
	}
	fields, err := o.client.DescribeEntity(ctx, o.spec.SObject)
	if err != nil {
		return fmt.Errorf("failed to describe %s: %w", o.spec.SObject, err)
	}
	o.boolean = make(map[string]bool)
	for _, f := range fields {
		if f.Type == "boolean" {
			o.boolean[strings.ToLower(f.Name)] = true
		}
	}
	return nil
}

// toRecord превращает строку в запись JSON.
// insert: пустые значения не передаются; update/upsert: пустая строка = явный null.
func (o *restDML) toRecord(row []string) remote.Record {
	rec := make(remote.Record, len(row))
	for i, name := range o.spec.Fields {
		if i >= len(row) {
			break
		}
		v := row[i]
		if v == "" {
			if o.spec.Operation != OpInsert {
				rec[name] = nil
			}
			continue
		}
		if o.boolean[strings.ToLower(name)] {
			if b, err := ParseBool(v); err == nil {
				rec[name] = b
				continue
			}
		}
		rec[name] = v
	}
	return rec
}

func (o *restDML) batchSize() int {
	size := o.cfg.RESTBatchSize
	if o.spec.BatchSize > 0 && o.spec.BatchSize < size {
		size = o.spec.BatchSize
	}
	return size
}

func (o *restDML) Load(ctx context.Context, rows iter.Seq2[[]string, error]) error {
	if o.state != stateStarted {
		return fmt.Errorf("load into %s: operation not started", o.spec.SObject)
	}
	size := o.batchSize()
	chunk := make([][]string, 0, size)
	for row, err := range rows {
		if err != nil {
			return err
		}
		chunk = append(chunk, slices.Clone(row))
		if len(chunk) == size {
			if err := o.send(ctx, chunk); err != nil {
				return err
			}
			chunk = chunk[:0]
		}
	}
	if len(chunk) > 0 {
		return o.send(ctx, chunk)
	}
	return nil
}

func (o *restDML) send(ctx context.Context, rows [][]string) error {
	var (
		res []remote.SaveResult
		err error
	)
	switch o.spec.Operation {
	case OpDelete:
		idIdx := slices.IndexFunc(o.spec.Fields, func(f string) bool { return strings.EqualFold(f, "Id") })
		if idIdx < 0 {
			return fmt.Errorf("delete of %s requires an Id column", o.spec.SObject)
		}
		ids := make([]string, len(rows))
		for i, row := range rows {
			ids[i] = row[idIdx]
		}
		res, err = o.client.Delete(ctx, ids)
	default:
		recs := make([]remote.Record, len(rows))
		for i, row := range rows {
			recs[i] = o.toRecord(row)
		}
		switch o.spec.Operation {
		case OpInsert:
			res, err = o.client.Create(ctx, o.spec.SObject, recs)
		case OpUpdate:
			res, err = o.client.Update(ctx, o.spec.SObject, recs)
		case OpUpsert:
			res, err = o.client.Upsert(ctx, o.spec.SObject, o.spec.ExternalIDField, recs)
		default:
			return fmt.Errorf("%w: %s via rest", ErrUnsupported, o.spec.Operation)
		}
	}
	if err != nil {
		return fmt.Errorf("%s of %d %s records failed: %w", o.spec.Operation, len(rows), o.spec.SObject, err)
	}
	if len(res) != len(rows) {
		return fmt.Errorf("%s of %s: expected %d results, got %d", o.spec.Operation, o.spec.SObject, len(rows), len(res))
	}

	for _, r := range res {
		o.processed++
		out := Result{Success: r.Success, Created: r.Created}
		if r.Success {
			out.ID = r.ID
		} else {
			o.failed++
			out.Error = r.Error()
		}
		o.results = append(o.results, out)
	}
	o.log.Debug().Int("records", len(rows)).Msg("sent records")
	return nil
}

func (o *restDML) End(ctx context.Context) error {
	if o.state != stateStarted {
		return ErrOperationReused
	}
	o.state = stateDone
	o.result = JobResult{Status: StatusSuccess, RecordsProcessed: o.processed, TotalRowErrors: o.failed}
	if o.failed > 0 {
		o.result.Status = StatusRowFailure
	}
	return nil
}

func (o *restDML) JobResult() JobResult { return o.result }

func (o *restDML) Results(ctx context.Context) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		for _, r := range o.results {
			if !yield(r, nil) {
				return
			}
		}
	}
}
