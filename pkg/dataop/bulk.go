package dataop

import (
	"context"
	"fmt"
	"io"
	"iter"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/remote"
)

// ========== bulk query ==========

type bulkQuery struct {
	client remote.Client
	spec   QuerySpec
	cfg    Config
	log    zerolog.Logger

	state   state
	jobID   string
	batchID string
	result  JobResult
}

func newBulkQuery(client remote.Client, spec QuerySpec, cfg Config, log zerolog.Logger) QueryOperation {
	return &bulkQuery{client: client, spec: spec, cfg: cfg, log: log}
}

func (q *bulkQuery) Query(ctx context.Context) error {
	if q.state != stateNew {
		return ErrOperationReused
	}
	q.state = stateStarted

	jobID, err := q.client.CreateJob(ctx, remote.JobSpec{Object: q.spec.SObject, Operation: string(OpQuery), Concurrency: string(BulkParallel)})
	if err != nil {
		return err
	}
	q.jobID = jobID
	if q.batchID, err = q.client.PostQuery(ctx, jobID, q.spec.SOQL); err != nil {
		return err
	}
	if err := q.client.CloseJob(ctx, jobID); err != nil {
		return err
	}
	q.result, err = waitForJob(ctx, q.client, jobID, q.cfg.PollInterval, q.log)
	q.state = stateDone
	return err
}

func (q *bulkQuery) JobResult() JobResult { return q.result }

func (q *bulkQuery) Results(ctx context.Context) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		if q.state != stateDone {
			yield(nil, fmt.Errorf("query of %s has not completed", q.spec.SObject))
			return
		}
		resultIDs, err := q.client.QueryResultIDs(ctx, q.jobID, q.batchID)
		if err != nil {
			yield(nil, fmt.Errorf("failed to list results for batch %s: %w", q.batchID, err))
			return
		}
		for _, resultID := range resultIDs {
			open := func(ctx context.Context) (io.ReadCloser, error) {
				return q.client.QueryResult(ctx, q.jobID, q.batchID, resultID)
			}
			for row, err := range spooledRows(ctx, q.cfg, q.batchID, open) {
				if !yield(row, err) || err != nil {
					return
				}
			}
		}
	}
}

// ========== bulk DML ==========

type bulkDML struct {
	client remote.Client
	spec   DMLSpec
	cfg    Config
	log    zerolog.Logger

	state    state
	jobID    string
	batchIDs []string
	result   JobResult
}

func newBulkDML(client remote.Client, spec DMLSpec, cfg Config, log zerolog.Logger) DMLOperation {
	return &bulkDML{client: client, spec: spec, cfg: cfg, log: log}
}

func (o *bulkDML) Start(ctx context.Context) error {
	if o.state != stateNew {
		return ErrOperationReused
	}
	mode := o.spec.BulkMode
	if mode == "" {
		mode = BulkParallel
	}
	jobID, err := o.client.CreateJob(ctx, remote.JobSpec{
		Object:          o.spec.SObject,
		Operation:       string(o.spec.Operation),
		Concurrency:     string(mode),
		ExternalIDField: o.spec.ExternalIDField,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s job for %s: %w", o.spec.Operation, o.spec.SObject, err)
	}
	o.jobID = jobID
	o.state = stateStarted
	return nil
}

func (o *bulkDML) Load(ctx context.Context, rows iter.Seq2[[]string, error]) error {
	if o.state != stateStarted {
		return fmt.Errorf("load into %s: operation not started", o.spec.SObject)
	}
	size := o.cfg.BulkBatchSize
	if o.spec.BatchSize > 0 {
		size = o.spec.BatchSize
	}
	batcher := Batcher{MaxRecords: size, MaxBytes: o.cfg.MaxBatchBytes}

	n := 0
	for batch, err := range batcher.Batches(o.spec.Fields, rows) {
		if err != nil {
			return err
		}
		n++
		o.log.Info().Int("batch", n).Int("records", batch.Records).Msg("uploading batch")
		id, err := o.client.PostBatch(ctx, o.jobID, batch.Data)
		if err != nil {
			return fmt.Errorf("failed to upload batch %d: %w", n, err)
		}
		o.batchIDs = append(o.batchIDs, id)
	}
	return nil
}

func (o *bulkDML) End(ctx context.Context) error {
	if o.state != stateStarted {
		return ErrOperationReused
	}
	o.state = stateDone
	if err := o.client.CloseJob(ctx, o.jobID); err != nil {
		return err
	}
	var err error
	o.result, err = waitForJob(ctx, o.client, o.jobID, o.cfg.PollInterval, o.log)
	return err
}

func (o *bulkDML) JobResult() JobResult { return o.result }

func (o *bulkDML) Results(ctx context.Context) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		for _, batchID := range o.batchIDs {
			open := func(ctx context.Context) (io.ReadCloser, error) {
				return o.client.BatchResults(ctx, o.jobID, batchID)
			}
			o.log.Debug().Str("batch", batchID).Msg("downloading results")
			for row, err := range spooledRows(ctx, o.cfg, batchID, open) {
				if err != nil {
					yield(Result{}, err)
					return
				}
				if !yield(parseResultRow(row), nil) {
					return
				}
			}
		}
	}
}

// parseResultRow разбирает строку файла результатов: Id, Success, Created, Error
func parseResultRow(row []string) Result {
	get := func(i int) string {
		if i < len(row) {
			return row[i]
		}
		return ""
	}
	success, _ := ParseBool(get(1))
	created, _ := ParseBool(get(2))
	r := Result{Success: success, Created: created}
	if success {
		r.ID = get(0)
	} else {
		r.Error = strings.TrimSpace(get(3))
	}
	return r
}
