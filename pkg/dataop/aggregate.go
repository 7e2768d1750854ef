package dataop

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/remote"
)

// AggregateBatches сводит состояния batch в один JobResult.
// Приоритет: Not Processed > InProgress/Queued > Failed > ошибки строк > Success.
func AggregateBatches(batches []remote.BatchInfo) JobResult {
	var res JobResult
	var notProcessed, inProgress, failed bool
	var messages []string
	for _, b := range batches {
		res.RecordsProcessed += b.RecordsProcessed
		res.TotalRowErrors += b.RecordsFailed
		switch b.State {
		case "Not Processed":
			notProcessed = true
		case "InProgress", "Queued":
			inProgress = true
		case "Failed":
			failed = true
		}
		if b.StateMessage != "" {
			messages = append(messages, b.StateMessage)
		}
	}

	switch {
	case notProcessed:
		res.Status = StatusAborted
	case inProgress:
		res.Status = StatusInProgress
	case failed:
		res.Status = StatusJobFailure
		res.JobErrors = messages
	case res.TotalRowErrors > 0:
		res.Status = StatusRowFailure
	default:
		res.Status = StatusSuccess
	}
	return res
}

// waitForJob опрашивает job с интервалом, пока он не выйдет из состояния In progress.
// Общее время ожидания не ограничено; вызывающий код задает срок через ctx.
func waitForJob(ctx context.Context, client remote.BulkAPI, jobID string, interval time.Duration, log zerolog.Logger) (JobResult, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		info, err := client.JobStatus(ctx, jobID)
		if err != nil {
			return JobResult{}, err
		}
		log.Info().Str("job", jobID).
			Int("completed", info.BatchesCompleted).
			Int("total", info.BatchesTotal).
			Msg("waiting for job")

		batches, err := client.BatchStates(ctx, jobID)
		if err != nil {
			return JobResult{}, err
		}
		res := AggregateBatches(batches)
		if res.Status != StatusInProgress {
			log.Info().Str("job", jobID).Str("status", string(res.Status)).Msg("job finished")
			for _, msg := range res.JobErrors {
				log.Error().Str("job", jobID).Msg("batch failure message: " + msg)
			}
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}
