package dataop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ruslano69/orgdata/pkg/remote"
)

func TestAggregateBatches(t *testing.T) {
	tests := []struct {
		name    string
		batches []remote.BatchInfo
		want    JobResult
	}{
		{
			name: "success",
			batches: []remote.BatchInfo{
				{State: "Completed", RecordsProcessed: 10},
				{State: "Completed", RecordsProcessed: 5},
			},
			want: JobResult{Status: StatusSuccess, RecordsProcessed: 15},
		},
		{
			name:    "row failure",
			batches: []remote.BatchInfo{{State: "Completed", RecordsProcessed: 200, RecordsFailed: 200}},
			want:    JobResult{Status: StatusRowFailure, RecordsProcessed: 200, TotalRowErrors: 200},
		},
		{
			name: "not processed aborts",
			batches: []remote.BatchInfo{
				{State: "Completed"},
				{State: "Not Processed"},
				{State: "Failed", StateMessage: "x"},
			},
			want: JobResult{Status: StatusAborted},
		},
		{
			name: "queued is in progress",
			batches: []remote.BatchInfo{
				{State: "Completed"},
				{State: "Queued"},
			},
			want: JobResult{Status: StatusInProgress},
		},
		{
			name: "failed carries all messages",
			batches: []remote.BatchInfo{
				{State: "Failed", StateMessage: "InvalidBatch : Field name not found : Foo__c"},
				{State: "Completed", RecordsProcessed: 3, RecordsFailed: 1},
				{State: "Failed", StateMessage: "InvalidBatch : bad CSV"},
			},
			want: JobResult{
				Status:           StatusJobFailure,
				JobErrors:        []string{"InvalidBatch : Field name not found : Foo__c", "InvalidBatch : bad CSV"},
				RecordsProcessed: 3,
				TotalRowErrors:   1,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AggregateBatches(tt.batches))
		})
	}
}
