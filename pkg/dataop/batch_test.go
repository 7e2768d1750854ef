package dataop

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"iter"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rowsOf(rows [][]string) iter.Seq2[[]string, error] {
	return func(yield func([]string, error) bool) {
		for _, r := range rows {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func TestBatcher_RoundTrip(t *testing.T) {
	header := []string{"Name", "Description"}
	var input [][]string
	for i := 0; i < 57; i++ {
		input = append(input, []string{fmt.Sprintf("name %d", i), strings.Repeat("x", i%13)})
	}
	input = append(input, []string{"quoted, \"value\"", "multi\nline"})

	tests := []struct {
		maxRecords int
		maxBytes   int
	}{
		{10000, 10_000_000},
		{1, 10_000_000},
		{7, 10_000_000},
		{10000, 60},
		{5, 80},
		{3, 1}, // every record alone exceeds the byte cap
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d_%d", tt.maxRecords, tt.maxBytes), func(t *testing.T) {
			b := Batcher{MaxRecords: tt.maxRecords, MaxBytes: tt.maxBytes}
			var got [][]string
			for batch, err := range b.Batches(header, rowsOf(input)) {
				require.NoError(t, err)
				records, err := csv.NewReader(bytes.NewReader(batch.Data)).ReadAll()
				require.NoError(t, err)
				require.Equal(t, header, records[0])
				require.Equal(t, batch.Records, len(records)-1)
				require.Positive(t, batch.Records)
				assert.LessOrEqual(t, batch.Records, tt.maxRecords)
				if batch.Records > 1 {
					assert.LessOrEqual(t, len(batch.Data), tt.maxBytes)
				}
				got = append(got, records[1:]...)
			}
			assert.Equal(t, input, got)
		})
	}
}

func TestBatcher_EmptyInput(t *testing.T) {
	n := 0
	for range (Batcher{MaxRecords: 10, MaxBytes: 100}).Batches([]string{"Id"}, rowsOf(nil)) {
		n++
	}
	assert.Zero(t, n)
}

func TestBatcher_PropagatesSourceError(t *testing.T) {
	boom := fmt.Errorf("boom")
	src := func(yield func([]string, error) bool) {
		if !yield([]string{"a"}, nil) {
			return
		}
		yield(nil, boom)
	}
	var lastErr error
	for _, err := range (Batcher{MaxRecords: 10, MaxBytes: 100}).Batches([]string{"Name"}, src) {
		lastErr = err
	}
	assert.ErrorIs(t, lastErr, boom)
}
