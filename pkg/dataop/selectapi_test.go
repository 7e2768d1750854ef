package dataop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/orgdata/pkg/remote"
)

func fakeWithAccounts(n int) *remote.FakeClient {
	f := remote.NewFakeClient()
	obj := f.AddObject("Account", remote.Field("Name", "string"))
	for i := 0; i < n; i++ {
		obj.Records = append(obj.Records, remote.Record{"Id": "001", "Name": "a"})
	}
	return f
}

func TestSelectAPI(t *testing.T) {
	cfg := DefaultConfig()
	ctx := context.Background()

	tests := []struct {
		name      string
		version   string
		op        OperationType
		requested API
		volume    int
		want      API
	}{
		{"threshold selects bulk", "62.0", OpInsert, APISmart, 2000, APIBulk},
		{"below threshold selects rest", "62.0", OpInsert, APISmart, 1999, APIREST},
		{"hard delete always bulk", "62.0", OpHardDelete, APISmart, 1, APIBulk},
		{"old api always bulk", "39.0", OpQuery, APISmart, 0, APIBulk},
		{"explicit rest kept", "62.0", OpInsert, APIREST, 100000, APIREST},
		{"explicit bulk kept", "62.0", OpInsert, APIBulk, 1, APIBulk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := remote.NewFakeClient()
			f.Version = tt.version
			got, err := SelectAPI(ctx, f, "Account", tt.op, tt.requested, tt.volume, cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelectAPI_EstimatesVolume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SmartThreshold = 3

	got, err := SelectAPI(context.Background(), fakeWithAccounts(3), "Account", OpQuery, APISmart, -1, cfg)
	require.NoError(t, err)
	assert.Equal(t, APIBulk, got)

	got, err = SelectAPI(context.Background(), fakeWithAccounts(2), "Account", OpQuery, APISmart, -1, cfg)
	require.NoError(t, err)
	assert.Equal(t, APIREST, got)
}
