package remote

import (
	"context"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeClient_BulkInsertAndQuery(t *testing.T) {
	f := NewFakeClient()
	f.AddObject("Account", Field("Name", "string"))
	f.Reject = func(sobject string, rec Record) string {
		if rec["Name"] == nil {
			return "REQUIRED_FIELD_MISSING: Name"
		}
		return ""
	}
	ctx := context.Background()

	jobID, err := f.CreateJob(ctx, JobSpec{Object: "Account", Operation: "insert"})
	require.NoError(t, err)
	batchID, err := f.PostBatch(ctx, jobID, []byte("Name\nAcme\n\"\"\n"))
	require.NoError(t, err)
	require.NoError(t, f.CloseJob(ctx, jobID))

	states, err := f.BatchStates(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, states[0].RecordsProcessed)
	assert.Equal(t, 1, states[0].RecordsFailed)

	rc, err := f.BatchResults(ctx, jobID, batchID)
	require.NoError(t, err)
	rows, err := csv.NewReader(rc).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "true", rows[1][1])
	assert.Equal(t, "REQUIRED_FIELD_MISSING: Name", rows[2][3])

	cur, err := f.Query(ctx, "SELECT Id, Name FROM Account WHERE Name = 'Acme'")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.TotalSize())
}

func TestFakeClient_UpsertByExternalID(t *testing.T) {
	f := NewFakeClient()
	f.AddObject("Account", Field("Name", "string"), Field("Ext__c", "string"))
	ctx := context.Background()

	res, err := f.Upsert(ctx, "Account", "Ext__c", []Record{{"Name": "A", "Ext__c": "1"}})
	require.NoError(t, err)
	require.True(t, res[0].Created)

	res, err = f.Upsert(ctx, "Account", "Ext__c", []Record{{"Name": "B", "Ext__c": "1"}})
	require.NoError(t, err)
	assert.True(t, res[0].Success)
	assert.False(t, res[0].Created)

	obj := f.Object("account")
	require.Len(t, obj.Records, 1)
	assert.Equal(t, "B", obj.Records[0]["Name"])
}

func TestRunQueries(t *testing.T) {
	f := NewFakeClient()
	f.AddObject("Account", Field("Name", "string")).Records = []Record{{"Id": "001A", "Name": "a"}}
	f.AddObject("Contact").Records = []Record{{"Id": "003A"}, {"Id": "003B"}}

	res, err := RunQueries(context.Background(), f, map[string]string{
		"accounts": "SELECT Id FROM Account",
		"contacts": "SELECT Id FROM Contact",
	}, 2)
	require.NoError(t, err)
	assert.Len(t, res["accounts"], 1)
	assert.Len(t, res["contacts"], 2)

	_, err = RunQueries(context.Background(), f, map[string]string{"bad": "SELECT Id FROM Missing"}, 1)
	assert.Error(t, err)
}
