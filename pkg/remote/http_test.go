package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/orgdata/pkg/resilience"
	"github.com/ruslano69/orgdata/pkg/retry"
)

func newTestHTTPClient(t *testing.T, handler http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		InstanceURL: srv.URL,
		AccessToken: "token",
		APIVersion:  "62.0",
		Retry:       retry.EnableRetry(3, time.Millisecond),
	}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestHTTPClient_QueryFollowsNextRecordsURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/data/v62.0/query", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Equal(t, "SELECT Id FROM Account", r.URL.Query().Get("q"))
		_, _ = io.WriteString(w, `{"totalSize":3,"done":false,"nextRecordsUrl":"/services/data/v62.0/query/01g-2000",
			"records":[{"attributes":{"type":"Account"},"Id":"001A"},{"Id":"001B"}]}`)
	})
	mux.HandleFunc("/services/data/v62.0/query/01g-2000", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"totalSize":3,"done":true,"records":[{"Id":"001C"}]}`)
	})
	c := newTestHTTPClient(t, mux)

	cur, err := c.Query(context.Background(), "SELECT Id FROM Account")
	require.NoError(t, err)
	assert.Equal(t, 3, cur.TotalSize())

	var ids []string
	for rec, err := range cur.Records(context.Background()) {
		require.NoError(t, err)
		assert.NotContains(t, rec, "attributes")
		ids = append(ids, rec["Id"].(string))
	}
	assert.Equal(t, []string{"001A", "001B", "001C"}, ids)
}

func TestHTTPClient_RetriesTemporaryErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"sObjects":[{"name":"Account","count":2500}]}`)
	}))

	n, err := c.EstimateRecordCount(context.Background(), "Account")
	require.NoError(t, err)
	assert.Equal(t, 2500, n)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `[{"errorCode":"MALFORMED_QUERY","message":"unexpected token"}]`)
	}))

	_, err := c.Query(context.Background(), "SELEC")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "MALFORMED_QUERY", apiErr.Code)
	assert.False(t, IsTemporary(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_DoesNotRetryWrites(t *testing.T) {
	var inserts atomic.Int32
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// запись применена, но ответ не доходит до клиента
		inserts.Add(1)
		conn, _, err := w.(http.Hijacker).Hijack()
		require.NoError(t, err)
		_ = conn.Close()
	}))

	_, err := c.Create(context.Background(), "Account", []Record{{"Name": "Acme"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, int32(1), inserts.Load())

	_, err = c.CreateJob(context.Background(), JobSpec{Object: "Account", Operation: "insert"})
	require.Error(t, err)
	assert.Equal(t, int32(2), inserts.Load())
}

func TestHTTPClient_CircuitOpensOnOutage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(HTTPConfig{
		InstanceURL:    srv.URL,
		CircuitBreaker: resilience.Config{Enabled: true, MaxFailures: 2, Timeout: time.Hour},
	}, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = c.DescribeGlobal(context.Background())
		require.Error(t, err)
	}
	_, err = c.DescribeGlobal(context.Background())
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
}

func TestHTTPClient_CreateSendsComposite(t *testing.T) {
	c := newTestHTTPClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/services/data/v62.0/composite/sobjects", r.URL.Path)
		var body struct {
			Records []map[string]any `json:"records"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Records, 2)
		assert.Equal(t, map[string]any{"type": "Account"}, body.Records[0]["attributes"])
		_, _ = io.WriteString(w, `[{"id":"001A","success":true,"created":true,"errors":[]},
			{"success":false,"errors":[{"statusCode":"REQUIRED_FIELD_MISSING","message":"Name"}]}]`)
	}))

	res, err := c.Create(context.Background(), "Account", []Record{{"Name": "a"}, {}})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.True(t, res[0].Success)
	assert.Equal(t, "REQUIRED_FIELD_MISSING: Name", res[1].Error())
}

func TestHTTPClient_BulkJobLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/services/async/62.0/job", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token", r.Header.Get("X-SFDC-Session"))
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), "<object>Contact</object>")
		assert.Contains(t, string(body), "<concurrencyMode>Serial</concurrencyMode>")
		_, _ = io.WriteString(w, `<?xml version="1.0"?><jobInfo xmlns="`+bulkNS+`"><id>750X</id><state>Open</state></jobInfo>`)
	})
	mux.HandleFunc("/services/async/62.0/job/750X/batch", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			assert.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv"))
			_, _ = io.WriteString(w, `<batchInfo xmlns="`+bulkNS+`"><id>751A</id><state>Queued</state></batchInfo>`)
			return
		}
		_, _ = io.WriteString(w, `<batchInfoList xmlns="`+bulkNS+`">
			<batchInfo><id>751A</id><state>Completed</state><numberRecordsProcessed>2</numberRecordsProcessed><numberRecordsFailed>1</numberRecordsFailed></batchInfo>
			</batchInfoList>`)
	})
	mux.HandleFunc("/services/async/62.0/job/750X/batch/751A/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "\"Id\",\"Success\",\"Created\",\"Error\"\n\"003A\",\"true\",\"true\",\"\"\n")
	})
	c := newTestHTTPClient(t, mux)
	ctx := context.Background()

	jobID, err := c.CreateJob(ctx, JobSpec{Object: "Contact", Operation: "insert", Concurrency: "Serial"})
	require.NoError(t, err)
	assert.Equal(t, "750X", jobID)

	batchID, err := c.PostBatch(ctx, jobID, []byte("LastName\nSmith\n"))
	require.NoError(t, err)
	assert.Equal(t, "751A", batchID)

	states, err := c.BatchStates(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, BatchInfo{ID: "751A", State: "Completed", RecordsProcessed: 2, RecordsFailed: 1}, states[0])

	rc, err := c.BatchResults(ctx, jobID, batchID)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Contains(t, string(data), "003A")
}

func TestParseVersion(t *testing.T) {
	assert.Equal(t, 62.0, ParseVersion("62.0"))
	assert.Equal(t, 39.0, ParseVersion("v39.0"))
	assert.Equal(t, 0.0, ParseVersion("latest"))
}
