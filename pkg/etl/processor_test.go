package etl

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruslano69/orgdata/pkg/audit"
	"github.com/ruslano69/orgdata/pkg/remote"
	checkpoint "github.com/ruslano69/orgdata/pkg/sync"
)

// recordingAudit запоминает записи аудита
type recordingAudit struct {
	mu      sync.Mutex
	entries []*audit.Entry
}

func (r *recordingAudit) Log(ctx context.Context, e *audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAudit) Flush() error { return nil }
func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) operations() []audit.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ops []audit.Operation
	for _, e := range r.entries {
		ops = append(ops, e.Operation)
	}
	return ops
}

// recordingSink запоминает опубликованные отчеты
type recordingSink struct {
	runs    []RunInfo
	reports []*Report
	errs    []error
}

func (s *recordingSink) Publish(ctx context.Context, run RunInfo, report *Report, runErr error) error {
	s.runs = append(s.runs, run)
	s.reports = append(s.reports, report)
	s.errs = append(s.errs, runErr)
	return nil
}

type processorFixture struct {
	config *RunConfig
	client *remote.FakeClient
	audit  *recordingAudit
	sink   *recordingSink
	dir    string
	opts   []Option
}

func newProcessorFixture(t *testing.T, script, mappingSrc string) *processorFixture {
	t.Helper()
	dir := t.TempDir()
	mappingPath := filepath.Join(dir, "mapping.yml")
	require.NoError(t, os.WriteFile(mappingPath, []byte(mappingSrc), 0644))

	config := DefaultConfig()
	config.Run.Mapping = mappingPath
	config.Report.JSON = filepath.Join(dir, "report.json")
	config.Checkpoint = checkpoint.Config{Enabled: true, File: filepath.Join(dir, "checkpoint.json")}

	fx := &processorFixture{
		config: config,
		client: newFakeOrg(),
		audit:  &recordingAudit{},
		sink:   &recordingSink{},
		dir:    dir,
	}
	fx.opts = []Option{WithStore(openStore(t, script)), WithAuditLogger(fx.audit), WithReportSink(fx.sink)}
	return fx
}

func (fx *processorFixture) processor() *Processor {
	return NewProcessor(fx.config, fx.client, zerolog.Nop(), fx.opts...)
}

func (fx *processorFixture) state(t *testing.T, kind RunKind) *checkpoint.RunState {
	t.Helper()
	sm, err := checkpoint.NewStateManager(fx.config.Checkpoint.File, false)
	require.NoError(t, err)
	return sm.GetState(checkpoint.StateKey(string(kind), fx.config.Run.Mapping))
}

func countCalls(f *remote.FakeClient, call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func TestProcessor_Load(t *testing.T) {
	fx := newProcessorFixture(t, accountsContactsSQL, accountsContactsMapping)
	p := fx.processor()

	require.NoError(t, p.Load(context.Background()))

	stats := p.GetStats()
	assert.NotEmpty(t, stats.RunID)
	assert.Equal(t, KindLoad, stats.Kind)
	assert.Equal(t, 2, stats.StepsRun)
	assert.Equal(t, 5, stats.RecordsProcessed)
	assert.Empty(t, stats.Errors)
	assert.Equal(t, []string{"Insert Accounts", "Insert Contacts"}, p.Report().Steps())

	// отчет опубликован
	require.Len(t, fx.sink.runs, 1)
	assert.Equal(t, stats.RunID, fx.sink.runs[0].ID)
	assert.Equal(t, KindLoad, fx.sink.runs[0].Kind)
	assert.NoError(t, fx.sink.errs[0])

	data, err := os.ReadFile(fx.config.Report.JSON)
	require.NoError(t, err)
	var doc ReportDocument
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, stats.RunID, doc.Run.ID)
	assert.Empty(t, doc.Error)
	assert.Equal(t, []string{"Insert Accounts", "Insert Contacts"}, doc.Steps.Steps())

	assert.Equal(t, []audit.Operation{audit.OpValidate, audit.OpStep, audit.OpStep, audit.OpLoad}, fx.audit.operations())

	// после успешного запуска контрольная точка сброшена
	assert.Empty(t, fx.state(t, KindLoad).Completed)
}

func TestProcessor_ResumeAfterFailure(t *testing.T) {
	fx := newProcessorFixture(t, accountsContactsSQL, accountsContactsMapping)
	fx.client.Reject = func(sobject string, rec remote.Record) string {
		if sobject == "Contact" {
			return "UNABLE_TO_LOCK_ROW: unable to obtain exclusive access"
		}
		return ""
	}

	first := fx.processor()
	err := first.Load(context.Background())
	require.Error(t, err)
	assert.Len(t, first.GetStats().Errors, 1)

	state := fx.state(t, KindLoad)
	assert.Equal(t, []string{"Insert Accounts"}, state.Completed)
	assert.Contains(t, state.LastError, "UNABLE_TO_LOCK_ROW")

	// частичный отчет публикуется вместе с ошибкой
	require.Len(t, fx.sink.errs, 1)
	assert.Error(t, fx.sink.errs[0])
	assert.Equal(t, 2, fx.sink.reports[0].Len())

	fx.client.Reject = nil
	fx.config.Run.Resume = true
	second := fx.processor()
	require.NoError(t, second.Load(context.Background()))

	assert.Equal(t, "Insert Contacts", second.GetStats().ResumedFrom)
	assert.Equal(t, []string{"Insert Contacts"}, second.Report().Steps())
	assert.Equal(t, 1, countCalls(fx.client, "Create Account"))

	acme := findRecord(t, fx.client, "Account", "Name", "Acme")
	assert.Equal(t, acme["Id"], findRecord(t, fx.client, "Contact", "LastName", "Jones")["AccountId"])
	assert.Empty(t, fx.state(t, KindLoad).Completed)
}

func TestProcessor_ResumeWithChangedMapping(t *testing.T) {
	fx := newProcessorFixture(t, accountsContactsSQL, accountsContactsMapping)
	sm, err := checkpoint.NewStateManager(fx.config.Checkpoint.File, true)
	require.NoError(t, err)
	key := checkpoint.StateKey(string(KindLoad), fx.config.Run.Mapping)
	require.NoError(t, sm.Begin(key, "0000000000000000", "previous"))
	require.NoError(t, sm.MarkCompleted(key, "Insert Accounts"))

	fx.config.Run.Resume = true
	p := fx.processor()
	require.NoError(t, p.Load(context.Background()))

	// fingerprint не совпал: запуск с первого шага
	assert.Empty(t, p.GetStats().ResumedFrom)
	assert.Equal(t, 2, p.Report().Len())
}

func TestProcessor_DeadLetters(t *testing.T) {
	fx := newProcessorFixture(t, accountsContactsSQL, accountsContactsMapping)
	fx.client.Reject = func(sobject string, rec remote.Record) string {
		if sobject == "Contact" && rec["LastName"] == "Smith" {
			return "DUPLICATE_VALUE: duplicate value found"
		}
		return ""
	}
	fx.config.Run.IgnoreRowErrors = true
	fx.config.DLQ.Enabled = true
	fx.config.DLQ.FilePath = filepath.Join(fx.dir, "dlq.json")

	p := fx.processor()
	require.NoError(t, p.Load(context.Background()))

	stats := p.GetStats()
	assert.Equal(t, 1, stats.RowErrors)
	assert.Equal(t, 1, stats.DeadLetters)
	_, err := os.Stat(fx.config.DLQ.FilePath)
	assert.NoError(t, err)

	fx.audit.mu.Lock()
	defer fx.audit.mu.Unlock()
	i := slices.IndexFunc(fx.audit.entries, func(e *audit.Entry) bool { return e.Step == "Insert Contacts" })
	require.GreaterOrEqual(t, i, 0)
	assert.Equal(t, audit.StatusPartial, fx.audit.entries[i].Status)
}

func TestProcessor_Extract(t *testing.T) {
	fx := newProcessorFixture(t, "", extractMapping)
	fx.client = seedExtractOrg()
	fx.config.Store.SQLPath = filepath.Join(fx.dir, "dump.sql")

	p := fx.processor()
	require.NoError(t, p.Extract(context.Background()))

	assert.Equal(t, KindExtract, p.GetStats().Kind)
	assert.Equal(t, 5, p.GetStats().RecordsProcessed)

	dump, err := os.ReadFile(fx.config.Store.SQLPath)
	require.NoError(t, err)
	assert.Contains(t, string(dump), "accounts")
	assert.Contains(t, string(dump), "Smith")

	require.Len(t, fx.sink.runs, 1)
	assert.Equal(t, KindExtract, fx.sink.runs[0].Kind)
	assert.Equal(t, audit.OpExtract, fx.audit.operations()[len(fx.audit.operations())-1])
}

func TestProcessor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *RunConfig
		client  remote.Client
		wantErr string
	}{
		{name: "nil config", client: remote.NewFakeClient(), wantErr: "config is nil"},
		{name: "nil client", config: DefaultConfig(), wantErr: "remote client is nil"},
		{name: "no mapping", config: DefaultConfig(), client: remote.NewFakeClient(), wantErr: "mapping is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor(tt.config, tt.client, zerolog.Nop())
			err := p.Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestProcessor_MissingMappingFile(t *testing.T) {
	config := DefaultConfig()
	config.Run.Mapping = filepath.Join(t.TempDir(), "missing.yml")

	err := NewProcessor(config, remote.NewFakeClient(), zerolog.Nop()).Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read mapping file")
}
