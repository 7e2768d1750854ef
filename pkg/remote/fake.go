package remote

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// FakeObject - объект в памяти FakeClient
type FakeObject struct {
	Describe SObjectDescribe
	Fields   []FieldDescribe
	Records  []Record
}

// FakeClient - Client в памяти для тестов и сухих прогонов.
// Bulk job обрабатывается сразу при PostBatch, поэтому любой опрос видит job завершенным.
type FakeClient struct {
	Version string

	// Reject возвращает текст ошибки, если запись должна быть отклонена
	Reject func(sobject string, rec Record) string

	// FailJob помечает все batch job этого sObject как Failed
	FailJob map[string]string

	mu      sync.Mutex
	objects []*FakeObject
	jobs    map[string]*fakeJob
	seq     int
	calls   []string
}

type fakeJob struct {
	spec    JobSpec
	state   string
	batches []*fakeBatch
}

type fakeBatch struct {
	info   BatchInfo
	result []byte
}

var _ Client = (*FakeClient)(nil)

// NewFakeClient создает пустой FakeClient
func NewFakeClient() *FakeClient {
	return &FakeClient{Version: "62.0", jobs: map[string]*fakeJob{}, FailJob: map[string]string{}}
}

// AddObject регистрирует sObject с полями. Id добавляется автоматически.
// Все биты доступа включены; их можно изменить через возвращаемое значение.
func (f *FakeClient) AddObject(name string, fields ...FieldDescribe) *FakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()

	obj := &FakeObject{
		Describe: SObjectDescribe{Name: name, Createable: true, Updateable: true, Queryable: true, Deletable: true},
		Fields:   []FieldDescribe{{Name: "Id", Type: "id"}},
	}
	obj.Fields = append(obj.Fields, fields...)
	f.objects = append(f.objects, obj)
	return obj
}

// Field - поле с полным доступом, удобно для AddObject
func Field(name, typ string, referenceTo ...string) FieldDescribe {
	return FieldDescribe{Name: name, Type: typ, Createable: true, Updateable: true, Nillable: true, ReferenceTo: referenceTo}
}

// Object возвращает зарегистрированный объект (без учета регистра) или nil
func (f *FakeClient) Object(name string) *FakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objectLocked(name)
}

func (f *FakeClient) objectLocked(name string) *FakeObject {
	for _, o := range f.objects {
		if strings.EqualFold(o.Describe.Name, name) {
			return o
		}
	}
	return nil
}

// Calls возвращает журнал вызовов вида "Create Account", "CreateJob Contact insert"
func (f *FakeClient) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

func (f *FakeClient) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *FakeClient) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%-3.3s%015d", prefix+"000", f.seq)
}

// APIVersion реализует Client
func (f *FakeClient) APIVersion() string { return f.Version }

// DescribeGlobal реализует Describer
func (f *FakeClient) DescribeGlobal(ctx context.Context) ([]SObjectDescribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeGlobal")
	out := make([]SObjectDescribe, len(f.objects))
	for i, o := range f.objects {
		out[i] = o.Describe
	}
	return out, nil
}

// DescribeEntity реализует Describer
func (f *FakeClient) DescribeEntity(ctx context.Context, sobject string) ([]FieldDescribe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeEntity " + sobject)
	obj := f.objectLocked(sobject)
	if obj == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sobject)
	}
	return slices.Clone(obj.Fields), nil
}

// EstimateRecordCount реализует Client
func (f *FakeClient) EstimateRecordCount(ctx context.Context, sobject string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("EstimateRecordCount " + sobject)
	obj := f.objectLocked(sobject)
	if obj == nil {
		return 0, nil
	}
	return len(obj.Records), nil
}

// ========== query ==========

var (
	soqlRe  = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+(\w+)(?:\s+WHERE\s+(.+?))?(?:\s+LIMIT\s+(\d+))?\s*$`)
	whereRe = regexp.MustCompile(`(?i)^\s*([\w.]+)\s*=\s*'([^']*)'\s*$`)
)

type fakeQuery struct {
	fields []string
	object string
	where  [][2]string
	limit  int
}

func parseSOQL(soql string) (fakeQuery, error) {
	m := soqlRe.FindStringSubmatch(soql)
	if m == nil {
		return fakeQuery{}, &APIError{StatusCode: 400, Code: "MALFORMED_QUERY", Message: soql}
	}
	q := fakeQuery{object: m[2]}
	if m[4] != "" {
		q.limit, _ = strconv.Atoi(m[4])
	}
	for _, f := range strings.Split(m[1], ",") {
		q.fields = append(q.fields, strings.TrimSpace(f))
	}
	if m[3] != "" {
		for _, cond := range regexp.MustCompile(`(?i)\s+AND\s+`).Split(m[3], -1) {
			c := whereRe.FindStringSubmatch(cond)
			if c == nil {
				return fakeQuery{}, &APIError{StatusCode: 400, Code: "MALFORMED_QUERY", Message: "unsupported condition: " + cond}
			}
			q.where = append(q.where, [2]string{c[1], c[2]})
		}
	}
	return q, nil
}

func lookupValue(rec Record, field string) (any, bool) {
	for k, v := range rec {
		if strings.EqualFold(k, field) {
			return v, true
		}
	}
	return nil, false
}

func (f *FakeClient) runQuery(soql string) (fakeQuery, []Record, error) {
	q, err := parseSOQL(soql)
	if err != nil {
		return q, nil, err
	}
	obj := f.objectLocked(q.object)
	if obj == nil {
		return q, nil, &APIError{StatusCode: 400, Code: "INVALID_TYPE", Message: "sObject type '" + q.object + "' is not supported"}
	}
	var out []Record
	for _, rec := range obj.Records {
		match := true
		for _, w := range q.where {
			v, _ := lookupValue(rec, w[0])
			if fmt.Sprint(nilToEmpty(v)) != w[1] {
				match = false
				break
			}
		}
		if !match {
			continue
		}
		row := make(Record, len(q.fields))
		for _, field := range q.fields {
			v, _ := lookupValue(rec, field)
			row[field] = v
		}
		out = append(out, row)
		if q.limit > 0 && len(out) == q.limit {
			break
		}
	}
	return q, out, nil
}

func nilToEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

type fakeCursor struct{ records []Record }

func (c *fakeCursor) TotalSize() int { return len(c.records) }

func (c *fakeCursor) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, r := range c.records {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Query реализует SyncAPI. Поддерживается SELECT ... FROM ... [WHERE a = 'x' AND ...] [LIMIT n].
func (f *FakeClient) Query(ctx context.Context, soql string) (QueryCursor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Query " + soql)
	_, recs, err := f.runQuery(soql)
	if err != nil {
		return nil, err
	}
	return &fakeCursor{records: recs}, nil
}

// ========== DML ==========

func (f *FakeClient) findByID(id string) (*FakeObject, int) {
	for _, o := range f.objects {
		for i, r := range o.Records {
			if r["Id"] == id {
				return o, i
			}
		}
	}
	return nil, -1
}

func (f *FakeClient) rejectReason(sobject string, rec Record) string {
	if f.Reject == nil {
		return ""
	}
	return f.Reject(sobject, rec)
}

func mergeInto(dst, src Record) {
	for k, v := range src {
		if k == "Id" {
			continue
		}
		if v == nil {
			delete(dst, k)
			continue
		}
		dst[k] = v
	}
}

func (f *FakeClient) insertLocked(obj *FakeObject, rec Record) SaveResult {
	if reason := f.rejectReason(obj.Describe.Name, rec); reason != "" {
		return SaveResult{Errors: []string{reason}}
	}
	id := f.nextID(obj.Describe.Name)
	stored := Record{"Id": id}
	mergeInto(stored, rec)
	obj.Records = append(obj.Records, stored)
	return SaveResult{ID: id, Success: true, Created: true}
}

func (f *FakeClient) updateLocked(obj *FakeObject, rec Record) SaveResult {
	id, _ := rec["Id"].(string)
	if reason := f.rejectReason(obj.Describe.Name, rec); reason != "" {
		return SaveResult{ID: id, Errors: []string{reason}}
	}
	owner, i := f.findByID(id)
	if owner != obj {
		return SaveResult{ID: id, Errors: []string{"INVALID_CROSS_REFERENCE_KEY: invalid cross reference id"}}
	}
	mergeInto(obj.Records[i], rec)
	return SaveResult{ID: id, Success: true}
}

func (f *FakeClient) upsertLocked(obj *FakeObject, key string, rec Record) SaveResult {
	if strings.EqualFold(key, "Id") {
		if id, _ := rec["Id"].(string); id != "" {
			return f.updateLocked(obj, rec)
		}
		return f.insertLocked(obj, rec)
	}
	want, _ := lookupValue(rec, key)
	for _, existing := range obj.Records {
		if v, ok := lookupValue(existing, key); ok && want != nil && fmt.Sprint(v) == fmt.Sprint(want) {
			upd := Record{}
			mergeInto(upd, rec)
			upd["Id"] = existing["Id"]
			return f.updateLocked(obj, upd)
		}
	}
	return f.insertLocked(obj, rec)
}

func (f *FakeClient) deleteLocked(id string) SaveResult {
	owner, i := f.findByID(id)
	if owner == nil {
		return SaveResult{ID: id, Errors: []string{"ENTITY_IS_DELETED: entity is deleted"}}
	}
	// Reject получает сохраненную запись
	if reason := f.rejectReason(owner.Describe.Name, owner.Records[i]); reason != "" {
		return SaveResult{ID: id, Errors: []string{reason}}
	}
	owner.Records = slices.Delete(owner.Records, i, i+1)
	return SaveResult{ID: id, Success: true}
}

func (f *FakeClient) dml(sobject string, records []Record, apply func(*FakeObject, Record) SaveResult) ([]SaveResult, error) {
	obj := f.objectLocked(sobject)
	if obj == nil {
		return nil, &APIError{StatusCode: 400, Code: "INVALID_TYPE", Message: sobject}
	}
	out := make([]SaveResult, len(records))
	for i, r := range records {
		out[i] = apply(obj, r)
	}
	return out, nil
}

// Create реализует SyncAPI
func (f *FakeClient) Create(ctx context.Context, sobject string, records []Record) ([]SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Create " + sobject)
	return f.dml(sobject, records, f.insertLocked)
}

// Update реализует SyncAPI
func (f *FakeClient) Update(ctx context.Context, sobject string, records []Record) ([]SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Update " + sobject)
	return f.dml(sobject, records, f.updateLocked)
}

// Upsert реализует SyncAPI
func (f *FakeClient) Upsert(ctx context.Context, sobject, externalIDField string, records []Record) ([]SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Upsert " + sobject)
	return f.dml(sobject, records, func(o *FakeObject, r Record) SaveResult { return f.upsertLocked(o, externalIDField, r) })
}

// Delete реализует SyncAPI
func (f *FakeClient) Delete(ctx context.Context, ids []string) ([]SaveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Delete")
	out := make([]SaveResult, len(ids))
	for i, id := range ids {
		out[i] = f.deleteLocked(id)
	}
	return out, nil
}

// ========== Bulk ==========

// CreateJob реализует BulkAPI
func (f *FakeClient) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateJob " + spec.Object + " " + spec.Operation)
	if f.objectLocked(spec.Object) == nil {
		return "", &APIError{StatusCode: 400, Code: "InvalidJob", Message: "unknown object " + spec.Object}
	}
	id := f.nextID("750")
	f.jobs[id] = &fakeJob{spec: spec, state: "Open"}
	return id, nil
}

func (f *FakeClient) jobLocked(jobID string) (*fakeJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
	}
	return job, nil
}

// PostBatch реализует BulkAPI: CSV обрабатывается сразу
func (f *FakeClient) PostBatch(ctx context.Context, jobID string, csvData []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PostBatch " + jobID)
	job, err := f.jobLocked(jobID)
	if err != nil {
		return "", err
	}

	batch := &fakeBatch{info: BatchInfo{ID: f.nextID("751"), State: "Completed"}}
	job.batches = append(job.batches, batch)

	if msg, ok := f.FailJob[job.spec.Object]; ok {
		batch.info.State = "Failed"
		batch.info.StateMessage = msg
		return batch.info.ID, nil
	}

	rows, err := csv.NewReader(bytes.NewReader(csvData)).ReadAll()
	if err != nil || len(rows) == 0 {
		batch.info.State = "Failed"
		batch.info.StateMessage = "InvalidBatch : unable to parse CSV"
		return batch.info.ID, nil
	}
	header := rows[0]

	var out bytes.Buffer
	w := csv.NewWriter(&out)
	_ = w.Write([]string{"Id", "Success", "Created", "Error"})
	for _, row := range rows[1:] {
		rec := Record{}
		for i, col := range header {
			if i >= len(row) {
				break
			}
			switch {
			case row[i] == "#N/A":
				rec[col] = nil
			case row[i] == "":
			default:
				rec[col] = row[i]
			}
		}

		var res SaveResult
		obj := f.objectLocked(job.spec.Object)
		switch job.spec.Operation {
		case "insert":
			res = f.insertLocked(obj, rec)
		case "update":
			res = f.updateLocked(obj, rec)
		case "upsert":
			res = f.upsertLocked(obj, job.spec.ExternalIDField, rec)
		case "delete", "hardDelete":
			id, _ := rec["Id"].(string)
			res = f.deleteLocked(id)
		default:
			res = SaveResult{Errors: []string{"unsupported operation " + job.spec.Operation}}
		}

		batch.info.RecordsProcessed++
		if !res.Success {
			batch.info.RecordsFailed++
		}
		_ = w.Write([]string{res.ID, fmt.Sprint(res.Success), fmt.Sprint(res.Created), res.Error()})
	}
	w.Flush()
	batch.result = out.Bytes()
	return batch.info.ID, nil
}

// PostQuery реализует BulkAPI
func (f *FakeClient) PostQuery(ctx context.Context, jobID string, soql string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PostQuery " + jobID)
	job, err := f.jobLocked(jobID)
	if err != nil {
		return "", err
	}
	batch := &fakeBatch{info: BatchInfo{ID: f.nextID("751"), State: "Completed"}}
	job.batches = append(job.batches, batch)

	q, recs, err := f.runQuery(soql)
	if err != nil {
		batch.info.State = "Failed"
		batch.info.StateMessage = err.Error()
		return batch.info.ID, nil
	}

	var out bytes.Buffer
	w := csv.NewWriter(&out)
	_ = w.Write(q.fields)
	for _, rec := range recs {
		row := make([]string, len(q.fields))
		for i, field := range q.fields {
			row[i] = fmt.Sprint(nilToEmpty(rec[field]))
		}
		_ = w.Write(row)
	}
	w.Flush()
	batch.info.RecordsProcessed = len(recs)
	batch.result = out.Bytes()
	return batch.info.ID, nil
}

// CloseJob реализует BulkAPI
func (f *FakeClient) CloseJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CloseJob " + jobID)
	job, err := f.jobLocked(jobID)
	if err != nil {
		return err
	}
	job.state = "Closed"
	return nil
}

// JobStatus реализует BulkAPI
func (f *FakeClient) JobStatus(ctx context.Context, jobID string) (JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.jobLocked(jobID)
	if err != nil {
		return JobInfo{}, err
	}
	return JobInfo{ID: jobID, State: job.state, BatchesCompleted: len(job.batches), BatchesTotal: len(job.batches)}, nil
}

// BatchStates реализует BulkAPI
func (f *FakeClient) BatchStates(ctx context.Context, jobID string) ([]BatchInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, err := f.jobLocked(jobID)
	if err != nil {
		return nil, err
	}
	out := make([]BatchInfo, len(job.batches))
	for i, b := range job.batches {
		out[i] = b.info
	}
	return out, nil
}

func (f *FakeClient) batchLocked(jobID, batchID string) (*fakeBatch, error) {
	job, err := f.jobLocked(jobID)
	if err != nil {
		return nil, err
	}
	for _, b := range job.batches {
		if b.info.ID == batchID {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
}

// BatchResults реализует BulkAPI
func (f *FakeClient) BatchResults(ctx context.Context, jobID, batchID string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := f.batchLocked(jobID, batchID)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b.result)), nil
}

// QueryResultIDs реализует BulkAPI: у каждого batch один файл результата
func (f *FakeClient) QueryResultIDs(ctx context.Context, jobID, batchID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.batchLocked(jobID, batchID); err != nil {
		return nil, err
	}
	return []string{batchID + "-r0"}, nil
}

// QueryResult реализует BulkAPI
func (f *FakeClient) QueryResult(ctx context.Context, jobID, batchID, resultID string) (io.ReadCloser, error) {
	return f.BatchResults(ctx, jobID, batchID)
}
