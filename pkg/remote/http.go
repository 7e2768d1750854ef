package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ruslano69/orgdata/pkg/resilience"
	"github.com/ruslano69/orgdata/pkg/retry"
)

const bulkNS = "http://www.force.com/2009/06/asyncapi/dataload"

// HTTPConfig - параметры подключения к удаленному сервису
type HTTPConfig struct {
	InstanceURL string
	AccessToken string
	APIVersion  string
	Timeout     time.Duration

	Retry          retry.Config
	CircuitBreaker resilience.Config
}

// HTTPClient реализует Client поверх REST и Bulk API (v1)
type HTTPClient struct {
	config  HTTPConfig
	http    *http.Client
	retryer *retry.Retryer
	breaker *resilience.CircuitBreaker
	log     zerolog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient создает клиент. Circuit breaker применяется к каждому запросу, retry - только к чтению.
func NewHTTPClient(config HTTPConfig, log zerolog.Logger) (*HTTPClient, error) {
	if config.InstanceURL == "" {
		return nil, fmt.Errorf("instance url is required")
	}
	if config.APIVersion == "" {
		config.APIVersion = "62.0"
	}
	if config.Timeout == 0 {
		config.Timeout = 120 * time.Second
	}
	config.InstanceURL = strings.TrimRight(config.InstanceURL, "/")

	if config.Retry.IsRetryable == nil {
		config.Retry.IsRetryable = IsTemporary
	}
	retryer, err := retry.NewRetryer(config.Retry)
	if err != nil {
		return nil, err
	}

	if config.CircuitBreaker.IsFailure == nil {
		config.CircuitBreaker.IsFailure = IsTemporary
	}
	if config.CircuitBreaker.Name == "" {
		config.CircuitBreaker.Name = "remote"
	}
	breaker, err := resilience.New(config.CircuitBreaker)
	if err != nil {
		return nil, err
	}

	return &HTTPClient{
		config:  config,
		http:    &http.Client{Timeout: config.Timeout},
		retryer: retryer,
		breaker: breaker,
		log:     log,
	}, nil
}

// APIVersion реализует Client
func (c *HTTPClient) APIVersion() string {
	return c.config.APIVersion
}

func (c *HTTPClient) dataURL(path string) string {
	return fmt.Sprintf("%s/services/data/v%s/%s", c.config.InstanceURL, c.config.APIVersion, strings.TrimLeft(path, "/"))
}

func (c *HTTPClient) asyncURL(path string) string {
	return fmt.Sprintf("%s/services/async/%s/%s", c.config.InstanceURL, c.config.APIVersion, strings.TrimLeft(path, "/"))
}

// do выполняет запрос через circuit breaker и возвращает тело ответа.
// Повторяются только GET: запись (DML, создание job, отправка batch) могла быть
// применена сервером до обрыва соединения, повтор дублирует записи.
func (c *HTTPClient) do(ctx context.Context, method, rawURL, contentType string, body []byte, bulk bool) ([]byte, error) {
	var out []byte
	call := func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = c.roundTrip(ctx, method, rawURL, contentType, body, bulk)
			return err
		})
	}
	if !idempotent(method) {
		return out, call(ctx)
	}
	err := c.retryer.Do(ctx, call)
	return out, err
}

func idempotent(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// stream выполняет GET и возвращает тело без буферизации (для больших файлов результатов)
func (c *HTTPClient) stream(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := c.retryer.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			resp, err := c.send(ctx, http.MethodGet, rawURL, "", nil, true)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				defer resp.Body.Close()
				return readAPIError(resp)
			}
			rc = resp.Body
			return nil
		})
	})
	return rc, err
}

func (c *HTTPClient) send(ctx context.Context, method, rawURL, contentType string, body []byte, bulk bool) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if bulk {
		req.Header.Set("X-SFDC-Session", c.config.AccessToken)
	} else {
		req.Header.Set("Authorization", "Bearer "+c.config.AccessToken)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var netErr net.Error
		var urlErr *url.Error
		if errors.As(err, &netErr) || errors.As(err, &urlErr) {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrConnection, method, rawURL, err)
		}
		return nil, err
	}
	return resp, nil
}

func (c *HTTPClient) roundTrip(ctx context.Context, method, rawURL, contentType string, body []byte, bulk bool) ([]byte, error) {
	resp, err := c.send(ctx, method, rawURL, contentType, body, bulk)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, readAPIError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrConnection, err)
	}
	c.log.Debug().Str("method", method).Str("url", rawURL).Int("status", resp.StatusCode).Msg("remote call")
	return data, nil
}

func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}

	// REST: [{"errorCode": "...", "message": "..."}]
	var restErrs []struct {
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	if json.Unmarshal(data, &restErrs) == nil && len(restErrs) > 0 {
		apiErr.Code = restErrs[0].ErrorCode
		apiErr.Message = restErrs[0].Message
		return apiErr
	}

	// Bulk: <error><exceptionCode/><exceptionMessage/></error>
	var bulkErr struct {
		Code    string `xml:"exceptionCode"`
		Message string `xml:"exceptionMessage"`
	}
	if xml.Unmarshal(data, &bulkErr) == nil && bulkErr.Code != "" {
		apiErr.Code = bulkErr.Code
		apiErr.Message = bulkErr.Message
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, apiErr)
	}
	return apiErr
}

// ========== Describe ==========

// DescribeGlobal реализует Describer
func (c *HTTPClient) DescribeGlobal(ctx context.Context) ([]SObjectDescribe, error) {
	data, err := c.do(ctx, http.MethodGet, c.dataURL("sobjects"), "", nil, false)
	if err != nil {
		return nil, fmt.Errorf("describe global failed: %w", err)
	}
	var resp struct {
		SObjects []SObjectDescribe `json:"sobjects"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse describe global: %w", err)
	}
	return resp.SObjects, nil
}

// DescribeEntity реализует Describer
func (c *HTTPClient) DescribeEntity(ctx context.Context, sobject string) ([]FieldDescribe, error) {
	data, err := c.do(ctx, http.MethodGet, c.dataURL("sobjects/"+url.PathEscape(sobject)+"/describe"), "", nil, false)
	if err != nil {
		return nil, fmt.Errorf("describe %s failed: %w", sobject, err)
	}
	var resp struct {
		Fields []FieldDescribe `json:"fields"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse describe %s: %w", sobject, err)
	}
	return resp.Fields, nil
}

// EstimateRecordCount использует limits/recordCount (приблизительное значение)
func (c *HTTPClient) EstimateRecordCount(ctx context.Context, sobject string) (int, error) {
	u := c.dataURL("limits/recordCount") + "?sObjects=" + url.QueryEscape(sobject)
	data, err := c.do(ctx, http.MethodGet, u, "", nil, false)
	if err != nil {
		return 0, fmt.Errorf("record count for %s failed: %w", sobject, err)
	}
	var resp struct {
		SObjects []struct {
			Count int    `json:"count"`
			Name  string `json:"name"`
		} `json:"sObjects"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse record count: %w", err)
	}
	for _, s := range resp.SObjects {
		if strings.EqualFold(s.Name, sobject) {
			return s.Count, nil
		}
	}
	return 0, nil
}

// ========== Synchronous API ==========

type queryPage struct {
	TotalSize      int      `json:"totalSize"`
	Done           bool     `json:"done"`
	NextRecordsURL string   `json:"nextRecordsUrl"`
	Records        []Record `json:"records"`
}

type httpCursor struct {
	client *HTTPClient
	first  queryPage
}

func (q *httpCursor) TotalSize() int { return q.first.TotalSize }

func (q *httpCursor) Records(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		page := q.first
		for {
			for _, rec := range page.Records {
				delete(rec, "attributes")
				if !yield(rec, nil) {
					return
				}
			}
			if page.Done || page.NextRecordsURL == "" {
				return
			}
			data, err := q.client.do(ctx, http.MethodGet, q.client.config.InstanceURL+page.NextRecordsURL, "", nil, false)
			if err != nil {
				yield(nil, fmt.Errorf("failed to fetch next records: %w", err))
				return
			}
			page = queryPage{}
			if err := json.Unmarshal(data, &page); err != nil {
				yield(nil, fmt.Errorf("failed to parse query page: %w", err))
				return
			}
		}
	}
}

// Query реализует SyncAPI
func (c *HTTPClient) Query(ctx context.Context, soql string) (QueryCursor, error) {
	data, err := c.do(ctx, http.MethodGet, c.dataURL("query")+"?q="+url.QueryEscape(soql), "", nil, false)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	cur := &httpCursor{client: c}
	if err := json.Unmarshal(data, &cur.first); err != nil {
		return nil, fmt.Errorf("failed to parse query response: %w", err)
	}
	return cur, nil
}

type compositeResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Created bool   `json:"created"`
	Errors  []struct {
		StatusCode string `json:"statusCode"`
		Message    string `json:"message"`
	} `json:"errors"`
}

func toSaveResults(data []byte) ([]SaveResult, error) {
	var raw []compositeResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse composite response: %w", err)
	}
	out := make([]SaveResult, len(raw))
	for i, r := range raw {
		out[i] = SaveResult{ID: r.ID, Success: r.Success, Created: r.Created}
		for _, e := range r.Errors {
			out[i].Errors = append(out[i].Errors, e.StatusCode+": "+e.Message)
		}
	}
	return out, nil
}

func (c *HTTPClient) composite(ctx context.Context, method, path, sobject string, records []Record) ([]SaveResult, error) {
	payload := struct {
		AllOrNone bool     `json:"allOrNone"`
		Records   []Record `json:"records"`
	}{Records: make([]Record, len(records))}
	for i, r := range records {
		rec := make(Record, len(r)+1)
		for k, v := range r {
			rec[k] = v
		}
		rec["attributes"] = map[string]string{"type": sobject}
		payload.Records[i] = rec
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode records: %w", err)
	}
	data, err := c.do(ctx, method, c.dataURL(path), "application/json", body, false)
	if err != nil {
		return nil, err
	}
	return toSaveResults(data)
}

// Create реализует SyncAPI
func (c *HTTPClient) Create(ctx context.Context, sobject string, records []Record) ([]SaveResult, error) {
	return c.composite(ctx, http.MethodPost, "composite/sobjects", sobject, records)
}

// Update реализует SyncAPI
func (c *HTTPClient) Update(ctx context.Context, sobject string, records []Record) ([]SaveResult, error) {
	return c.composite(ctx, http.MethodPatch, "composite/sobjects", sobject, records)
}

// Upsert реализует SyncAPI: endpoint привязан к полю внешнего ключа
func (c *HTTPClient) Upsert(ctx context.Context, sobject, externalIDField string, records []Record) ([]SaveResult, error) {
	path := fmt.Sprintf("composite/sobjects/%s/%s", url.PathEscape(sobject), url.PathEscape(externalIDField))
	return c.composite(ctx, http.MethodPatch, path, sobject, records)
}

// Delete реализует SyncAPI
func (c *HTTPClient) Delete(ctx context.Context, ids []string) ([]SaveResult, error) {
	u := c.dataURL("composite/sobjects") + "?allOrNone=false&ids=" + url.QueryEscape(strings.Join(ids, ","))
	data, err := c.do(ctx, http.MethodDelete, u, "", nil, false)
	if err != nil {
		return nil, err
	}
	return toSaveResults(data)
}

// ========== Bulk API ==========

type jobInfoXML struct {
	XMLName          xml.Name `xml:"http://www.force.com/2009/06/asyncapi/dataload jobInfo"`
	ID               string   `xml:"id,omitempty"`
	Operation        string   `xml:"operation,omitempty"`
	Object           string   `xml:"object,omitempty"`
	ExternalIDField  string   `xml:"externalIdFieldName,omitempty"`
	State            string   `xml:"state,omitempty"`
	ConcurrencyMode  string   `xml:"concurrencyMode,omitempty"`
	ContentType      string   `xml:"contentType,omitempty"`
	BatchesCompleted int      `xml:"numberBatchesCompleted,omitempty"`
	BatchesTotal     int      `xml:"numberBatchesTotal,omitempty"`
}

type batchInfoXML struct {
	ID               string `xml:"id"`
	State            string `xml:"state"`
	StateMessage     string `xml:"stateMessage"`
	RecordsProcessed int    `xml:"numberRecordsProcessed"`
	RecordsFailed    int    `xml:"numberRecordsFailed"`
}

// CreateJob реализует BulkAPI
func (c *HTTPClient) CreateJob(ctx context.Context, spec JobSpec) (string, error) {
	job := jobInfoXML{
		Operation:       spec.Operation,
		Object:          spec.Object,
		ExternalIDField: spec.ExternalIDField,
		ConcurrencyMode: spec.Concurrency,
		ContentType:     "CSV",
	}
	body, err := xml.Marshal(job)
	if err != nil {
		return "", err
	}
	data, err := c.do(ctx, http.MethodPost, c.asyncURL("job"), "application/xml; charset=UTF-8", append([]byte(xml.Header), body...), true)
	if err != nil {
		return "", fmt.Errorf("create job for %s failed: %w", spec.Object, err)
	}
	var resp jobInfoXML
	if err := xml.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse job info: %w", err)
	}
	return resp.ID, nil
}

func (c *HTTPClient) postBatch(ctx context.Context, jobID string, body []byte) (string, error) {
	data, err := c.do(ctx, http.MethodPost, c.asyncURL("job/"+jobID+"/batch"), "text/csv; charset=UTF-8", body, true)
	if err != nil {
		return "", fmt.Errorf("post batch to job %s failed: %w", jobID, err)
	}
	var resp batchInfoXML
	if err := xml.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse batch info: %w", err)
	}
	return resp.ID, nil
}

// PostBatch реализует BulkAPI
func (c *HTTPClient) PostBatch(ctx context.Context, jobID string, csvData []byte) (string, error) {
	return c.postBatch(ctx, jobID, csvData)
}

// PostQuery реализует BulkAPI
func (c *HTTPClient) PostQuery(ctx context.Context, jobID string, soql string) (string, error) {
	return c.postBatch(ctx, jobID, []byte(soql))
}

// CloseJob реализует BulkAPI
func (c *HTTPClient) CloseJob(ctx context.Context, jobID string) error {
	body, _ := xml.Marshal(jobInfoXML{State: "Closed"})
	_, err := c.do(ctx, http.MethodPost, c.asyncURL("job/"+jobID), "application/xml; charset=UTF-8", append([]byte(xml.Header), body...), true)
	if err != nil {
		return fmt.Errorf("close job %s failed: %w", jobID, err)
	}
	return nil
}

// JobStatus реализует BulkAPI
func (c *HTTPClient) JobStatus(ctx context.Context, jobID string) (JobInfo, error) {
	data, err := c.do(ctx, http.MethodGet, c.asyncURL("job/"+jobID), "", nil, true)
	if err != nil {
		return JobInfo{}, fmt.Errorf("job status %s failed: %w", jobID, err)
	}
	var resp jobInfoXML
	if err := xml.Unmarshal(data, &resp); err != nil {
		return JobInfo{}, fmt.Errorf("failed to parse job info: %w", err)
	}
	return JobInfo{ID: resp.ID, State: resp.State, BatchesCompleted: resp.BatchesCompleted, BatchesTotal: resp.BatchesTotal}, nil
}

// BatchStates реализует BulkAPI
func (c *HTTPClient) BatchStates(ctx context.Context, jobID string) ([]BatchInfo, error) {
	data, err := c.do(ctx, http.MethodGet, c.asyncURL("job/"+jobID+"/batch"), "", nil, true)
	if err != nil {
		return nil, fmt.Errorf("batch list for job %s failed: %w", jobID, err)
	}
	var resp struct {
		Batches []batchInfoXML `xml:"batchInfo"`
	}
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse batch list: %w", err)
	}
	out := make([]BatchInfo, len(resp.Batches))
	for i, b := range resp.Batches {
		out[i] = BatchInfo(b)
	}
	return out, nil
}

// BatchResults реализует BulkAPI: CSV с колонками Id, Success, Created, Error
func (c *HTTPClient) BatchResults(ctx context.Context, jobID, batchID string) (io.ReadCloser, error) {
	return c.stream(ctx, c.asyncURL("job/"+jobID+"/batch/"+batchID+"/result"))
}

// QueryResultIDs реализует BulkAPI
func (c *HTTPClient) QueryResultIDs(ctx context.Context, jobID, batchID string) ([]string, error) {
	data, err := c.do(ctx, http.MethodGet, c.asyncURL("job/"+jobID+"/batch/"+batchID+"/result"), "", nil, true)
	if err != nil {
		return nil, fmt.Errorf("query result list for batch %s failed: %w", batchID, err)
	}
	var resp struct {
		Results []string `xml:"result"`
	}
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse result list: %w", err)
	}
	return resp.Results, nil
}

// QueryResult реализует BulkAPI
func (c *HTTPClient) QueryResult(ctx context.Context, jobID, batchID, resultID string) (io.ReadCloser, error) {
	return c.stream(ctx, c.asyncURL("job/"+jobID+"/batch/"+batchID+"/result/"+resultID))
}
