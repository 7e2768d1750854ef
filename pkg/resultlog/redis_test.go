package resultlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ruslano69/orgdata/pkg/dataop"
	"github.com/ruslano69/orgdata/pkg/etl"
)

func newTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	p := NewRedisPublisher(etl.ResultLogConfig{Type: "redis", Address: mr.Addr(), Name: "nightly", TTL: 600})
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func testRun() (etl.RunInfo, *etl.Report) {
	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	run := etl.RunInfo{
		ID: "run-1", Kind: etl.KindLoad, Mapping: "mapping.yml",
		StartedAt: started, FinishedAt: started.Add(1500 * time.Millisecond),
	}
	report := etl.NewReport()
	report.Add("Insert Accounts", etl.StepReport{SObject: "Account", Status: dataop.StatusSuccess, RecordsProcessed: 2})
	report.Add("Insert Contacts", etl.StepReport{SObject: "Contact", Status: dataop.StatusSuccess, RecordsProcessed: 3, TotalRowErrors: 1})
	return run, report
}

func TestPublish_SetsStateWithTTL(t *testing.T) {
	p, mr := newTestPublisher(t)
	run, report := testRun()

	if err := p.Publish(context.Background(), run, report, nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	raw, err := mr.Get(StateKey("nightly"))
	if err != nil {
		t.Fatalf("state key not set: %v", err)
	}
	if ttl := mr.TTL(StateKey("nightly")); ttl != 600*time.Second {
		t.Errorf("TTL = %v, want 10m", ttl)
	}

	var got RunResult
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Status != "success" || got.Error != nil {
		t.Errorf("Status = %s, Error = %v, want success without error", got.Status, got.Error)
	}
	if got.RunID != "run-1" || got.Kind != etl.KindLoad || got.ResultName != "nightly" {
		t.Errorf("unexpected run fields: %+v", got)
	}
	if got.DurationMs != 1500 {
		t.Errorf("DurationMs = %d, want 1500", got.DurationMs)
	}
	if got.RecordsProcessed != 5 || got.RowErrors != 1 {
		t.Errorf("totals = %d/%d, want 5/1", got.RecordsProcessed, got.RowErrors)
	}
	if steps := got.Steps.Steps(); len(steps) != 2 || steps[0] != "Insert Accounts" {
		t.Errorf("steps = %v", steps)
	}
}

func TestPublish_Failure(t *testing.T) {
	p, mr := newTestPublisher(t)
	run, report := testRun()

	if err := p.Publish(context.Background(), run, report, errors.New("step \"Insert Contacts\" (Contact) failed")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	raw, _ := mr.Get(StateKey("nightly"))
	var got RunResult
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Status != "failed" {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if got.Error == nil || *got.Error == "" {
		t.Error("expected error message in result")
	}
}

func TestPublish_Event(t *testing.T) {
	p, mr := newTestPublisher(t)
	run, report := testRun()
	ctx := context.Background()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()}).Subscribe(ctx, Channel("nightly"))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := p.Publish(ctx, run, report, nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var got RunResult
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		if got.RunID != "run-1" {
			t.Errorf("RunID = %s, want run-1", got.RunID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event published")
	}
}

func TestPublish_RedisDown(t *testing.T) {
	p, mr := newTestPublisher(t)
	run, report := testRun()
	mr.Close()

	if err := p.Publish(context.Background(), run, report, nil); err == nil {
		t.Error("expected error when redis is unavailable")
	}
}

func TestNewRunResult_NilReport(t *testing.T) {
	run, _ := testRun()
	got := NewRunResult("x", run, nil, nil)
	if got.Steps == nil || got.Steps.Len() != 0 {
		t.Errorf("expected empty report, got %v", got.Steps)
	}
}
