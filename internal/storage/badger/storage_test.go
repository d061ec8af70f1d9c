package badger

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/models"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	config := &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "state"),
	}
	manager, err := NewManager(arbor.NewLogger(), config)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(func() {
		if err := manager.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return manager
}

func TestCrawlJobStorage_SaveAndGet(t *testing.T) {
	manager := newTestManager(t)
	store := manager.CrawlJobs()

	job := &models.CrawlJob{
		CrawlID: "crawl_1",
		JobID:   42,
		JobData: models.CrawlJobData{
			Domain:   "example.com",
			MaxPages: 10,
		},
		Status: models.CrawlStatusFresh,
	}
	if err := store.Save(job); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if job.CreatedAt.IsZero() || job.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped on save")
	}

	got, err := store.Get("crawl_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.JobID != 42 || got.JobData.Domain != "example.com" {
		t.Errorf("Get returned %+v", got)
	}

	if _, err := store.Get("crawl_missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get missing = %v, want ErrNotFound", err)
	}
}

func TestCrawlJobStorage_UpdateStatus(t *testing.T) {
	manager := newTestManager(t)
	store := manager.CrawlJobs()

	job := &models.CrawlJob{
		CrawlID: "crawl_2",
		JobData: models.CrawlJobData{Domain: "example.com"},
		Status:  models.CrawlStatusCrawling,
	}
	if err := store.Save(job); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if err := store.UpdateStatus("crawl_2", models.CrawlStatusFailed, "connect refused"); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}

	got, _ := store.Get("crawl_2")
	if got.Status != models.CrawlStatusFailed {
		t.Errorf("Status = %s, want failed", got.Status)
	}
	if len(got.CrawlErrors) != 1 || got.CrawlErrors[0] != "connect refused" {
		t.Errorf("CrawlErrors = %v", got.CrawlErrors)
	}
}

func TestCrawlJobStorage_FindActiveByTarget(t *testing.T) {
	manager := newTestManager(t)
	store := manager.CrawlJobs()

	active := &models.CrawlJob{
		CrawlID: "crawl_active",
		JobData: models.CrawlJobData{Domain: "example.com", URL: "https://example.com/a"},
		Status:  models.CrawlStatusCrawling,
	}
	finished := &models.CrawlJob{
		CrawlID: "crawl_done",
		JobData: models.CrawlJobData{Domain: "done.com"},
		Status:  models.CrawlStatusCompleted,
	}
	store.Save(active)
	store.Save(finished)

	got, err := store.FindActiveByTarget("example.com", "https://example.com/a")
	if err != nil {
		t.Fatalf("FindActiveByTarget failed: %v", err)
	}
	if got.CrawlID != "crawl_active" {
		t.Errorf("found %s, want crawl_active", got.CrawlID)
	}

	if _, err := store.FindActiveByTarget("done.com", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("completed crawl treated as active: %v", err)
	}
}

func TestDocumentStorage_DispatchAndTaskResults(t *testing.T) {
	manager := newTestManager(t)
	store := manager.Documents()

	doc := &models.ParsedDocument{
		ID:      "doc_1",
		CrawlID: "crawl_1",
		URL:     "https://example.com/page",
		Domain:  "example.com",
		Status:  models.ProcessingPendingDispatch,
	}
	if err := store.Insert(doc); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.MarkDispatched("doc_1", []uint64{11, 12}, 1); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}
	got, _ := store.Get("doc_1")
	if got.Status != models.ProcessingDispatchComplete {
		t.Errorf("Status = %s, want dispatch_complete", got.Status)
	}
	if got.JobsDispatchedTotal != 2 || got.JobsFailedDispatch != 1 {
		t.Errorf("dispatch totals = %d/%d", got.JobsDispatchedTotal, got.JobsFailedDispatch)
	}
	if len(got.ParserJobIDs) != 2 {
		t.Errorf("ParserJobIDs = %v", got.ParserJobIDs)
	}

	if err := store.ApplyTaskResult("doc_1", "page_title", "page_title", "Welcome"); err != nil {
		t.Fatalf("ApplyTaskResult failed: %v", err)
	}
	got, _ = store.Get("doc_1")
	if got.Status != models.ProcessingPartial {
		t.Errorf("Status after first task = %s, want partial", got.Status)
	}
	if got.Fields["page_title"] != "Welcome" {
		t.Errorf("Fields = %v", got.Fields)
	}
	if _, ok := got.CompletionTimes["page_title"]; !ok {
		t.Error("completion timestamp missing")
	}

	if err := store.ApplyTaskResult("doc_1", "headings", "headings_data", []string{"H1"}); err != nil {
		t.Fatalf("ApplyTaskResult failed: %v", err)
	}
	got, _ = store.Get("doc_1")
	if got.Status != models.ProcessingComplete {
		t.Errorf("Status after all tasks = %s, want complete", got.Status)
	}
}

func TestSourceDomainStorage_ConditionalTransition(t *testing.T) {
	manager := newTestManager(t)
	store := manager.Sources()

	source := &models.SourceDomain{
		ID:     "src_1",
		Domain: "example.com",
		Status: models.SourceStatusNew,
	}
	if err := store.Save(source); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	ok, err := store.Transition("src_1", models.SourceStatusNew, models.SourceStatusPending)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if !ok {
		t.Fatal("first transition lost")
	}

	// A second pass expecting the old status must lose.
	ok, err = store.Transition("src_1", models.SourceStatusNew, models.SourceStatusPending)
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}
	if ok {
		t.Error("second transition from stale status won")
	}

	got, _ := store.Get("src_1")
	if got.Status != models.SourceStatusPending {
		t.Errorf("Status = %s, want pending_submission", got.Status)
	}
}

func TestSourceDomainStorage_RecordErrorReverts(t *testing.T) {
	manager := newTestManager(t)
	store := manager.Sources()

	source := &models.SourceDomain{
		ID:     "src_2",
		Domain: "example.com",
		Status: models.SourceStatusPending,
	}
	store.Save(source)

	if err := store.RecordError("src_2", models.SourceStatusNew, "queue unavailable"); err != nil {
		t.Fatalf("RecordError failed: %v", err)
	}

	got, _ := store.Get("src_2")
	if got.Status != models.SourceStatusNew {
		t.Errorf("Status = %s, want new", got.Status)
	}
	if got.LastError != "queue unavailable" {
		t.Errorf("LastError = %s", got.LastError)
	}
}

func TestSourceDomainStorage_ListByStatusOldestFirst(t *testing.T) {
	manager := newTestManager(t)
	store := manager.Sources()

	for i, id := range []string{"src_a", "src_b", "src_c"} {
		source := &models.SourceDomain{
			ID:        id,
			Domain:    id + ".com",
			Status:    models.SourceStatusNew,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}
		if err := store.Save(source); err != nil {
			t.Fatalf("Save %s failed: %v", id, err)
		}
	}

	sources, err := store.ListByStatus(models.SourceStatusNew, 2)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(sources) != 2 {
		t.Fatalf("got %d sources, want 2", len(sources))
	}
	if sources[0].ID != "src_a" || sources[1].ID != "src_b" {
		t.Errorf("order = %s, %s, want src_a, src_b", sources[0].ID, sources[1].ID)
	}
}

func TestKVStorage_RoundTrip(t *testing.T) {
	manager := newTestManager(t)
	kv := manager.KV()

	if err := kv.Set("JSDomain:Example.COM", "1", "needs rendering"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	value, err := kv.Get("jsdomain:example.com")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "1" {
		t.Errorf("value = %s, want 1", value)
	}

	has, err := kv.Has("jsdomain:example.com")
	if err != nil || !has {
		t.Errorf("Has = %v, %v, want true", has, err)
	}

	pairs, err := kv.ListPrefix("jsdomain:")
	if err != nil {
		t.Fatalf("ListPrefix failed: %v", err)
	}
	if len(pairs) != 1 {
		t.Errorf("ListPrefix = %v", pairs)
	}

	if _, err := kv.Get("absent"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Get absent = %v, want ErrKeyNotFound", err)
	}

	if err := kv.Delete("jsdomain:example.com"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if has, _ := kv.Has("jsdomain:example.com"); has {
		t.Error("key survived delete")
	}
}
