package parser

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/contentstore"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// stubHandler lets tests force each outcome class.
type stubHandler struct {
	taskType string
	field    string
	value    interface{}
	err      error
	calls    int
}

func (h *stubHandler) TaskType() string  { return h.taskType }
func (h *stubHandler) FieldName() string { return h.field }
func (h *stubHandler) Extract(html []byte, ctx Context) (interface{}, error) {
	h.calls++
	if h.err != nil {
		return nil, h.err
	}
	return h.value, nil
}

type runtimeFixture struct {
	worker  *Worker
	handler *stubHandler
	store   *storage.Manager
	manager *queue.Manager
	content *contentstore.Store
}

func newRuntimeFixture(t *testing.T, handler *stubHandler) *runtimeFixture {
	t.Helper()
	logger := arbor.NewLogger()

	store, err := storage.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "state"),
	})
	if err != nil {
		t.Fatalf("storage.NewManager failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	broker, err := queue.OpenBroker(filepath.Join(t.TempDir(), "broker"), logger)
	if err != nil {
		t.Fatalf("OpenBroker failed: %v", err)
	}
	t.Cleanup(func() { broker.Close() })
	manager := queue.NewManager(broker, "crawler_crawl_jobs", 3, time.Minute, logger)

	content, err := contentstore.NewStore(&common.ContentConfig{Root: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	return &runtimeFixture{
		worker:  NewWorker(handler, manager, store.Documents(), content, logger),
		handler: handler,
		store:   store,
		manager: manager,
		content: content,
	}
}

// seed creates a dispatched document with a stored page and returns
// the enqueued parse job ready for the worker.
func (f *runtimeFixture) seed(t *testing.T, taskType string, html []byte) (*models.JobRecord, *queue.Handle) {
	t.Helper()

	pagePath, _, err := f.content.SavePage("example.com", "https://example.com/page", html, nil)
	if err != nil {
		t.Fatalf("SavePage failed: %v", err)
	}

	doc := &models.ParsedDocument{
		ID:           "doc_1",
		CrawlID:      "crawl_1",
		URL:          "https://example.com/page",
		Domain:       "example.com",
		HTMLFilePath: pagePath,
		Status:       models.ProcessingPendingDispatch,
	}
	if err := f.store.Documents().Insert(doc); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := f.store.Documents().MarkDispatched("doc_1", []uint64{1}, 0); err != nil {
		t.Fatalf("MarkDispatched failed: %v", err)
	}

	record := &models.JobRecord{
		Kind:         models.JobKindParse,
		CrawlID:      "crawl_1",
		Domain:       "example.com",
		URL:          "https://example.com/page",
		DocumentID:   "doc_1",
		TaskType:     taskType,
		HTMLFilePath: pagePath,
	}
	if _, err := f.manager.Enqueue(record, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	got, handle, err := f.manager.Dequeue([]string{queue.TubeForTask(taskType)}, time.Second)
	if err != nil || got == nil {
		t.Fatalf("Dequeue failed: record=%v err=%v", got, err)
	}
	return got, handle
}

func (f *runtimeFixture) tubeStats(t *testing.T, taskType string) queue.TubeStats {
	t.Helper()
	stats, err := f.manager.StatsTube(queue.TubeForTask(taskType))
	if err != nil {
		t.Fatalf("StatsTube failed: %v", err)
	}
	return stats
}

func TestWorker_SuccessWritesFieldAndCompletes(t *testing.T) {
	handler := &stubHandler{taskType: "page_title", field: "page_title", value: "Hello"}
	f := newRuntimeFixture(t, handler)

	record, handle := f.seed(t, "page_title", []byte("<html><title>Hello</title></html>"))
	f.worker.process(record, handle)

	doc, err := f.store.Documents().Get("doc_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc.Fields["page_title"] != "Hello" {
		t.Errorf("Fields = %v", doc.Fields)
	}
	if doc.Status != models.ProcessingComplete {
		t.Errorf("Status = %s, want complete", doc.Status)
	}

	stats := f.tubeStats(t, "page_title")
	if stats.Occupied() != 0 || stats.Buried != 0 {
		t.Errorf("job not completed: %+v", stats)
	}
}

func TestWorker_SkipCompletesWithoutField(t *testing.T) {
	handler := &stubHandler{taskType: "canonical", field: "canonical_url", err: Skip("no canonical link")}
	f := newRuntimeFixture(t, handler)

	record, handle := f.seed(t, "canonical", []byte("<html></html>"))
	f.worker.process(record, handle)

	doc, _ := f.store.Documents().Get("doc_1")
	if _, ok := doc.Fields["canonical_url"]; ok {
		t.Error("skip wrote a field value")
	}
	if _, ok := doc.CompletionTimes["canonical"]; !ok {
		t.Error("skip did not record completion")
	}

	stats := f.tubeStats(t, "canonical")
	if stats.Occupied() != 0 || stats.Buried != 0 {
		t.Errorf("job not completed: %+v", stats)
	}
}

func TestWorker_RetryableErrorReleasesWithBackoff(t *testing.T) {
	handler := &stubHandler{taskType: "links", field: "links_data", err: Retryablef("upstream not ready")}
	f := newRuntimeFixture(t, handler)

	record, handle := f.seed(t, "links", []byte("<html></html>"))
	f.worker.process(record, handle)

	stats := f.tubeStats(t, "links")
	if stats.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1", stats.Delayed)
	}
	if stats.Buried != 0 {
		t.Errorf("Buried = %d, want 0", stats.Buried)
	}
}

func TestWorker_FatalErrorBuries(t *testing.T) {
	handler := &stubHandler{taskType: "images", field: "images_data", err: Fatalf("unparsable")}
	f := newRuntimeFixture(t, handler)

	record, handle := f.seed(t, "images", []byte("<html></html>"))
	f.worker.process(record, handle)

	stats := f.tubeStats(t, "images")
	if stats.Buried != 1 {
		t.Errorf("Buried = %d, want 1", stats.Buried)
	}
}

func TestWorker_TaskTypeMismatchBuries(t *testing.T) {
	handler := &stubHandler{taskType: "scripts", field: "scripts_data"}
	f := newRuntimeFixture(t, handler)

	record, handle := f.seed(t, "scripts", []byte("<html></html>"))
	record.TaskType = "headings"
	f.worker.process(record, handle)

	if handler.calls != 0 {
		t.Error("handler ran on mismatched task type")
	}
	stats := f.tubeStats(t, "scripts")
	if stats.Buried != 1 {
		t.Errorf("Buried = %d, want 1", stats.Buried)
	}
}

func TestWorker_UnknownDocumentBuries(t *testing.T) {
	handler := &stubHandler{taskType: "mobile", field: "mobile_data"}
	f := newRuntimeFixture(t, handler)

	record, handle := f.seed(t, "mobile", []byte("<html></html>"))
	record.DocumentID = "doc_missing"
	f.worker.process(record, handle)

	if handler.calls != 0 {
		t.Error("handler ran for unknown document")
	}
	stats := f.tubeStats(t, "mobile")
	if stats.Buried != 1 {
		t.Errorf("Buried = %d, want 1 (buried, never released)", stats.Buried)
	}
}

func TestWorker_MissingPageFileBuries(t *testing.T) {
	handler := &stubHandler{taskType: "hreflang", field: "hreflang_data"}
	f := newRuntimeFixture(t, handler)

	record, handle := f.seed(t, "hreflang", []byte("<html></html>"))
	record.HTMLFilePath = filepath.Join(f.content.Root(), "example.com", "gone.html")
	f.worker.process(record, handle)

	if handler.calls != 0 {
		t.Error("handler ran without a page file")
	}
	stats := f.tubeStats(t, "hreflang")
	if stats.Buried != 1 {
		t.Errorf("Buried = %d, want 1", stats.Buried)
	}
}
