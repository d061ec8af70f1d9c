package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/engine"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// stubEngine lets tests script each crawl outcome.
type stubEngine struct {
	stats  *models.CrawlStats
	err    error
	panics bool
	calls  int
	params engine.Params
}

func (e *stubEngine) Run(ctx context.Context, params engine.Params) (*models.CrawlStats, error) {
	e.calls++
	e.params = params
	if e.panics {
		panic("engine exploded")
	}
	return e.stats, e.err
}

type listenerFixture struct {
	listener *Listener
	engine   *stubEngine
	store    *storage.Manager
	broker   *queue.Broker
	manager  *queue.Manager
}

func newListenerFixture(t *testing.T, eng *stubEngine) *listenerFixture {
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

	config := &common.DispatcherConfig{MaxAttempts: 3, ReleaseDelay: "100ms"}
	return &listenerFixture{
		listener: NewListener(manager, store.CrawlJobs(), eng, config, 200*time.Millisecond, logger),
		engine:   eng,
		store:    store,
		broker:   broker,
		manager:  manager,
	}
}

// enqueueCrawl submits a crawl job plus its lifecycle record, then
// reserves it the way the Run loop would.
func (f *listenerFixture) enqueueCrawl(t *testing.T, record *models.JobRecord) (*models.JobRecord, *queue.Handle) {
	t.Helper()
	if record.CrawlID != "" {
		err := f.store.CrawlJobs().Save(&models.CrawlJob{
			CrawlID: record.CrawlID,
			JobData: models.CrawlJobData{
				Domain:     record.Domain,
				URL:        record.URL,
				MaxPages:   record.MaxPages,
				SingleURL:  record.SingleURL,
				UseSitemap: record.UseSitemap,
			},
			Status: models.CrawlStatusFresh,
		})
		if err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if _, err := f.manager.Enqueue(record, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	got, handle, err := f.manager.Dequeue([]string{f.manager.CrawlTube()}, time.Second)
	if err != nil || got == nil {
		t.Fatalf("Dequeue failed: record=%v err=%v", got, err)
	}
	return got, handle
}

func (f *listenerFixture) crawlTubeStats(t *testing.T) queue.TubeStats {
	t.Helper()
	stats, err := f.manager.StatsTube(f.manager.CrawlTube())
	if err != nil {
		t.Fatalf("StatsTube failed: %v", err)
	}
	return stats
}

func crawlRecord(crawlID string) *models.JobRecord {
	return &models.JobRecord{
		Kind:      models.JobKindCrawl,
		CrawlID:   crawlID,
		Domain:    "example.com",
		URL:       "https://example.com/a",
		MaxPages:  1,
		SingleURL: true,
	}
}

func TestListener_SuccessCompletesJob(t *testing.T) {
	eng := &stubEngine{stats: &models.CrawlStats{PagesCrawled: 1, StatusCodes: map[string]int{"200": 1}}}
	f := newListenerFixture(t, eng)

	record, handle := f.enqueueCrawl(t, crawlRecord("crawl_1"))
	f.listener.process(context.Background(), record, handle)

	if eng.calls != 1 {
		t.Fatalf("engine calls = %d, want 1", eng.calls)
	}
	if eng.params.Domain != "example.com" || !eng.params.SingleURL {
		t.Errorf("engine params = %+v", eng.params)
	}

	stats := f.crawlTubeStats(t)
	if stats.Occupied() != 0 || stats.Buried != 0 {
		t.Errorf("job not completed: %+v", stats)
	}

	job, err := f.store.CrawlJobs().Get("crawl_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if job.Status != models.CrawlStatusCompleted {
		t.Errorf("Status = %s, want completed", job.Status)
	}
	if job.Stats.PagesCrawled != 1 {
		t.Errorf("Stats = %+v", job.Stats)
	}
	if job.Output == "" {
		t.Error("captured output not recorded")
	}
	if job.DurationSeconds < 0 {
		t.Errorf("DurationSeconds = %f", job.DurationSeconds)
	}
}

func TestListener_FailureReleasesWithDelay(t *testing.T) {
	eng := &stubEngine{err: errors.New("upstream refused")}
	f := newListenerFixture(t, eng)

	record, handle := f.enqueueCrawl(t, crawlRecord("crawl_1"))
	f.listener.process(context.Background(), record, handle)

	stats := f.crawlTubeStats(t)
	if stats.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1 (released for retry)", stats.Delayed)
	}
	if stats.Buried != 0 {
		t.Errorf("Buried = %d, want 0", stats.Buried)
	}

	job, _ := f.store.CrawlJobs().Get("crawl_1")
	if job.Status != models.CrawlStatusFailed {
		t.Errorf("Status = %s, want failed", job.Status)
	}
	if len(job.CrawlErrors) == 0 {
		t.Error("failure not recorded in crawl errors")
	}
}

func TestListener_ZeroPagesRecordsFailureWithStats(t *testing.T) {
	eng := &stubEngine{
		stats: &models.CrawlStats{SkippedURLs: 2, StatusCodes: map[string]int{"404": 2}},
		err:   errors.New("crawl of example.com captured zero pages"),
	}
	f := newListenerFixture(t, eng)

	record, handle := f.enqueueCrawl(t, crawlRecord("crawl_1"))
	f.listener.process(context.Background(), record, handle)

	job, _ := f.store.CrawlJobs().Get("crawl_1")
	if job.Status != models.CrawlStatusFailed {
		t.Errorf("Status = %s, want failed", job.Status)
	}
	if job.Stats.SkippedURLs != 2 {
		t.Errorf("Stats = %+v, want engine counters preserved", job.Stats)
	}
}

func TestListener_ExhaustedRetriesBuries(t *testing.T) {
	eng := &stubEngine{err: errors.New("still broken")}
	f := newListenerFixture(t, eng)

	_, handle := f.enqueueCrawl(t, crawlRecord("crawl_1"))
	for i := 0; i < 3; i++ {
		if err := f.manager.Release(handle, 0); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		var err error
		var record *models.JobRecord
		record, handle, err = f.manager.Dequeue([]string{f.manager.CrawlTube()}, time.Second)
		if err != nil || record == nil {
			t.Fatalf("Dequeue failed: record=%v err=%v", record, err)
		}
	}
	if handle.Releases() != 3 {
		t.Fatalf("Releases = %d, want 3", handle.Releases())
	}

	record, _, err := f.manager.Dequeue([]string{f.manager.CrawlTube()}, 100*time.Millisecond)
	if record != nil || err != nil {
		t.Fatalf("unexpected extra job: %v %v", record, err)
	}

	lastRecord := crawlRecord("crawl_1")
	f.listener.process(context.Background(), lastRecord, handle)

	stats := f.crawlTubeStats(t)
	if stats.Buried != 1 {
		t.Errorf("Buried = %d, want 1", stats.Buried)
	}
	if stats.Delayed != 0 {
		t.Errorf("Delayed = %d, want 0", stats.Delayed)
	}
}

func TestListener_PanicMarksFailedException(t *testing.T) {
	eng := &stubEngine{panics: true}
	f := newListenerFixture(t, eng)

	record, handle := f.enqueueCrawl(t, crawlRecord("crawl_1"))
	f.listener.process(context.Background(), record, handle)

	job, _ := f.store.CrawlJobs().Get("crawl_1")
	if job.Status != models.CrawlStatusFailedException {
		t.Errorf("Status = %s, want failed_exception", job.Status)
	}
	if len(job.CrawlErrors) == 0 {
		t.Error("panic message not recorded")
	}

	stats := f.crawlTubeStats(t)
	if stats.Delayed != 1 {
		t.Errorf("Delayed = %d, want 1 (panic still gets a retry)", stats.Delayed)
	}
}

func TestListener_NonCrawlJobIsBuried(t *testing.T) {
	eng := &stubEngine{}
	f := newListenerFixture(t, eng)

	body, err := queue.NewCodec().Encode(&models.JobRecord{
		Kind:         models.JobKindParse,
		DocumentID:   "doc_1",
		TaskType:     "page_title",
		HTMLFilePath: "/tmp/x.html",
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := f.broker.Put(f.manager.CrawlTube(), body, queue.PriorityNormal, 0, time.Minute); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	record, handle, err := f.manager.Dequeue([]string{f.manager.CrawlTube()}, time.Second)
	if err != nil || record == nil {
		t.Fatalf("Dequeue failed: record=%v err=%v", record, err)
	}
	f.listener.process(context.Background(), record, handle)

	if eng.calls != 0 {
		t.Error("engine ran for a non-crawl job")
	}
	stats := f.crawlTubeStats(t)
	if stats.Buried != 1 {
		t.Errorf("Buried = %d, want 1", stats.Buried)
	}
}

func TestListener_LookupOnlySubmissionResolvesFromStore(t *testing.T) {
	eng := &stubEngine{stats: &models.CrawlStats{PagesCrawled: 1}}
	f := newListenerFixture(t, eng)

	err := f.store.CrawlJobs().Save(&models.CrawlJob{
		CrawlID: "crawl_1",
		JobData: models.CrawlJobData{
			Domain:   "example.com",
			URL:      "https://example.com/a",
			MaxPages: 5,
		},
		Status: models.CrawlStatusFresh,
	})
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	lookup := &models.JobRecord{Kind: models.JobKindCrawl, CrawlID: "crawl_1"}
	if _, err := f.manager.Enqueue(lookup, queue.EnqueueOptions{}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	record, handle, err := f.manager.Dequeue([]string{f.manager.CrawlTube()}, time.Second)
	if err != nil || record == nil {
		t.Fatalf("Dequeue failed: record=%v err=%v", record, err)
	}

	f.listener.process(context.Background(), record, handle)

	if eng.params.Domain != "example.com" || eng.params.MaxPages != 5 {
		t.Errorf("engine params = %+v, want resolved from stored job data", eng.params)
	}
	job, _ := f.store.CrawlJobs().Get("crawl_1")
	if job.Status != models.CrawlStatusCompleted {
		t.Errorf("Status = %s, want completed", job.Status)
	}
}

func TestListener_SynthesizesMissingCrawlID(t *testing.T) {
	eng := &stubEngine{stats: &models.CrawlStats{PagesCrawled: 1}}
	f := newListenerFixture(t, eng)

	record, handle := f.enqueueCrawl(t, &models.JobRecord{
		Kind:     models.JobKindCrawl,
		Domain:   "example.com",
		MaxPages: 1,
	})
	f.listener.process(context.Background(), record, handle)

	if eng.params.CrawlID == "" {
		t.Fatal("no crawl_id synthesized")
	}
	job, err := f.store.CrawlJobs().Get(eng.params.CrawlID)
	if err != nil {
		t.Fatalf("Get failed for synthesized id: %v", err)
	}
	if job.Status != models.CrawlStatusCompleted {
		t.Errorf("Status = %s, want completed", job.Status)
	}
}

func TestKeepAliveInterval(t *testing.T) {
	tests := []struct {
		ttr  time.Duration
		want time.Duration
	}{
		{60 * time.Second, 24 * time.Second},
		{30 * time.Second, 15 * time.Second},
		{5 * time.Minute, 2 * time.Minute},
	}
	for _, tt := range tests {
		if got := keepAliveInterval(tt.ttr); got != tt.want {
			t.Errorf("keepAliveInterval(%s) = %s, want %s", tt.ttr, got, tt.want)
		}
	}
}

func TestKeepAliveExtendsLease(t *testing.T) {
	eng := &stubEngine{}
	f := newListenerFixture(t, eng)

	record := crawlRecord("crawl_1")
	if _, err := f.manager.Enqueue(record, queue.EnqueueOptions{TTR: time.Second}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	_, handle, err := f.manager.Dequeue([]string{f.manager.CrawlTube()}, time.Second)
	if err != nil || handle == nil {
		t.Fatalf("Dequeue failed: %v", err)
	}

	ka := startKeepAlive(f.manager, handle, 200*time.Millisecond, arbor.NewLogger())
	time.Sleep(1500 * time.Millisecond)

	// Past the original TTR now; a touched lease must not be stealable.
	stolen, _, err := f.manager.Dequeue([]string{f.manager.CrawlTube()}, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if stolen != nil {
		t.Error("lease expired despite keep-alive touches")
	}

	job, err := f.broker.StatsJob(f.manager.CrawlTube(), handle.ID())
	if err != nil {
		t.Fatalf("StatsJob failed: %v", err)
	}
	if job.State != queue.StateReserved {
		t.Errorf("State = %s, want reserved (lease kept alive past its TTR)", job.State)
	}
	if job.Touches < 2 {
		t.Errorf("Touches = %d, want at least 2 over a 1.5s run at 200ms intervals", job.Touches)
	}

	done := make(chan struct{})
	go func() {
		ka.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("keep-alive did not stop within grace")
	}
}
