package fanout

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawler/internal/common"
	"github.com/ternarybob/trawler/internal/models"
	"github.com/ternarybob/trawler/internal/queue"
	storage "github.com/ternarybob/trawler/internal/storage/badger"
)

// PageItem is what the crawl engine hands over for each persisted page.
type PageItem struct {
	CrawlID         string
	Domain          string
	URL             string
	HTMLFilePath    string
	HeadersFilePath string
	StatusCode      int
	Custom          map[string]interface{}
}

// Dispatcher fans one persisted page out into N parser jobs, one per
// configured task type. The seed document goes in before any parser
// job exists, so a parser can always resolve its document_id.
type Dispatcher struct {
	documents *storage.DocumentStorage
	manager   *queue.Manager
	tasks     map[string]common.ParserTaskConfig
	logger    arbor.ILogger
}

// NewDispatcher creates a new Dispatcher instance
func NewDispatcher(documents *storage.DocumentStorage, manager *queue.Manager, tasks map[string]common.ParserTaskConfig, logger arbor.ILogger) *Dispatcher {
	return &Dispatcher{
		documents: documents,
		manager:   manager,
		tasks:     tasks,
		logger:    logger,
	}
}

// TaskTypes returns the configured task types in stable order.
func (d *Dispatcher) TaskTypes() []string {
	types := make([]string, 0, len(d.tasks))
	for taskType := range d.tasks {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}

// droppedFields are bulk payloads that never travel through the queue;
// parser workers read the page from html_file_path instead.
var droppedFields = map[string]bool{
	"html": true, "body": true, "raw_content": true, "response_headers": true,
}

// sanitizeValue decodes byte strings to text with a replacement rune
// for invalid sequences, recursing through maps and slices.
func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case []byte:
		return strings.ToValidUTF8(string(v), "�")
	case map[string]interface{}:
		clean := make(map[string]interface{}, len(v))
		for key, inner := range v {
			if droppedFields[key] {
				continue
			}
			clean[key] = sanitizeValue(inner)
		}
		return clean
	case []interface{}:
		clean := make([]interface{}, len(v))
		for i, inner := range v {
			clean[i] = sanitizeValue(inner)
		}
		return clean
	default:
		return value
	}
}

// sanitize cleans the custom fields of a page item for storage and
// queue transport.
func sanitize(custom map[string]interface{}) map[string]interface{} {
	if len(custom) == 0 {
		return nil
	}
	return sanitizeValue(custom).(map[string]interface{})
}

// Dispatch seeds the ParsedDocument and enqueues one parse job per
// configured task type. A seed insert failure aborts the page; an
// enqueue failure is counted and the remaining tubes still get their
// jobs. The final document update always runs so the record never
// sticks in pending_dispatch.
func (d *Dispatcher) Dispatch(item PageItem) (string, error) {
	if item.CrawlID == "" || item.URL == "" {
		return "", fmt.Errorf("page item needs crawl_id and url")
	}

	documentID := common.DocumentID(item.CrawlID, item.URL)
	doc := &models.ParsedDocument{
		ID:              documentID,
		CrawlID:         item.CrawlID,
		URL:             item.URL,
		Domain:          item.Domain,
		HTMLFilePath:    item.HTMLFilePath,
		HeadersFilePath: item.HeadersFilePath,
		Status:          models.ProcessingPendingDispatch,
		Extra:           sanitize(item.Custom),
	}
	if err := d.documents.Insert(doc); err != nil {
		return "", fmt.Errorf("failed to seed document %s: %w", documentID, err)
	}

	var jobIDs []uint64
	failed := 0
	for _, taskType := range d.TaskTypes() {
		taskConfig := d.tasks[taskType]
		record := &models.JobRecord{
			Kind:            models.JobKindParse,
			CrawlID:         item.CrawlID,
			Domain:          item.Domain,
			URL:             item.URL,
			DocumentID:      documentID,
			TaskType:        taskType,
			HTMLFilePath:    item.HTMLFilePath,
			HeadersFilePath: item.HeadersFilePath,
			EnqueuedAt:      time.Now().UTC(),
			Extra:           doc.Extra,
		}
		jobID, err := d.manager.Enqueue(record, queue.EnqueueOptions{
			Priority: queue.PriorityFromName(taskConfig.Priority),
			TTR:      common.Duration(taskConfig.TTR, 5*time.Minute),
		})
		if err != nil {
			failed++
			d.logger.Warn().
				Str("document_id", documentID).
				Str("task_type", taskType).
				Err(err).
				Msg("Failed to enqueue parser job")
			continue
		}
		jobIDs = append(jobIDs, jobID)
	}

	if err := d.documents.MarkDispatched(documentID, jobIDs, failed); err != nil {
		return documentID, fmt.Errorf("failed to finalize dispatch for %s: %w", documentID, err)
	}

	d.logger.Info().
		Str("crawl_id", item.CrawlID).
		Str("document_id", documentID).
		Str("url", item.URL).
		Int("dispatched", len(jobIDs)).
		Int("failed", failed).
		Msg("Page fanned out to parser tubes")
	return documentID, nil
}
