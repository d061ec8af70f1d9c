package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ternarybob/trawler/internal/models"
)

// ErrMalformed marks a job body that fails decoding or validation.
// Consumers bury such jobs without retry.
var ErrMalformed = errors.New("malformed job record")

// knownFields are the JSON keys owned by models.JobRecord. Anything
// else in a decoded body is carried through in Extra so a round trip
// preserves fields this codec version does not know about.
var knownFields = map[string]bool{
	"kind": true, "crawl_id": true, "domain": true, "url": true,
	"max_pages": true, "single_url": true, "use_sitemap": true,
	"cycle_id": true, "project_id": true, "document_id": true,
	"task_type": true, "html_file_path": true, "headers_file_path": true,
	"enqueued_at": true, "retries": true, "_meta": true,
}

// Codec encodes and decodes job bodies as self-describing records.
type Codec struct {
	validate *validator.Validate
}

// NewCodec creates a codec with field validation.
func NewCodec() *Codec {
	return &Codec{validate: validator.New()}
}

// Encode emits the record as a self-describing byte string. The meta
// envelope is stamped when absent.
func (c *Codec) Encode(record *models.JobRecord) ([]byte, error) {
	if record.Meta.Version == 0 {
		record.Meta = models.RecordMeta{
			Version:   models.RecordVersion,
			CreatedAt: time.Now().UTC(),
			Format:    models.RecordFormat,
		}
	}

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job record: %w", err)
	}
	if len(record.Extra) == 0 {
		return data, nil
	}

	// Merge pass-through fields; known keys always win.
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, fmt.Errorf("failed to merge extra fields: %w", err)
	}
	for key, value := range record.Extra {
		if knownFields[key] {
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode extra field %q: %w", key, err)
		}
		merged[key] = raw
	}
	return json.Marshal(merged)
}

// Decode parses and validates a job body. Kind-specific required
// fields are checked; records carrying only a crawl_id (lookup-only
// submissions) skip field-level validation.
func (c *Codec) Decode(data []byte) (*models.JobRecord, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var record models.JobRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	for key, value := range raw {
		if knownFields[key] {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(value, &v); err != nil {
			continue
		}
		if record.Extra == nil {
			record.Extra = make(map[string]interface{})
		}
		record.Extra[key] = v
	}

	if err := c.validateRecord(&record, raw); err != nil {
		return nil, err
	}
	return &record, nil
}

// validateRecord enforces kind-specific required fields. Presence is
// checked against the raw body because zero values (max_pages = 0,
// single_url = false) are legal when the key itself is present.
func (c *Codec) validateRecord(record *models.JobRecord, raw map[string]json.RawMessage) error {
	if err := c.validate.Struct(record); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch record.Kind {
	case models.JobKindCrawl:
		if record.LookupOnly() {
			return nil
		}
		if record.Domain == "" && record.URL == "" {
			return fmt.Errorf("%w: crawl record needs at least one of domain, url", ErrMalformed)
		}
		for _, field := range []string{"max_pages", "single_url", "use_sitemap"} {
			if _, ok := raw[field]; !ok {
				return fmt.Errorf("%w: crawl record missing %s", ErrMalformed, field)
			}
		}
	case models.JobKindParse:
		if record.DocumentID == "" {
			return fmt.Errorf("%w: parse record missing document_id", ErrMalformed)
		}
		if record.HTMLFilePath == "" {
			return fmt.Errorf("%w: parse record missing html_file_path", ErrMalformed)
		}
		if record.TaskType == "" {
			return fmt.Errorf("%w: parse record missing task_type", ErrMalformed)
		}
	}
	return nil
}
