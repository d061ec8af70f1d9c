package parser

import (
	"fmt"
	"sort"
	"sync"
)

// Context carries the page identity into a task handler.
type Context struct {
	CrawlID    string
	DocumentID string
	URL        string
	Domain     string
}

// TaskHandler is one page analysis. Extract returns the typed value
// stored under FieldName on the ParsedDocument; errors classified via
// Retryable/Fatal/Skip drive the job outcome.
type TaskHandler interface {
	TaskType() string
	FieldName() string
	Extract(html []byte, ctx Context) (interface{}, error)
}

// Registry maps task types to handlers. Handlers register at startup;
// there is no runtime loading.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]TaskHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// Register adds a handler. Registering the same task type twice is a
// programming error.
func (r *Registry) Register(handler TaskHandler) error {
	if handler == nil {
		return fmt.Errorf("nil task handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[handler.TaskType()]; exists {
		return fmt.Errorf("task handler %q already registered", handler.TaskType())
	}
	r.handlers[handler.TaskType()] = handler
	return nil
}

// Get returns the handler for a task type.
func (r *Registry) Get(taskType string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, ok := r.handlers[taskType]
	return handler, ok
}

// TaskTypes returns the registered task types in stable order.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for taskType := range r.handlers {
		types = append(types, taskType)
	}
	sort.Strings(types)
	return types
}
