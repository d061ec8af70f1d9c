// Package tasks holds the goquery-based page analyses the parser
// workers run. Each handler owns one typed field on the
// ParsedDocument; new analyses register here and need no change to
// the runtime.
package tasks

import (
	"bytes"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/trawler/internal/parser"
)

// NewRegistry returns a registry holding every built-in task handler.
func NewRegistry() *parser.Registry {
	registry := parser.NewRegistry()
	for _, handler := range []parser.TaskHandler{
		&PageTitleHandler{},
		&HeadingsHandler{},
		&CanonicalHandler{},
		&HreflangHandler{},
		&StructuredDataHandler{},
		&LinksHandler{},
		&ImagesHandler{},
		&ScriptsHandler{},
		&MobileHandler{},
	} {
		if err := registry.Register(handler); err != nil {
			// Duplicate registration of built-ins is a programming error.
			panic(err)
		}
	}
	return registry
}

// parseDocument builds a goquery document; an unparsable body is a
// permanent failure for every handler.
func parseDocument(html []byte) (*goquery.Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, parser.Fatal(fmt.Errorf("failed to parse html: %w", err))
	}
	return doc, nil
}
