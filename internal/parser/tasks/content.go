package tasks

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/trawler/internal/parser"
)

// HeadingsData groups heading text by level.
type HeadingsData struct {
	H1 []string `json:"h1,omitempty"`
	H2 []string `json:"h2,omitempty"`
	H3 []string `json:"h3,omitempty"`
	H4 []string `json:"h4,omitempty"`
	H5 []string `json:"h5,omitempty"`
	H6 []string `json:"h6,omitempty"`
}

// HeadingsHandler extracts the heading outline of a page.
type HeadingsHandler struct{}

func (h *HeadingsHandler) TaskType() string  { return "headings" }
func (h *HeadingsHandler) FieldName() string { return "headings_data" }

func (h *HeadingsHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	data := HeadingsData{}
	collect := func(selector string, into *[]string) {
		doc.Find(selector).Each(func(_ int, sel *goquery.Selection) {
			if text := strings.TrimSpace(sel.Text()); text != "" {
				*into = append(*into, text)
			}
		})
	}
	collect("h1", &data.H1)
	collect("h2", &data.H2)
	collect("h3", &data.H3)
	collect("h4", &data.H4)
	collect("h5", &data.H5)
	collect("h6", &data.H6)
	return data, nil
}

// StructuredDataResult carries the parsed JSON-LD blocks of a page.
type StructuredDataResult struct {
	Blocks  []interface{} `json:"blocks,omitempty"`
	Invalid int           `json:"invalid_blocks,omitempty"`
}

// StructuredDataHandler extracts JSON-LD script blocks. Blocks that
// fail to parse are counted rather than failing the page; broken
// markup in the wild is routine.
type StructuredDataHandler struct{}

func (h *StructuredDataHandler) TaskType() string  { return "structured_data" }
func (h *StructuredDataHandler) FieldName() string { return "structured_data" }

func (h *StructuredDataHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	result := StructuredDataResult{}
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, sel *goquery.Selection) {
		raw := strings.TrimSpace(sel.Text())
		if raw == "" {
			return
		}
		var block interface{}
		if err := json.Unmarshal([]byte(raw), &block); err != nil {
			result.Invalid++
			return
		}
		result.Blocks = append(result.Blocks, block)
	})

	if len(result.Blocks) == 0 && result.Invalid == 0 {
		return nil, parser.Skip(fmt.Sprintf("no structured data on %s", ctx.URL))
	}
	return result, nil
}
