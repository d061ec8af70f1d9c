package tasks

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/trawler/internal/parser"
)

// PageTitleHandler extracts the document title.
type PageTitleHandler struct{}

func (h *PageTitleHandler) TaskType() string  { return "page_title" }
func (h *PageTitleHandler) FieldName() string { return "page_title" }

func (h *PageTitleHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}
	title := strings.TrimSpace(doc.Find("head title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	return title, nil
}

// CanonicalHandler extracts the canonical URL declared by the page.
type CanonicalHandler struct{}

func (h *CanonicalHandler) TaskType() string  { return "canonical" }
func (h *CanonicalHandler) FieldName() string { return "canonical_url" }

func (h *CanonicalHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}
	href, exists := doc.Find(`link[rel="canonical"]`).First().Attr("href")
	if !exists || strings.TrimSpace(href) == "" {
		return nil, parser.Skip("no canonical link")
	}
	return strings.TrimSpace(href), nil
}

// HreflangEntry is one alternate-language declaration.
type HreflangEntry struct {
	Lang string `json:"lang"`
	Href string `json:"href"`
}

// HreflangHandler extracts alternate-language links.
type HreflangHandler struct{}

func (h *HreflangHandler) TaskType() string  { return "hreflang" }
func (h *HreflangHandler) FieldName() string { return "hreflang_data" }

func (h *HreflangHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}
	var entries []HreflangEntry
	doc.Find(`link[rel="alternate"][hreflang]`).Each(func(_ int, sel *goquery.Selection) {
		lang, _ := sel.Attr("hreflang")
		href, _ := sel.Attr("href")
		if lang != "" && href != "" {
			entries = append(entries, HreflangEntry{Lang: lang, Href: href})
		}
	})
	return entries, nil
}

// MobileData summarizes the page's mobile readiness markers.
type MobileData struct {
	HasViewport     bool   `json:"has_viewport"`
	ViewportContent string `json:"viewport_content,omitempty"`
	IsAMP           bool   `json:"is_amp"`
	AMPHref         string `json:"amp_href,omitempty"`
}

// MobileHandler extracts viewport and AMP markers.
type MobileHandler struct{}

func (h *MobileHandler) TaskType() string  { return "mobile" }
func (h *MobileHandler) FieldName() string { return "mobile_data" }

func (h *MobileHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	data := MobileData{}
	if content, exists := doc.Find(`meta[name="viewport"]`).First().Attr("content"); exists {
		data.HasViewport = true
		data.ViewportContent = content
	}

	// AMP pages declare themselves on the html element; canonical
	// pages point at their AMP variant instead.
	htmlSel := doc.Find("html").First()
	if _, amp := htmlSel.Attr("amp"); amp {
		data.IsAMP = true
	} else if _, amp := htmlSel.Attr("⚡"); amp {
		data.IsAMP = true
	}
	if href, exists := doc.Find(`link[rel="amphtml"]`).First().Attr("href"); exists {
		data.AMPHref = href
	}
	return data, nil
}
