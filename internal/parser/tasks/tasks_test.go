package tasks

import (
	"testing"

	"github.com/ternarybob/trawler/internal/parser"
)

var samplePage = []byte(`<!DOCTYPE html>
<html lang="en">
<head>
  <title> Acme Widgets | Home </title>
  <meta name="viewport" content="width=device-width, initial-scale=1">
  <link rel="canonical" href="https://example.com/">
  <link rel="alternate" hreflang="en" href="https://example.com/">
  <link rel="alternate" hreflang="de" href="https://example.com/de/">
  <link rel="amphtml" href="https://example.com/amp">
  <script type="application/ld+json">{"@type": "Organization", "name": "Acme"}</script>
  <script type="application/ld+json">{broken</script>
  <script src="https://cdn.example.com/app.js"></script>
  <script>console.log("inline");</script>
</head>
<body>
  <h1>Welcome</h1>
  <h2>Products</h2>
  <h2>Pricing</h2>
  <a href="/about">About</a>
  <a href="/about">About duplicate</a>
  <a href="https://www.example.com/contact">Contact</a>
  <a href="https://other.com/partner">Partner</a>
  <a href="#section">Anchor</a>
  <a href="mailto:hi@example.com">Mail</a>
  <img src="/logo.png" alt="Acme logo" width="120" height="40">
  <img src="" alt="empty src ignored">
</body>
</html>`)

var testContext = parser.Context{
	CrawlID:    "crawl_1",
	DocumentID: "doc_1",
	URL:        "https://example.com/",
	Domain:     "example.com",
}

func TestNewRegistryHasAllHandlers(t *testing.T) {
	registry := NewRegistry()
	want := []string{
		"canonical", "headings", "hreflang", "images", "links",
		"mobile", "page_title", "scripts", "structured_data",
	}
	got := registry.TaskTypes()
	if len(got) != len(want) {
		t.Fatalf("registry has %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("task %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPageTitleHandler(t *testing.T) {
	value, err := (&PageTitleHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if value != "Acme Widgets | Home" {
		t.Errorf("title = %q", value)
	}
}

func TestHeadingsHandler(t *testing.T) {
	value, err := (&HeadingsHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	data := value.(HeadingsData)
	if len(data.H1) != 1 || data.H1[0] != "Welcome" {
		t.Errorf("H1 = %v", data.H1)
	}
	if len(data.H2) != 2 {
		t.Errorf("H2 = %v", data.H2)
	}
	if len(data.H3) != 0 {
		t.Errorf("H3 = %v", data.H3)
	}
}

func TestCanonicalHandler(t *testing.T) {
	value, err := (&CanonicalHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if value != "https://example.com/" {
		t.Errorf("canonical = %q", value)
	}

	_, err = (&CanonicalHandler{}).Extract([]byte("<html><body></body></html>"), testContext)
	if !parser.IsSkip(err) {
		t.Errorf("missing canonical = %v, want skip", err)
	}
}

func TestHreflangHandler(t *testing.T) {
	value, err := (&HreflangHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	entries := value.([]HreflangEntry)
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	if entries[1].Lang != "de" || entries[1].Href != "https://example.com/de/" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestStructuredDataHandler(t *testing.T) {
	value, err := (&StructuredDataHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	result := value.(StructuredDataResult)
	if len(result.Blocks) != 1 {
		t.Errorf("blocks = %v", result.Blocks)
	}
	if result.Invalid != 1 {
		t.Errorf("invalid = %d, want 1", result.Invalid)
	}

	_, err = (&StructuredDataHandler{}).Extract([]byte("<html><body></body></html>"), testContext)
	if !parser.IsSkip(err) {
		t.Errorf("no structured data = %v, want skip", err)
	}
}

func TestLinksHandler(t *testing.T) {
	value, err := (&LinksHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	data := value.(LinksData)
	if data.Total != 3 {
		t.Errorf("Total = %d, want 3 (deduped, anchors and mailto dropped)", data.Total)
	}
	if len(data.Internal) != 2 {
		t.Errorf("Internal = %v, want /about and www contact", data.Internal)
	}
	if len(data.External) != 1 || data.External[0] != "https://other.com/partner" {
		t.Errorf("External = %v", data.External)
	}
}

func TestImagesHandler(t *testing.T) {
	value, err := (&ImagesHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	images := value.([]ImageInfo)
	if len(images) != 1 {
		t.Fatalf("images = %v", images)
	}
	if images[0].Src != "/logo.png" || images[0].Alt != "Acme logo" || images[0].Width != "120" {
		t.Errorf("images[0] = %+v", images[0])
	}
}

func TestScriptsHandler(t *testing.T) {
	value, err := (&ScriptsHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	data := value.(ScriptsData)
	if len(data.External) != 1 || data.External[0] != "https://cdn.example.com/app.js" {
		t.Errorf("External = %v", data.External)
	}
	if data.Inline != 1 {
		t.Errorf("Inline = %d, want 1 (ld+json not counted)", data.Inline)
	}
}

func TestMobileHandler(t *testing.T) {
	value, err := (&MobileHandler{}).Extract(samplePage, testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	data := value.(MobileData)
	if !data.HasViewport {
		t.Error("viewport not detected")
	}
	if data.IsAMP {
		t.Error("page wrongly detected as AMP")
	}
	if data.AMPHref != "https://example.com/amp" {
		t.Errorf("AMPHref = %s", data.AMPHref)
	}

	value, err = (&MobileHandler{}).Extract([]byte(`<html amp><body></body></html>`), testContext)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !value.(MobileData).IsAMP {
		t.Error("amp attribute not detected")
	}
}
