package tasks

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/trawler/internal/parser"
)

// LinksData splits a page's anchors into same-site and external.
type LinksData struct {
	Internal []string `json:"internal,omitempty"`
	External []string `json:"external,omitempty"`
	Total    int      `json:"total"`
}

// LinksHandler extracts and classifies anchor targets.
type LinksHandler struct{}

func (h *LinksHandler) TaskType() string  { return "links" }
func (h *LinksHandler) FieldName() string { return "links_data" }

// sameSite compares hosts ignoring case and a www prefix.
func sameSite(a, b string) bool {
	trim := func(host string) string {
		return strings.TrimPrefix(strings.ToLower(host), "www.")
	}
	return trim(a) == trim(b)
}

func (h *LinksHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	base, err := url.Parse(ctx.URL)
	if err != nil {
		base = &url.URL{}
	}

	seen := make(map[string]bool)
	data := LinksData{}
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "javascript:") {
			return
		}
		resolved, err := base.Parse(href)
		if err != nil {
			return
		}
		resolved.Fragment = ""
		link := resolved.String()
		if seen[link] {
			return
		}
		seen[link] = true
		data.Total++
		if sameSite(resolved.Host, base.Host) {
			data.Internal = append(data.Internal, link)
		} else {
			data.External = append(data.External, link)
		}
	})
	return data, nil
}

// ImageInfo describes one img element.
type ImageInfo struct {
	Src    string `json:"src"`
	Alt    string `json:"alt,omitempty"`
	Width  string `json:"width,omitempty"`
	Height string `json:"height,omitempty"`
}

// ImagesHandler extracts image sources with their alt text and
// declared dimensions.
type ImagesHandler struct{}

func (h *ImagesHandler) TaskType() string  { return "images" }
func (h *ImagesHandler) FieldName() string { return "images_data" }

func (h *ImagesHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	var images []ImageInfo
	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		src, _ := sel.Attr("src")
		if strings.TrimSpace(src) == "" {
			return
		}
		info := ImageInfo{Src: src}
		info.Alt, _ = sel.Attr("alt")
		info.Width, _ = sel.Attr("width")
		info.Height, _ = sel.Attr("height")
		images = append(images, info)
	})
	return images, nil
}

// ScriptsData summarizes the scripts a page loads.
type ScriptsData struct {
	External []string `json:"external,omitempty"`
	Inline   int      `json:"inline"`
}

// ScriptsHandler extracts external script sources and counts inline
// blocks.
type ScriptsHandler struct{}

func (h *ScriptsHandler) TaskType() string  { return "scripts" }
func (h *ScriptsHandler) FieldName() string { return "scripts_data" }

func (h *ScriptsHandler) Extract(html []byte, ctx parser.Context) (interface{}, error) {
	doc, err := parseDocument(html)
	if err != nil {
		return nil, err
	}

	data := ScriptsData{}
	doc.Find("script").Each(func(_ int, sel *goquery.Selection) {
		if src, exists := sel.Attr("src"); exists && strings.TrimSpace(src) != "" {
			data.External = append(data.External, src)
			return
		}
		if scriptType, _ := sel.Attr("type"); scriptType == "application/ld+json" {
			return
		}
		if strings.TrimSpace(sel.Text()) != "" {
			data.Inline++
		}
	})
	return data, nil
}
