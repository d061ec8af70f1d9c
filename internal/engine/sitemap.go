package engine

import (
	"encoding/xml"
	"fmt"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/ternarybob/trawler/internal/common"
)

type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

// fetchSitemap pulls /sitemap.xml from the start URL's host and returns
// its loc entries in document order.
func (e *Crawler) fetchSitemap(startURL string) ([]string, error) {
	base, err := url.Parse(startURL)
	if err != nil {
		return nil, fmt.Errorf("invalid start url: %w", err)
	}
	sitemapURL := base.Scheme + "://" + base.Host + "/sitemap.xml"

	c := colly.NewCollector(colly.UserAgent(e.config.UserAgent))
	c.SetRequestTimeout(common.Duration(e.config.RequestTimeout, 30*time.Second))

	var body []byte
	c.OnResponse(func(resp *colly.Response) {
		body = resp.Body
	})
	var fetchErr error
	c.OnError(func(resp *colly.Response, err error) {
		fetchErr = err
	})

	if err := c.Visit(sitemapURL); err != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", err)
	}
	if fetchErr != nil {
		return nil, fmt.Errorf("failed to fetch sitemap: %w", fetchErr)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty sitemap at %s", sitemapURL)
	}

	var set sitemapURLSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("failed to parse sitemap: %w", err)
	}

	locs := make([]string, 0, len(set.URLs))
	for _, entry := range set.URLs {
		if entry.Loc != "" {
			locs = append(locs, entry.Loc)
		}
	}
	return locs, nil
}
