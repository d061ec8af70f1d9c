package common

import (
	"github.com/google/uuid"
)

// documentNamespace seeds deterministic document ids so a fan-out for
// the same (crawl_id, url) is idempotent.
var documentNamespace = uuid.MustParse("9c1f23e4-6a5b-4c8d-9e0f-1a2b3c4d5e6f")

// NewCrawlID generates a stable crawl identifier.
// Format: crawl_<uuid>
func NewCrawlID() string {
	return "crawl_" + uuid.New().String()
}

// DocumentID derives the stable document id for a page of a crawl.
// Format: doc_<uuid5(crawl_id|url)>
func DocumentID(crawlID, url string) string {
	return "doc_" + uuid.NewSHA1(documentNamespace, []byte(crawlID+"|"+url)).String()
}
