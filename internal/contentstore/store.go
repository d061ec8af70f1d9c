package contentstore

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/arbor"
	"golang.org/x/sys/unix"

	"github.com/ternarybob/trawler/internal/common"
)

// Store writes crawled page bodies to the shared content tree that
// parser workers later read from. Writers take an exclusive flock and
// fsync before publishing a path into a parser job; readers take a
// shared flock, so a parser never observes a half-written file.
type Store struct {
	root   string
	logger arbor.ILogger
}

// NewStore creates the content root if needed.
func NewStore(config *common.ContentConfig, logger arbor.ILogger) (*Store, error) {
	if config.Root == "" {
		return nil, fmt.Errorf("content root is required")
	}
	if err := os.MkdirAll(config.Root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create content root: %w", err)
	}
	return &Store{root: config.Root, logger: logger}, nil
}

// Root returns the content root directory.
func (s *Store) Root() string {
	return s.root
}

// normalizeDomain lowercases a domain and strips the www prefix so
// both spellings of a site land in one directory.
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

// fileNameForURL flattens a URL path into a single file name. The
// root path becomes index; path separators become underscores; a
// .html suffix is added unless the path already carries a plain-text
// extension.
func fileNameForURL(pageURL string) string {
	path := ""
	if parsed, err := url.Parse(pageURL); err == nil {
		path = parsed.Path
	}
	path = strings.Trim(path, "/")
	if path == "" {
		path = "index"
	}
	name := strings.ReplaceAll(path, "/", "_")
	switch strings.ToLower(filepath.Ext(name)) {
	case ".html", ".txt", ".xml":
		return name
	default:
		return name + ".html"
	}
}

// PagePath returns the file a page body lands in, without writing it.
func (s *Store) PagePath(domain, pageURL string) string {
	return filepath.Join(s.root, normalizeDomain(domain), fileNameForURL(pageURL))
}

// headersPath derives the sibling headers file for a page file.
func headersPath(pagePath string) string {
	return strings.TrimSuffix(pagePath, filepath.Ext(pagePath)) + ".headers.json"
}

// SavePage persists a page body and its response headers, returning
// the body and headers paths. The body is durable (written, flushed,
// fsynced) before the function returns.
func (s *Store) SavePage(domain, pageURL string, body []byte, headers map[string][]string) (string, string, error) {
	pagePath := s.PagePath(domain, pageURL)
	if err := os.MkdirAll(filepath.Dir(pagePath), 0755); err != nil {
		return "", "", fmt.Errorf("failed to create page directory: %w", err)
	}

	if err := writeLocked(pagePath, body); err != nil {
		return "", "", fmt.Errorf("failed to write page body: %w", err)
	}

	hdrPath := ""
	if len(headers) > 0 {
		hdrPath = headersPath(pagePath)
		encoded, err := json.MarshalIndent(headers, "", "  ")
		if err != nil {
			return "", "", fmt.Errorf("failed to encode headers: %w", err)
		}
		if err := writeLocked(hdrPath, encoded); err != nil {
			return "", "", fmt.Errorf("failed to write headers: %w", err)
		}
	}

	s.logger.Debug().
		Str("domain", domain).
		Str("path", pagePath).
		Int("bytes", len(body)).
		Msg("Page body stored")
	return pagePath, hdrPath, nil
}

// writeLocked writes data under an exclusive advisory lock and fsyncs
// before releasing it.
func writeLocked(path string, data []byte) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		return err
	}
	return file.Sync()
}

// Read returns a stored file's contents under a shared advisory lock.
func (s *Store) Read(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	info, err := file.Stat()
	if err != nil {
		return nil, err
	}
	data := make([]byte, info.Size())
	if _, err := io.ReadFull(file, data); err != nil {
		return nil, err
	}
	return data, nil
}

// Exists reports whether a stored path is present and readable.
func (s *Store) Exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
