package transcript

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileFetcher resolves talk URLs against a local directory of
// transcript files. The last URL path segment names the file: the URL
// https://www.ted.com/talks/some_talk maps to <dir>/some_talk.txt.
// Deployments that pre-download transcripts use this for batch runs.
type FileFetcher struct {
	dir string
}

// NewFileFetcher returns a fetcher rooted at dir.
func NewFileFetcher(dir string) *FileFetcher {
	return &FileFetcher{dir: dir}
}

// Fetch loads and parses the transcript file for the URL.
func (f *FileFetcher) Fetch(_ context.Context, rawURL string) (*Document, error) {
	name, err := slugFromURL(rawURL)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(f.dir, name+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("no transcript for %s: %w", rawURL, err)
	}

	doc, err := Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("transcript for %s: %w", rawURL, err)
	}
	if doc.URL == "" {
		doc.URL = rawURL
	}
	if doc.Title == "" {
		doc.Title = name
	}
	return doc, nil
}

// slugFromURL extracts the final path segment and rejects anything that
// could escape the transcript directory.
func slugFromURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid talk URL %q: %w", rawURL, err)
	}
	seg := strings.Trim(u.Path, "/")
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if seg == "" || strings.ContainsAny(seg, `\/`) || strings.Contains(seg, "..") {
		return "", fmt.Errorf("invalid talk URL %q", rawURL)
	}
	return seg, nil
}
