// Package transcript parses uploaded TED transcript files.
//
// The expected format is a small metadata header followed by the talk
// text:
//
//	Title: How to spot fake AI photos
//	Speaker: Hany Farid
//	URL: https://www.ted.com/talks/...
//	Duration: 751 seconds
//	Views: 1319743
//
//	--- Transcript ---
//	talk content...
//
// Every header line is optional. A file without the transcript marker
// is treated as bare transcript text.
package transcript

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrEmptyTranscript is returned when no transcript text could be found.
var ErrEmptyTranscript = errors.New("transcript is empty")

// Document is a parsed transcript file.
type Document struct {
	Title    string
	Speaker  string
	URL      string
	Duration string
	Views    string
	Text     string
}

// Parse extracts the metadata header and transcript text from raw file
// content.
func Parse(content string) (*Document, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyTranscript
	}

	doc := &Document{}
	inTranscript := false
	sawMarker := false
	var transcriptLines []string
	var bareLines []string

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		switch {
		case inTranscript:
			// Skip decorative separators inside the body.
			if strings.HasPrefix(line, "===") || strings.HasPrefix(line, "---") {
				continue
			}
			transcriptLines = append(transcriptLines, line)
		case strings.HasPrefix(line, "Title:"):
			doc.Title = strings.TrimSpace(strings.TrimPrefix(line, "Title:"))
		case strings.HasPrefix(line, "Speaker:"):
			doc.Speaker = strings.TrimSpace(strings.TrimPrefix(line, "Speaker:"))
		case strings.HasPrefix(line, "URL:"):
			doc.URL = strings.TrimSpace(strings.TrimPrefix(line, "URL:"))
		case strings.HasPrefix(line, "Duration:"):
			doc.Duration = normalizeDuration(strings.TrimSpace(strings.TrimPrefix(line, "Duration:")))
		case strings.HasPrefix(line, "Views:"):
			doc.Views = strings.TrimSpace(strings.TrimPrefix(line, "Views:"))
		case strings.HasPrefix(line, "--- Transcript ---") || strings.HasPrefix(line, "Transcript:"):
			inTranscript = true
			sawMarker = true
		default:
			bareLines = append(bareLines, line)
		}
	}

	if !sawMarker {
		// No marker: everything that was not a header line is the talk.
		transcriptLines = bareLines
	}

	doc.Text = strings.Join(transcriptLines, " ")
	if doc.Text == "" {
		return nil, ErrEmptyTranscript
	}
	return doc, nil
}

// normalizeDuration converts "751 seconds" to "12:31"; other values
// pass through untouched.
func normalizeDuration(s string) string {
	if !strings.Contains(s, "seconds") {
		return s
	}
	raw := strings.TrimSpace(strings.ReplaceAll(s, "seconds", ""))
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%d:%02d", seconds/60, seconds%60)
}
