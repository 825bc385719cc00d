// Package chunker splits a transcript into size-bounded semantic chunks
// on sentence boundaries. Each chunk is sized for a single LLM call.
package chunker

import (
	"regexp"
	"strings"

	"github.com/tedlearn/shadowwriter/pkg/models"
)

// Default chunk sizing in characters. Sentences are packed greedily so
// each chunk lands inside [MinChunkChars, MaxChunkChars]; a single
// sentence longer than the max becomes its own chunk.
const (
	MinChunkChars    = 150
	MaxChunkChars    = 250
	TargetChunkChars = 200
)

// sentenceEnd matches one or more sentence terminators followed by
// whitespace. The terminators stay attached to the preceding sentence.
var sentenceEnd = regexp.MustCompile(`([.!?]+)\s+`)

// Chunker packs sentences into chunks within a configured size range.
type Chunker struct {
	min    int
	max    int
	target int
}

// Option adjusts chunker sizing.
type Option func(*Chunker)

// WithRange overrides the [min, max] character bounds.
func WithRange(min, max int) Option {
	return func(c *Chunker) {
		c.min = min
		c.max = max
	}
}

// WithTarget overrides the preferred chunk size.
func WithTarget(target int) Option {
	return func(c *Chunker) {
		c.target = target
	}
}

// New returns a Chunker with the default [150, 250] range.
func New(opts ...Option) *Chunker {
	c := &Chunker{min: MinChunkChars, max: MaxChunkChars, target: TargetChunkChars}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Split breaks text into sentences and greedily packs them into chunks.
// Chunk IDs are dense 0..N-1 in source order. Empty or whitespace-only
// input yields an empty slice.
func (c *Chunker) Split(text string) []models.Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	chunks := make([]models.Chunk, 0, len(sentences))
	var current strings.Builder

	flush := func() {
		if current.Len() == 0 {
			return
		}
		chunks = append(chunks, models.Chunk{
			ID:   len(chunks),
			Text: strings.TrimSpace(current.String()),
		})
		current.Reset()
	}

	for _, s := range sentences {
		// An oversized sentence cannot be split further; it becomes its
		// own chunk so downstream stages still see sentence boundaries.
		if len(s) > c.max {
			flush()
			chunks = append(chunks, models.Chunk{ID: len(chunks), Text: s})
			continue
		}

		if current.Len() > 0 && current.Len()+1+len(s) > c.max {
			flush()
		}
		if current.Len() > 0 {
			current.WriteByte(' ')
		}
		current.WriteString(s)

		if current.Len() >= c.min {
			flush()
		}
	}
	flush()

	return chunks
}

// splitSentences splits on sentence terminators followed by whitespace,
// keeping the terminator with its sentence. Trailing text without a
// terminator is kept as a final sentence.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	last := 0
	for _, loc := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		// loc[3] is the end of the terminator group — split after it.
		s := strings.TrimSpace(text[last:loc[3]])
		if s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if rest := strings.TrimSpace(text[last:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}
