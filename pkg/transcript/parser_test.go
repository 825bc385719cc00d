package transcript

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_FullHeader(t *testing.T) {
	content := `Title: How to spot fake AI photos
Speaker: Hany Farid
URL: https://www.ted.com/talks/hany_farid_how_to_spot_fake_ai_photos
Duration: 751 seconds
Views: 1319743

--- Transcript ---
So here is the thing about generative AI.
It has become very good, very fast.
`
	doc, err := Parse(content)
	require.NoError(t, err)
	assert.Equal(t, "How to spot fake AI photos", doc.Title)
	assert.Equal(t, "Hany Farid", doc.Speaker)
	assert.Equal(t, "https://www.ted.com/talks/hany_farid_how_to_spot_fake_ai_photos", doc.URL)
	assert.Equal(t, "12:31", doc.Duration)
	assert.Equal(t, "1319743", doc.Views)
	assert.Equal(t, "So here is the thing about generative AI. It has become very good, very fast.", doc.Text)
}

func TestParse_BareText(t *testing.T) {
	doc, err := Parse("Just a plain transcript without any header at all.")
	require.NoError(t, err)
	assert.Empty(t, doc.Title)
	assert.Equal(t, "Just a plain transcript without any header at all.", doc.Text)
}

func TestParse_TranscriptColonMarker(t *testing.T) {
	doc, err := Parse("Title: A talk\nTranscript:\nLine one.\nLine two.")
	require.NoError(t, err)
	assert.Equal(t, "A talk", doc.Title)
	assert.Equal(t, "Line one. Line two.", doc.Text)
}

func TestParse_SkipsSeparatorsInsideBody(t *testing.T) {
	doc, err := Parse("--- Transcript ---\nFirst part.\n===\nSecond part.\n--- break ---\nThird part.")
	require.NoError(t, err)
	assert.Equal(t, "First part. Second part. Third part.", doc.Text)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("")
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	_, err = Parse("   \n  \n")
	assert.ErrorIs(t, err, ErrEmptyTranscript)

	// Header only, no body.
	_, err = Parse("Title: Something\n--- Transcript ---\n")
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestNormalizeDuration(t *testing.T) {
	assert.Equal(t, "12:31", normalizeDuration("751 seconds"))
	assert.Equal(t, "10:00", normalizeDuration("600 seconds"))
	assert.Equal(t, "12:31", normalizeDuration("12:31"))
	assert.Equal(t, "abc seconds", normalizeDuration("abc seconds"))
}
