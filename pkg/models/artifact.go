package models

import "strings"

// MinImitationWords is the structural floor for an imitation sentence.
// Candidates below it are rejected at validation and correction.
const MinImitationWords = 8

// MinMapEntries is the default floor for the category map. Validation
// accepts 1 in relaxed mode; correction acceptance requires 2.
const MinMapEntries = 2

// ShadowArtifact is the structured output for one chunk: the source
// sentence, a topic-migrated imitation with the same grammatical
// skeleton, and the category map describing each substitution.
//
// Map keys are category labels invented by the model; the value is the
// [original phrase, imitation phrase] pair. The key set is open — never
// validate against a fixed vocabulary.
type ShadowArtifact struct {
	Original     string              `json:"original"`
	Imitation    string              `json:"imitation"`
	Map          map[string][]string `json:"map"`
	Paragraph    string              `json:"paragraph,omitempty"`
	QualityScore float64             `json:"quality_score"`
}

// WordCount counts whitespace-separated words in the imitation.
func (a *ShadowArtifact) WordCount() int {
	return len(strings.Fields(a.Imitation))
}

// QualityVerdict is the outcome of the five-dimension rubric applied to
// an artifact. Score ranges: grammar 0–3, content 0–2, logic 0–3,
// topic 0–2, learning 0–1 (total 0–11).
type QualityVerdict struct {
	Grammar   int      `json:"grammar_score"`
	Content   int      `json:"content_score"`
	Logic     int      `json:"logic_score"`
	Topic     int      `json:"topic_score"`
	Learning  int      `json:"learning_score"`
	Total     int      `json:"total_score"`
	Reasoning string   `json:"reasoning,omitempty"`
	Issues    []string `json:"issues,omitempty"`
	Pass      bool     `json:"pass"`
	LogicVeto bool     `json:"logic_veto"`
}

// PassThreshold is the minimum total score for a verdict to pass.
const PassThreshold = 9

// MinLogicScore is the hard veto floor: any verdict with logic below it
// fails regardless of total.
const MinLogicScore = 2

// Evaluate recomputes Total, LogicVeto, and Pass from the dimension
// scores. The model's own pass field is advisory; this is authoritative.
func (v *QualityVerdict) Evaluate() {
	v.Total = v.Grammar + v.Content + v.Logic + v.Topic + v.Learning
	v.LogicVeto = v.Logic < MinLogicScore
	v.Pass = v.Total >= PassThreshold && !v.LogicVeto
}

// Chunk is a sentence-bounded slice of the transcript sized for a
// single LLM call. IDs are dense 0..N-1 in source order.
type Chunk struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// TranscriptMeta is optional metadata attached to an ingested transcript.
type TranscriptMeta struct {
	Title   string `json:"title,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	URL     string `json:"url,omitempty"`
}
