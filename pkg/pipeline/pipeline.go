// Package pipeline implements the per-chunk state machine: generate a
// shadow-writing candidate, validate its structure, score it against
// the quality rubric, correct it once if it fails, and finalize.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tedlearn/shadowwriter/pkg/llm"
	"github.com/tedlearn/shadowwriter/pkg/models"
)

// Purposes resolved through the LLM client's route table.
const (
	PurposeShadowWriting = "shadow_writing"
	PurposeQuality       = "quality"
	PurposeCorrection    = "correction"
)

// DefaultStageTimeout bounds each LLM-backed stage, including key
// rotation and cooldown waits inside the call loop.
const DefaultStageTimeout = 120 * time.Second

// Stage-level failures. Each marks the chunk Failed; the task carries on
// with its remaining chunks.
var (
	ErrEmptyGeneration    = errors.New("generation returned no candidate")
	ErrValidationFailed   = errors.New("candidate failed structural validation")
	ErrCorrectionRejected = errors.New("corrected candidate failed acceptance")
	ErrQualityUnavailable = errors.New("quality evaluation unavailable")
)

// State is the position of a chunk in its pipeline. Transitions are
// strictly forward; Finalized and Failed are terminal.
type State string

const (
	StatePending   State = "pending"
	StateGenerated State = "generated"
	StateValidated State = "validated"
	StateScored    State = "scored"
	StateCorrected State = "corrected"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

// Caller issues one structured LLM call. Satisfied by *llm.Client.
type Caller interface {
	Call(ctx context.Context, purpose, prompt string, schema llm.Schema) (map[string]any, error)
}

// Result is the terminal outcome of one chunk pipeline.
type Result struct {
	Chunk     models.Chunk
	State     State
	Artifact  *models.ShadowArtifact
	Verdict   *models.QualityVerdict
	Corrected bool
	Err       error
}

// Pipeline runs the chunk state machine. One instance is shared across
// concurrent chunks; it holds no per-chunk state.
type Pipeline struct {
	caller       Caller
	stageTimeout time.Duration
	log          *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithStageTimeout overrides the per-stage deadline.
func WithStageTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.stageTimeout = d }
}

// New returns a pipeline backed by the given LLM caller.
func New(caller Caller, opts ...Option) *Pipeline {
	p := &Pipeline{
		caller:       caller,
		stageTimeout: DefaultStageTimeout,
		log:          slog.With("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var generateSchema = llm.Schema{
	"original":  llm.KindString,
	"imitation": llm.KindString,
	"map":       llm.KindObject,
}

var qualitySchema = llm.Schema{
	"step1_grammar":  llm.KindNumber,
	"step2_content":  llm.KindNumber,
	"step3_logic":    llm.KindNumber,
	"step4_topic":    llm.KindNumber,
	"step5_learning": llm.KindNumber,
	"total_score":    llm.KindNumber,
}

// Run drives one chunk through the state machine and returns its
// terminal result. A non-nil Result is always returned; Result.Err is
// set when the chunk ends in StateFailed.
func (p *Pipeline) Run(ctx context.Context, chunk models.Chunk) *Result {
	res := &Result{Chunk: chunk, State: StatePending}
	log := p.log.With("chunk_id", chunk.ID)

	artifact, err := p.generate(ctx, chunk)
	if err != nil {
		log.Warn("Chunk generation failed", "error", err)
		return res.fail(err)
	}
	res.State = StateGenerated

	if err := validate(artifact); err != nil {
		log.Warn("Chunk validation failed", "error", err)
		return res.fail(err)
	}
	res.State = StateValidated
	res.Artifact = artifact

	verdict, err := p.score(ctx, artifact)
	if err != nil {
		log.Warn("Quality evaluation failed", "error", err)
		return res.fail(err)
	}
	res.State = StateScored
	res.Verdict = verdict
	artifact.QualityScore = float64(verdict.Total)

	if !verdict.Pass {
		log.Info("Quality gate failed, correcting",
			"total", verdict.Total, "logic", verdict.Logic, "logic_veto", verdict.LogicVeto)
		corrected, err := p.correct(ctx, artifact, verdict)
		if err != nil {
			log.Warn("Correction failed", "error", err)
			return res.fail(err)
		}
		corrected.QualityScore = float64(verdict.Total)
		res.State = StateCorrected
		res.Artifact = corrected
		res.Corrected = true
	}

	res.State = StateFinalized
	return res
}

func (r *Result) fail(err error) *Result {
	r.State = StateFailed
	r.Err = err
	return r
}

// generate asks the model for a raw candidate and decodes it.
func (p *Pipeline) generate(ctx context.Context, chunk models.Chunk) (*models.ShadowArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	result, err := p.caller.Call(ctx, PurposeShadowWriting, buildGeneratePrompt(chunk.Text), generateSchema)
	if err != nil {
		return nil, err
	}
	artifact := decodeArtifact(result, chunk.Text)
	if artifact == nil {
		return nil, ErrEmptyGeneration
	}
	return artifact, nil
}

// validate is the pure structural check. No LLM call.
func validate(a *models.ShadowArtifact) error {
	if a.Original == "" || a.Imitation == "" {
		return fmt.Errorf("%w: missing original or imitation", ErrValidationFailed)
	}
	if a.WordCount() < models.MinImitationWords {
		return fmt.Errorf("%w: imitation has %d words, need at least %d",
			ErrValidationFailed, a.WordCount(), models.MinImitationWords)
	}
	if len(a.Map) < 1 {
		return fmt.Errorf("%w: empty category map", ErrValidationFailed)
	}
	for category, pair := range a.Map {
		if len(pair) == 0 {
			return fmt.Errorf("%w: category %q maps to an empty list", ErrValidationFailed, category)
		}
	}
	return nil
}

// score runs the rubric prompt and enforces the pass rule in code. The
// model's own pass field is advisory only.
func (p *Pipeline) score(ctx context.Context, a *models.ShadowArtifact) (*models.QualityVerdict, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	result, err := p.caller.Call(ctx, PurposeQuality, buildQualityPrompt(a), qualitySchema)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrQualityUnavailable, err)
	}

	v := &models.QualityVerdict{
		Grammar:   intField(result, "step1_grammar"),
		Content:   intField(result, "step2_content"),
		Logic:     intField(result, "step3_logic"),
		Topic:     intField(result, "step4_topic"),
		Learning:  intField(result, "step5_learning"),
		Reasoning: stringField(result, "reasoning"),
		Issues:    stringListField(result, "step3_issues"),
	}
	v.Evaluate()
	return v, nil
}

// correct runs the single correction pass. Acceptance is structural:
// the improved imitation needs at least MinImitationWords words and the
// map at least MinMapEntries entries. There is no re-scoring.
func (p *Pipeline) correct(ctx context.Context, a *models.ShadowArtifact, v *models.QualityVerdict) (*models.ShadowArtifact, error) {
	ctx, cancel := context.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	result, err := p.caller.Call(ctx, PurposeCorrection, buildCorrectionPrompt(a, v), generateSchema)
	if err != nil {
		return nil, err
	}

	corrected := decodeArtifact(result, a.Paragraph)
	if corrected == nil {
		return nil, ErrCorrectionRejected
	}
	if corrected.Original == "" {
		corrected.Original = a.Original
	}
	if corrected.WordCount() < models.MinImitationWords {
		return nil, fmt.Errorf("%w: imitation has %d words, need at least %d",
			ErrCorrectionRejected, corrected.WordCount(), models.MinImitationWords)
	}
	if len(corrected.Map) < models.MinMapEntries {
		return nil, fmt.Errorf("%w: map has %d entries, need at least %d",
			ErrCorrectionRejected, len(corrected.Map), models.MinMapEntries)
	}
	return corrected, nil
}

// decodeArtifact converts a parsed LLM response into an artifact,
// tolerating loosely typed map values. Returns nil when the response
// carries no usable candidate.
func decodeArtifact(result map[string]any, paragraph string) *models.ShadowArtifact {
	if result == nil {
		return nil
	}
	a := &models.ShadowArtifact{
		Original:  stringField(result, "original"),
		Imitation: stringField(result, "imitation"),
		Map:       decodeMap(result["map"]),
		Paragraph: paragraph,
	}
	if a.Original == "" && a.Imitation == "" && len(a.Map) == 0 {
		return nil
	}
	return a
}

// decodeMap converts the open-keyed category map. Values are normally
// lists of strings; lone strings are wrapped and non-strings rendered.
func decodeMap(v any) map[string][]string {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string][]string, len(obj))
	for category, raw := range obj {
		switch val := raw.(type) {
		case []any:
			pair := make([]string, 0, len(val))
			for _, item := range val {
				pair = append(pair, fmt.Sprintf("%v", item))
			}
			out[category] = pair
		case string:
			out[category] = []string{val}
		default:
			out[category] = []string{fmt.Sprintf("%v", val)}
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func stringListField(m map[string]any, key string) []string {
	list, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
