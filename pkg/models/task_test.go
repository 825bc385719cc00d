package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeProgress(t *testing.T) {
	tests := []struct {
		name      string
		status    TaskStatus
		completed int
		total     int
		want      int
	}{
		{"pending", TaskStatusPending, 0, 0, 0},
		{"parsing", TaskStatusParsing, 0, 0, 10},
		{"chunking", TaskStatusChunking, 0, 5, 20},
		{"processing zero done", TaskStatusProcessing, 0, 4, 20},
		{"processing half done", TaskStatusProcessing, 2, 4, 50},
		{"processing all done", TaskStatusProcessing, 4, 4, 80},
		{"processing no chunks yet", TaskStatusProcessing, 0, 0, 20},
		{"processing completed overshoot clamps", TaskStatusProcessing, 9, 4, 80},
		{"quality check", TaskStatusQualityCheck, 4, 4, 80},
		{"completed", TaskStatusCompleted, 4, 4, 100},
		{"failed", TaskStatusFailed, 1, 4, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeProgress(tt.status, tt.completed, tt.total))
		})
	}
}

func TestComputeProgress_MonotonicAcrossLifecycle(t *testing.T) {
	// A task walking the full lifecycle must never see progress decrease.
	total := 7
	prev := -1
	observe := func(status TaskStatus, completed int) {
		p := ComputeProgress(status, completed, total)
		assert.GreaterOrEqual(t, p, prev, "progress went backwards at %s/%d", status, completed)
		prev = p
	}

	observe(TaskStatusPending, 0)
	observe(TaskStatusParsing, 0)
	observe(TaskStatusChunking, 0)
	for i := 0; i <= total; i++ {
		observe(TaskStatusProcessing, i)
	}
	observe(TaskStatusQualityCheck, total)
	observe(TaskStatusCompleted, total)
}

func TestTaskStatus_Terminal(t *testing.T) {
	assert.True(t, TaskStatusCompleted.Terminal())
	assert.True(t, TaskStatusFailed.Terminal())
	assert.False(t, TaskStatusPending.Terminal())
	assert.False(t, TaskStatusProcessing.Terminal())
}

func TestQualityVerdict_Evaluate(t *testing.T) {
	tests := []struct {
		name                string
		verdict             QualityVerdict
		wantTotal           int
		wantPass            bool
		wantLogicVeto       bool
	}{
		{
			name:      "perfect score passes",
			verdict:   QualityVerdict{Grammar: 3, Content: 2, Logic: 3, Topic: 2, Learning: 1},
			wantTotal: 11, wantPass: true, wantLogicVeto: false,
		},
		{
			name:      "exactly at threshold passes",
			verdict:   QualityVerdict{Grammar: 3, Content: 2, Logic: 2, Topic: 1, Learning: 1},
			wantTotal: 9, wantPass: true, wantLogicVeto: false,
		},
		{
			name:      "below threshold fails",
			verdict:   QualityVerdict{Grammar: 2, Content: 2, Logic: 2, Topic: 1, Learning: 1},
			wantTotal: 8, wantPass: false, wantLogicVeto: false,
		},
		{
			name:      "logic veto overrides high total",
			verdict:   QualityVerdict{Grammar: 3, Content: 2, Logic: 1, Topic: 2, Learning: 1},
			wantTotal: 9, wantPass: false, wantLogicVeto: true,
		},
		{
			name:      "model pass field is ignored",
			verdict:   QualityVerdict{Grammar: 1, Content: 1, Logic: 1, Topic: 1, Learning: 0, Pass: true},
			wantTotal: 4, wantPass: false, wantLogicVeto: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := tt.verdict
			v.Evaluate()
			assert.Equal(t, tt.wantTotal, v.Total)
			assert.Equal(t, tt.wantPass, v.Pass)
			assert.Equal(t, tt.wantLogicVeto, v.LogicVeto)
		})
	}
}

func TestShadowArtifact_WordCount(t *testing.T) {
	a := ShadowArtifact{Imitation: "The lab opened a new research wing this month"}
	assert.Equal(t, 9, a.WordCount())

	empty := ShadowArtifact{}
	assert.Equal(t, 0, empty.WordCount())
}
