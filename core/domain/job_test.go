package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{StateDone, StateFailed, StateCanceled} {
		assert.True(t, s.Terminal(), "state %s", s)
	}
	for _, s := range []JobState{StateAnalyzed, StateNeedsCleanup, StateCleaning, StateNeedsFix, StateReady, StateRunning} {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}

func TestJobStateCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobState
		to   JobState
		want bool
	}{
		{"analyzed to needs_cleanup", StateAnalyzed, StateNeedsCleanup, true},
		{"analyzed to ready", StateAnalyzed, StateReady, true},
		{"analyzed straight to running", StateAnalyzed, StateRunning, false},
		{"needs_cleanup to cleaning", StateNeedsCleanup, StateCleaning, true},
		{"cleaning to needs_fix", StateCleaning, StateNeedsFix, true},
		{"cleaning to ready", StateCleaning, StateReady, true},
		{"needs_fix to running", StateNeedsFix, StateRunning, true},
		{"needs_fix to ready", StateNeedsFix, StateReady, false},
		{"ready to running", StateReady, StateRunning, true},
		{"running to done", StateRunning, StateDone, true},
		{"running to canceled", StateRunning, StateCanceled, true},
		{"running back to ready", StateRunning, StateReady, false},
		{"failure capture from setup", StateAnalyzed, StateFailed, true},
		{"failure capture from cleaning", StateCleaning, StateFailed, true},
		{"done is immutable", StateDone, StateFailed, false},
		{"canceled is immutable", StateCanceled, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransition(tt.to))
		})
	}
}

func TestJobStatePhase(t *testing.T) {
	assert.Equal(t, PhaseSetup, StateAnalyzed.Phase())
	assert.Equal(t, PhaseSetup, StateReady.Phase())
	assert.Equal(t, PhaseRunning, StateRunning.Phase())
	assert.Equal(t, PhaseFinished, StateDone.Phase())
	assert.Equal(t, PhaseFinished, StateFailed.Phase())
	assert.Equal(t, PhaseFinished, StateCanceled.Phase())
}

func TestRunCountsBillable(t *testing.T) {
	c := RunCounts{Valid: 3, Invalid: 2, Risky: 1, Unknown: 4}
	assert.Equal(t, 10, c.Total())
	assert.Equal(t, 6, c.Billable(), "unknown results are free")
}

func TestFileByKind(t *testing.T) {
	job := &BulkJob{
		OriginalFile: &FileRef{ID: "a"},
		CleanedFile:  &FileRef{ID: "b"},
	}
	assert.Equal(t, "a", job.FileByKind(FileOriginal).ID)
	assert.Equal(t, "b", job.FileByKind(FileCleaned).ID)
	assert.Nil(t, job.FileByKind(FileResult))
	assert.Equal(t, "b", job.InputFile().ID, "cleaned file supersedes the original")
}
