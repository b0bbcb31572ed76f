package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/storyforge/internal/engine"
)

func TestRecorderCounts(t *testing.T) {
	m := New()
	obs := m.Observer()
	rc := engine.RunContext{StoryID: "A"}

	obs.AttemptFinished(rc, engine.Attempt{
		Change:       engine.ChangeResult{Outcome: engine.ChangeApplied},
		Verification: &engine.Verification{Passed: false},
		Duration:     time.Second,
	})
	obs.AttemptFinished(rc, engine.Attempt{
		Change:       engine.ChangeResult{Outcome: engine.ChangeApplied},
		Verification: &engine.Verification{Passed: true},
	})
	obs.AttemptFinished(rc, engine.Attempt{Change: engine.ChangeResult{Outcome: engine.ChangeFailed}})

	start := time.Now()
	obs.StoryFinished(rc, engine.StoryResult{StoryID: "A", Outcome: engine.OutcomeAccepted, StartedAt: start, EndedAt: start.Add(time.Minute)})
	obs.RunFinished(&engine.Summary{
		Results:   []engine.StoryResult{{Outcome: engine.OutcomeAccepted}},
		Remaining: []string{"B", "C"},
		EndedAt:   start,
	})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("applied", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("applied", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("failed", "agent_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stories.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.pending))
}

func TestRunResultLabels(t *testing.T) {
	tests := []struct {
		name string
		sum  engine.Summary
		want string
	}{
		{"rejected halt", engine.Summary{Halted: true, Results: []engine.StoryResult{{Outcome: engine.OutcomeRejected}}}, "rejected"},
		{"aborted story", engine.Summary{Halted: true, Results: []engine.StoryResult{{Outcome: engine.OutcomeAborted}}}, "aborted"},
		{"load failure", engine.Summary{Halted: true}, "aborted"},
		{"empty", engine.Summary{}, "completed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			m.Observer().RunFinished(&tt.sum)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues(tt.want)))
		})
	}
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.Observer().StoryFinished(engine.RunContext{}, engine.StoryResult{Outcome: engine.OutcomeRejected})

	path := filepath.Join(t.TempDir(), "out", "storyforge.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `storyforge_stories_total{outcome="rejected"} 1`), string(data))
}
