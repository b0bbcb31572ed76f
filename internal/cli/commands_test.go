package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/storyforge/internal/backlog"
	"github.com/ppiankov/storyforge/internal/lock"
)

const passingBacklog = `{
  "branchName": "feature/x",
  "stories": [
    {"id": "US-001", "title": "One", "description": "d", "priority": 1, "passes": true, "acceptance_criteria": ["a"]},
    {"id": "US-002", "title": "Two", "description": "d", "priority": 2, "passes": true, "acceptance_criteria": ["b"]}
  ]
}
`

func execRoot(t *testing.T, args ...string) error {
	t.Helper()
	oldDir, oldPrd, oldCfg, oldVerbose := repoDir, prdFile, configFile, verbose
	t.Cleanup(func() { repoDir, prdFile, configFile, verbose = oldDir, oldPrd, oldCfg, oldVerbose })

	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	return root.Execute()
}

func writeBacklog(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, backlog.DefaultFile), []byte(content), 0o644))
	return dir
}

func loadStories(t *testing.T, dir string) *backlog.Backlog {
	t.Helper()
	b, err := backlog.NewStore(filepath.Join(dir, backlog.DefaultFile)).Load()
	require.NoError(t, err)
	return b
}

func TestResetCommand(t *testing.T) {
	dir := writeBacklog(t, passingBacklog)

	require.NoError(t, execRoot(t, "reset", "--dir", dir, "US-002"))
	b := loadStories(t, dir)
	assert.True(t, b.Story("US-001").Passes)
	assert.False(t, b.Story("US-002").Passes)

	require.NoError(t, execRoot(t, "reset", "--dir", dir, "--all"))
	assert.False(t, loadStories(t, dir).Story("US-001").Passes)
}

func TestResetCommand_Arguments(t *testing.T) {
	dir := writeBacklog(t, passingBacklog)

	assert.Error(t, execRoot(t, "reset", "--dir", dir))
	assert.Error(t, execRoot(t, "reset", "--dir", dir, "--all", "US-001"))
	assert.Error(t, execRoot(t, "reset", "--dir", dir, "US-404"))
}

func TestResetCommand_RefusesWhileLocked(t *testing.T) {
	dir := writeBacklog(t, passingBacklog)
	l, err := lock.Acquire(dir, "busy")
	require.NoError(t, err)
	defer l.Release()

	err = execRoot(t, "reset", "--dir", dir, "--all")
	assert.ErrorIs(t, err, lock.ErrLocked)
	assert.True(t, loadStories(t, dir).Story("US-001").Passes)
}

func TestValidateCommand(t *testing.T) {
	dir := writeBacklog(t, passingBacklog)
	assert.NoError(t, execRoot(t, "validate", "--dir", dir, "--strict"))

	loose := writeBacklog(t, `{"stories": [{"id": "US-001", "priority": 1}]}`)
	assert.NoError(t, execRoot(t, "validate", "--dir", loose))
	assert.Error(t, execRoot(t, "validate", "--dir", loose, "--strict"), "authoring rules need a branch and criteria")

	dup := writeBacklog(t, `{"stories": [{"id": "A", "priority": 1}, {"id": "A", "priority": 2}]}`)
	assert.Error(t, execRoot(t, "validate", "--dir", dup))
}

func TestUnlockCommand(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, execRoot(t, "unlock", "--dir", dir), "no lock is not an error")

	_, err := lock.Acquire(dir, "stale")
	require.NoError(t, err)
	require.NoError(t, execRoot(t, "unlock", "--dir", dir))
	_, err = os.Stat(lock.Path(dir))
	assert.True(t, os.IsNotExist(err))
}

func TestShowStatus(t *testing.T) {
	dir := writeBacklog(t, passingBacklog)
	useDir(t, dir)

	var buf bytes.Buffer
	require.NoError(t, showStatus(&buf, false))
	assert.Contains(t, buf.String(), "All stories pass.")

	err := showStatus(&buf, true)
	assert.Error(t, err, "no run report yet")
}

func TestHistoryCommand_NoDatabase(t *testing.T) {
	err := execRoot(t, "history", "--dir", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no history")
}

type fakeAsker struct {
	responses []string
	prompts   []string
}

func (f *fakeAsker) Ask(_ context.Context, prompt, _ string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	if len(f.responses) == 0 {
		return "", errors.New("no more responses")
	}
	r := f.responses[0]
	f.responses = f.responses[1:]
	return r, nil
}

const extracted = "```json\n" + `{"branchName": "feature/todo", "stories": [
  {"id": "US-001", "title": "List todos", "description": "Show todos", "priority": 1, "passes": true, "acceptance_criteria": ["GET /todos returns 200"]}
]}` + "\n```"

func TestRunPlan_WritesBacklog(t *testing.T) {
	dir := t.TempDir()
	useDir(t, dir)
	a := &fakeAsker{responses: []string{"we agreed on one story", extracted}}

	var out bytes.Buffer
	err := runPlan(context.Background(), a, planOptions{description: "a todo app", yes: true}, false, &out)
	require.NoError(t, err)

	require.Len(t, a.prompts, 2)
	assert.Contains(t, a.prompts[0], "a todo app")
	assert.Contains(t, a.prompts[1], "we agreed on one story")
	assert.Contains(t, out.String(), "US-001: List todos")

	b := loadStories(t, dir)
	assert.Equal(t, "feature/todo", b.BranchName)
	assert.False(t, b.Story("US-001").Passes, "drafted stories start failing")
}

func TestRunPlan_NeedsConfirmation(t *testing.T) {
	dir := t.TempDir()
	useDir(t, dir)
	a := &fakeAsker{responses: []string{"conversation", extracted}}

	err := runPlan(context.Background(), a, planOptions{}, false, &bytes.Buffer{})
	assert.ErrorIs(t, err, errPlanDeclined)
	_, statErr := os.Stat(filepath.Join(dir, backlog.DefaultFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunPlan_RefusesOverwrite(t *testing.T) {
	dir := writeBacklog(t, passingBacklog)
	useDir(t, dir)
	a := &fakeAsker{}

	err := runPlan(context.Background(), a, planOptions{yes: true}, false, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "--force"))
	assert.Empty(t, a.prompts, "agent is not asked when the file exists")

	a.responses = []string{"conversation", extracted}
	require.NoError(t, runPlan(context.Background(), a, planOptions{yes: true, force: true}, false, &bytes.Buffer{}))
	assert.Equal(t, "feature/todo", loadStories(t, dir).BranchName)
}
