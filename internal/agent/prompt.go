package agent

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/storyforge/internal/engine"
)

//go:embed prompt.md
var defaultPrompt string

// NoOpMarker in the agent's final message means the story needed no change.
const NoOpMarker = "<noop/>"

// LoadBasePrompt reads a custom base prompt, or returns the built-in one when path is empty.
func LoadBasePrompt(path string) (string, error) {
	if path == "" {
		return defaultPrompt, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read prompt %s: %w", path, err)
	}
	return string(data), nil
}

// BuildPrompt renders the full instruction for one attempt.
func BuildPrompt(base string, req engine.ChangeRequest) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(base, "\n"))
	b.WriteString("\n\n## Current Task\n\n")
	fmt.Fprintf(&b, "**Story ID:** %s\n", req.Story.ID)
	fmt.Fprintf(&b, "**Title:** %s\n", req.Story.Title)
	fmt.Fprintf(&b, "**Description:** %s\n", req.Story.Description)

	b.WriteString("\n### Acceptance Criteria\n")
	if len(req.AcceptanceCriteria) == 0 {
		b.WriteString("(none given)\n")
	}
	for _, c := range req.AcceptanceCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\n## Previous Learnings\n")
	if l := strings.TrimSpace(req.Learnings); l != "" {
		b.WriteString(l)
		b.WriteByte('\n')
	} else {
		b.WriteString("(none yet)\n")
	}

	if req.PriorFailure != "" {
		fmt.Fprintf(&b, "\n## Previous Attempt Failed (attempt %d of %d failed, this is attempt %d)\n\n",
			req.Attempt-1, req.MaxAttempts, req.Attempt)
		b.WriteString("The last attempt did not succeed. Fix the cause shown below.\n\n```\n")
		b.WriteString(strings.TrimRight(req.PriorFailure, "\n"))
		b.WriteString("\n```\n")
	}
	return b.String()
}
