// Package plan drafts a new backlog by asking the agent to plan a project and
// then extract the agreed stories as JSON.
package plan

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ppiankov/storyforge/internal/backlog"
)

var (
	//go:embed planning.md
	planningTemplate string
	//go:embed extraction.md
	extractionTemplate string
)

// ErrNoJSON is returned when a response contains no JSON object.
var ErrNoJSON = errors.New("no JSON object in response")

// Asker sends a free-form prompt to an agent and returns its final message.
type Asker interface {
	Ask(ctx context.Context, prompt, repoDir string) (string, error)
}

// Draft is the outcome of a planning session.
type Draft struct {
	Conversation string
	Backlog      *backlog.Backlog
	JSON         []byte // canonical encoding of Backlog, ready to save
}

// BuildPlanningPrompt returns the planning prompt, embedding the developer's
// description when one is given.
func BuildPlanningPrompt(description string) string {
	ctx := ""
	if d := strings.TrimSpace(description); d != "" {
		ctx = "## Project Description\n\n" + d + "\n\nResolve any open questions about this description in your plan."
	}
	return strings.Replace(planningTemplate, "{{context}}", ctx, 1)
}

// BuildExtractionPrompt wraps a planning conversation in the extraction prompt.
func BuildExtractionPrompt(conversation string) string {
	return strings.Replace(extractionTemplate, "{{conversation}}", conversation, 1)
}

// CleanJSONResponse strips markdown fences and any prose around the
// outermost JSON object.
func CleanJSONResponse(response string) (string, error) {
	s := strings.TrimSpace(response)
	if strings.HasPrefix(s, "```") {
		lines := strings.Split(s, "\n")
		if len(lines) > 2 {
			s = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return "", ErrNoJSON
	}
	return s[start : end+1], nil
}

// Run drives the planning and extraction prompts and returns a validated draft.
func Run(ctx context.Context, a Asker, description, repoDir string) (*Draft, error) {
	slog.Debug("planning session started", "dir", repoDir)
	conversation, err := a.Ask(ctx, BuildPlanningPrompt(description), repoDir)
	if err != nil {
		return nil, fmt.Errorf("planning session: %w", err)
	}

	slog.Debug("extracting backlog", "conversation_bytes", len(conversation))
	response, err := a.Ask(ctx, BuildExtractionPrompt(conversation), repoDir)
	if err != nil {
		return nil, fmt.Errorf("extract backlog: %w", err)
	}

	d, err := FromResponse(response)
	if err != nil {
		return nil, err
	}
	d.Conversation = conversation
	return d, nil
}

// FromResponse parses and validates an extraction response.
func FromResponse(response string) (*Draft, error) {
	cleaned, err := CleanJSONResponse(response)
	if err != nil {
		return nil, fmt.Errorf("extract backlog: %w", err)
	}
	b, err := backlog.Parse([]byte(cleaned))
	if err != nil {
		return nil, fmt.Errorf("parse generated backlog: %w", err)
	}
	for i := range b.Stories {
		b.Stories[i].Passes = false
	}
	if err := backlog.Validate(b); err != nil {
		return nil, fmt.Errorf("generated backlog: %w", err)
	}
	data, err := backlog.Marshal(b)
	if err != nil {
		return nil, err
	}
	return &Draft{Backlog: b, JSON: data}, nil
}

// Summary renders the stories of a draft for confirmation.
func Summary(b *backlog.Backlog) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Branch: %s\nStories: %d\n\n", b.BranchName, len(b.Stories))
	for _, s := range b.Stories {
		fmt.Fprintf(&sb, "  [%d] %s: %s\n", s.Priority, s.ID, s.Title)
		for _, c := range s.AcceptanceCriteria {
			fmt.Fprintf(&sb, "      - %s\n", c)
		}
	}
	return sb.String()
}
