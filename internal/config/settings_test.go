package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadSettings_Valid(t *testing.T) {
	content := `
agent: fast
agents:
  fast:
    type: codex
    model: gpt-5-mini
    env:
      OPENAI_API_KEY: env:MY_KEY
  local:
    type: script
    command: ./agent.sh
max_attempts: 5
on_reject: continue
on_unavailable: retry
verify:
  commands: ["go build ./...", "go test ./..."]
  timeout: 10m
agent_timeout: 45m
idle_timeout: 5m
checkout_branch: true
commit_author:
  name: Bot
  email: bot@example.com
`
	path := writeTemp(t, content)
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.MaxAttempts != 5 {
		t.Errorf("max_attempts: got %d, want 5", s.MaxAttempts)
	}
	if s.OnReject != "continue" || s.OnUnavailable != "retry" {
		t.Errorf("policies: got %q/%q", s.OnReject, s.OnUnavailable)
	}
	if len(s.Verify.Commands) != 2 || s.Verify.Timeout != 10*time.Minute {
		t.Errorf("verify: got %+v", s.Verify)
	}
	if s.AgentTimeout != 45*time.Minute {
		t.Errorf("agent_timeout: got %v, want 45m", s.AgentTimeout)
	}
	if !s.CheckoutBranch {
		t.Error("checkout_branch: got false, want true")
	}
	if s.CommitAuthor.Email != "bot@example.com" {
		t.Errorf("commit_author: got %+v", s.CommitAuthor)
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	name, p, err := s.Profile("")
	if err != nil {
		t.Fatal(err)
	}
	if name != "fast" || p.Type != AgentCodex || p.Env["OPENAI_API_KEY"] != "env:MY_KEY" {
		t.Errorf("profile: got %s %+v", name, p)
	}
}

func TestLoadSettings_Partial(t *testing.T) {
	path := writeTemp(t, `max_attempts: 2`)
	s, err := LoadSettings(path)
	if err != nil {
		t.Fatal(err)
	}

	if s.MaxAttempts != 2 {
		t.Errorf("max_attempts: got %d, want 2", s.MaxAttempts)
	}
	if s.OnReject != "" {
		t.Errorf("on_reject: got %q, want empty", s.OnReject)
	}
	if s.IdleTimeout != 0 {
		t.Errorf("idle_timeout: got %v, want 0", s.IdleTimeout)
	}
}

func TestLoadSettings_MissingFile(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "nonexistent.yml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if s.MaxAttempts != 0 {
		t.Errorf("expected zero-value settings, got max_attempts=%d", s.MaxAttempts)
	}
}

func TestLoadSettings_InvalidYAML(t *testing.T) {
	path := writeTemp(t, "max_attempts: [invalid\n")
	if _, err := LoadSettings(path); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoadSettings_Duration(t *testing.T) {
	cases := []struct {
		input string
		want  time.Duration
	}{
		{"agent_timeout: 1h", time.Hour},
		{"agent_timeout: 30m", 30 * time.Minute},
		{"agent_timeout: 90s", 90 * time.Second},
		{"agent_timeout: 1h30m", 90 * time.Minute},
	}

	for _, tc := range cases {
		path := writeTemp(t, tc.input)
		s, err := LoadSettings(path)
		if err != nil {
			t.Errorf("input %q: %v", tc.input, err)
			continue
		}
		if s.AgentTimeout != tc.want {
			t.Errorf("input %q: got %v, want %v", tc.input, s.AgentTimeout, tc.want)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr string
	}{
		{"empty", ``, ""},
		{"bad on_reject", `on_reject: skip`, "OnReject"},
		{"bad on_unavailable", `on_unavailable: ignore`, "OnUnavailable"},
		{"negative attempts", `max_attempts: -1`, "MaxAttempts"},
		{"unknown profile type", "agents:\n  x:\n    type: gemini\n", "Type"},
		{"script without command", "agents:\n  x:\n    type: script\n", "Command"},
		{"unknown default agent", `agent: nope`, `unknown agent "nope"`},
		{"builtin default agent", `agent: codex`, ""},
		{"bad author email", "commit_author:\n  email: not-an-email\n", "Email"},
		{"proxy target without url", "proxy:\n  enabled: true\n  targets:\n    m: {}\n", "BaseURL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, err := LoadSettings(writeTemp(t, tc.input))
			if err != nil {
				t.Fatal(err)
			}
			err = s.Validate()
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("STORYFORGE_MAX_ATTEMPTS", "7")
	t.Setenv("STORYFORGE_ON_REJECT", "continue")
	t.Setenv("STORYFORGE_VERIFY_TIMEOUT", "2m")
	t.Setenv("STORYFORGE_COMMIT_AUTHOR_NAME", "env-bot")
	t.Setenv("STORYFORGE_CHECKOUT_BRANCH", "true")

	path := writeTemp(t, "max_attempts: 2\nidle_timeout: 3m\nverify:\n  commands: [make check]\n")
	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.MaxAttempts != 7 {
		t.Errorf("max_attempts: got %d, want 7 from env", s.MaxAttempts)
	}
	if s.OnReject != "continue" {
		t.Errorf("on_reject: got %q", s.OnReject)
	}
	if s.Verify.Timeout != 2*time.Minute {
		t.Errorf("verify.timeout: got %v", s.Verify.Timeout)
	}
	if len(s.Verify.Commands) != 1 || s.Verify.Commands[0] != "make check" {
		t.Errorf("verify.commands from file lost: %v", s.Verify.Commands)
	}
	if s.IdleTimeout != 3*time.Minute {
		t.Errorf("idle_timeout from file lost: %v", s.IdleTimeout)
	}
	if s.CommitAuthor.Name != "env-bot" || !s.CheckoutBranch {
		t.Errorf("env overrides not applied: %+v", s)
	}
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("STORYFORGE_ON_UNAVAILABLE", "sometimes")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yml")); err == nil {
		t.Fatal("expected validation error from env override")
	}
}

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"STORYFORGE_MAX_ATTEMPTS":        "max_attempts",
		"STORYFORGE_VERIFY_OUTPUT_TAIL":  "verify.output_tail",
		"STORYFORGE_COMMIT_AUTHOR_EMAIL": "commit_author.email",
		"STORYFORGE_PROXY_LISTEN":        "proxy.listen",
		"STORYFORGE_HISTORY_DB":          "history_db",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%s) = %q, want %q", in, got, want)
		}
	}
}

func TestProfileNames(t *testing.T) {
	s := &Settings{Agents: map[string]*AgentProfile{"local": {Type: AgentScript, Command: "x"}}}
	got := strings.Join(s.ProfileNames(), ",")
	if got != "claude,codex,local" {
		t.Errorf("got %s", got)
	}
	if _, _, err := s.Profile("missing"); err == nil {
		t.Error("expected unknown agent error")
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
