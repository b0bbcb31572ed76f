package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the settings file looked up in the repository directory.
const DefaultFile = ".storyforge.yml"

// EnvPrefix marks environment overrides, e.g. STORYFORGE_MAX_ATTEMPTS=5.
const EnvPrefix = "STORYFORGE_"

// Agent kinds.
const (
	AgentClaude = "claude"
	AgentCodex  = "codex"
	AgentScript = "script"
)

// Settings holds persistent run defaults loaded from a config file.
type Settings struct {
	Agent         string                   `yaml:"agent"`
	Agents        map[string]*AgentProfile `yaml:"agents" validate:"omitempty,dive"`
	MaxAttempts   int                      `yaml:"max_attempts" validate:"gte=0"`
	MaxStories    int                      `yaml:"max_stories" validate:"gte=0"`
	OnReject      string                   `yaml:"on_reject" validate:"omitempty,oneof=halt continue"`
	OnUnavailable string                   `yaml:"on_unavailable" validate:"omitempty,oneof=abort retry"`
	Verify        VerifyConfig             `yaml:"verify"`
	AgentTimeout  time.Duration            `yaml:"agent_timeout" validate:"gte=0"`
	IdleTimeout   time.Duration            `yaml:"idle_timeout" validate:"gte=0"`
	Prompt        string                   `yaml:"prompt,omitempty"` // path to a base prompt replacing the built-in one

	// Create or switch to the backlog's branchName before the first story
	CheckoutBranch bool         `yaml:"checkout_branch"`
	CommitAuthor   CommitAuthor `yaml:"commit_author"`
	// Paths never staged by the commit gate, in addition to storyforge's own files
	Exclude []string `yaml:"exclude,omitempty"`

	HistoryDB   string `yaml:"history_db,omitempty"`
	MetricsFile string `yaml:"metrics_file,omitempty"` // Prometheus textfile written after each run
	PostRun     string `yaml:"post_run,omitempty"`     // shell command run after the report is written; $STORYFORGE_RUN_DIR is set

	// Responses API → Chat Completions translation proxy for codex profiles
	Proxy *ProxyConfig `yaml:"proxy,omitempty"`
}

// AgentProfile configures one named agent.
type AgentProfile struct {
	Type    string            `yaml:"type" validate:"required,oneof=claude codex script"`
	Model   string            `yaml:"model,omitempty"`
	Command string            `yaml:"command,omitempty" validate:"required_if=Type script"`
	Env     map[string]string `yaml:"env,omitempty"` // values may be "env:VAR_NAME"
}

// VerifyConfig controls the acceptance check.
type VerifyConfig struct {
	Commands   []string      `yaml:"commands,omitempty"`
	Timeout    time.Duration `yaml:"timeout" validate:"gte=0"`
	OutputTail int           `yaml:"output_tail" validate:"gte=0"` // bytes of output kept per check
}

// CommitAuthor overrides the git identity used for commits.
type CommitAuthor struct {
	Name  string `yaml:"name,omitempty"`
	Email string `yaml:"email,omitempty" validate:"omitempty,email"`
}

// ProxyConfig controls the built-in Responses API → Chat Completions proxy.
type ProxyConfig struct {
	Enabled bool                    `yaml:"enabled"`
	Listen  string                  `yaml:"listen,omitempty"` // default ":4000"
	Targets map[string]*ProxyTarget `yaml:"targets" validate:"omitempty,dive"`
}

// ProxyTarget describes an upstream Chat Completions endpoint.
type ProxyTarget struct {
	BaseURL string `yaml:"base_url" validate:"required,url"`
	APIKey  string `yaml:"api_key,omitempty"` // literal or "env:VAR_NAME"
}

// Load reads path, applies STORYFORGE_* overrides and validates the result.
func Load(path string) (*Settings, error) {
	s, err := LoadSettings(path)
	if err != nil {
		return nil, err
	}
	if err := s.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return s, nil
}

// LoadSettings reads a YAML config file into Settings.
// If the file does not exist, it returns zero-value Settings and nil error.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Settings{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &s, nil
}

// sections hold nested keys; the first underscore after one becomes a dot.
var sections = []string{"verify", "commit_author", "proxy"}

// envKey maps STORYFORGE_VERIFY_TIMEOUT to verify.timeout.
func envKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_")
		}
	}
	return key
}

// ApplyEnv overlays STORYFORGE_* environment variables onto s. Scalar fields
// and fields of the verify, commit_author and proxy sections can be set;
// agent profiles cannot.
func (s *Settings) ApplyEnv() error {
	k := koanf.New(".")
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return fmt.Errorf("load environment: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil
	}
	if err := k.UnmarshalWithConf("", s, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return fmt.Errorf("apply environment overrides: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field ranges, enum values and that Agent names a usable profile.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	if s.Agent != "" {
		if _, _, err := s.Profile(s.Agent); err != nil {
			return err
		}
	}
	return nil
}

// Profile resolves an agent name to a profile. An empty name selects the
// configured default, then claude. The built-in kinds need no profile entry.
func (s *Settings) Profile(name string) (string, *AgentProfile, error) {
	if name == "" {
		name = s.Agent
	}
	if name == "" {
		name = AgentClaude
	}
	if p, ok := s.Agents[name]; ok && p != nil {
		return name, p, nil
	}
	switch name {
	case AgentClaude, AgentCodex:
		return name, &AgentProfile{Type: name}, nil
	}
	return "", nil, fmt.Errorf("unknown agent %q (known: %s)", name, strings.Join(s.ProfileNames(), ", "))
}

// ProfileNames lists configured and built-in agent names, sorted.
func (s *Settings) ProfileNames() []string {
	seen := map[string]struct{}{AgentClaude: {}, AgentCodex: {}}
	for name := range s.Agents {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
