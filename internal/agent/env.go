package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// Credential variables are stripped from agent and script environments so a
// tool call that dumps the environment cannot leak them. Profiles that need a
// key pass it explicitly through their env map.
var (
	strippedEnvPrefixes = []string{
		"STORYFORGE_",
		"GROQ_API",
		"OPENAI_API",
		"ANTHROPIC_API",
		"AWS_SECRET",
		"AWS_SESSION",
		"GITHUB_TOKEN",
		"GH_TOKEN",
	}
	strippedEnvNames = map[string]bool{
		"API_KEY":    true,
		"API_SECRET": true,
		"SECRET_KEY": true,
	}
)

// SanitizedEnv returns the process environment without credential variables.
func SanitizedEnv() []string {
	return sanitizeEnv(os.Environ())
}

func sanitizeEnv(environ []string) []string {
	clean := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, ok := strings.Cut(entry, "=")
		if ok && sensitiveName(strings.ToUpper(name)) {
			continue
		}
		clean = append(clean, entry)
	}
	return clean
}

func sensitiveName(upper string) bool {
	if strippedEnvNames[upper] {
		return true
	}
	for _, p := range strippedEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}

// ResolveEnv replaces "env:NAME" values with the named variable from the
// environment. An unset or empty reference is an error.
func ResolveEnv(env map[string]string) (map[string]string, error) {
	if len(env) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		ref, isRef := strings.CutPrefix(v, "env:")
		if !isRef {
			out[k] = v
			continue
		}
		val := os.Getenv(ref)
		if val == "" {
			return nil, fmt.Errorf("env var %q (referenced by %q) is not set", ref, k)
		}
		out[k] = val
	}
	return out, nil
}

// envSlice renders env as sorted "K=V" entries.
func envSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	s := make([]string, 0, len(env))
	for k, v := range env {
		s = append(s, k+"="+v)
	}
	sort.Strings(s)
	return s
}
