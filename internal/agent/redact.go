package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// secretPatterns match credential values, not variable names.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[a-zA-Z0-9\-]{20,}`),
	regexp.MustCompile(`sk-[a-zA-Z0-9\-]{20,}`),
	regexp.MustCompile(`gsk_[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9\-_.]{20,}`),
	regexp.MustCompile(`gh[po]_[a-zA-Z0-9]{36,}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`\b[a-f0-9]{64,}\b`),
}

// envAssignPattern catches `export -p` / `declare -p` style dumps of credential variables.
var envAssignPattern = regexp.MustCompile(
	`(?im)^(?:declare -x |export )?` +
		`(STORYFORGE_\w*|GROQ_\w*|OPENAI_\w*|ANTHROPIC_\w*|API_KEY|API_SECRET|AWS_SECRET\w*|GITHUB_TOKEN|GH_TOKEN)` +
		`[= ].*$`,
)

const redacted = "[REDACTED]"

// Redact returns text with credential values replaced and the number of replacements.
func Redact(text string) (string, int) {
	count := 0
	for _, re := range secretPatterns {
		if m := re.FindAllStringIndex(text, -1); len(m) > 0 {
			count += len(m)
			text = re.ReplaceAllString(text, redacted)
		}
	}
	if m := envAssignPattern.FindAllStringIndex(text, -1); len(m) > 0 {
		count += len(m)
		text = envAssignPattern.ReplaceAllString(text, redacted)
	}
	for strings.Contains(text, redacted+"\n"+redacted) {
		text = strings.ReplaceAll(text, redacted+"\n"+redacted, redacted)
	}
	return text, count
}

// redactDir rewrites the text artifacts in dir with credentials removed.
func redactDir(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	total := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".log", ".jsonl", ".md", ".txt":
		default:
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		clean, n := Redact(string(data))
		if n == 0 {
			continue
		}
		total += n
		slog.Warn("redacted secrets from agent output", "file", path, "count", n)
		if err := os.WriteFile(path, []byte(clean), 0o600); err != nil {
			slog.Warn("failed to rewrite redacted file", "file", path, "error", err)
		}
	}
	return total
}
