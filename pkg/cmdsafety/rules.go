package cmdsafety

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PatternRule pairs a regular expression with the human-readable label used in
// classification reasons.
type PatternRule struct {
	Pattern string `yaml:"pattern"`
	Label   string `yaml:"label"`
}

type rulesFile struct {
	Suspect []PatternRule `yaml:"suspect"`
}

// LoadSuspectRulesFile reads extra suspicious-tier patterns from a YAML file.
// The file may only carry suspect rules; a blocklist section is rejected so
// nobody can weaken or widen the destructive tier through configuration.
func LoadSuspectRulesFile(path string) ([]PatternRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	for key := range probe {
		if key != "suspect" {
			return nil, fmt.Errorf("rules file %s: unsupported section %q", path, key)
		}
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return f.Suspect, nil
}

func mustRule(pattern, label string) rule {
	return rule{pattern: regexp.MustCompile(pattern), label: label}
}

// Ordering matters: the first blocklist match decides the classification.
func builtinBlockRules() []rule {
	return []rule{
		mustRule(`\brm\s+(-\w*\s+)*-\w*[rf]`, "recursive or forced file deletion"),
		mustRule(`\bshred\b|\bwipefs\b`, "file destruction"),
		mustRule(`\bmkfs(\.\w+)?\b`, "filesystem format"),
		mustRule(`\bdd\s+.*\bof=/dev/`, "raw write to block device"),
		mustRule(`\b(shutdown|poweroff|halt|reboot)\b`, "system shutdown or reboot"),
		mustRule(`\binit\s+[06]\b`, "system shutdown or reboot"),
		mustRule(`\b(useradd|userdel|usermod|groupadd|groupdel|groupmod|adduser|deluser)\b`, "user or group mutation"),
		mustRule(`\bpasswd\b`, "password change"),
		mustRule(`\bchmod\s+(-\w+\s+)*[0-7]*77[0-7]?\b`, "world-writable permission change"),
		mustRule(`\bchown\s+(-\w+\s+)*\S+\s+/`, "ownership change on system path"),
		mustRule(`\b(apt|apt-get|yum|dnf|apk|zypper)\s+(-\w+\s+)*(install|remove|purge|erase)\b`, "package install or removal"),
		mustRule(`\brpm\s+(-\w*[ie]|--install|--erase)\b`, "package install or removal"),
		mustRule(`\b(insmod|rmmod|modprobe)\b`, "kernel module load or unload"),
		mustRule(`\biptables\s+(-\w+\s+)*(-F|--flush)\b`, "firewall flush"),
		mustRule(`\bnft\s+flush\b`, "firewall flush"),
		mustRule(`\b(ufw|firewall-cmd)\b.*\b(disable|--remove)`, "firewall teardown"),
		mustRule(`\b(curl|wget)\b[^|;&]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`, "piping a download into a shell"),
		mustRule(`:\s*\(\s*\)\s*\{.*\|.*&\s*\}\s*;?\s*:`, "fork bomb"),
		mustRule(`\beval\b|\bsource\s+/dev/stdin\b`, "dynamic code evaluation"),
		mustRule(`\bsystemctl\s+(start|stop|restart|disable|mask)\b`, "service state change"),
		mustRule(`\bservice\s+\S+\s+(start|stop|restart)\b`, "service state change"),
	}
}

// All suspicious-tier matches are collected, so ordering here only affects the
// order of reasons in the classification.
func builtinSuspectRules() []rule {
	return []rule{
		mustRule(`>>`, "appends to a file"),
		mustRule(`[^>]>[^>]|^>|>$`, "redirects output to a file"),
		mustRule(`\|\s*(ba|z|da|k)?sh\b`, "pipes into a shell"),
		mustRule(`\|\s*tee\b`, "pipes into tee"),
		mustRule(`\bsed\s+(-\w+\s+)*-i\b`, "in-place file edit"),
		mustRule(`\b(python3?|perl|ruby|node)\s+(-\w+\s+)*-[ce]\b`, "inline interpreter execution"),
		mustRule(`\b(curl|wget)\b.*(\s-u\s|--user\b|Authorization:)`, "authenticated download"),
	}
}
