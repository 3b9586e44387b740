package cmdsafety

import (
	"fmt"
	"regexp"
)

// Severity classifies how a command failed (or passed) safety screening.
type Severity string

const (
	// SeverityOK means the command matched no rule in either tier.
	SeverityOK Severity = "OK"
	// SeverityRejected means the command matched the suspicious-operator tier
	// and needs human review before it may run.
	SeverityRejected Severity = "REJECTED"
	// SeverityBlocked means the command matched the destructive blocklist and
	// must never reach a host.
	SeverityBlocked Severity = "BLOCKED"
)

// Classification is the structured outcome of screening one command. The
// validator never returns an error; callers aggregate classifications instead.
type Classification struct {
	Allowed  bool     `json:"allowed"`
	Severity Severity `json:"severity"`
	Reasons  []string `json:"reasons,omitempty"`
}

// CommandRef ties a command string back to the control/check that owns it so a
// whole template can be screened in one pass.
type CommandRef struct {
	ControlID string
	CheckID   string
	Command   string
}

// Violation is one rejected or blocked command found during a template pass.
type Violation struct {
	ControlID string   `json:"control_id"`
	CheckID   string   `json:"check_id"`
	Severity  Severity `json:"severity"`
	Reasons   []string `json:"reasons"`
}

type rule struct {
	pattern *regexp.Regexp
	label   string
}

// Validator screens command strings against an ordered destructive blocklist
// and a suspicious-operator tier. The blocklist is fixed at construction and
// cannot be extended or overridden; only the suspicious tier accepts extra
// patterns from configuration.
type Validator struct {
	blocked []rule
	suspect []rule
}

// New returns a Validator carrying the built-in rule set.
func New() *Validator {
	return &Validator{
		blocked: builtinBlockRules(),
		suspect: builtinSuspectRules(),
	}
}

// AddSuspectPatterns compiles and appends extra suspicious-tier patterns,
// typically loaded from a rules file. Blocklist rules are not extendable
// through this path.
func (v *Validator) AddSuspectPatterns(patterns []PatternRule) error {
	for _, p := range patterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("compile suspect pattern %q: %w", p.Pattern, err)
		}
		label := p.Label
		if label == "" {
			label = p.Pattern
		}
		v.suspect = append(v.suspect, rule{pattern: re, label: label})
	}
	return nil
}

// Classify screens a single command. The blocklist is evaluated first and
// short-circuits on the first match; suspicious-tier matches are all collected
// so the caller sees every reason at once.
func (v *Validator) Classify(command string) Classification {
	for _, r := range v.blocked {
		if r.pattern.MatchString(command) {
			return Classification{
				Allowed:  false,
				Severity: SeverityBlocked,
				Reasons:  []string{r.label},
			}
		}
	}

	var reasons []string
	for _, r := range v.suspect {
		if r.pattern.MatchString(command) {
			reasons = append(reasons, r.label)
		}
	}
	if len(reasons) > 0 {
		return Classification{Allowed: false, Severity: SeverityRejected, Reasons: reasons}
	}

	return Classification{Allowed: true, Severity: SeverityOK}
}

// ValidateCommands screens every command in one pass and returns the full
// violation list keyed by control/check identifier. An empty command is
// skipped: checks without a custom command have nothing to screen.
func (v *Validator) ValidateCommands(refs []CommandRef) []Violation {
	var violations []Violation
	for _, ref := range refs {
		if ref.Command == "" {
			continue
		}
		c := v.Classify(ref.Command)
		if c.Allowed {
			continue
		}
		violations = append(violations, Violation{
			ControlID: ref.ControlID,
			CheckID:   ref.CheckID,
			Severity:  c.Severity,
			Reasons:   c.Reasons,
		})
	}
	return violations
}
