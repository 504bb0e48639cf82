package policy

import "testing"

func TestCommandAllowed(t *testing.T) {
	p := Default()

	if _, ok := p.CommandAllowed("npx"); !ok {
		t.Fatal("expected npx to be allowed")
	}
	if _, ok := p.CommandAllowed("bash"); ok {
		t.Fatal("expected bash to be rejected")
	}
}

func TestCommandAllowed_PathSeparator(t *testing.T) {
	p := Default()

	// Basename would match, but paths must never resolve to a rule.
	for _, cmd := range []string{"/usr/bin/npx", "./npx", "bin/npx", `C:\tools\npx`} {
		if _, ok := p.CommandAllowed(cmd); ok {
			t.Fatalf("expected %q to be rejected", cmd)
		}
	}
}

func TestPatternSafe_Metachars(t *testing.T) {
	p := Default()

	for _, c := range []string{";", "&", "|", "`", "$", "(", ")", "{", "}", "!", "<", ">"} {
		if p.PatternSafe("pkg" + c + "x") {
			t.Fatalf("expected arg containing %q to be unsafe", c)
		}
	}
	if !p.PatternSafe("-y") || !p.PatternSafe("@org/tool") {
		t.Fatal("expected ordinary args to be safe")
	}
}

func TestPatternSafe_TraversalAndSystemPaths(t *testing.T) {
	p := Default()

	for _, arg := range []string{"../secrets", "..", "foo/../bar", "/etc/passwd", "/proc/self/environ", "-v=/etc/shadow"} {
		if p.PatternSafe(arg) {
			t.Fatalf("expected %q to be unsafe", arg)
		}
	}
}

func TestForbiddenArg_ContainerEscape(t *testing.T) {
	p := Default()
	rule, ok := p.CommandAllowed("docker")
	if !ok {
		t.Fatal("docker not in allow-list")
	}

	for _, arg := range []string{"--privileged", "--network=host", "--cap-add=SYS_ADMIN", "--pid=host"} {
		if !rule.ForbiddenArg(arg) {
			t.Fatalf("expected %q to be forbidden", arg)
		}
	}
	if rule.ForbiddenArg("--rm") {
		t.Fatal("--rm should not be forbidden")
	}
}

func TestEnvVarAllowed(t *testing.T) {
	p := Default()

	if !p.EnvVarAllowed("HOME") || !p.EnvVarAllowed("TAVILY_API_KEY") {
		t.Fatal("expected allow-listed names to pass")
	}
	if p.EnvVarAllowed("AWS_SECRET_ACCESS_KEY") {
		t.Fatal("non-allow-listed name must be rejected")
	}
	if p.EnvVarAllowed("lower_case") || p.EnvVarAllowed("1BAD") {
		t.Fatal("structurally invalid names must be rejected")
	}
}

func TestCommandTimeouts(t *testing.T) {
	p := Default()
	npx, _ := p.CommandAllowed("npx")
	py, _ := p.CommandAllowed("python3")

	// Interpreters get shorter budgets than artifact-fetching runners.
	if npx.Timeout <= py.Timeout {
		t.Fatalf("expected npx timeout (%v) > python3 timeout (%v)", npx.Timeout, py.Timeout)
	}
}
