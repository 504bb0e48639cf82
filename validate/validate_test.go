package validate

import (
	"encoding/json"
	"testing"

	"github.com/initializ/skillhost/policy"
	"github.com/initializ/skillhost/types"
)

func newTestValidator(env map[string]string) *Validator {
	v := New(policy.Default())
	v.lookupEnv = func(name string) (string, bool) {
		val, ok := env[name]
		return val, ok
	}
	return v
}

func TestValidate_CommandNotAllowed(t *testing.T) {
	v := newTestValidator(nil)

	out := v.Validate(json.RawMessage(`{"command":"bash","args":["-c","ls"]}`))
	if out.Valid() {
		t.Fatal("expected rejection")
	}
	if out.Rejection.Reason != ReasonCommandNotAllowed {
		t.Fatalf("expected command_not_allowed, got %s", out.Rejection.Reason)
	}
}

func TestValidate_DangerousPattern(t *testing.T) {
	v := newTestValidator(nil)

	out := v.Validate(json.RawMessage(`{"command":"npx","args":["-y","pkg; rm -rf /"]}`))
	if out.Valid() {
		t.Fatal("expected rejection")
	}
	if out.Rejection.Reason != ReasonDangerousPattern {
		t.Fatalf("expected dangerous_pattern, got %s", out.Rejection.Reason)
	}
	if out.Rejection.Detail == "" {
		t.Fatal("rejection must name the offending argument")
	}
}

func TestValidate_ContainerEscape(t *testing.T) {
	v := newTestValidator(nil)

	out := v.ValidateConfig(types.LaunchConfig{
		Command: "docker",
		Args:    []string{"run", "--privileged", "img"},
	})
	if out.Valid() || out.Rejection.Reason != ReasonDangerousPattern {
		t.Fatalf("expected dangerous_pattern for --privileged, got %+v", out)
	}
}

func TestValidate_UnknownTopLevelField(t *testing.T) {
	v := newTestValidator(nil)

	out := v.Validate(json.RawMessage(`{"command":"npx","shell":true}`))
	if out.Valid() || out.Rejection.Reason != ReasonStructuralError {
		t.Fatalf("expected structural_error for unknown field, got %+v", out)
	}
}

func TestValidate_TooManyArgs(t *testing.T) {
	v := newTestValidator(nil)

	args := make([]string, 31)
	for i := range args {
		args[i] = "-y"
	}
	out := v.ValidateConfig(types.LaunchConfig{Command: "npx", Args: args})
	if out.Valid() || out.Rejection.Reason != ReasonTooManyArgs {
		t.Fatalf("expected too_many_args, got %+v", out)
	}
}

func TestValidate_NumericArgsCoerced(t *testing.T) {
	v := newTestValidator(nil)

	out := v.Validate(json.RawMessage(`{"command":"npx","args":["-y","@org/tool","8080"]}`))
	if !out.Valid() {
		t.Fatalf("expected valid, got %v", out.Rejection)
	}
	if out.Config.Args[2] != "8080" {
		t.Fatalf("expected numeric arg coerced to string, got %q", out.Config.Args[2])
	}
}

func TestValidate_EnvInterpolation(t *testing.T) {
	v := newTestValidator(map[string]string{
		"TAVILY_API_KEY": "tvly-secret",
		"EVIL_SECRET":    "should-never-appear",
	})

	out := v.ValidateConfig(types.LaunchConfig{
		Command: "npx",
		Args:    []string{"-y", "@org/tool"},
		Env: map[string]string{
			"KEY":   "${TAVILY_API_KEY}",
			"OTHER": "pre-${EVIL_SECRET}-post",
			"UNSET": "${OPENAI_API_KEY}",
		},
	})
	if !out.Valid() {
		t.Fatalf("expected valid, got %v", out.Rejection)
	}
	if got := out.Config.Env["KEY"]; got != "tvly-secret" {
		t.Fatalf("allow-listed var: got %q", got)
	}
	// Non-allow-listed names resolve to empty, never literal, never an error.
	if got := out.Config.Env["OTHER"]; got != "pre--post" {
		t.Fatalf("stripped var: got %q", got)
	}
	// Allow-listed but unset resolves to empty.
	if got := out.Config.Env["UNSET"]; got != "" {
		t.Fatalf("unset var: got %q", got)
	}
}

func TestValidate_InvalidEnvName(t *testing.T) {
	v := newTestValidator(nil)

	out := v.ValidateConfig(types.LaunchConfig{
		Command: "npx",
		Env:     map[string]string{"lower": "x"},
	})
	if out.Valid() || out.Rejection.Reason != ReasonInvalidEnvName {
		t.Fatalf("expected invalid_env_name, got %+v", out)
	}
}

func TestValidate_MalformedInterpolation(t *testing.T) {
	v := newTestValidator(nil)

	out := v.ValidateConfig(types.LaunchConfig{
		Command: "npx",
		Env:     map[string]string{"KEY": "${not valid}"},
	})
	if out.Valid() || out.Rejection.Reason != ReasonDisallowedInterpolation {
		t.Fatalf("expected disallowed_interpolation, got %+v", out)
	}
}

func TestValidate_SanitizedIsACopy(t *testing.T) {
	v := newTestValidator(nil)

	orig := types.LaunchConfig{
		Command: "npx",
		Args:    []string{"-y", "@org/tool"},
		Env:     map[string]string{"KEY": "plain"},
	}
	out := v.ValidateConfig(orig)
	if !out.Valid() {
		t.Fatalf("expected valid, got %v", out.Rejection)
	}
	out.Config.Args[0] = "mutated"
	out.Config.Env["KEY"] = "mutated"
	if orig.Args[0] != "-y" || orig.Env["KEY"] != "plain" {
		t.Fatal("sanitized config must not alias the caller's config")
	}
}

func TestValidate_EndToEndExample(t *testing.T) {
	v := newTestValidator(map[string]string{"OPENAI_API_KEY": "sk-test"})

	out := v.Validate(json.RawMessage(`{"command":"npx","args":["-y","@org/tool"],"env":{"KEY":"${OPENAI_API_KEY}"}}`))
	if !out.Valid() {
		t.Fatalf("expected valid, got %v", out.Rejection)
	}
	if out.Config.Env["KEY"] != "sk-test" {
		t.Fatalf("interpolation failed: %q", out.Config.Env["KEY"])
	}
	if out.Rule.Timeout == 0 {
		t.Fatal("expected the npx rule to carry a timeout")
	}
}
