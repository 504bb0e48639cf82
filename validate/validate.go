// Package validate checks a launch configuration against the security policy
// and produces either a sanitized configuration or a structured rejection.
package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/xeipuuv/gojsonschema"

	"github.com/initializ/skillhost/policy"
	"github.com/initializ/skillhost/types"
)

// Reason is a machine-checkable rejection reason code.
type Reason string

const (
	ReasonCommandNotAllowed       Reason = "command_not_allowed"
	ReasonTooManyArgs             Reason = "too_many_args"
	ReasonDangerousPattern        Reason = "dangerous_pattern"
	ReasonInvalidEnvName          Reason = "invalid_env_name"
	ReasonDisallowedInterpolation Reason = "disallowed_interpolation"
	ReasonStructuralError         Reason = "structural_error"
)

// Rejection describes why a configuration was refused. It carries enough
// detail (offending argument, offending env var, exceeded limit) for an
// operator to correct the configuration without guessing.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("launch config rejected (%s): %s", r.Reason, r.Detail)
}

// Outcome is the result of validation: either a sanitized config plus the
// matched command rule, or a rejection. Exactly one side is set.
type Outcome struct {
	Config    types.LaunchConfig
	Rule      policy.CommandRule
	Rejection *Rejection
}

// Valid reports whether the outcome carries a sanitized configuration.
func (o Outcome) Valid() bool { return o.Rejection == nil }

func rejected(reason Reason, format string, args ...any) Outcome {
	return Outcome{Rejection: &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}}
}

// launchSchema is the structural contract for a raw launch configuration.
// additionalProperties:false rejects unrecognized top-level fields, a
// defense against schema-confusion attacks.
const launchSchema = `{
	"type": "object",
	"required": ["command"],
	"additionalProperties": false,
	"properties": {
		"command": {"type": "string", "minLength": 1},
		"args": {
			"type": "array",
			"maxItems": 30,
			"items": {"type": ["string", "number"]}
		},
		"env": {
			"type": "object",
			"maxProperties": 30,
			"additionalProperties": {"type": "string", "maxLength": 1024}
		}
	}
}`

var interpolationPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Validator validates launch configurations against a security policy.
type Validator struct {
	policy *policy.Policy
	schema *gojsonschema.Schema

	// lookupEnv resolves interpolation variables; defaults to os.LookupEnv.
	lookupEnv func(string) (string, bool)
}

// New creates a Validator for the given policy.
func New(p *policy.Policy) *Validator {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(launchSchema))
	if err != nil {
		// The schema is a compile-time constant; a parse failure is a bug.
		panic(fmt.Sprintf("validate: bad launch schema: %v", err))
	}
	return &Validator{policy: p, schema: schema, lookupEnv: os.LookupEnv}
}

// Validate validates a raw JSON launch configuration. Structural checks run
// first so that security checks operate on well-typed data.
func (v *Validator) Validate(raw json.RawMessage) Outcome {
	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return rejected(ReasonStructuralError, "not a JSON object: %v", err)
	}
	if !result.Valid() {
		return rejected(ReasonStructuralError, "%s", result.Errors()[0].String())
	}

	// Decode with tolerant arg typing: the schema admits numbers, which are
	// carried into the sanitized config as their decimal rendering.
	var doc struct {
		Command string            `json:"command"`
		Args    []any             `json:"args"`
		Env     map[string]string `json:"env"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return rejected(ReasonStructuralError, "decoding config: %v", err)
	}

	cfg := types.LaunchConfig{Command: doc.Command, Env: doc.Env}
	for _, a := range doc.Args {
		switch t := a.(type) {
		case string:
			cfg.Args = append(cfg.Args, t)
		case float64:
			cfg.Args = append(cfg.Args, strconv.FormatFloat(t, 'f', -1, 64))
		default:
			return rejected(ReasonStructuralError, "argument %v is not a string or number", a)
		}
	}
	return v.ValidateConfig(cfg)
}

// ValidateConfig validates an already-decoded launch configuration. The
// check order is security-relevant: the metacharacter and forbidden-argument
// scans run before the permissive per-command pattern allow-list so that a
// dangerous argument can never be accepted merely because a looser pattern
// also matches it.
func (v *Validator) ValidateConfig(cfg types.LaunchConfig) Outcome {
	if cfg.Command == "" {
		return rejected(ReasonStructuralError, "command is required")
	}

	rule, ok := v.policy.CommandAllowed(cfg.Command)
	if !ok {
		return rejected(ReasonCommandNotAllowed, "command %q is not on the allow-list", cfg.Command)
	}

	if len(cfg.Args) > rule.MaxArgs {
		return rejected(ReasonTooManyArgs, "%d arguments exceed the limit of %d for %s", len(cfg.Args), rule.MaxArgs, cfg.Command)
	}

	for _, arg := range cfg.Args {
		if len(arg) > rule.MaxArgLen {
			return rejected(ReasonStructuralError, "argument %.32q... exceeds the %d character limit", arg, rule.MaxArgLen)
		}
		if !v.policy.PatternSafe(arg) {
			return rejected(ReasonDangerousPattern, "argument %q contains a shell metacharacter or restricted path", arg)
		}
		if rule.ForbiddenArg(arg) {
			return rejected(ReasonDangerousPattern, "argument %q is forbidden for command %s", arg, cfg.Command)
		}
		if !rule.ArgMatches(arg) {
			return rejected(ReasonDangerousPattern, "argument %q does not match any allowed pattern for %s", arg, cfg.Command)
		}
	}

	if len(cfg.Env) > v.policy.MaxEnvEntries {
		return rejected(ReasonStructuralError, "%d env entries exceed the limit of %d", len(cfg.Env), v.policy.MaxEnvEntries)
	}

	sanitized := types.LaunchConfig{Command: cfg.Command}
	sanitized.Args = append(sanitized.Args, cfg.Args...)
	if cfg.Env != nil {
		sanitized.Env = make(map[string]string, len(cfg.Env))
	}
	for name, value := range cfg.Env {
		if !policy.EnvNameValid(name) {
			return rejected(ReasonInvalidEnvName, "env var name %q is not valid", name)
		}
		if len(value) > v.policy.MaxEnvValueLen {
			return rejected(ReasonStructuralError, "env var %s value exceeds the %d character limit", name, v.policy.MaxEnvValueLen)
		}
		resolved, rej := v.interpolate(value)
		if rej != nil {
			return Outcome{Rejection: rej}
		}
		sanitized.Env[name] = resolved
	}

	return Outcome{Config: sanitized, Rule: rule}
}

// interpolate resolves ${NAME} placeholders in an env value. A name outside
// the interpolation allow-list resolves to the empty string rather than
// failing the launch: unapproved secrets are stripped silently, never leaked
// and never left literal. Only a structurally invalid name is a rejection.
func (v *Validator) interpolate(value string) (string, *Rejection) {
	var rej *Rejection
	out := interpolationPattern.ReplaceAllStringFunc(value, func(m string) string {
		name := m[2 : len(m)-1]
		if !policy.EnvNameValid(name) {
			if rej == nil {
				rej = &Rejection{
					Reason: ReasonDisallowedInterpolation,
					Detail: fmt.Sprintf("interpolation %q is not a valid variable name", m),
				}
			}
			return ""
		}
		if !v.policy.EnvVarAllowed(name) {
			return ""
		}
		val, _ := v.lookupEnv(name)
		return val
	})
	return out, rej
}
