// Package policy defines the static security policy a launch configuration
// must satisfy before a skill process may be spawned. All lookups are pure;
// a Policy is loaded at startup and never mutated.
package policy

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// CommandRule holds the per-command resource limits and argument rules for
// one allow-listed command.
type CommandRule struct {
	MaxArgs       int
	MaxArgLen     int
	Timeout       time.Duration
	ArgPatterns   []*regexp.Regexp // at least one must match each argument
	ForbiddenArgs []string         // exact or prefix (trailing =) matches
}

// Policy is the full security policy: the command allow-list plus the
// environment rules shared by every command.
type Policy struct {
	Commands       map[string]CommandRule
	EnvAllowlist   map[string]bool // names permitted for ${VAR} interpolation
	MaxEnvEntries  int
	MaxEnvValueLen int
}

var envNamePattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

// shellMetachars are rejected in any argument regardless of command.
const shellMetachars = ";&|`$(){}!<>"

// systemPaths are absolute prefixes no argument may reference.
var systemPaths = []string{"/etc/", "/proc/", "/sys/", "/dev/", "/root/.ssh"}

// containerEscapeArgs are container-runner flags that break isolation.
var containerEscapeArgs = []string{
	"--privileged",
	"--cap-add",
	"--security-opt",
	"--pid=host",
	"--network=host",
	"--net=host",
	"--ipc=host",
	"--userns=host",
	"--device",
	"-v=/var/run/docker.sock",
	"--volume=/var/run/docker.sock",
	"--mount=type=bind,source=/var/run/docker.sock",
}

// Default returns the built-in policy: package runners, a container runner
// and two interpreters. Container and package-runner commands carry longer
// timeouts because they may fetch artifacts on first use.
func Default() *Policy {
	pkgArg := regexp.MustCompile(`^[@a-zA-Z0-9][a-zA-Z0-9@/._:-]*$`)
	flagArg := regexp.MustCompile(`^-{1,2}[a-zA-Z0-9][a-zA-Z0-9=._,/-]*$`)
	pathArg := regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 ._/-]*$`)

	return &Policy{
		Commands: map[string]CommandRule{
			"npx": {
				MaxArgs:     30,
				MaxArgLen:   256,
				Timeout:     120 * time.Second,
				ArgPatterns: []*regexp.Regexp{pkgArg, flagArg},
			},
			"uvx": {
				MaxArgs:     30,
				MaxArgLen:   256,
				Timeout:     120 * time.Second,
				ArgPatterns: []*regexp.Regexp{pkgArg, flagArg},
			},
			"docker": {
				MaxArgs:       30,
				MaxArgLen:     256,
				Timeout:       180 * time.Second,
				ArgPatterns:   []*regexp.Regexp{pkgArg, flagArg, pathArg},
				ForbiddenArgs: containerEscapeArgs,
			},
			"node": {
				MaxArgs:     20,
				MaxArgLen:   256,
				Timeout:     30 * time.Second,
				ArgPatterns: []*regexp.Regexp{pathArg, flagArg},
			},
			"python3": {
				MaxArgs:     20,
				MaxArgLen:   256,
				Timeout:     30 * time.Second,
				ArgPatterns: []*regexp.Regexp{pathArg, flagArg},
			},
		},
		EnvAllowlist: map[string]bool{
			"HOME":              true,
			"PATH":              true,
			"TMPDIR":            true,
			"XDG_DATA_HOME":     true,
			"XDG_CONFIG_HOME":   true,
			"ANTHROPIC_API_KEY": true,
			"OPENAI_API_KEY":    true,
			"TAVILY_API_KEY":    true,
			"GITHUB_TOKEN":      true,
		},
		MaxEnvEntries:  30,
		MaxEnvValueLen: 1024,
	}
}

// CommandAllowed reports whether cmd is on the allow-list and returns its
// rule. Any path separator in cmd causes rejection even when the basename
// would match: a disguised absolute path must never resolve to a rule.
func (p *Policy) CommandAllowed(cmd string) (CommandRule, bool) {
	if strings.ContainsAny(cmd, `/\`) {
		return CommandRule{}, false
	}
	rule, ok := p.Commands[filepath.Base(cmd)]
	return rule, ok
}

// PatternSafe reports whether arg is free of shell metacharacters, parent
// directory traversal, system config paths and quote characters. This check
// runs before any permissive per-command pattern is consulted.
func (p *Policy) PatternSafe(arg string) bool {
	if strings.ContainsAny(arg, shellMetachars) {
		return false
	}
	if strings.ContainsAny(arg, "'\"\\\n\r") {
		return false
	}
	if strings.Contains(arg, "../") || strings.HasPrefix(arg, "..") {
		return false
	}
	for _, prefix := range systemPaths {
		if strings.HasPrefix(arg, prefix) || strings.Contains(arg, "="+prefix) {
			return false
		}
	}
	return true
}

// ForbiddenArg reports whether arg matches one of the rule's forbidden
// arguments, either exactly or as a prefix followed by '='.
func (r CommandRule) ForbiddenArg(arg string) bool {
	for _, f := range r.ForbiddenArgs {
		if arg == f || strings.HasPrefix(arg, f+"=") {
			return true
		}
	}
	return false
}

// ArgMatches reports whether arg matches at least one of the rule's argument
// patterns. A rule without patterns accepts any argument that already passed
// the safety scans.
func (r CommandRule) ArgMatches(arg string) bool {
	if len(r.ArgPatterns) == 0 {
		return true
	}
	for _, re := range r.ArgPatterns {
		if re.MatchString(arg) {
			return true
		}
	}
	return false
}

// EnvNameValid reports whether name is a structurally valid environment
// variable name.
func EnvNameValid(name string) bool {
	return envNamePattern.MatchString(name)
}

// EnvVarAllowed reports whether name may be used as an interpolation source.
// The name must be structurally valid and a member of the allow-list.
func (p *Policy) EnvVarAllowed(name string) bool {
	return EnvNameValid(name) && p.EnvAllowlist[name]
}
