// Package runprofile loads the commands used to install and start a
// project inside its sandbox. Values support ${VAR} and $VAR expansion.
package runprofile

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one command line.
type Step struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// String renders the step as a shell-like command line.
func (s Step) String() string {
	return strings.TrimSpace(s.Command + " " + strings.Join(s.Args, " "))
}

// Profile is the run recipe for every project.
type Profile struct {
	Install Step `yaml:"install"`
	Start   Step `yaml:"start"`

	// SkipInstall runs Start directly.
	SkipInstall bool `yaml:"skip_install"`

	// Env is added to the environment of both steps.
	Env map[string]string `yaml:"env"`
}

// Default installs and starts a Node project with npm.
func Default() Profile {
	return Profile{
		Install: Step{Command: "npm", Args: []string{"install"}},
		Start:   Step{Command: "npm", Args: []string{"start"}},
	}
}

// Load reads a profile file. An empty path yields Default.
func Load(path string) (Profile, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("run profile: read %s: %w", path, err)
	}
	p, err := Parse(raw)
	if err != nil {
		return Profile{}, fmt.Errorf("run profile %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a profile, expanding environment variables first and
// filling unset steps from Default.
func Parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), &p); err != nil {
		return Profile{}, fmt.Errorf("parse: %w", err)
	}
	def := Default()
	if p.Install.Command == "" {
		p.Install = def.Install
	}
	if p.Start.Command == "" {
		p.Start = def.Start
	}
	return p, nil
}

// Environ renders Env as sorted KEY=value pairs.
func (p Profile) Environ() []string {
	out := make([]string, 0, len(p.Env))
	for k, v := range p.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the environment value.
// Missing vars become empty strings.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
