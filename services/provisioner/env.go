package provisioner

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ErrMissingArtifact indicates an environment variable would reference a
// path that does not exist on disk.
var ErrMissingArtifact = errors.New("missing artifact")

// EnvVar is one exported variable.
type EnvVar struct {
	Name  string
	Value string
}

// Environment is the composed configuration set for a downstream build.
// It is immutable once built; injection into a child process happens only
// through Apply or Environ.
type Environment struct {
	vars []EnvVar
}

// BuildEnvironment composes the per-target and global variables from the
// provisioned artifact roots. Every referenced path must exist; a missing
// one fails the whole build rather than exporting a dangling value. Pure
// computation, no retries.
func BuildEnvironment(cfg Config) (*Environment, error) {
	roots := make(map[string]string, len(cfg.Artifacts))
	for _, spec := range cfg.Artifacts {
		roots[spec.Name] = filepath.Join(cfg.InstallRoot, spec.Dest)
	}

	env := &Environment{}

	for _, target := range cfg.Targets {
		suffix := sanitizeTriple(target.Triple)

		refs := []struct {
			role string
			ref  ToolRef
		}{
			{"CC", target.CC},
			{"CXX", target.CXX},
			{"AR", target.AR},
			{"RANLIB", target.Ranlib},
			{"LIB_PATH", target.LibPath},
		}
		for _, r := range refs {
			if r.ref.Artifact == "" {
				continue
			}
			path, err := resolveRef(roots, r.ref)
			if err != nil {
				return nil, fmt.Errorf("target %s: %s: %w", target.Triple, r.role, err)
			}
			env.vars = append(env.vars, EnvVar{Name: r.role + "_" + suffix, Value: path})
		}

		if len(target.CFlags) > 0 {
			value, err := expandFlags(target.CFlags, roots)
			if err != nil {
				return nil, fmt.Errorf("target %s: cflags: %w", target.Triple, err)
			}
			env.vars = append(env.vars, EnvVar{Name: "CFLAGS_" + suffix, Value: value})
		}
		if len(target.LinkerFlags) > 0 {
			value, err := expandFlags(target.LinkerFlags, roots)
			if err != nil {
				return nil, fmt.Errorf("target %s: linker_flags: %w", target.Triple, err)
			}
			env.vars = append(env.vars, EnvVar{Name: "LDFLAGS_" + suffix, Value: value})
		}
	}

	if len(cfg.Global.TargetCFlags) > 0 {
		value, err := expandFlags(cfg.Global.TargetCFlags, roots)
		if err != nil {
			return nil, fmt.Errorf("target_cflags: %w", err)
		}
		env.vars = append(env.vars, EnvVar{Name: "TARGET_CFLAGS", Value: value})
	}
	if len(cfg.Global.WindowsLinkerFlags) > 0 {
		value, err := expandFlags(cfg.Global.WindowsLinkerFlags, roots)
		if err != nil {
			return nil, fmt.Errorf("windows_linker_flags: %w", err)
		}
		env.vars = append(env.vars, EnvVar{Name: "WINDOWS_LDFLAGS_OVERRIDE", Value: value})
	}

	return env, nil
}

// Vars returns the variables in composition order.
func (e *Environment) Vars() []EnvVar {
	out := make([]EnvVar, len(e.vars))
	copy(out, e.vars)
	return out
}

// Lookup returns the value for name.
func (e *Environment) Lookup(name string) (string, bool) {
	for _, v := range e.vars {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Environ renders the set as KEY=VALUE pairs.
func (e *Environment) Environ() []string {
	out := make([]string, 0, len(e.vars))
	for _, v := range e.vars {
		out = append(out, v.Name+"="+v.Value)
	}
	return out
}

// Apply injects the set into cmd on top of the current process
// environment. This is the single boundary where the configuration
// reaches a child process.
func (e *Environment) Apply(cmd *exec.Cmd) {
	cmd.Env = append(os.Environ(), e.Environ()...)
}

// WriteFile renders POSIX export lines so a CI step can source the file.
func (e *Environment) WriteFile(path string) error {
	var b strings.Builder
	for _, v := range e.vars {
		fmt.Fprintf(&b, "export %s='%s'\n", v.Name, strings.ReplaceAll(v.Value, "'", `'\''`))
	}
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

func resolveRef(roots map[string]string, ref ToolRef) (string, error) {
	root, ok := roots[ref.Artifact]
	if !ok {
		return "", fmt.Errorf("%w: unknown artifact %q", ErrMissingArtifact, ref.Artifact)
	}
	path := root
	if ref.Path != "" {
		path = filepath.Join(root, ref.Path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMissingArtifact, path, err)
	}
	return path, nil
}

// expandFlags substitutes ${name} artifact references in each token and
// joins the tokens into the flat string a build tool expects. Tokens stay
// structured until this point.
func expandFlags(tokens []string, roots map[string]string) (string, error) {
	var expandErr error
	expanded := make([]string, 0, len(tokens))
	for _, token := range tokens {
		value := os.Expand(token, func(name string) string {
			root, ok := roots[name]
			if !ok {
				if expandErr == nil {
					expandErr = fmt.Errorf("%w: unknown artifact %q", ErrMissingArtifact, name)
				}
				return ""
			}
			if _, err := os.Stat(root); err != nil && expandErr == nil {
				expandErr = fmt.Errorf("%w: %s: %v", ErrMissingArtifact, root, err)
			}
			return root
		})
		if expandErr != nil {
			return "", expandErr
		}
		expanded = append(expanded, value)
	}
	return strings.Join(expanded, " "), nil
}

func sanitizeTriple(triple string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, triple)
}
