// Package spawn starts deployment binaries as supervised OS child processes.
//
// A Spec describes everything needed to launch one process. Spawning happens
// through a re-exec helper so that placeholder substitution and output
// redirection run inside the child, with its final pid, before the binary
// image is exec'd. See RunHelper.
package spawn

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Placeholders resolved in arguments and environment values at spawn time.
const (
	NamePlaceholder = "%NAME%"
	PIDPlaceholder  = "%PID%"
)

// EnvVar is one environment entry. Multi-element values are joined with the
// OS path-list separator before placeholder substitution.
type EnvVar struct {
	Name  string   `json:"name"`
	Value []string `json:"value"`
}

// Spec describes one process to spawn. Spec is a value type: Clone returns a
// deep copy, and mutating a copy never affects the original.
type Spec struct {
	WorkingDir string   `json:"working_dir"`
	Name       string   `json:"name"`
	Env        []EnvVar `json:"env,omitempty"`
	Binary     string   `json:"binary"`
	Args       []string `json:"args,omitempty"`
}

// Clone deep-copies the spec.
func (s Spec) Clone() Spec {
	out := s
	out.Args = append([]string(nil), s.Args...)
	out.Env = make([]EnvVar, len(s.Env))
	for i, e := range s.Env {
		out.Env[i] = EnvVar{Name: e.Name, Value: append([]string(nil), e.Value...)}
	}
	return out
}

// SetEnv sets an environment entry, replacing an existing entry with the same
// name in place and appending otherwise.
func (s *Spec) SetEnv(name string, value ...string) {
	for i := range s.Env {
		if s.Env[i].Name == name {
			s.Env[i].Value = append([]string(nil), value...)
			return
		}
	}
	s.Env = append(s.Env, EnvVar{Name: name, Value: append([]string(nil), value...)})
}

// LookupEnv returns the value of the named entry.
func (s Spec) LookupEnv(name string) ([]string, bool) {
	for _, e := range s.Env {
		if e.Name == name {
			return e.Value, true
		}
	}
	return nil, false
}

func (s Spec) substitute(v string, pid int) string {
	v = strings.ReplaceAll(v, NamePlaceholder, s.Name)
	return strings.ReplaceAll(v, PIDPlaceholder, strconv.Itoa(pid))
}

// ResolvedArgs returns the argument list with placeholders substituted for
// the given pid.
func (s Spec) ResolvedArgs(pid int) []string {
	out := make([]string, len(s.Args))
	for i, a := range s.Args {
		out[i] = s.substitute(a, pid)
	}
	return out
}

// ResolvedEnv returns the environment as NAME=value strings. Multi-element
// values are joined with the path-list separator first, then substituted.
func (s Spec) ResolvedEnv(pid int) []string {
	out := make([]string, len(s.Env))
	for i, e := range s.Env {
		joined := strings.Join(e.Value, string(os.PathListSeparator))
		out[i] = e.Name + "=" + s.substitute(joined, pid)
	}
	return out
}

// OutputFilePath returns the file both stdout and stderr of the spawned
// process are redirected to.
func (s Spec) OutputFilePath(pid int) string {
	return filepath.Join(s.WorkingDir, fmt.Sprintf("%s-%d.txt", s.Name, pid))
}

// validate rejects specs whose output file path would be ambiguous: a name
// containing the path separator combined with an environment value that still
// needs %NAME% substitution.
func (s Spec) validate() error {
	if !strings.ContainsRune(s.Name, os.PathSeparator) {
		return nil
	}
	for _, e := range s.Env {
		for _, v := range e.Value {
			if strings.Contains(v, NamePlaceholder) {
				return &ValidationError{
					Reason: fmt.Sprintf("process name %q contains the path separator and environment entry %s requires %s substitution", s.Name, e.Name, NamePlaceholder),
				}
			}
		}
	}
	return nil
}
