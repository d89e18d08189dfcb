// Package deploy resolves deployment names to binaries and describes the
// projects, typekits, and deployments installed on a host.
package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Loader resolves deployment names and enumerates what is deployable.
type Loader interface {
	// FindDeploymentBinary returns the binary path for a deployment name,
	// or false if the name is unknown.
	FindDeploymentBinary(name string) (string, bool)

	// Projects maps project name to its model text.
	Projects() map[string]string
	// Deployments maps deployment name to its owning project.
	Deployments() map[string]string
	// Typekits maps typekit name to its model text.
	Typekits() map[string]string
}

// UnknownDeploymentError reports a deployment name no loader entry matches.
type UnknownDeploymentError struct {
	Name string
}

func (e *UnknownDeploymentError) Error() string {
	return fmt.Sprintf("cannot find deployment %s", e.Name)
}

type project struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

type typekit struct {
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
}

type deployment struct {
	Name    string `yaml:"name"`
	Project string `yaml:"project"`
	Binary  string `yaml:"binary"`
}

// Index is a Loader backed by a YAML index file describing an install tree.
// Deployments without an explicit binary path resolve to
// {prefix}/bin/{name}.
type Index struct {
	Prefix         string       `yaml:"prefix"`
	ProjectList    []project    `yaml:"projects"`
	TypekitList    []typekit    `yaml:"typekits"`
	DeploymentList []deployment `yaml:"deployments"`
}

// IndexFileName is the conventional index file name, looked up from the
// working directory upward when no explicit path is configured.
const IndexFileName = "deployments.yml"

// LoadIndex reads and parses a YAML index file.
func LoadIndex(path string) (*Index, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading deployment index: %w", err)
	}
	var idx Index
	if err := yaml.Unmarshal(b, &idx); err != nil {
		return nil, fmt.Errorf("parsing deployment index %s: %w", path, err)
	}
	return &idx, nil
}

func (i *Index) FindDeploymentBinary(name string) (string, bool) {
	for _, d := range i.DeploymentList {
		if d.Name == name {
			if d.Binary != "" {
				return d.Binary, true
			}
			return filepath.Join(i.Prefix, "bin", d.Name), true
		}
	}
	return "", false
}

func (i *Index) Projects() map[string]string {
	out := make(map[string]string, len(i.ProjectList))
	for _, p := range i.ProjectList {
		out[p.Name] = p.Model
	}
	return out
}

func (i *Index) Deployments() map[string]string {
	out := make(map[string]string, len(i.DeploymentList))
	for _, d := range i.DeploymentList {
		out[d.Name] = d.Project
	}
	return out
}

func (i *Index) Typekits() map[string]string {
	out := make(map[string]string, len(i.TypekitList))
	for _, t := range i.TypekitList {
		out[t.Name] = t.Model
	}
	return out
}
