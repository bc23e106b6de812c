// Package chain executes a run's phase chain. Chains are data: an
// ordered list of phase names resolved against a registry of phase
// implementations, so operators can reorder or drop phases per
// classification without a rebuild.
package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/platform"
)

// Env is the per-run environment a phase executes in: the run record,
// its lease, the materialized worktree on the run branch and the ticket
// the run serves. Phases read from it and publish results; they never
// save state.
type Env struct {
	Run      *domain.Run
	Lease    *domain.Lease
	Ticket   *platform.Ticket
	Branch   string
	RepoPath string
	LogDir   string
}

// Result is the explicit outcome a phase reports. The zero Result fails
// the phase: there is no implicit success.
type Result struct {
	Outcome   domain.PhaseOutcome
	Category  string
	Detail    string
	Artifacts map[string]string

	// Agent usage for the journal row. Zero for delegated-tool phases.
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}

// Phase is one step of a chain. Implementations are stateless;
// everything run-specific arrives through the Env.
type Phase interface {
	Name() string
	// Prerequisites lists artifact keys that must exist before the
	// phase may run. A miss blocks the run instead of failing it.
	Prerequisites() []string
	Run(ctx context.Context, env *Env) (Result, error)
}

// Registry resolves phase names from chain definitions.
type Registry struct {
	mu     sync.RWMutex
	phases map[string]Phase
}

// NewRegistry creates an empty phase registry.
func NewRegistry() *Registry {
	return &Registry{phases: make(map[string]Phase)}
}

// Register adds a phase under its own name, replacing any previous
// registration.
func (r *Registry) Register(p Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases[p.Name()] = p
}

// Get returns the phase registered under name.
func (r *Registry) Get(name string) (Phase, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.phases[name]
	return p, ok
}

// Names returns the registered phase names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.phases))
	for name := range r.phases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definition is a chain as data: the ordered phase names plus the
// artifacts that must exist before the final phase runs and before the
// run may be marked succeeded.
type Definition struct {
	Name              string   `yaml:"name"`
	Phases            []string `yaml:"phases"`
	RequiredArtifacts []string `yaml:"required_artifacts"`
}

// Validate checks the definition shape and that every phase resolves in
// the registry.
func (d Definition) Validate(reg *Registry) error {
	if d.Name == "" {
		return fmt.Errorf("chain has no name")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("chain %s has no phases", d.Name)
	}
	seen := make(map[string]bool)
	for _, name := range d.Phases {
		if seen[name] {
			return fmt.Errorf("chain %s lists phase %s twice", d.Name, name)
		}
		seen[name] = true
		if _, ok := reg.Get(name); !ok {
			return fmt.Errorf("chain %s references unknown phase %s", d.Name, name)
		}
	}
	return nil
}

// Final returns the last phase name of the chain.
func (d Definition) Final() string {
	if len(d.Phases) == 0 {
		return ""
	}
	return d.Phases[len(d.Phases)-1]
}

// Builtins returns the built-in chain definitions keyed by name. Chains
// are named after the classifications they serve.
func Builtins() map[string]Definition {
	return map[string]Definition{
		"feature": {
			Name:              "feature",
			Phases:            []string{"plan", "build", "check", "test", "review", "document", "publish", "cleanup"},
			RequiredArtifacts: []string{domain.ArtifactPlan, domain.ArtifactBranch, domain.ArtifactMergeRequest, domain.ArtifactMergeCommit},
		},
		"bug": {
			Name:              "bug",
			Phases:            []string{"plan", "build", "check", "test", "review", "publish", "cleanup"},
			RequiredArtifacts: []string{domain.ArtifactPlan, domain.ArtifactBranch, domain.ArtifactMergeRequest, domain.ArtifactMergeCommit},
		},
		"chore": {
			Name:              "chore",
			Phases:            []string{"build", "check", "test", "publish", "cleanup"},
			RequiredArtifacts: []string{domain.ArtifactBranch, domain.ArtifactMergeRequest, domain.ArtifactMergeCommit},
		},
	}
}

// ChainFor maps a classification to its default chain name.
func ChainFor(class domain.Classification) string {
	return string(class)
}

// definitionsFile is the YAML layout of a chain definitions file.
type definitionsFile struct {
	Chains []Definition `yaml:"chains"`
}

// LoadDefinitions returns the built-in chains merged with the YAML file
// at path. File entries override built-ins of the same name; an empty
// path or a missing file yields the built-ins unchanged.
func LoadDefinitions(path string) (map[string]Definition, error) {
	defs := Builtins()
	if path == "" {
		return defs, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defs, nil
		}
		return nil, fmt.Errorf("read chain definitions: %w", err)
	}

	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse chain definitions %s: %w", path, err)
	}
	for _, d := range file.Chains {
		if d.Name == "" {
			return nil, fmt.Errorf("chain definition in %s has no name", path)
		}
		if len(d.Phases) == 0 {
			return nil, fmt.Errorf("chain %s in %s has no phases", d.Name, path)
		}
		defs[d.Name] = d
	}
	return defs, nil
}
