// Package roles defines the Planner/Executor/Critic/Reviser interfaces and
// a role×name registry that resolves a plugin pair at startup, rejecting
// unknown role/name combinations instead of failing deep inside a run.
// Grounded on packages/agents/interfaces.py and packages/agents/registry.py.
package roles

import (
	"fmt"
	"strings"
	"sync"

	"github.com/overhuman/overhuman/internal/kinderr"
)

// Planner turns a TaskSpec (SRS) into a Plan.
type Planner interface {
	Name() string
	Plan(srs map[string]any, context map[string]any) (map[string]any, error)
}

// Executor runs a Plan's steps and produces a report plus execution metrics.
type Executor interface {
	Name() string
	Execute(srs, plan, context map[string]any) (reportMD string, execCtx map[string]any, err error)
}

// Critic scores a report against the SRS's acceptance criteria.
type Critic interface {
	Name() string
	Review(srs map[string]any, reportMD string, context map[string]any) (map[string]any, error)
}

// Reviser patches a failing report once, given the Critic's verdict.
type Reviser interface {
	Name() string
	Revise(srs map[string]any, reportMD string, reviewResult, context map[string]any) (string, error)
}

// PlannerFactory, ExecutorFactory, CriticFactory, and ReviserFactory build a
// fresh instance of a role's implementation. A factory rather than a bare
// instance lets a plugin carry per-run construction state (e.g. an LLM
// client) without the registry itself needing to know about it.
type (
	PlannerFactory  func() Planner
	ExecutorFactory func() Executor
	CriticFactory   func() Critic
	ReviserFactory  func() Reviser
)

// Registry is a thread-safe role→name→factory map. Unlike the teacher's
// fractal agent.Registry (which tracks a live hierarchy of spawned agent
// instances), this registry only resolves construction-time plugin choices.
type Registry struct {
	mu        sync.RWMutex
	planners  map[string]PlannerFactory
	executors map[string]ExecutorFactory
	critics   map[string]CriticFactory
	revisers  map[string]ReviserFactory
}

// New returns an empty Registry. Call RegisterDefaults to seed it with the
// rule-based implementations every deployment can fall back to.
func New() *Registry {
	return &Registry{
		planners:  map[string]PlannerFactory{},
		executors: map[string]ExecutorFactory{},
		critics:   map[string]CriticFactory{},
		revisers:  map[string]ReviserFactory{},
	}
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

func (r *Registry) RegisterPlanner(name string, f PlannerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.planners[normalize(name)] = f
}

func (r *Registry) RegisterExecutor(name string, f ExecutorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[normalize(name)] = f
}

func (r *Registry) RegisterCritic(name string, f CriticFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.critics[normalize(name)] = f
}

func (r *Registry) RegisterReviser(name string, f ReviserFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.revisers[normalize(name)] = f
}

func (r *Registry) Planner(name string) (Planner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.planners[normalize(name)]
	if !ok {
		return nil, unregistered("planner", name)
	}
	return f(), nil
}

func (r *Registry) Executor(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.executors[normalize(name)]
	if !ok {
		return nil, unregistered("executor", name)
	}
	return f(), nil
}

func (r *Registry) Critic(name string) (Critic, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.critics[normalize(name)]
	if !ok {
		return nil, unregistered("critic", name)
	}
	return f(), nil
}

func (r *Registry) Reviser(name string) (Reviser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.revisers[normalize(name)]
	if !ok {
		return nil, unregistered("reviser", name)
	}
	return f(), nil
}

func unregistered(role, name string) error {
	return kinderr.New(kinderr.NotFound, "roles.Registry", fmt.Errorf("no %s registered with name %q", role, name))
}
