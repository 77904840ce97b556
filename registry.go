package durable

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps workflow and activity type names to their implementations.
// Workers and replayers resolve the types named in history through it.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]WorkflowFunc
	activities map[string]Activity
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]WorkflowFunc),
		activities: make(map[string]Activity),
	}
}

// RegisterWorkflow adds a workflow type to the registry
func (r *Registry) RegisterWorkflow(name string, fn WorkflowFunc) error {
	if name == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q cannot be nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow %q is already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// RegisterActivity adds an activity type to the registry
func (r *Registry) RegisterActivity(activity Activity) error {
	if activity == nil {
		return fmt.Errorf("activity cannot be nil")
	}
	name := activity.Name()
	if name == "" {
		return fmt.Errorf("activity name cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity %q is already registered", name)
	}
	r.activities[name] = activity
	return nil
}

// Workflow retrieves a workflow by name
func (r *Registry) Workflow(name string) (WorkflowFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.workflows[name]
	if !ok {
		return nil, &NotFoundError{Kind: "workflow type", Name: name}
	}
	return fn, nil
}

// Activity retrieves an activity by name
func (r *Registry) Activity(name string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[name]
	if !ok {
		return nil, &NotFoundError{Kind: "activity type", Name: name}
	}
	return a, nil
}

// Workflows returns all registered workflow names, sorted
func (r *Registry) Workflows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Activities returns all registered activity names, sorted
func (r *Registry) Activities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TypedWorkflow adapts a function with typed input and result to a
// WorkflowFunc. An empty input leaves TInput at its zero value.
func TypedWorkflow[TInput, TResult any](fn func(ctx Context, input TInput) (TResult, error)) WorkflowFunc {
	return func(ctx Context, input Payload) (any, error) {
		var in TInput
		if !input.IsEmpty() {
			if err := input.Decode(&in); err != nil {
				return nil, NewWorkflowError(ErrorTypeFatal, fmt.Sprintf("invalid workflow input: %v", err))
			}
		}
		return fn(ctx, in)
	}
}
