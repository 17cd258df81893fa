package task

import (
	"fmt"
	"slices"
	"sync"

	"github.com/phrazzld/studio-queue/internal/domain"
)

// Registered task types
const (
	TypeVideo           = "video"
	TypeAnimatedLesson  = "animated_lesson"
	TypeCourseVideo     = "course_video"
	TypeDocumentation   = "documentation"
	TypeQuiz            = "quiz"
	TypeStoryGeneration = "story_generation"
	TypeImageGeneration = "image_generation"
	TypeVoiceGeneration = "voice_generation"
)

// DefaultPolicies holds the execution policy of every built-in task type.
var DefaultPolicies = map[string]domain.Policy{
	TypeVideo:           {MaxAttempts: 3, TimeoutMinutes: 45, PriorityDefault: domain.PriorityNormal, RequiresCredits: true, EstimatedDurationMinutes: 30},
	TypeAnimatedLesson:  {MaxAttempts: 3, TimeoutMinutes: 30, PriorityDefault: domain.PriorityNormal, RequiresCredits: true, EstimatedDurationMinutes: 20},
	TypeCourseVideo:     {MaxAttempts: 3, TimeoutMinutes: 45, PriorityDefault: domain.PriorityNormal, RequiresCredits: true, EstimatedDurationMinutes: 35},
	TypeDocumentation:   {MaxAttempts: 2, TimeoutMinutes: 15, PriorityDefault: domain.PriorityNormal, RequiresCredits: false, EstimatedDurationMinutes: 10},
	TypeQuiz:            {MaxAttempts: 2, TimeoutMinutes: 10, PriorityDefault: domain.PriorityNormal, RequiresCredits: false, EstimatedDurationMinutes: 5},
	TypeStoryGeneration: {MaxAttempts: 2, TimeoutMinutes: 10, PriorityDefault: domain.PriorityNormal, RequiresCredits: true, EstimatedDurationMinutes: 5},
	TypeImageGeneration: {MaxAttempts: 2, TimeoutMinutes: 15, PriorityDefault: domain.PriorityNormal, RequiresCredits: true, EstimatedDurationMinutes: 8},
	TypeVoiceGeneration: {MaxAttempts: 2, TimeoutMinutes: 20, PriorityDefault: domain.PriorityNormal, RequiresCredits: true, EstimatedDurationMinutes: 12},
}

// Factory creates the processor that handles one execution.
type Factory func() Processor

type registration struct {
	factory Factory
	policy  domain.Policy
}

// Registry maps task types to processor factories and policies. It is
// populated at startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds taskType to factory under policy.
func (r *Registry) Register(taskType string, policy domain.Policy, factory Factory) error {
	if taskType == "" || factory == nil {
		return fmt.Errorf("register %q: type and factory are required", taskType)
	}
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("register %q: max_attempts must be at least 1", taskType)
	}
	if !policy.PriorityDefault.Valid() {
		policy.PriorityDefault = domain.PriorityNormal
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[taskType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, taskType)
	}
	r.entries[taskType] = registration{factory: factory, policy: policy}
	return nil
}

// MustRegister is like Register but panics on error. It is meant for wiring
// built-in processors at startup.
func (r *Registry) MustRegister(taskType string, policy domain.Policy, factory Factory) {
	if err := r.Register(taskType, policy, factory); err != nil {
		panic(err)
	}
}

// Lookup returns a fresh processor and the policy for taskType.
func (r *Registry) Lookup(taskType string) (Processor, domain.Policy, bool) {
	r.mu.RLock()
	reg, ok := r.entries[taskType]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.Policy{}, false
	}
	return reg.factory(), reg.policy, true
}

// Policy returns the policy for taskType.
func (r *Registry) Policy(taskType string) (domain.Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[taskType]
	return reg.policy, ok
}

// Types returns the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
