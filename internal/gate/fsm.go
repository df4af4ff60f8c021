package gate

import (
	"slices"
	"sync"

	"github.com/rendis/pairvault/pkg/schema"
)

// TransitionHook is called after a state transition.
type TransitionHook func(from, to schema.GateState) error

type hookKey struct {
	from, to schema.GateState
}

// FSM validates admin gate transitions and runs hooks registered for them.
// It holds no state of its own; the Gate owns the current state.
type FSM struct {
	mu    sync.Mutex
	after map[hookKey][]TransitionHook
}

// NewFSM creates an FSM with no hooks.
func NewFSM() *FSM {
	return &FSM{after: make(map[hookKey][]TransitionHook)}
}

// OnAfter registers a hook called after from -> to.
func (f *FSM) OnAfter(from, to schema.GateState, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to and runs its hooks. Hook errors are
// collected and returned after every hook has run; they do not make the
// transition invalid.
func (f *FSM) Transition(from, to schema.GateState) (hookErrs []error, err error) {
	if !IsValidTransition(from, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid gate transition: %s -> %s", from, to).
			WithDetails(map[string]any{"from": string(from), "to": string(to)})
	}

	f.mu.Lock()
	hooks := slices.Clone(f.after[hookKey{from, to}])
	f.mu.Unlock()

	for _, hook := range hooks {
		if err := hook(from, to); err != nil {
			hookErrs = append(hookErrs, err)
		}
	}
	return hookErrs, nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.GateState) bool {
	allowed, ok := ValidTransitions[from]
	return ok && slices.Contains(allowed, to)
}

// ValidTransitions defines the allowed admin gate transitions.
var ValidTransitions = map[schema.GateState][]schema.GateState{
	schema.GateLoggedOut:         {schema.GateAwaitingChallenge},
	schema.GateAwaitingChallenge: {schema.GateAuthenticated, schema.GateLoggedOut, schema.GateLocked},
	schema.GateAuthenticated:     {schema.GateLoggedOut, schema.GateLocked},
	schema.GateLocked:            {schema.GateLoggedOut},
}
