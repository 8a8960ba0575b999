package evaluation

import (
	"context"
	"fmt"
	"sync"

	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

// Dispatcher executes one action against the outside world.
type Dispatcher interface {
	Dispatch(ctx context.Context, action *rules.RuleAction, sig *signals.Signal) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, action *rules.RuleAction, sig *signals.Signal) error

func (f DispatcherFunc) Dispatch(ctx context.Context, action *rules.RuleAction, sig *signals.Signal) error {
	return f(ctx, action, sig)
}

// DispatchRegistry routes actions to dispatchers by action type. The set
// is open: deployments register handlers at startup. An action whose type
// has no handler fails with an error that is recorded on its result; it
// never stops the run.
type DispatchRegistry struct {
	mu     sync.RWMutex
	byType map[string]Dispatcher
}

func NewDispatchRegistry() *DispatchRegistry {
	return &DispatchRegistry{byType: make(map[string]Dispatcher)}
}

// Register binds the action type to a dispatcher, replacing any previous
// binding.
func (r *DispatchRegistry) Register(actionType string, d Dispatcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[actionType] = d
}

// Dispatch runs the action's handler.
func (r *DispatchRegistry) Dispatch(ctx context.Context, action *rules.RuleAction, sig *signals.Signal) error {
	r.mu.RLock()
	d, ok := r.byType[action.ActionType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no dispatcher registered for action type %q", action.ActionType)
	}
	return d.Dispatch(ctx, action, sig)
}
