package saga

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// Registry resolves step action names to handlers and (id, version) pairs to
// saga definitions. A lookup miss is a fatal precondition failure for the
// orchestrator, so both lookups return NoRetry errors.
type Registry struct {
	mutex       sync.RWMutex
	handlers    map[string]StepHandler
	definitions map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:    make(map[string]StepHandler),
		definitions: make(map[string]Definition),
	}
}

func (r *Registry) RegisterHandler(action string, handler StepHandler) error {
	if action == "" {
		return errors.Errorf("handler action name is empty")
	}

	if handler == nil {
		return errors.Errorf("handler for action %s is nil", action)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, exists := r.handlers[action]; exists {
		return errors.Errorf("handler for action %s is already registered", action)
	}

	r.handlers[action] = handler
	return nil
}

func (r *Registry) Handler(action string) (StepHandler, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	handler, exists := r.handlers[action]
	if !exists {
		return nil, WithNoRetry(errors.Errorf("no handler registered for action %s", action))
	}

	return handler, nil
}

// RegisterDefinition validates the definition and makes it resolvable by
// (id, version). Registering a malformed step graph fails fast here instead
// of deadlocking at execution time.
func (r *Registry) RegisterDefinition(definition Definition) error {
	if err := definition.Validate(); err != nil {
		return errors.Wrapf(err, "validating definition %s v%d", definition.ID, definition.Version)
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	key := definitionKey(definition.ID, definition.Version)

	if _, exists := r.definitions[key]; exists {
		return errors.Errorf("definition %s v%d is already registered", definition.ID, definition.Version)
	}

	r.definitions[key] = definition
	return nil
}

func (r *Registry) Definition(id string, version int) (Definition, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	definition, exists := r.definitions[definitionKey(id, version)]
	if !exists {
		return Definition{}, WithNoRetry(errors.Errorf("no definition registered for %s v%d", id, version))
	}

	return definition, nil
}

func definitionKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}
