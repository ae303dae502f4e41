package saga

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopHandler struct{}

func (noopHandler) Execute(_ context.Context, _ map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	return nil, nil
}

func TestRegistryHandlers(t *testing.T) {
	registry := NewRegistry()

	t.Run("register and resolve", func(t *testing.T) {
		require.NoError(t, registry.RegisterHandler("reserveFunds", noopHandler{}))

		handler, err := registry.Handler("reserveFunds")
		require.NoError(t, err)
		assert.NotNil(t, handler)
	})

	t.Run("empty action", func(t *testing.T) {
		err := registry.RegisterHandler("", noopHandler{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "action name is empty")
	})

	t.Run("nil handler", func(t *testing.T) {
		err := registry.RegisterHandler("chargeCard", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "is nil")
	})

	t.Run("duplicate", func(t *testing.T) {
		err := registry.RegisterHandler("reserveFunds", noopHandler{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})

	t.Run("miss is fatal", func(t *testing.T) {
		_, err := registry.Handler("unknown")
		require.Error(t, err)
		assert.True(t, IsNoRetry(err))
	})
}

func TestRegistryDefinitions(t *testing.T) {
	registry := NewRegistry()

	t.Run("register and resolve by id and version", func(t *testing.T) {
		require.NoError(t, registry.RegisterDefinition(validDefinition()))

		definition, err := registry.Definition("money-transfer", 1)
		require.NoError(t, err)
		assert.Len(t, definition.Steps, 4)

		_, err = registry.Definition("money-transfer", 2)
		require.Error(t, err)
		assert.True(t, IsNoRetry(err))
	})

	t.Run("invalid definition is rejected", func(t *testing.T) {
		err := registry.RegisterDefinition(Definition{ID: "broken", Version: 1, Steps: []Step{
			{ID: "a", Action: "do", DependsOn: []string{"b"}},
			{ID: "b", Action: "do", DependsOn: []string{"a"}},
		}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dependency cycle")
	})

	t.Run("duplicate version", func(t *testing.T) {
		err := registry.RegisterDefinition(validDefinition())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered")
	})
}
