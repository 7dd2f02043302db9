package dispatch

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, msg amqp.Delivery) error { return nil })
}

func TestHandlerRegistry(t *testing.T) {
	t.Run("resolves a fresh handler per call", func(t *testing.T) {
		registry := NewHandlerRegistry()
		builds := 0
		require.NoError(t, registry.Register("orders", func() (Handler, error) {
			builds++
			return noopHandler(), nil
		}))

		_, err := registry.Resolve("orders")
		require.NoError(t, err)
		_, err = registry.Resolve("orders")
		require.NoError(t, err)

		assert.Equal(t, 2, builds)
	})

	t.Run("shares a registered instance", func(t *testing.T) {
		registry := NewHandlerRegistry()
		handler := &countingHandler{}
		require.NoError(t, registry.RegisterHandler("count", handler))

		resolved, err := registry.Resolve("count")
		require.NoError(t, err)
		assert.Same(t, handler, resolved)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := NewHandlerRegistry().Resolve("missing")
		assert.ErrorIs(t, err, ErrHandlerNotRegistered)
	})

	t.Run("rejects invalid registrations", func(t *testing.T) {
		registry := NewHandlerRegistry()

		assert.ErrorIs(t, registry.Register("", func() (Handler, error) { return noopHandler(), nil }), ErrInvalidHandler)
		assert.ErrorIs(t, registry.Register("nil", nil), ErrInvalidHandler)
		assert.ErrorIs(t, registry.RegisterHandler("nil", nil), ErrInvalidHandler)

		require.NoError(t, registry.Register("dup", func() (Handler, error) { return noopHandler(), nil }))
		assert.ErrorIs(t, registry.Register("dup", func() (Handler, error) { return noopHandler(), nil }), ErrDuplicateHandler)
	})

	t.Run("factory failures", func(t *testing.T) {
		registry := NewHandlerRegistry()
		buildErr := errors.New("missing dependency")
		registry.MustRegister("broken", func() (Handler, error) { return nil, buildErr })
		registry.MustRegister("empty", func() (Handler, error) { return nil, nil })

		_, err := registry.Resolve("broken")
		assert.ErrorIs(t, err, buildErr)

		_, err = registry.Resolve("empty")
		assert.ErrorIs(t, err, ErrInvalidHandler)
	})

	t.Run("must register panics on duplicates", func(t *testing.T) {
		registry := NewHandlerRegistry()
		registry.MustRegister("a", func() (Handler, error) { return noopHandler(), nil })

		assert.Panics(t, func() {
			registry.MustRegister("a", func() (Handler, error) { return noopHandler(), nil })
		})
	})

	t.Run("names are sorted", func(t *testing.T) {
		registry := NewHandlerRegistry()
		for _, name := range []string{"emails", "audit", "orders"} {
			registry.MustRegister(name, func() (Handler, error) { return noopHandler(), nil })
		}

		assert.Equal(t, []string{"audit", "emails", "orders"}, registry.Names())
	})
}

type countingHandler struct {
	calls int
}

func (h *countingHandler) Handle(ctx context.Context, msg amqp.Delivery) error {
	h.calls++
	return nil
}
