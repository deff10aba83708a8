package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaise(t *testing.T) {
	bus := New()
	var calls []string
	bus.Handle("ping", func(ctx context.Context, e Event) error {
		calls = append(calls, "first:"+e.Payload.(string))
		return nil
	})
	bus.Handle("ping", func(ctx context.Context, e Event) error {
		calls = append(calls, "second:"+e.Payload.(string))
		return nil
	})
	bus.Handle("pong", func(ctx context.Context, e Event) error {
		calls = append(calls, "pong")
		return nil
	})

	require.NoError(t, bus.Raise(context.Background(), Event{Type: "ping", Payload: "x"}))
	assert.Equal(t, []string{"first:x", "second:x"}, calls)
	assert.True(t, bus.HasHandler("pong"))
	assert.False(t, bus.HasHandler("other"))
}

func TestRaiseWithoutHandler(t *testing.T) {
	assert.NoError(t, New().Raise(context.Background(), Event{Type: "nobody-listens"}))
}

func TestRaiseCollectsErrors(t *testing.T) {
	bus := New()
	failure := errors.New("failure")
	called := false
	bus.Handle("ping", func(ctx context.Context, e Event) error {
		panic("boom")
	})
	bus.Handle("ping", func(ctx context.Context, e Event) error {
		return failure
	})
	bus.Handle("ping", func(ctx context.Context, e Event) error {
		called = true
		return nil
	})

	err := bus.Raise(context.Background(), Event{Type: "ping"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure))
	assert.Contains(t, err.Error(), "boom")
	assert.True(t, called)
}
