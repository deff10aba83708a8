package eventlog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/actuation/core/logger"
)

type fakeWriter struct {
	mux      sync.Mutex
	err      error
	messages []kafka.Message
	calls    int
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mux.Lock()
	defer w.mux.Unlock()
	w.calls++
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestAppend(t *testing.T) {
	w := &fakeWriter{}
	p := New(&Builder{Writer: w})

	ctx, _ := logger.ContextWithLogger(context.Background())
	require.NoError(t, p.Append(ctx, "actuations", "a1", []byte(`{"deviceId":"d1"}`)))

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "actuations", msg.Topic)
	assert.Equal(t, "a1", string(msg.Key))
	assert.Equal(t, `{"deviceId":"d1"}`, string(msg.Value))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, ContextHeader, msg.Headers[0].Key)
	assert.Contains(t, string(msg.Headers[0].Value), logger.DispatchIDFromContext(ctx))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestAppendFailureOpensCircuit(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := New(&Builder{Writer: w, BreakerFailures: 2})

	for i := 0; i < 2; i++ {
		err := p.Append(context.Background(), "actuations", "a1", []byte(`{}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "leader not available")
	}

	// the circuit is open now, the writer is not called anymore
	err := p.Append(context.Background(), "actuations", "a1", []byte(`{}`))
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 2, w.calls)
}

func TestEnsureTopicWithoutBrokers(t *testing.T) {
	p := New(&Builder{Writer: &fakeWriter{}})
	assert.Error(t, p.EnsureTopic(context.Background(), "actuations", 1, 1))
}
