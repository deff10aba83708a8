package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/actuation/actuation/executor"
	"github.com/relabs-tech/actuation/core"
	"github.com/relabs-tech/actuation/core/events"
	"github.com/relabs-tech/actuation/iot/connector"
)

type fakeLog struct {
	mux   sync.Mutex
	err   error
	panic bool
	keys  []string
	seqs  map[string][]int
	block chan struct{}
}

func (l *fakeLog) Append(ctx context.Context, topic, key string, value []byte) error {
	if l.block != nil {
		<-l.block
	}
	if l.panic {
		panic("append exploded")
	}
	l.mux.Lock()
	defer l.mux.Unlock()
	if l.err != nil {
		return l.err
	}
	l.keys = append(l.keys, key)
	var record struct {
		Sequence *int `json:"sequence"`
	}
	if json.Unmarshal(value, &record) == nil && record.Sequence != nil {
		if l.seqs == nil {
			l.seqs = make(map[string][]int)
		}
		l.seqs[key] = append(l.seqs[key], *record.Sequence)
	}
	return nil
}

func (l *fakeLog) appended() []string {
	l.mux.Lock()
	defer l.mux.Unlock()
	return append([]string(nil), l.keys...)
}

func (l *fakeLog) sequences() map[string][]int {
	l.mux.Lock()
	defer l.mux.Unlock()
	result := make(map[string][]int, len(l.seqs))
	for k, v := range l.seqs {
		result[k] = append([]int(nil), v...)
	}
	return result
}

type fakePublisher struct{}

func (fakePublisher) Publish(ctx context.Context, topic string, message any, options ...connector.PublishOption) error {
	return nil
}

func newTestDispatcher(t *testing.T, log *fakeLog) *Dispatcher {
	directory, err := executor.Build(context.Background(), executor.Dependencies{
		Log:            log,
		ActuationTopic: "actuations",
		PubSub:         fakePublisher{},
	})
	require.NoError(t, err)
	return New(&Builder{Directory: directory})
}

func message(transport core.Transport, account string) core.Message {
	return core.Message{Transport: transport, Content: map[string]any{"deviceId": "d1", "accountId": account}}
}

type outcome struct {
	result executor.Result
	err    error
}

func TestDispatchPreservesOrderPerAccount(t *testing.T) {
	log := &fakeLog{}
	d := newTestDispatcher(t, log)

	transports := []core.Transport{core.TransportWS, core.TransportMQTT, core.TransportAuto}
	accounts := []string{"a1", "a2", "a3", "a4"}
	expected := map[string][]int{}
	var outcomes sync.WaitGroup
	for i := 0; i < 40; i++ {
		account := accounts[i%len(accounts)]
		expected[account] = append(expected[account], i)
		msg := message(transports[i%3], account)
		msg.Content["sequence"] = i
		outcomes.Add(1)
		err := d.Dispatch(context.Background(), msg, func(result executor.Result, err error) {
			assert.NoError(t, err)
			assert.Equal(t, executor.NameLog, result.Executor)
			outcomes.Done()
		})
		require.NoError(t, err)
	}
	outcomes.Wait()
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, expected, log.sequences())
}

func TestDispatchDoesNotWaitForDelivery(t *testing.T) {
	log := &fakeLog{block: make(chan struct{})}
	d := newTestDispatcher(t, log)

	done := make(chan outcome, 3)
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Dispatch(context.Background(), message(core.TransportMQTT, "a1"), func(r executor.Result, err error) {
			done <- outcome{r, err}
		}))
	}
	assert.Equal(t, 0, len(done))
	close(log.block)
	for i := 0; i < 3; i++ {
		select {
		case o := <-done:
			assert.NoError(t, o.err)
		case <-time.After(time.Second):
			t.Fatal("completion not called")
		}
	}
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatchWithoutExecutor(t *testing.T) {
	log := &fakeLog{}
	d := newTestDispatcher(t, log)

	called := false
	completion := func(executor.Result, error) { called = true }
	assert.NoError(t, d.Dispatch(context.Background(), message("kafka", "a1"), completion))
	// configured transport, executor not loaded
	assert.NoError(t, d.Dispatch(context.Background(), message(core.TransportEmail, "a1"), completion))

	require.NoError(t, d.Close(context.Background()))
	assert.False(t, called)
	assert.Empty(t, log.appended())
}

func TestDispatchWithEmptyDirectory(t *testing.T) {
	directory, err := executor.Build(context.Background(), executor.Dependencies{})
	require.True(t, errors.Is(err, executor.ErrNoExecutors))
	d := New(&Builder{Directory: directory})

	called := false
	for _, transport := range []core.Transport{core.TransportMQTT, core.TransportPubSub, core.TransportEmail} {
		assert.NoError(t, d.Dispatch(context.Background(), message(transport, "a1"), func(executor.Result, error) { called = true }))
	}
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, called)
	assert.Empty(t, d.Executors())
}

func TestDispatchRelaysFailures(t *testing.T) {
	failure := errors.New("leader not available")
	tests := []struct {
		name  string
		log   *fakeLog
		check func(t *testing.T, err error)
	}{
		{"error", &fakeLog{err: failure}, func(t *testing.T, err error) {
			assert.True(t, errors.Is(err, failure))
		}},
		{"panic", &fakeLog{panic: true}, func(t *testing.T, err error) {
			assert.ErrorContains(t, err, "append exploded")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newTestDispatcher(t, tt.log)
			done := make(chan outcome, 1)
			require.NoError(t, d.Dispatch(context.Background(), message(core.TransportWS, "a1"), func(r executor.Result, err error) {
				done <- outcome{r, err}
			}))
			require.NoError(t, d.Close(context.Background()))
			o := <-done
			tt.check(t, o.err)
		})
	}
}

func TestAttach(t *testing.T) {
	log := &fakeLog{}
	d := newTestDispatcher(t, log)
	bus := events.New()
	d.Attach(bus)

	done := make(chan outcome, 1)
	require.NoError(t, Send(context.Background(), bus, message(core.TransportMQTT, "a1"), func(r executor.Result, err error) {
		done <- outcome{r, err}
	}))
	require.NoError(t, bus.Raise(context.Background(), events.Event{Type: EventOutgoingMessage, Payload: message(core.TransportAuto, "a2")}))
	require.NoError(t, bus.Raise(context.Background(), events.Event{
		Type:    EventOutgoingMessage,
		Payload: []byte(`{"transport":"ws","content":{"deviceId":"d1","accountId":"a3"}}`),
	}))
	assert.Error(t, bus.Raise(context.Background(), events.Event{Type: EventOutgoingMessage, Payload: 42}))
	assert.Error(t, bus.Raise(context.Background(), events.Event{Type: EventOutgoingMessage, Payload: []byte(`{"transport":`)}))

	require.NoError(t, d.Close(context.Background()))
	o := <-done
	require.NoError(t, o.err)
	assert.True(t, o.result.Delivered)
	assert.ElementsMatch(t, []string{"a1", "a2", "a3"}, log.appended())
}

func TestAttachDropsUnknownTransport(t *testing.T) {
	log := &fakeLog{}
	d := newTestDispatcher(t, log)
	bus := events.New()
	d.Attach(bus)

	assert.NoError(t, bus.Raise(context.Background(), events.Event{
		Type:    EventOutgoingMessage,
		Payload: []byte(`{"transport":"kafka","content":{"deviceId":"d1","accountId":"a1"}}`),
	}))
	require.NoError(t, d.Close(context.Background()))
	assert.Empty(t, log.appended())
}

func TestClose(t *testing.T) {
	log := &fakeLog{block: make(chan struct{})}
	d := newTestDispatcher(t, log)
	require.NoError(t, d.Dispatch(context.Background(), message(core.TransportMQTT, "a1"), nil))
	require.NoError(t, d.Dispatch(context.Background(), message(core.TransportMQTT, "a2"), nil))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.True(t, errors.Is(d.Close(ctx), context.DeadlineExceeded), "close waits for the blocked executor")
	assert.True(t, errors.Is(d.Dispatch(context.Background(), message(core.TransportMQTT, "a3"), nil), ErrClosed))

	close(log.block)
	require.NoError(t, d.Close(context.Background()))
	assert.ElementsMatch(t, []string{"a1", "a2"}, log.appended())
	assert.Equal(t, 0, d.Pending()[executor.NameLog])
}

type fakeSessions map[string]string

func (s fakeSessions) ServerAddress(_ context.Context, deviceID string) (string, bool, error) {
	address, ok := s[deviceID]
	return address, ok, nil
}

// endpointPool blocks publishing to the endpoints in down until release is closed
type endpointPool struct {
	down    map[string]bool
	release chan struct{}
}

type endpointPublisher struct {
	pool     *endpointPool
	endpoint string
}

func (p *endpointPool) Publisher(endpoint string) (connector.Publisher, error) {
	return endpointPublisher{pool: p, endpoint: endpoint}, nil
}

func (p endpointPublisher) Publish(ctx context.Context, topic string, message any, options ...connector.PublishOption) error {
	if p.pool.down[p.endpoint] {
		<-p.pool.release
		return connector.ErrRetriesExhausted
	}
	return nil
}

func TestDispatchUnreachableEndpointDoesNotStallOthers(t *testing.T) {
	pool := &endpointPool{down: map[string]bool{"broker-a:1883": true}, release: make(chan struct{})}
	directory, err := executor.Build(context.Background(), executor.Dependencies{
		Sessions: fakeSessions{"dA": "broker-a:1883", "dB": "broker-b:1883"},
		Pool:     pool,
	})
	require.NoError(t, err)
	d := New(&Builder{Directory: directory})

	results := map[string]chan outcome{"dA": make(chan outcome, 2), "dB": make(chan outcome, 1)}
	send := func(device string) {
		msg := core.Message{Transport: core.TransportSession, Content: map[string]any{"deviceId": device, "accountId": "a1"}}
		require.NoError(t, d.Dispatch(context.Background(), msg, func(r executor.Result, err error) {
			results[device] <- outcome{r, err}
		}))
	}
	send("dA")
	send("dA")
	send("dB")

	select {
	case o := <-results["dB"]:
		require.NoError(t, o.err)
		assert.True(t, o.result.Delivered)
	case <-time.After(time.Second):
		t.Fatal("healthy endpoint waited for the unreachable one")
	}
	assert.Equal(t, 0, len(results["dA"]))
	assert.Eventually(t, func() bool {
		return d.Pending()[executor.NameSession] == 1
	}, time.Second, 5*time.Millisecond, "second message for dA waits behind the first")

	close(pool.release)
	require.NoError(t, d.Close(context.Background()))
	for i := 0; i < 2; i++ {
		o := <-results["dA"]
		assert.Error(t, o.err)
	}
}
