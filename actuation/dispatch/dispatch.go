// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package dispatch routes outgoing messages to their executors

The dispatcher listens for the process-wide EventOutgoingMessage. For every
message it picks the executor responsible for the message's transport and
queues the message for it. Executions of one executor run in the order they
were dispatched, as long as they share an ordering key: the account for the
durable log, the device channel for everything else. Messages with different
keys are delivered concurrently, so an unreachable endpoint only holds up the
messages addressed to it. There is no ordering across executors.

Dispatching never waits for delivery. The outcome of an execution is logged
and relayed to the optional completion of the producer. Failed deliveries are
not retried.

A message whose transport has no executor is logged and dropped; its
completion is never called.
*/
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/actuation/actuation/executor"
	"github.com/relabs-tech/actuation/core"
	"github.com/relabs-tech/actuation/core/events"
	"github.com/relabs-tech/actuation/core/logger"
)

// EventOutgoingMessage is the event producers raise for every outgoing message
const EventOutgoingMessage = "outgoing-message"

// ErrClosed is returned when dispatching on a closed dispatcher
var ErrClosed = errors.New("dispatcher closed")

// Completion receives the outcome of an execution
type Completion func(executor.Result, error)

// Outgoing is the payload of EventOutgoingMessage
type Outgoing struct {
	Message    core.Message
	Completion Completion
}

// Send raises EventOutgoingMessage for msg on bus. completion may be nil.
func Send(ctx context.Context, bus *events.Bus, msg core.Message, completion Completion) error {
	return bus.Raise(ctx, events.Event{Type: EventOutgoingMessage, Payload: Outgoing{Message: msg, Completion: completion}})
}

// Builder is a builder helper for the Dispatcher
type Builder struct {
	// Directory holds the executors. This is mandatory, but may be empty.
	Directory *executor.Directory
	// WarnAfter is the duration after which a running execution is reported, default 20 seconds
	WarnAfter time.Duration
}

// Dispatcher routes messages to executors
type Dispatcher struct {
	directory *executor.Directory
	warnAfter time.Duration

	mux     sync.RWMutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

type job struct {
	ctx        context.Context
	msg        core.Message
	completion Completion
}

// worker holds the queues of one executor, one per ordering key. Jobs with
// the same key run one after the other in FIFO order, jobs with different
// keys run concurrently. The queues are unbounded, so that dispatching never
// blocks.
type worker struct {
	name     string
	executor executor.Executor
	mux      sync.Mutex
	lanes    map[string]*lane
}

// lane is the queue of one ordering key. It exists only while it has work.
type lane struct {
	key   string
	queue []job
}

// New returns a new dispatcher for the executors of the directory
func New(bb *Builder) *Dispatcher {
	if bb.Directory == nil {
		panic("executor directory missing")
	}
	d := &Dispatcher{
		directory: bb.Directory,
		warnAfter: bb.WarnAfter,
		workers:   make(map[string]*worker),
	}
	if d.warnAfter <= 0 {
		d.warnAfter = 20 * time.Second
	}
	if bb.Directory.Len() == 0 {
		logger.Default().Errorln("no executors available, all messages will be dropped")
	}
	for _, name := range bb.Directory.Names() {
		e, _ := bb.Directory.Lookup(name)
		d.workers[name] = &worker{name: name, executor: e, lanes: make(map[string]*lane)}
	}
	return d
}

// Attach installs the dispatcher as handler of EventOutgoingMessage on bus
func (d *Dispatcher) Attach(bus *events.Bus) {
	bus.Handle(EventOutgoingMessage, d.handleEvent)
}

// rawMessage is core.Message with an unchecked transport, so that unknown
// transports reach Dispatch and are dropped there
type rawMessage struct {
	Transport string         `json:"transport"`
	Content   map[string]any `json:"content"`
	Channel   string         `json:"channel,omitempty"`
}

func (d *Dispatcher) handleEvent(ctx context.Context, event events.Event) error {
	var outgoing Outgoing
	switch p := event.Payload.(type) {
	case Outgoing:
		outgoing = p
	case *Outgoing:
		outgoing = *p
	case core.Message:
		outgoing.Message = p
	case *core.Message:
		outgoing.Message = *p
	case []byte:
		var raw rawMessage
		if err := json.Unmarshal(p, &raw); err != nil {
			return fmt.Errorf("cannot parse outgoing message: %w", err)
		}
		outgoing.Message = core.Message{
			Transport: core.Transport(raw.Transport),
			Content:   raw.Content,
			Channel:   raw.Channel,
		}
	default:
		return fmt.Errorf("unexpected payload %T for %s", event.Payload, event.Type)
	}
	return d.Dispatch(ctx, outgoing.Message, outgoing.Completion)
}

// Dispatch queues msg for the executor responsible for its transport and
// returns immediately. completion is called once with the outcome of the
// execution; it is not called if there is no executor for the transport.
// Dispatch only fails after Close.
func (d *Dispatcher) Dispatch(ctx context.Context, msg core.Message, completion Completion) error {
	// the execution outlives the producer's request, but keeps its dispatch ID
	ctx, rlog := logger.ContextWithLoggerFields(context.WithoutCancel(ctx), logrus.Fields{
		logger.TransportKey: string(msg.Transport),
	})

	name, ok := executor.ExecutorName(msg.Transport)
	if !ok {
		rlog.Errorf("no executor for transport '%s', message dropped", msg.Transport)
		return nil
	}

	d.mux.RLock()
	defer d.mux.RUnlock()
	if d.closed {
		return ErrClosed
	}
	w, ok := d.workers[name]
	if !ok {
		rlog.Errorf("executor %s not available, message dropped", name)
		return nil
	}
	d.push(w, executor.OrderingKey(name, msg), job{ctx: ctx, msg: msg, completion: completion})
	return nil
}

// Executors returns the names of the executors the dispatcher delivers to
func (d *Dispatcher) Executors() []string {
	return d.directory.Names()
}

// Pending returns the number of queued executions per executor. Running
// executions are not counted.
func (d *Dispatcher) Pending() map[string]int {
	d.mux.RLock()
	defer d.mux.RUnlock()
	result := make(map[string]int, len(d.workers))
	for name, w := range d.workers {
		w.mux.Lock()
		for _, l := range w.lanes {
			result[name] += len(l.queue)
		}
		w.mux.Unlock()
	}
	return result
}

// Close stops accepting messages and waits until all queued messages are
// executed, or until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mux.Lock()
	d.closed = true
	d.mux.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// push appends the job to the lane of key. A new lane gets its own goroutine.
// Must be called with d.mux read-locked and the dispatcher open.
func (d *Dispatcher) push(w *worker, key string, j job) {
	w.mux.Lock()
	defer w.mux.Unlock()
	if l, ok := w.lanes[key]; ok {
		l.queue = append(l.queue, j)
		return
	}
	l := &lane{key: key, queue: []job{j}}
	w.lanes[key] = l
	d.wg.Add(1)
	go d.run(w, l)
}

// next returns the next job of the lane. ok is false once the lane is
// drained; the lane is then removed.
func (w *worker) next(l *lane) (j job, ok bool) {
	w.mux.Lock()
	defer w.mux.Unlock()
	if len(l.queue) == 0 {
		delete(w.lanes, l.key)
		return job{}, false
	}
	j = l.queue[0]
	l.queue[0] = job{}
	l.queue = l.queue[1:]
	return j, true
}

func (d *Dispatcher) run(w *worker, l *lane) {
	defer d.wg.Done()
	for {
		j, ok := w.next(l)
		if !ok {
			return
		}
		d.execute(w, j)
	}
}

func (d *Dispatcher) execute(w *worker, j job) {
	rlog := logger.FromContext(j.ctx).WithField("executor", w.name)

	// call the executor in a panic/recover envelope
	result, err := func() (result executor.Result, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("recovered from panic: %s", r)
				debug.PrintStack()
			}
		}()
		timeout := time.AfterFunc(d.warnAfter, func() {
			rlog.Warnf("execution of %s message is taking a long time...", j.msg.Transport)
		})
		defer timeout.Stop()
		return w.executor.Execute(j.ctx, j.msg)
	}()

	if err != nil {
		rlog.WithError(err).Errorf("delivery of %s message failed", j.msg.Transport)
	} else {
		rlog.Infof("%s message processed, delivered: %t", j.msg.Transport, result.Delivered)
	}
	if j.completion != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					rlog.Errorf("recovered from panic in completion: %v", r)
				}
			}()
			j.completion(result, err)
		}()
	}
}
