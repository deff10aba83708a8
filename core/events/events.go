// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package events is the process-wide event bus

Producers raise named events, consumers install handlers for them with
Handle(). Handlers run synchronously on the raising goroutine, in the order
they were installed; a handler that needs to do slow work must hand it off.
*/
package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/relabs-tech/actuation/core/logger"
)

// Event is a named event with an arbitrary payload
type Event struct {
	Type    string
	Payload any
}

// Handler handles an event
type Handler func(context.Context, Event) error

// Bus routes raised events to their handlers
type Bus struct {
	mux      sync.RWMutex
	handlers map[string][]Handler
}

// New returns an empty bus
func New() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

var defaultBus = New()

// Default returns the process-wide bus
func Default() *Bus {
	return defaultBus
}

// Handle installs a handler for the event type
func (b *Bus) Handle(event string, handler Handler) {
	b.mux.Lock()
	defer b.mux.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// HasHandler returns true if at least one handler is installed for the event type
func (b *Bus) HasHandler(event string) bool {
	b.mux.RLock()
	defer b.mux.RUnlock()
	return len(b.handlers[event]) > 0
}

// Raise calls all handlers installed for the event type. Every handler is
// called even if an earlier one fails; the errors are joined. An event
// without handlers is dropped and logged.
func (b *Bus) Raise(ctx context.Context, event Event) error {
	b.mux.RLock()
	handlers := b.handlers[event.Type]
	b.mux.RUnlock()

	if len(handlers) == 0 {
		logger.FromContext(ctx).Debugf("no handler for event %s", event.Type)
		return nil
	}
	var errs []error
	for _, handler := range handlers {
		if err := call(ctx, handler, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// call the handler in a panic/recover envelope
func call(ctx context.Context, handler Handler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic in handler for %s: %v", event.Type, r)
			debug.PrintStack()
		}
	}()
	return handler(ctx, event)
}
