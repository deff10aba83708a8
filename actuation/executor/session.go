package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/actuation/core"
	"github.com/relabs-tech/actuation/iot/sessions"
)

// sessionExecutor delivers to the broker endpoint the device is attached to
type sessionExecutor struct {
	sessions sessions.Directory
	pool     PublisherPool
}

func newSessionExecutor(deps Dependencies) (Executor, error) {
	if deps.Sessions == nil {
		return nil, errors.New("session directory missing")
	}
	if deps.Pool == nil {
		return nil, errors.New("connector pool missing")
	}
	return &sessionExecutor{sessions: deps.Sessions, pool: deps.Pool}, nil
}

// Execute publishes the content on "{account}/{device}" at the device's
// endpoint. A device without session is not an error: the message resolves
// without any broker interaction.
func (e *sessionExecutor) Execute(ctx context.Context, msg core.Message) (Result, error) {
	msg = msg.Normalize()
	rlog := messageLogger(ctx, NameSession, msg)
	device := msg.DeviceID()
	if device == "" {
		return Result{}, invalid("deviceId missing")
	}

	address, found, err := e.sessions.ServerAddress(ctx, device)
	if err != nil {
		return Result{}, fmt.Errorf("session lookup: %w", err)
	}
	if !found {
		rlog.Infoln("no session, device is not reachable point-to-point")
		return Result{Executor: NameSession}, nil
	}

	publisher, err := e.pool.Publisher(address)
	if err != nil {
		return Result{}, fmt.Errorf("connector for %s: %w", address, err)
	}
	channel := msg.DeviceChannel()
	if err = publisher.Publish(ctx, channel, without(msg.Content, core.PropertyChannel)); err != nil {
		rlog.WithError(err).Errorf("cannot publish on %s at %s", channel, address)
		return Result{}, fmt.Errorf("publish on %s at %s: %w", channel, address, err)
	}
	rlog.Debugf("actuation published on %s at %s", channel, address)
	return Result{Executor: NameSession, Delivered: true}, nil
}
