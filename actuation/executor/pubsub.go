package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/actuation/core"
	"github.com/relabs-tech/actuation/iot/connector"
)

// ActuationType is the type of pub/sub envelopes
const ActuationType = "actuation"

// Envelope is what the pub/sub executor publishes on the device channel
type Envelope struct {
	Type        string         `json:"type"`
	Body        map[string]any `json:"body"`
	Credentials any            `json:"credentials,omitempty"`
}

type pubSubExecutor struct {
	publisher connector.Publisher
}

func newPubSubExecutor(deps Dependencies) (Executor, error) {
	if deps.PubSub == nil {
		return nil, errors.New("pub/sub connector missing")
	}
	return &pubSubExecutor{publisher: deps.PubSub}, nil
}

// Execute publishes the message on "{account}/{device}". Delivery is best
// effort: if the broker cannot be reached the message is dropped and the
// execution still succeeds.
func (e *pubSubExecutor) Execute(ctx context.Context, msg core.Message) (Result, error) {
	msg = msg.Normalize()
	rlog := messageLogger(ctx, NamePubSub, msg)
	if msg.DeviceID() == "" || msg.AccountID() == "" {
		return Result{}, invalid("deviceId and accountId required")
	}

	channel := msg.DeviceChannel()
	envelope := Envelope{
		Type:        ActuationType,
		Body:        without(msg.Content, core.PropertyChannel, core.PropertyCredentials),
		Credentials: msg.Content[core.PropertyCredentials],
	}
	err := e.publisher.Publish(ctx, channel, envelope)
	if errors.Is(err, connector.ErrRetriesExhausted) {
		rlog.WithError(err).Errorf("broker unreachable, actuation on %s dropped", channel)
		return Result{Executor: NamePubSub}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("publish on %s: %w", channel, err)
	}
	rlog.Debugf("actuation published on %s", channel)
	return Result{Executor: NamePubSub, Delivered: true}, nil
}
