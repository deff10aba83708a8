package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/actuation/core"
)

// logExecutor appends actuations to the durable log. Consumers of the log
// deliver them over websockets and MQTT.
type logExecutor struct {
	log   Appender
	topic string
}

func newLogExecutor(deps Dependencies) (Executor, error) {
	if deps.Log == nil {
		return nil, errors.New("durable log missing")
	}
	if deps.ActuationTopic == "" {
		return nil, errors.New("actuation topic missing")
	}
	return &logExecutor{log: deps.Log, topic: deps.ActuationTopic}, nil
}

// Execute appends the flattened message content keyed by account. domainId and
// channel are internal and are not written to the log.
func (e *logExecutor) Execute(ctx context.Context, msg core.Message) (Result, error) {
	msg = msg.Normalize()
	rlog := messageLogger(ctx, NameLog, msg)

	account := msg.AccountID()
	if account == "" {
		return Result{}, invalid("accountId missing")
	}
	payload := without(msg.Content, core.PropertyDomainID, core.PropertyChannel)
	payload[core.PropertyTransport] = msg.Transport

	value, err := json.Marshal(payload)
	if err != nil {
		return Result{}, invalid("cannot encode content: %s", err)
	}
	if err = e.log.Append(ctx, e.topic, account, value); err != nil {
		rlog.WithError(err).Errorln("cannot append actuation")
		return Result{}, fmt.Errorf("append actuation: %w", err)
	}
	rlog.Debugf("actuation appended to %s", e.topic)
	return Result{Executor: NameLog, Delivered: true}, nil
}
