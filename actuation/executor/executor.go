package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/actuation/core"
	"github.com/relabs-tech/actuation/core/logger"
	"github.com/relabs-tech/actuation/core/mail"
	"github.com/relabs-tech/actuation/iot/connector"
	"github.com/relabs-tech/actuation/iot/sessions"
)

// executor names
const (
	NameLog     = "log"
	NamePubSub  = "pubsub"
	NameSession = "session"
	NameEmail   = "email"
)

var (
	// ErrNoExecutors is returned by Build when no executor could be loaded
	ErrNoExecutors = errors.New("no executors available")
	// ErrInvalidMessage is returned when a message lacks what its executor needs
	ErrInvalidMessage = errors.New("invalid message")
)

// Result describes the outcome of a successful execution. Delivered is false
// for messages which were resolved without delivery, for example for a device
// without a session.
type Result struct {
	Executor  string
	Delivered bool
}

// Executor delivers messages over exactly one transport. Returning is the
// single completion signal of an execution.
type Executor interface {
	Execute(ctx context.Context, msg core.Message) (Result, error)
}

// Appender appends records to the durable log. *eventlog.Producer satisfies it.
type Appender interface {
	Append(ctx context.Context, topic, key string, value []byte) error
}

// PublisherPool hands out publishers per broker endpoint. *connector.Pool satisfies it.
type PublisherPool interface {
	Publisher(endpoint string) (connector.Publisher, error)
}

// Dependencies are the collaborators executors are built from. Missing
// collaborators disable the executors which need them.
type Dependencies struct {
	// Log and ActuationTopic for the durable-log executor
	Log            Appender
	ActuationTopic string
	// PubSub is the connector of the pub/sub executor
	PubSub connector.Publisher
	// Sessions and Pool for the point-to-point session executor
	Sessions sessions.Directory
	Pool     PublisherPool
	// Mail, MailTemplate and Recipients for the email executor
	Mail         mail.Sender
	MailTemplate string
	Recipients   []string
}

// Factory creates an executor from its dependencies
type Factory func(Dependencies) (Executor, error)

// names lists all executors in load order
var names = []string{NameLog, NamePubSub, NameSession, NameEmail}

var factories = map[string]Factory{
	NameLog:     newLogExecutor,
	NamePubSub:  newPubSubExecutor,
	NameSession: newSessionExecutor,
	NameEmail:   newEmailExecutor,
}

// Names returns the names of all known executors
func Names() []string {
	return append([]string(nil), names...)
}

// ExecutorName returns the executor responsible for the transport. ws, mqtt
// and auto are delivered by a downstream consumer of the durable log, so they
// all map to the durable-log executor.
func ExecutorName(transport core.Transport) (string, bool) {
	switch transport {
	case core.TransportWS, core.TransportMQTT, core.TransportAuto:
		return NameLog, true
	case core.TransportPubSub:
		return NamePubSub, true
	case core.TransportSession:
		return NameSession, true
	case core.TransportEmail:
		return NameEmail, true
	}
	return "", false
}

// OrderingKey returns the key under which executions of the named executor
// must keep their order. For the durable log this is the account, the key
// records are partitioned by. All other executors deliver per device channel.
func OrderingKey(name string, msg core.Message) string {
	if name == NameLog {
		return msg.AccountID()
	}
	return msg.DeviceChannel()
}

// Directory is the read-only set of loaded executors
type Directory struct {
	executors map[string]Executor
}

// Build tries to create every known executor. Executors whose dependencies are
// missing are logged and skipped. If none could be created, Build returns an
// empty directory together with ErrNoExecutors.
func Build(ctx context.Context, deps Dependencies) (*Directory, error) {
	rlog := logger.FromContext(ctx)
	d := &Directory{executors: make(map[string]Executor)}
	for _, name := range names {
		e, err := factories[name](deps)
		if err != nil {
			rlog.WithError(err).Warnf("executor %s not loaded", name)
			continue
		}
		d.executors[name] = e
		rlog.Infof("executor %s loaded", name)
	}
	if len(d.executors) == 0 {
		return d, ErrNoExecutors
	}
	return d, nil
}

// Lookup returns the executor with the name
func (d *Directory) Lookup(name string) (Executor, bool) {
	if d == nil {
		return nil, false
	}
	e, ok := d.executors[name]
	return e, ok
}

// ForTransport returns the name and the instance of the executor responsible
// for the transport
func (d *Directory) ForTransport(transport core.Transport) (string, Executor, bool) {
	name, ok := ExecutorName(transport)
	if !ok {
		return "", nil, false
	}
	e, ok := d.Lookup(name)
	return name, e, ok
}

// Names returns the names of the loaded executors, sorted
func (d *Directory) Names() []string {
	if d == nil {
		return nil
	}
	result := make([]string, 0, len(d.executors))
	for name := range d.executors {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Len returns the number of loaded executors
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.executors)
}

func invalid(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMessage, fmt.Sprintf(format, a...))
}

func messageLogger(ctx context.Context, name string, msg core.Message) *logrus.Entry {
	return logger.FromContext(ctx).WithFields(logrus.Fields{
		"executor":             name,
		logger.TransportKey:    string(msg.Transport),
		core.PropertyDeviceID:  msg.DeviceID(),
		core.PropertyAccountID: msg.AccountID(),
	})
}

// without returns a copy of content without the keys
func without(content map[string]any, keys ...string) map[string]any {
	result := make(map[string]any, len(content))
	for k, v := range content {
		result[k] = v
	}
	for _, k := range keys {
		delete(result, k)
	}
	return result
}
