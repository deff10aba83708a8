package connector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/actuation/core/logger"
	"github.com/relabs-tech/actuation/iot/topic"
)

// State is the state of the connector's broker connection
type State int32

// all connection states
const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

var (
	// ErrRetriesExhausted is returned when the broker did not become connected within MaxRetries polls
	ErrRetriesExhausted = errors.New("connection retries exhausted")
	// ErrClosed is returned for operations on a closed connector
	ErrClosed = errors.New("connector closed")
	// ErrSubscriptionRejected is returned when the broker refuses a subscription
	ErrSubscriptionRejected = errors.New("subscription rejected by broker")
	// ErrAckTimeout is returned when the broker does not acknowledge in time
	ErrAckTimeout = errors.New("broker acknowledgement timed out")
)

// granted QoS value of a failed subscription
const subscribeFailure byte = 0x80

// Client is the part of the paho MQTT client the connector uses. mqtt.Client
// satisfies it.
type Client interface {
	Connect() mqtt.Token
	IsConnected() bool
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// Handler receives inbound messages. The message is the parsed JSON payload.
type Handler func(topic string, message any)

// Publisher publishes messages to a broker
type Publisher interface {
	Publish(ctx context.Context, topic string, message any, options ...PublishOption) error
}

// Builder is a builder helper for the Connector
type Builder struct {
	// Scheme of the broker URL, default "tcp"
	Scheme string
	// Host of the broker. This is mandatory.
	Host string
	// Port of the broker, default 1883
	Port int
	// Username and Password are optional credentials
	Username string
	Password string
	// ClientID defaults to "actuation-{uuid}"
	ClientID string
	// KeepAlive defaults to 30 seconds
	KeepAlive time.Duration
	// MaxRetries is the number of connection polls before giving up, default 10
	MaxRetries int
	// PollInterval is the interval between connection polls, default 1.5 seconds
	PollInterval time.Duration
	// QoS is the default quality of service for publish and subscribe, default 1 (at least once)
	QoS *byte
	// Retain is the default retained flag for publish
	Retain bool
	// AckTimeout bounds the wait for a broker acknowledgement, default 10 seconds
	AckTimeout time.Duration
	// NewClient creates the transport client. Defaults to the paho client.
	NewClient func(*mqtt.ClientOptions) Client
}

type subscription struct {
	filter  string
	matcher *topic.Matcher
	handler Handler
}

type intent int

const (
	intentConnect intent = iota
	intentPublish
	intentSubscribe
	intentUnsubscribe
	intentLost
	intentClose
)

type request struct {
	intent  intent
	topic   string
	payload []byte
	qos     byte
	retain  bool
	handler Handler
	err     error
	reply   chan error
}

// Connector owns one connection to an MQTT broker.
//
// All operations are serialized through a single control goroutine: callers
// enqueue their intent and wait for its completion. Intents issued while a
// connection attempt is in flight queue behind it. Publish and Subscribe
// connect on demand.
type Connector struct {
	broker       string
	clientID     string
	username     string
	password     string
	keepAlive    time.Duration
	maxRetries   int
	pollInterval time.Duration
	qos          byte
	retain       bool
	ackTimeout   time.Duration
	newClient    func(*mqtt.ClientOptions) Client

	// owned by the control goroutine
	client  Client
	retries int

	state atomic.Int32

	subscriptionsMux sync.RWMutex
	subscriptions    []subscription

	requests  chan request
	inbound   chan mqtt.Message
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	log       *logrus.Entry
}

// New returns a new connector. The connection is established lazily on the
// first operation, or explicitly with Connect().
func New(bb *Builder) *Connector {
	if len(bb.Host) == 0 {
		panic("broker host missing")
	}

	c := &Connector{
		clientID:     bb.ClientID,
		username:     bb.Username,
		password:     bb.Password,
		keepAlive:    bb.KeepAlive,
		maxRetries:   bb.MaxRetries,
		pollInterval: bb.PollInterval,
		qos:          1,
		retain:       bb.Retain,
		ackTimeout:   bb.AckTimeout,
		newClient:    bb.NewClient,
		requests:     make(chan request),
		inbound:      make(chan mqtt.Message, 256),
		closing:      make(chan struct{}),
	}
	scheme := bb.Scheme
	if scheme == "" {
		scheme = "tcp"
	}
	port := bb.Port
	if port == 0 {
		port = 1883
	}
	c.broker = fmt.Sprintf("%s://%s:%d", scheme, bb.Host, port)
	if c.clientID == "" {
		c.clientID = "actuation-" + uuid.New().String()
	}
	if c.keepAlive == 0 {
		c.keepAlive = 30 * time.Second
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 10
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 1500 * time.Millisecond
	}
	if bb.QoS != nil {
		c.qos = *bb.QoS
	}
	if c.ackTimeout <= 0 {
		c.ackTimeout = 10 * time.Second
	}
	if c.newClient == nil {
		c.newClient = func(o *mqtt.ClientOptions) Client { return mqtt.NewClient(o) }
	}
	c.log = logger.Default().WithFields(logrus.Fields{"broker": c.broker, "clientID": c.clientID})

	c.wg.Add(2)
	go c.run()
	go c.dispatchInbound()
	return c
}

// Broker returns the broker URL
func (c *Connector) Broker() string {
	return c.broker
}

// State returns the current connection state
func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debugf("connection state %s -> %s", old, s)
	}
}

// Connect connects to the broker. It returns immediately if the connector is
// already connected. Otherwise it opens the transport and polls the connection
// status every PollInterval, up to MaxRetries times, before it gives up with
// ErrRetriesExhausted.
func (c *Connector) Connect(ctx context.Context) error {
	return c.submit(ctx, request{intent: intentConnect})
}

// Publish publishes the message on topic with at-least-once semantics, unless
// options say otherwise. The message is JSON encoded; []byte and
// json.RawMessage are sent as they are. A disconnected connector connects first.
func (c *Connector) Publish(ctx context.Context, topic string, message any, options ...PublishOption) error {
	payload, err := encode(message)
	if err != nil {
		return fmt.Errorf("cannot encode message for %s: %w", topic, err)
	}
	o := publishOptions{qos: c.qos, retain: c.retain}
	for _, option := range options {
		option(&o)
	}
	return c.submit(ctx, request{intent: intentPublish, topic: topic, payload: payload, qos: o.qos, retain: o.retain})
}

// Subscribe subscribes to the topic filter and installs the handler for all
// inbound messages matching the filter the broker granted. A disconnected
// connector connects first.
func (c *Connector) Subscribe(ctx context.Context, filter string, handler Handler) error {
	if handler == nil {
		return errors.New("handler missing")
	}
	return c.submit(ctx, request{intent: intentSubscribe, topic: filter, handler: handler})
}

// Unsubscribe unsubscribes from the topic and removes all handlers whose
// pattern matches the literal topic string. Note that this is a match, not an
// equality test: with overlapping patterns more than one subscription may go.
func (c *Connector) Unsubscribe(ctx context.Context, topic string) error {
	return c.submit(ctx, request{intent: intentUnsubscribe, topic: topic})
}

// Close disconnects from the broker and stops the connector. Operations
// issued after Close return ErrClosed.
func (c *Connector) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)
		reply := make(chan error, 1)
		c.requests <- request{intent: intentClose, reply: reply}
		<-reply
		c.wg.Wait()
	})
}

func (c *Connector) submit(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case <-c.closing:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.requests <- req:
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the control goroutine. It is the only writer of the connection.
func (c *Connector) run() {
	defer c.wg.Done()
	for req := range c.requests {
		var err error
		switch req.intent {
		case intentConnect:
			err = c.connect()
		case intentPublish:
			err = c.publish(req)
		case intentSubscribe:
			err = c.subscribe(req)
		case intentUnsubscribe:
			err = c.unsubscribe(req)
		case intentLost:
			c.lost(req.err)
		case intentClose:
			c.disconnect()
			req.reply <- nil
			return
		}
		if req.reply != nil {
			req.reply <- err
		}
	}
}

func (c *Connector) connect() error {
	if c.State() == Connected {
		// the lost callback may not have been processed yet
		if c.client.IsConnectionOpen() {
			return nil
		}
		c.setState(Disconnected)
		c.log.Warnln("connection dropped, reconnecting")
	}
	if c.client == nil {
		c.client = c.newClient(c.clientOptions())
	}

	c.setState(Connecting)
	c.log.Infoln("connecting")
	c.client.Connect()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for c.retries = 0; c.retries < c.maxRetries; {
		select {
		case <-c.closing:
			c.setState(Disconnected)
			return ErrClosed
		case <-ticker.C:
		}
		c.retries++
		if c.client.IsConnected() {
			c.setState(Connected)
			c.log.Infof("connected after %d polls", c.retries)
			c.resubscribe()
			return nil
		}
		c.log.Debugf("not connected yet, poll %d of %d", c.retries, c.maxRetries)
	}

	c.setState(Disconnected)
	c.client.Disconnect(0)
	err := fmt.Errorf("%w: %s after %d polls", ErrRetriesExhausted, c.broker, c.retries)
	c.log.WithError(err).Errorln("cannot connect")
	return err
}

func (c *Connector) publish(req request) error {
	if err := c.connect(); err != nil {
		return err
	}
	err := c.wait(c.client.Publish(req.topic, req.qos, req.retain, req.payload))
	if errors.Is(err, mqtt.ErrNotConnected) {
		// the link went down after the liveness check, try once more
		if err = c.connect(); err != nil {
			return err
		}
		err = c.wait(c.client.Publish(req.topic, req.qos, req.retain, req.payload))
	}
	if err != nil {
		c.log.WithError(err).Errorf("publish on %s failed", req.topic)
	}
	return err
}

func (c *Connector) subscribe(req request) error {
	if err := c.connect(); err != nil {
		return err
	}
	token := c.client.Subscribe(req.topic, c.qos, nil)
	if err := c.wait(token); err != nil {
		c.log.WithError(err).Errorf("subscribe to %s failed", req.topic)
		return err
	}

	granted := map[string]byte{req.topic: c.qos}
	if st, ok := token.(interface{ Result() map[string]byte }); ok && len(st.Result()) > 0 {
		granted = st.Result()
	}

	c.subscriptionsMux.Lock()
	defer c.subscriptionsMux.Unlock()
	accepted := 0
	for filter, qos := range granted {
		if qos == subscribeFailure {
			c.log.Errorf("subscription to %s rejected", filter)
			continue
		}
		c.subscriptions = append(c.subscriptions, subscription{
			filter:  filter,
			matcher: topic.Compile(filterToPattern(filter)),
			handler: req.handler,
		})
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("%w: %s", ErrSubscriptionRejected, req.topic)
	}
	c.log.Infof("subscribed to %s", req.topic)
	return nil
}

func (c *Connector) unsubscribe(req request) error {
	if c.State() == Connected {
		if err := c.wait(c.client.Unsubscribe(req.topic)); err != nil {
			c.log.WithError(err).Errorf("unsubscribe from %s failed", req.topic)
			return err
		}
	}

	c.subscriptionsMux.Lock()
	defer c.subscriptionsMux.Unlock()
	kept := make([]subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		if !s.matcher.Test(req.topic) {
			kept = append(kept, s)
		}
	}
	c.log.Infof("unsubscribed from %s, removed %d handlers", req.topic, len(c.subscriptions)-len(kept))
	c.subscriptions = kept
	return nil
}

// resubscribe restores the broker side of existing subscriptions after a reconnect.
func (c *Connector) resubscribe() {
	c.subscriptionsMux.RLock()
	filters := make(map[string]bool, len(c.subscriptions))
	for _, s := range c.subscriptions {
		filters[s.filter] = true
	}
	c.subscriptionsMux.RUnlock()

	for filter := range filters {
		if err := c.wait(c.client.Subscribe(filter, c.qos, nil)); err != nil {
			c.log.WithError(err).Errorf("resubscribe to %s failed", filter)
		}
	}
}

func (c *Connector) lost(err error) {
	if c.State() == Disconnected {
		return
	}
	c.setState(Disconnected)
	c.log.WithError(err).Errorln("connection lost")
}

func (c *Connector) disconnect() {
	if c.client != nil && c.State() == Connected {
		c.client.Disconnect(250)
	}
	c.setState(Disconnected)
	c.log.Infoln("disconnected")
}

func (c *Connector) wait(token mqtt.Token) error {
	if !token.WaitTimeout(c.ackTimeout) {
		return ErrAckTimeout
	}
	err := token.Error()
	if errors.Is(err, mqtt.ErrNotConnected) {
		c.setState(Disconnected)
	}
	return err
}

func (c *Connector) clientOptions() *mqtt.ClientOptions {
	return mqtt.NewClientOptions().
		AddBroker(c.broker).
		SetClientID(c.clientID).
		SetUsername(c.username).
		SetPassword(c.password).
		SetKeepAlive(c.keepAlive).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			c.messageArrived(msg)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			c.connectionLost(err)
		})
}

// connectionLost is called from the transport's goroutine.
func (c *Connector) connectionLost(err error) {
	go func() {
		select {
		case c.requests <- request{intent: intentLost, err: err}:
		case <-c.closing:
		}
	}()
}

// messageArrived is called from the transport's goroutine. Inbound messages
// are handed to the dispatch goroutine so that handlers may publish.
func (c *Connector) messageArrived(msg mqtt.Message) {
	select {
	case c.inbound <- msg:
	case <-c.closing:
	}
}

func (c *Connector) dispatchInbound() {
	defer c.wg.Done()
	for {
		select {
		case msg := <-c.inbound:
			c.dispatch(msg.Topic(), msg.Payload())
		case <-c.closing:
			return
		}
	}
}

// dispatch invokes all handlers matching the topic, in registration order.
func (c *Connector) dispatch(topic string, payload []byte) {
	var message any
	if err := json.Unmarshal(payload, &message); err != nil {
		c.log.WithError(err).Errorf("dropping unparsable message on %s", topic)
		return
	}

	c.subscriptionsMux.RLock()
	subscriptions := c.subscriptions
	c.subscriptionsMux.RUnlock()

	for _, s := range subscriptions {
		if s.matcher.Test(topic) {
			c.invoke(s.handler, topic, message)
		}
	}
}

func (c *Connector) invoke(handler Handler, topic string, message any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("recovered from panic in handler for %s: %v", topic, r)
			debug.PrintStack()
		}
	}()
	handler(topic, message)
}

func encode(message any) ([]byte, error) {
	switch m := message.(type) {
	case []byte:
		return m, nil
	case json.RawMessage:
		return m, nil
	}
	return json.Marshal(message)
}

// filterToPattern translates an MQTT topic filter into the matcher syntax.
func filterToPattern(filter string) string {
	segments := strings.Split(filter, topic.Separator)
	for i, s := range segments {
		if s == "+" {
			segments[i] = topic.Wildcard
		}
	}
	return strings.Join(segments, topic.Separator)
}
