package connector

// PublishOption overrides the connector's publish defaults for one message
type PublishOption func(*publishOptions)

type publishOptions struct {
	qos    byte
	retain bool
}

// WithQoS sets the quality of service level: 0 at most once, 1 at least once, 2 exactly once
func WithQoS(qos byte) PublishOption {
	return func(o *publishOptions) {
		o.qos = qos
	}
}

// WithRetain sets the retained flag
func WithRetain(retain bool) PublishOption {
	return func(o *publishOptions) {
		o.retain = retain
	}
}
