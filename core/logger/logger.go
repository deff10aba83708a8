package logger

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	DispatchID string `json:"dispatchID"`
	Transport  string `json:"transport,omitempty"`
}

// Type for the context keys
type contextKeyLoggerType struct{}

var contextKeyLogger = &contextKeyLoggerType{}

const (
	// DispatchIDKey is the log field which correlates all log lines of one dispatched message
	DispatchIDKey string = "dispatchID"
	// TransportKey is the log field for the transport of a dispatched message
	TransportKey string = "transport"
)

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// AddRequestID adds a logger with a new dispatch ID to every request of the router
func AddRequestID(router *mux.Router) {
	reqID := func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, _ := ContextWithLogger(r.Context())
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	router.Use(reqID)
}

// Default returns a logger without a dispatch ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	rlog := logrus.WithField(DispatchIDKey, uuid.New().String())
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

// ContextWithLoggerFields returns a context whose logger carries the additional fields.
// A logger with a new dispatch ID is created first if the context has none.
func ContextWithLoggerFields(ctx context.Context, fields logrus.Fields) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithFields(fields)
	return context.WithValue(ctx, contextKeyLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// or is nil, the default logger is returned.
func FromContext(ctx context.Context) *logrus.Entry {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return Default()
	}
	return rlog
}

// DispatchIDFromContext returns the dispatch id for the given context.
func DispatchIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).DispatchID
}

// SerializeLoggerContext extracts the logger from the context and returns a json
// representation of the relevant parameters. Downstream consumers of the durable log
// use it to continue logging under the same dispatch ID.
func SerializeLoggerContext(ctx context.Context) []byte {
	ctxValues := loggerValues(ctx)
	if ctxValues.DispatchID == "" {
		return []byte("{}")
	}

	res, err := json.Marshal(ctxValues)
	if err != nil {
		return []byte("{}")
	}
	return res
}

func loggerValues(ctx context.Context) contextLoggerValues {
	var ctxValues contextLoggerValues

	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ctxValues
	}
	if s, ok := rlog.Data[DispatchIDKey].(string); ok {
		ctxValues.DispatchID = s
	}
	if v, ok := rlog.Data[TransportKey]; ok {
		if s, ok := v.(string); ok {
			ctxValues.Transport = s
		}
	}
	return ctxValues
}
