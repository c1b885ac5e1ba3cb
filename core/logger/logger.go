// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package logger

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

type contextLoggerValues struct {
	RequestID string `json:"requestID"`
	Identity  string `json:"identity"`
}

// Type for the context keys
type contextKeyRequestLoggerType struct{}

var contextKeyRequestLogger = &contextKeyRequestLoggerType{}

const (
	requestIDLoggerKey string = "requestID"
	identityLoggerKey  string = "identity"

	// RequestIDHeader is the header used to pass a request ID from a proxy
	RequestIDHeader = "X-Request-Id"
)

// InitLogger sets up the custom time formatter for all log statements and the log level.
// Unknown levels fall back to info.
func InitLogger(logLevel string) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		logrus.WithError(err).Warnf("unknown log level '%s', using info", logLevel)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

// AddRequestID adds a logger with a request ID to every request. The ID is taken from the
// X-Request-Id header if present, otherwise a new one is generated. The ID is echoed back.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, rlog := contextWithRequestID(r.Context(), r.Header.Get(RequestIDHeader))
			if id, ok := rlog.Data[requestIDLoggerKey].(string); ok {
				w.Header().Set(RequestIDHeader, id)
			}
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

// ContextWithLogger returns a new context with a logger if the given context has no logger yet. If
// the context already has a logger the given context will be returned.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	return contextWithRequestID(ctx, "")
}

func contextWithRequestID(ctx context.Context, requestID string) (context.Context, *logrus.Entry) {
	if ctx == nil {
		ctx = context.Background()
	} else if rlog := loggerFromContext(ctx); rlog != nil {
		return ctx, rlog
	}
	if len(requestID) == 0 || len(requestID) > 128 {
		requestID = uuid.New().String()
	}
	rlog := logrus.WithField(requestIDLoggerKey, requestID)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

func loggerFromContext(ctx context.Context) *logrus.Entry {
	if ctx == nil {
		return nil
	}
	rlog, ok := ctx.Value(contextKeyRequestLogger).(*logrus.Entry)
	if !ok {
		return nil
	}
	return rlog
}

// FromContext returns the logger from the context. If the context does not have a logger
// the default logger is returned.
func FromContext(ctx context.Context) *logrus.Entry {
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return Default()
	}
	return rlog
}

// ContextWithLoggerIdentity returns a new context with a logger which also logs the
// authenticated identity, i.e. an operator's email or a device serial number.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	ctx, rlog := ContextWithLogger(ctx)
	rlog = rlog.WithField(identityLoggerKey, identity)
	return context.WithValue(ctx, contextKeyRequestLogger, rlog), rlog
}

// RequestIDFromContext returns the request id for the given context.
func RequestIDFromContext(ctx context.Context) string {
	return loggerValues(ctx).RequestID
}

// SerializeLoggerContext returns a json representation of the request ID and identity
// of the context logger, so that consumers of lifecycle events can correlate them.
func SerializeLoggerContext(ctx context.Context) json.RawMessage {
	ctxValues := loggerValues(ctx)
	if ctxValues.RequestID == "" {
		return json.RawMessage("{}")
	}
	res, err := json.Marshal(ctxValues)
	if err != nil {
		return json.RawMessage("{}")
	}
	return res
}

func loggerValues(ctx context.Context) contextLoggerValues {
	var ctxValues contextLoggerValues
	rlog := loggerFromContext(ctx)
	if rlog == nil {
		return ctxValues
	}
	if s, ok := rlog.Data[requestIDLoggerKey].(string); ok {
		ctxValues.RequestID = s
	}
	if s, ok := rlog.Data[identityLoggerKey].(string); ok {
		ctxValues.Identity = s
	}
	return ctxValues
}
