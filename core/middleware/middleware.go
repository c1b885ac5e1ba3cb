// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package middleware provides the HTTP middleware which wraps the whole router: CORS,
// compression, panic recovery and access logging.
package middleware

import (
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/fleetca/core/logger"
)

// CORS sets CORS headers for all requests and answers preflight requests. It wraps the
// router, so that preflight requests for routes without an OPTIONS method get answered.
func CORS(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-Id")
		w.Header().Set("Access-Control-Expose-Headers", "*")
		w.Header().Set("Access-Control-Max-Age", "86400") // 24 hours

		if r.Method == http.MethodOptions {
			logger.FromContext(r.Context()).Debugln("called route for", r.URL, r.Method, " (handled by CORS middleware)")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Compression compresses responses for clients which accept gzip or deflate
func Compression(h http.Handler) http.Handler {
	return handlers.CompressHandler(h)
}

// Recovery turns panics into 500 responses and logs them
func Recovery(h http.Handler) http.Handler {
	return handlers.RecoveryHandler(
		handlers.RecoveryLogger(logger.Default()),
		handlers.PrintRecoveryStack(true),
	)(h)
}

// AccessLog writes an access log line in combined log format for every request
func AccessLog(h http.Handler) http.Handler {
	return handlers.CombinedLoggingHandler(logger.Default().WriterLevel(logrus.InfoLevel), h)
}

// Wrap applies all middleware to h, outermost first: recovery, access log, CORS
// and compression
func Wrap(h http.Handler) http.Handler {
	return Recovery(AccessLog(CORS(Compression(h))))
}
