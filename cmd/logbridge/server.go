package main

import (
	"fmt"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/cmd/logbridge/handlers"
	"github.com/opst/logbridge/pkg/auth"
	"github.com/opst/logbridge/pkg/utils/echoutil"
)

var API_ROOT = "/api"

func api(subpath string) string {
	if !strings.HasSuffix(subpath, "/") {
		subpath += "/"
	}
	return fmt.Sprintf("%s/%s", API_ROOT, subpath)
}

// ServerOption configures the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	keyring        *auth.Keyring
	allowedOrigins []string
}

// WithKeyring requires bearer tokens verified by the keyring for log streams.
func WithKeyring(k *auth.Keyring) ServerOption {
	return func(o *serverOptions) {
		o.keyring = k
	}
}

// WithAllowedOrigins sets origins allowed to open log streams.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(o *serverOptions) {
		o.allowedOrigins = origins
	}
}

// BuildServer creates an echo server for the bridge.
//
// Routes:
//
// - GET /logs/:workload/ : websocket of the log stream of the workload.
//
// - GET /api/sessions/ : sessions and their connections.
//
// - GET /healthz/
func BuildServer(b *Bridge, logger *log.Logger, options ...ServerOption) *echo.Echo {
	opts := &serverOptions{}
	for _, o := range options {
		o(opts)
	}

	e := echo.New()
	e.HideBanner = true
	e.Logger = logger
	e.HTTPErrorHandler = echoutil.ErrorHandler(e)

	e.Pre(middleware.AddTrailingSlash())
	e.Use(echoutil.LogHandlerFunc)

	logs := []echo.MiddlewareFunc{}
	if opts.keyring != nil {
		logs = append(logs, auth.Middleware(opts.keyring, "workload"))
	}
	e.GET(
		"/logs/:workload/",
		handlers.LogsHandler(b.Sessions, handlers.NewUpgrader(opts.allowedOrigins), "workload"),
		logs...,
	)

	e.GET(api("sessions"), handlers.GetSessionsHandler(b.Registry, b.Upstream, b.Sessions))
	e.GET("/healthz/", handlers.HealthHandler())

	return e
}
