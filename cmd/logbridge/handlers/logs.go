package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/opst/logbridge/pkg/bridge/session"
)

// Server serves websocket connections. Implemented by session.Controller .
type Server interface {
	Serve(ctx context.Context, workload string, transport session.Transport) error
}

// NewUpgrader creates a websocket upgrader accepting the origins.
//
// # Args
//
// - allowedOrigins: "*" allows any origin. Empty allows same origin only.
// Requests without Origin header (not from browsers) are always allowed.
func NewUpgrader(allowedOrigins []string) *websocket.Upgrader {
	up := &websocket.Upgrader{}

	if len(allowedOrigins) == 0 {
		return up // gorilla's default: same origin only
	}

	allowed := map[string]struct{}{}
	for _, o := range allowedOrigins {
		if o == "*" {
			up.CheckOrigin = func(*http.Request) bool { return true }
			return up
		}
		allowed[strings.ToLower(strings.TrimSuffix(o, "/"))] = struct{}{}
	}

	up.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
	return up
}

// LogsHandler upgrades the request into a websocket, and serves it for the workload in the path.
//
// It blocks until the connection is closed.
//
// # Args
//
// - srv: Server
//
// - upgrader
//
// - workloadParam: name of the path parameter for the workload.
func LogsHandler(srv Server, upgrader *websocket.Upgrader, workloadParam string) echo.HandlerFunc {
	return func(c echo.Context) error {
		workload := c.Param(workloadParam)
		if workload == "" {
			return echo.NewHTTPError(http.StatusNotFound, "workload is required")
		}

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// upgrader has responded already.
			c.Logger().Infof("handshake for %s is rejected: %s", workload, err)
			return nil
		}

		if err := srv.Serve(c.Request().Context(), workload, conn); err != nil {
			c.Logger().Infof("connection for %s is closed: %s", workload, err)
		}
		return nil
	}
}
