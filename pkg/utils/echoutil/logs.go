package echoutil

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
)

// LogHandlerFunc logs each request and its response with the latency.
//
// Websocket handshakes are logged when the connection is closed,
// so the latency is the lifetime of the connection.
func LogHandlerFunc(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		meth := req.Method
		path := req.URL.Path
		BEGIN := time.Now()
		c.Logger().Debugf("< request @[%s] %s %s from %s", BEGIN, meth, path, c.RealIP())

		err := next(c)

		END := time.Now()
		c.Logger().Infof(
			"> response @[%s] status = %d (for request @[%s] %s %s) in %v / error = %+v",
			END, c.Response().Status, BEGIN, meth, path, END.Sub(BEGIN), err,
		)
		return err
	}
}

// ParseLevel reads a log level name: debug, info, warn, error or off.
//
// Empty means warn. It reports false for unknown names.
func ParseLevel(loglevel string) (log.Lvl, bool) {
	switch strings.ToLower(loglevel) {
	case "debug":
		return log.DEBUG, true
	case "info":
		return log.INFO, true
	case "warn", "":
		return log.WARN, true
	case "error":
		return log.ERROR, true
	case "off":
		return log.OFF, true
	default:
		return log.WARN, false
	}
}

// SetLevel sets the level of the logger by its name. Unknown names fall back to warn.
func SetLevel(logger echo.Logger, loglevel string) {
	lvl, ok := ParseLevel(loglevel)
	logger.SetLevel(lvl)
	if !ok {
		logger.Warnf("unknown loglevel: %s . fall-backed to warn", loglevel)
	}
}

// ErrorHandler logs errors from handlers, then responds as echo does by default.
func ErrorHandler(e *echo.Echo) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		if he, ok := err.(*echo.HTTPError); ok && he.Code < 500 {
			c.Logger().Infof("%s %s: %s", c.Request().Method, c.Request().URL.Path, err)
			return
		}
		c.Logger().Error(err)
	}
}
