package echoutil_test

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/pkg/utils/echoutil"
)

func TestParseLevel(t *testing.T) {
	for name, testcase := range map[string]struct {
		when  string
		level log.Lvl
		ok    bool
	}{
		"debug":        {when: "debug", level: log.DEBUG, ok: true},
		"info":         {when: "INFO", level: log.INFO, ok: true},
		"warn":         {when: "warn", level: log.WARN, ok: true},
		"empty":        {when: "", level: log.WARN, ok: true},
		"error":        {when: "Error", level: log.ERROR, ok: true},
		"off":          {when: "off", level: log.OFF, ok: true},
		"unknown name": {when: "verbose", level: log.WARN, ok: false},
	} {
		t.Run(name, func(t *testing.T) {
			level, ok := echoutil.ParseLevel(testcase.when)
			if level != testcase.level || ok != testcase.ok {
				t.Errorf(
					"(actual, expected) = ((%v, %v), (%v, %v))",
					level, ok, testcase.level, testcase.ok,
				)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	t.Run("it warns unknown level names", func(t *testing.T) {
		logger := log.New("test")
		buf := new(bytes.Buffer)
		logger.SetOutput(buf)

		echoutil.SetLevel(logger, "verbose")

		if logger.Level() != log.WARN {
			t.Errorf("level = %v", logger.Level())
		}
		if !strings.Contains(buf.String(), "unknown loglevel: verbose") {
			t.Errorf("no warning: %s", buf.String())
		}
	})
}

func TestLogHandlerFunc(t *testing.T) {
	t.Run("it passes through the result of the handler", func(t *testing.T) {
		e := echo.New()
		buf := new(bytes.Buffer)
		e.Logger.SetOutput(buf)
		e.Logger.SetLevel(log.DEBUG)

		expected := errors.New("fake error")
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/healthz/", nil), httptest.NewRecorder())
		err := echoutil.LogHandlerFunc(func(c echo.Context) error {
			c.NoContent(http.StatusTeapot)
			return expected
		})(c)

		if !errors.Is(err, expected) {
			t.Errorf("unexpected error: %v", err)
		}
		logs := buf.String()
		if !strings.Contains(logs, "< request") || !strings.Contains(logs, "status = 418") {
			t.Errorf("unexpected logs: %s", logs)
		}
	})
}
