package main

import (
	"time"

	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/pkg/bridge/command"
	"github.com/opst/logbridge/pkg/bridge/registry"
	"github.com/opst/logbridge/pkg/bridge/session"
	"github.com/opst/logbridge/pkg/bridge/upstream"
	configs "github.com/opst/logbridge/pkg/configs/bridge"
	"github.com/opst/logbridge/pkg/utils/retry"
	"github.com/opst/logbridge/pkg/workloads/k8s"
)

// Bridge is the set of components serving log streams.
type Bridge struct {
	Registry *registry.Registry
	Upstream *upstream.Manager
	Sessions *session.Controller
}

// Cluster is where workloads are. Implemented by k8s.Cluster .
type Cluster interface {
	session.Workloads
	upstream.Source
	command.Executor
}

var _ Cluster = &k8s.Cluster{}

// AssembleBridge wires components up along with the config.
func AssembleBridge(conf *configs.BridgeConfig, cluster Cluster, logger *log.Logger) *Bridge {
	child := func(prefix string) *log.Logger {
		l := log.New(prefix)
		l.SetLevel(logger.Level())
		l.SetOutput(logger.Output())
		return l
	}

	reg := registry.New(
		conf.Session().GracePeriod(),
		registry.WithLogger(child("registry")),
	)

	backoff := conf.Upstream().Backoff()
	mgr := upstream.New(
		cluster, reg,
		retry.Policy{
			Base:   backoff.Base(),
			Factor: backoff.Factor(),
			Cap:    backoff.Cap(),
			Window: backoff.Window(),
		},
		upstream.WithLogger(child("upstream")),
		upstream.WithTailLines(conf.Upstream().TailLines()),
	)
	reg.Bind(mgr)

	exec := conf.Exec()
	ws := conf.Websocket()
	ch := command.New(
		cluster, exec.Shell(), exec.Timeout(),
		command.WithLogger(child("command")),
	)
	ctl := session.New(
		reg, cluster, ch,
		session.Config{
			SendBuffer:         conf.Session().SendBuffer(),
			PingInterval:       ws.PingInterval(),
			WriteTimeout:       ws.WriteTimeout(),
			MaxMessageSize:     ws.MaxMessageSize(),
			MaxInflight:        int64(exec.MaxInflight()),
			MaxBackendFailures: int64(exec.MaxBackendFailures()),
			LookupRetry: retry.Policy{
				Base:   250 * time.Millisecond,
				Factor: 2,
				Cap:    time.Second,
				Window: conf.Session().LookupWindow(),
			},
		},
		session.WithLogger(child("session")),
	)

	return &Bridge{Registry: reg, Upstream: mgr, Sessions: ctl}
}
