package bridge

import (
	"fmt"
	"time"

	"k8s.io/utils/ptr"
)

type Marshalled[S any] interface {
	trySeal(string) S
}

// seal marshalled object.
//
// this function CAN CAUSE PANIC if misconfiguration is found.
//
// All types named `pkg/configs/bridge.XxxMarshall` are `Marshalled[*Xxx]` .
func TrySeal[S any](conf Marshalled[S]) S {
	return conf.trySeal("(root)")
}

type BridgeConfigMarshall struct {
	Port      int32                    `yaml:"port,omitempty"`
	Cluster   *ClusterConfigMarshall   `yaml:"cluster"`
	Session   *SessionConfigMarshall   `yaml:"session,omitempty"`
	Upstream  *UpstreamConfigMarshall  `yaml:"upstream,omitempty"`
	Exec      *ExecConfigMarshall      `yaml:"exec,omitempty"`
	Websocket *WebsocketConfigMarshall `yaml:"websocket,omitempty"`
	Auth      *AuthConfigMarshall      `yaml:"auth,omitempty"`
}

var _ Marshalled[*BridgeConfig] = &BridgeConfigMarshall{}

func (b *BridgeConfigMarshall) trySeal(path string) *BridgeConfig {
	port := b.Port
	if port == 0 {
		port = 8080
	}

	var auth *AuthConfig
	if b.Auth != nil {
		auth = b.Auth.trySeal(path + ".auth")
	}

	return &BridgeConfig{
		port:      port,
		cluster:   nonnil(b.Cluster, path+".cluster").trySeal(path + ".cluster"),
		session:   orZero(b.Session).trySeal(path + ".session"),
		upstream:  orZero(b.Upstream).trySeal(path + ".upstream"),
		exec:      orZero(b.Exec).trySeal(path + ".exec"),
		websocket: orZero(b.Websocket).trySeal(path + ".websocket"),
		auth:      auth,
	}
}

type ClusterConfigMarshall struct {
	Namespace string `yaml:"namespace"`
	Container string `yaml:"container,omitempty"`
}

func (c *ClusterConfigMarshall) trySeal(path string) *ClusterConfig {
	return &ClusterConfig{
		namespace: required(c.Namespace, path+".namespace"),
		container: c.Container,
	}
}

type SessionConfigMarshall struct {
	GracePeriod  string `yaml:"gracePeriod,omitempty"`
	SendBuffer   int    `yaml:"sendBuffer,omitempty"`
	LookupWindow string `yaml:"lookupWindow,omitempty"`
}

func (s *SessionConfigMarshall) trySeal(path string) *SessionConfig {
	return &SessionConfig{
		gracePeriod:  duration(s.GracePeriod, 10*time.Second, path+".gracePeriod"),
		sendBuffer:   positive(s.SendBuffer, 256, path+".sendBuffer"),
		lookupWindow: duration(s.LookupWindow, 3*time.Second, path+".lookupWindow"),
	}
}

type UpstreamConfigMarshall struct {
	TailLines *int64                `yaml:"tailLines,omitempty"`
	Backoff   *BackoffConfigMarshall `yaml:"backoff,omitempty"`
}

func (u *UpstreamConfigMarshall) trySeal(path string) *UpstreamConfig {
	if u.TailLines != nil && *u.TailLines < 0 {
		panic(fmt.Errorf("%s.tailLines should not be negative: %d", path, *u.TailLines))
	}
	return &UpstreamConfig{
		tailLines: copyOf(u.TailLines),
		backoff:   orZero(u.Backoff).trySeal(path + ".backoff"),
	}
}

type BackoffConfigMarshall struct {
	Base   string  `yaml:"base,omitempty"`
	Factor float64 `yaml:"factor,omitempty"`
	Cap    string  `yaml:"cap,omitempty"`
	Window string  `yaml:"window,omitempty"`
}

func (b *BackoffConfigMarshall) trySeal(path string) *BackoffConfig {
	factor := b.Factor
	if factor == 0 {
		factor = 2
	}
	if factor < 1 {
		panic(fmt.Errorf("%s.factor should be 1 or more: %v", path, factor))
	}

	base := duration(b.Base, 500*time.Millisecond, path+".base")
	ceil := duration(b.Cap, 30*time.Second, path+".cap")
	if ceil < base {
		panic(fmt.Errorf("%s.cap (%s) is less than %s.base (%s)", path, ceil, path, base))
	}

	return &BackoffConfig{
		base:   base,
		factor: factor,
		cap:    ceil,
		window: duration(b.Window, 5*time.Minute, path+".window"),
	}
}

type ExecConfigMarshall struct {
	Timeout            string   `yaml:"timeout,omitempty"`
	Shell              []string `yaml:"shell,omitempty"`
	MaxInflight        int      `yaml:"maxInflight,omitempty"`
	MaxBackendFailures int      `yaml:"maxBackendFailures,omitempty"`
}

func (e *ExecConfigMarshall) trySeal(path string) *ExecConfig {
	shell := e.Shell
	if len(shell) == 0 {
		shell = []string{"/bin/sh", "-c"}
	}
	return &ExecConfig{
		timeout:            duration(e.Timeout, 30*time.Second, path+".timeout"),
		shell:              append([]string{}, shell...),
		maxInflight:        positive(e.MaxInflight, 4, path+".maxInflight"),
		maxBackendFailures: positive(e.MaxBackendFailures, 3, path+".maxBackendFailures"),
	}
}

type WebsocketConfigMarshall struct {
	AllowedOrigins []string `yaml:"allowedOrigins,omitempty"`
	PingInterval   string   `yaml:"pingInterval,omitempty"`
	WriteTimeout   string   `yaml:"writeTimeout,omitempty"`
	MaxMessageSize int64    `yaml:"maxMessageSize,omitempty"`
}

func (w *WebsocketConfigMarshall) trySeal(path string) *WebsocketConfig {
	return &WebsocketConfig{
		allowedOrigins: append([]string{}, w.AllowedOrigins...),
		pingInterval:   duration(w.PingInterval, 30*time.Second, path+".pingInterval"),
		writeTimeout:   duration(w.WriteTimeout, 10*time.Second, path+".writeTimeout"),
		maxMessageSize: positive(w.MaxMessageSize, 4096, path+".maxMessageSize"),
	}
}

type AuthConfigMarshall struct {
	KeyFile string `yaml:"keyFile"`
}

func (a *AuthConfigMarshall) trySeal(path string) *AuthConfig {
	return &AuthConfig{
		keyFile: required(a.KeyFile, path+".keyFile"),
	}
}

func nonnil[T any](v *T, path string) *T {
	if v == nil {
		panic(path + " is required")
	}
	return v
}

// copyOf returns a pointer to a copy of *v, or nil when v is nil.
func copyOf[T any](v *T) *T {
	if v == nil {
		return nil
	}
	return ptr.To(*v)
}

// orZero returns v, or pointer to zero value when v is nil.
//
// Optional sections are sealed with their defaults.
func orZero[T any](v *T) *T {
	if v == nil {
		return new(T)
	}
	return v
}

func required[T comparable](v T, path string) T {
	if v == *new(T) {
		panic(path + " is required")
	}
	return v
}

func positive[T int | int64](v T, def T, path string) T {
	if v == 0 {
		return def
	}
	if v < 0 {
		panic(fmt.Errorf("%s should be positive: %d", path, v))
	}
	return v
}

func duration(v string, def time.Duration, path string) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		panic(fmt.Errorf("%s can not be parsed: %w", path, err))
	}
	if d <= 0 {
		panic(fmt.Errorf("%s should be positive: %s", path, v))
	}
	return d
}
