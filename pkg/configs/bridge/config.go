package bridge

import (
	"time"
)

type BridgeConfig struct {
	port      int32
	cluster   *ClusterConfig
	session   *SessionConfig
	upstream  *UpstreamConfig
	exec      *ExecConfig
	websocket *WebsocketConfig
	auth      *AuthConfig
}

// Port to listen.
func (c *BridgeConfig) Port() int32 {
	return c.port
}

func (c *BridgeConfig) Cluster() *ClusterConfig {
	return c.cluster
}

func (c *BridgeConfig) Session() *SessionConfig {
	return c.session
}

func (c *BridgeConfig) Upstream() *UpstreamConfig {
	return c.upstream
}

func (c *BridgeConfig) Exec() *ExecConfig {
	return c.exec
}

func (c *BridgeConfig) Websocket() *WebsocketConfig {
	return c.websocket
}

// Auth returns configuration for bearer tokens, or nil if auth is disabled.
func (c *BridgeConfig) Auth() *AuthConfig {
	return c.auth
}

// Where the workloads are.
type ClusterConfig struct {
	namespace string
	container string
}

// k8s namespace where workloads (pods) live.
func (c *ClusterConfig) Namespace() string {
	return c.namespace
}

// container name in pods to be tailed and to run commands.
//
// Empty means the default container of the pod.
func (c *ClusterConfig) Container() string {
	return c.container
}

type SessionConfig struct {
	gracePeriod  time.Duration
	sendBuffer   int
	lookupWindow time.Duration
}

// How long an upstream stream is kept after the last subscriber leaves.
func (s *SessionConfig) GracePeriod() time.Duration {
	return s.gracePeriod
}

// How many frames can be queued for a connection.
//
// A connection overflowing this is disconnected as a slow consumer.
func (s *SessionConfig) SendBuffer() int {
	return s.sendBuffer
}

// How long a new connection retries looking up its workload
// while the cluster is unreachable.
func (s *SessionConfig) LookupWindow() time.Duration {
	return s.lookupWindow
}

type UpstreamConfig struct {
	tailLines *int64
	backoff   *BackoffConfig
}

// Lines from the end of the log to start streaming with. nil means "whole log".
func (u *UpstreamConfig) TailLines() *int64 {
	return u.tailLines
}

func (u *UpstreamConfig) Backoff() *BackoffConfig {
	return u.backoff
}

type BackoffConfig struct {
	base   time.Duration
	factor float64
	cap    time.Duration
	window time.Duration
}

func (b *BackoffConfig) Base() time.Duration {
	return b.base
}

func (b *BackoffConfig) Factor() float64 {
	return b.factor
}

func (b *BackoffConfig) Cap() time.Duration {
	return b.cap
}

// how long to keep retrying before giving up.
func (b *BackoffConfig) Window() time.Duration {
	return b.window
}

type ExecConfig struct {
	timeout            time.Duration
	shell              []string
	maxInflight        int
	maxBackendFailures int
}

// Commands silent for this duration are terminated.
func (e *ExecConfig) Timeout() time.Duration {
	return e.timeout
}

// Command prefix to run a command text, like ["/bin/sh", "-c"].
func (e *ExecConfig) Shell() []string {
	return append([]string{}, e.shell...)
}

// Commands can be in flight at once per connection.
func (e *ExecConfig) MaxInflight() int {
	return e.maxInflight
}

// Consecutive backend failures which close the connection.
func (e *ExecConfig) MaxBackendFailures() int {
	return e.maxBackendFailures
}

type WebsocketConfig struct {
	allowedOrigins []string
	pingInterval   time.Duration
	writeTimeout   time.Duration
	maxMessageSize int64
}

// Origins allowed to connect. Empty means "same origin only", and "*" allows any.
func (w *WebsocketConfig) AllowedOrigins() []string {
	return append([]string{}, w.allowedOrigins...)
}

func (w *WebsocketConfig) PingInterval() time.Duration {
	return w.pingInterval
}

func (w *WebsocketConfig) WriteTimeout() time.Duration {
	return w.writeTimeout
}

// Largest inbound message in bytes.
func (w *WebsocketConfig) MaxMessageSize() int64 {
	return w.maxMessageSize
}

type AuthConfig struct {
	keyFile string
}

// Path to the HS256 key to verify bearer tokens.
func (a *AuthConfig) KeyFile() string {
	return a.keyFile
}
