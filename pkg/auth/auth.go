package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	xe "github.com/opst/logbridge/pkg/errors"
	"github.com/opst/logbridge/pkg/utils/filewatch"
)

var ErrNoKey = errors.New("no key")
var ErrInvalidToken = errors.New("invalid token")

// Claims of tokens for the log bridge.
type Claims struct {
	// workloads which the bearer can tail. "*" means any.
	Workloads []string `json:"workloads"`

	jwt.RegisteredClaims
}

// Allows tells whether the bearer can tail the workload.
func (c *Claims) Allows(workload string) bool {
	for _, w := range c.Workloads {
		if w == "*" || w == workload {
			return true
		}
	}
	return false
}

// Keyring holds a HS256 key read from a file.
type Keyring struct {
	path   string
	logger *log.Logger

	mu  sync.RWMutex
	key []byte
}

type Option func(*Keyring)

func WithLogger(l *log.Logger) Option {
	return func(k *Keyring) {
		k.logger = l
	}
}

// LoadKeyring reads a key from the file.
//
// Trailing whitespaces in the file are not part of the key.
func LoadKeyring(path string, options ...Option) (*Keyring, error) {
	k := &Keyring{path: path, logger: log.New("auth")}
	for _, o := range options {
		o(k)
	}
	if err := k.Reload(); err != nil {
		return nil, err
	}
	return k, nil
}

// Reload reads the key file again. On error, the current key is kept.
func (k *Keyring) Reload() error {
	content, err := os.ReadFile(k.path)
	if err != nil {
		return xe.Wrap(err)
	}
	key := bytes.TrimRight(content, " \t\r\n")
	if len(key) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrNoKey, k.path)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.key = key
	return nil
}

func (k *Keyring) current() []byte {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.key
}

// Watch reloads the key whenever the directory of the key file is modified, until ctx is done.
//
// The directory is watched rather than the file, since mounted secrets are replaced by renaming.
func (k *Keyring) Watch(ctx context.Context) (<-chan struct{}, error) {
	return filewatch.Watch(
		ctx,
		func(name string, op fsnotify.Op) {
			if err := k.Reload(); err != nil {
				k.logger.Warnf("key file is modified (%s %s), but cannot be reloaded: %s", op, name, err)
				return
			}
			k.logger.Infof("key is reloaded (%s %s)", op, name)
		},
		filepath.Dir(k.path),
	)
}

// Issue signs claims with the key.
func (k *Keyring) Issue(claims *Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(k.current())
}

// Verify parses a token and returns its claims.
//
// # Returns
//
// - *Claims
//
// - error: ErrInvalidToken (with the cause) when the token is malformed, not signed by the key,
// not HS256, or expired.
func (k *Keyring) Verify(token string) (*Claims, error) {
	key := k.current()
	claims := new(Claims)
	_, err := jwt.ParseWithClaims(
		token, claims,
		func(*jwt.Token) (any, error) { return key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	return claims, nil
}

// ClaimsKey is the key of echo.Context where verified claims are set.
const ClaimsKey = "logbridge.claims"

// TokenOf returns a bearer token in the request.
//
// It is taken from "Authorization: Bearer ..." header, or "token" query parameter.
// Browsers can not set headers on websocket handshakes, so the latter is accepted.
func TokenOf(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if scheme, token, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Middleware rejects requests without a valid token for the workload in the path.
//
// # Args
//
// - k: Keyring to verify tokens
//
// - workloadParam: name of the path parameter for the workload.
func Middleware(k *Keyring, workloadParam string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := TokenOf(c.Request())
			if token == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token is required")
			}
			claims, err := k.Verify(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token").SetInternal(err)
			}
			if workload := c.Param(workloadParam); workload != "" && !claims.Allows(workload) {
				return echo.NewHTTPError(http.StatusForbidden, "the token is not for the workload")
			}
			c.Set(ClaimsKey, claims)
			return next(c)
		}
	}
}
