package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/labstack/gommon/log"
	"github.com/opst/logbridge/pkg/auth"
	configs "github.com/opst/logbridge/pkg/configs/bridge"
	"github.com/opst/logbridge/pkg/kubeutil"
	"github.com/opst/logbridge/pkg/utils/echoutil"
	"github.com/opst/logbridge/pkg/workloads/k8s"
)

func main() {
	if 1 < len(os.Args) && os.Args[1] == "token" {
		os.Exit(issueToken(os.Args[2:]))
	}

	pconfig := flag.String(
		"config", os.Getenv("LOGBRIDGE_CONFIG"), "path to config file",
	)
	kubeconfig := flag.String("kubeconfig", "", "path to kubeconfig. in-cluster config is used when not found")
	loglevel := flag.String("loglevel", "warn", "log level. debug|info|warn|error|off")
	flag.Parse()

	logger := log.New("logbridge")
	echoutil.SetLevel(logger, *loglevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conf, err := configs.LoadBridgeConfig(*pconfig)
	if err != nil {
		logger.Fatalf("can not read configuration: %s", err)
	}

	clientset, restConfig, err := kubeutil.ConnectToK8s(*kubeconfig)
	if err != nil {
		logger.Fatalf("can not connect to kubernetes: %s", err)
	}
	cluster := k8s.AttachCluster(
		k8s.WrapK8sClient(clientset, restConfig),
		conf.Cluster().Namespace(),
		conf.Cluster().Container(),
	)

	bridge := AssembleBridge(conf, cluster, logger)

	options := []ServerOption{WithAllowedOrigins(conf.Websocket().AllowedOrigins())}
	if a := conf.Auth(); a != nil {
		keyring, err := auth.LoadKeyring(a.KeyFile(), auth.WithLogger(logger))
		if err != nil {
			logger.Fatalf("can not read key: %s", err)
		}
		if _, err := keyring.Watch(ctx); err != nil {
			logger.Fatalf("can not watch key: %s", err)
		}
		options = append(options, WithKeyring(keyring))
	}

	server := BuildServer(bridge, logger, options...)
	for _, r := range server.Routes() {
		server.Logger.Debugf("- mount handler: %s %s", strings.ToUpper(r.Method), r.Path)
	}

	ch := make(chan error, 1)
	go func() {
		defer close(ch)
		if err := server.Start(fmt.Sprintf(":%d", conf.Port())); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ch <- err
		}
	}()

	exit := 0
	select {
	case <-ctx.Done():
		logger.Infof("context has been done: %s, cause: %s", ctx.Err(), context.Cause(ctx))
	case err := <-ch:
		if err != nil {
			logger.Error("server stops with error:", err)
			exit = 1
		}
	}

	logger.Info("shutting down...")
	qctx, qcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer qcancel()

	// hijacked websockets are not closed by the http server. close them first.
	if err := bridge.Sessions.Shutdown(qctx); err != nil {
		logger.Warnf("connections are not closed in time: %s", err)
		exit = 1
	}
	if err := server.Shutdown(qctx); err != nil {
		logger.Errorf("shutdown with error. %+v", err)
		exit = 1
	}
	bridge.Upstream.Close()
	os.Exit(exit)
}

// issueToken prints a bearer token signed by the key in the config.
func issueToken(args []string) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	pconfig := fs.String("config", os.Getenv("LOGBRIDGE_CONFIG"), "path to config file")
	workloads := fs.String("workloads", "*", "comma separated workloads which the token allows to tail. \"*\" for any")
	ttl := fs.Duration("ttl", time.Hour, "lifetime of the token")
	subject := fs.String("subject", "", "subject of the token")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	conf, err := configs.LoadBridgeConfig(*pconfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "can not read configuration: %s\n", err)
		return 1
	}
	if conf.Auth() == nil {
		fmt.Fprintln(os.Stderr, "auth is not configured")
		return 1
	}
	keyring, err := auth.LoadKeyring(conf.Auth().KeyFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "can not read key: %s\n", err)
		return 1
	}

	now := time.Now()
	token, err := keyring.Issue(&auth.Claims{
		Workloads: strings.Split(*workloads, ","),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   *subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(*ttl)),
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "can not sign token: %s\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
