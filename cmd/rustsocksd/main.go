package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xulek/rustsocks/acl"
	"github.com/xulek/rustsocks/auth"
	"github.com/xulek/rustsocks/engine"
	"github.com/xulek/rustsocks/listener"
	"github.com/xulek/rustsocks/pool"
	"github.com/xulek/rustsocks/rsconfig"
	"github.com/xulek/rustsocks/session"
)

func main() {
	defaultConfig := os.Getenv("RUSTSOCKS_CONFIG")
	if defaultConfig == "" {
		defaultConfig = "rustsocks.yaml"
	}
	configPath := flag.String("config", defaultConfig, "path to YAML config file")
	testConfig := flag.Bool("t", false, "test configuration and exit")
	flag.Parse()

	cfg, err := rsconfig.Load(*configPath)
	if err != nil {
		if *testConfig {
			fmt.Fprintf(os.Stderr, "configuration test FAILED: %v\n", err)
			os.Exit(1)
		}
		logrus.WithError(err).Fatal("rustsocksd: loading configuration")
	}

	if *testConfig {
		fmt.Printf("configuration file %s test OK\n", *configPath)
		fmt.Printf("  bind_address: %s\n", cfg.BindAddress)
		fmt.Printf("  acl_file:     %s\n", cfg.AclFile)
		fmt.Printf("  auth methods: %v\n", cfg.Auth.Methods)
		os.Exit(0)
	}

	// Environment overrides win over file settings.
	if lvl := os.Getenv("RUSTSOCKS_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if dsn := os.Getenv("RUSTSOCKS_DB_URL"); dsn != "" {
		cfg.Session.DSN = dsn
	}

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}

	aclConfig, err := acl.LoadFile(cfg.AclFile)
	if err != nil {
		log.WithError(err).Fatal("rustsocksd: loading acl file")
	}
	aclEngine := acl.NewEngine(aclConfig, log)

	watcher, err := acl.NewWatcher(cfg.AclFile, aclEngine, log)
	if err != nil {
		log.WithError(err).Fatal("rustsocksd: starting acl watcher")
	}
	defer watcher.Close()

	authenticators, err := buildAuthenticators(cfg.Auth)
	if err != nil {
		log.WithError(err).Fatal("rustsocksd: configuring authentication")
	}

	connPool := pool.New(cfg.ToPoolConfig(), log)
	defer connPool.Close()

	sessions, err := session.NewManager(cfg.ToSessionConfig(), log)
	if err != nil {
		log.WithError(err).Fatal("rustsocksd: starting session manager")
	}
	defer sessions.Close()

	shaper := cfg.ToShaper()

	eng := engine.New(engine.Config{
		GreetingTimeout:             10 * time.Second,
		RequestTimeout:              10 * time.Second,
		BindPeerWait:                time.Duration(cfg.BindPeerWaitSecs) * time.Second,
		IdleRelayTimeout:            5 * time.Minute,
		RelayBufferSize:             cfg.RelayBufferSize,
		TrafficUpdatePacketInterval: cfg.TrafficUpdatePacketInterval,
	}, engine.Deps{
		Authenticators: authenticators,
		ACL:            aclEngine,
		UDPCache:       acl.NewUDPCache(5*time.Second, 4096),
		Pool:           connPool,
		Dialer:         pool.NewDialer(time.Duration(cfg.Pool.ConnectTimeoutSecs)*time.Second, nil),
		Sessions:       sessions,
		Shaper:         shaper,
		Log:            log,
	})

	ln := listener.New(listener.Config{
		BindAddress:    cfg.BindAddress,
		MaxConnections: int64(cfg.MaxConnections),
		DrainDeadline:  time.Duration(cfg.DrainDeadlineSecs) * time.Second,
	}, eng, log)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- ln.Run(ctx) }()

	log.WithField("bind_address", cfg.BindAddress).Info("rustsocksd: listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := aclEngine.ReloadFromFile(cfg.AclFile); err != nil {
					log.WithError(err).Warn("rustsocksd: manual acl reload failed")
				} else {
					log.Info("rustsocksd: acl reloaded on SIGHUP")
				}
				continue
			}
			log.WithField("signal", sig.String()).Info("rustsocksd: shutting down")
			cancel()
		case err := <-runErrCh:
			if err != nil {
				log.WithError(err).Error("rustsocksd: listener stopped")
			}
			return
		}
	}
}

// buildAuthenticators wires one auth.Authenticator per configured method,
// mirroring the order the bootstrap file lists them in.
func buildAuthenticators(cfg rsconfig.AuthConfig) ([]auth.Authenticator, error) {
	var authenticators []auth.Authenticator
	for _, m := range cfg.Methods {
		switch m {
		case "noauth":
			authenticators = append(authenticators, auth.NewNoAuth(""))
		case "userpass":
			a, err := auth.LoadUserPassFile(cfg.UserPassFile)
			if err != nil {
				return nil, err
			}
			authenticators = append(authenticators, a)
		default:
			return nil, fmt.Errorf("rustsocksd: unknown auth method %q", m)
		}
	}
	return authenticators, nil
}
