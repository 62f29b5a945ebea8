package main

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/ghodss/yaml"
	"github.com/gorilla/securecookie"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/diracgrid/dirac-auth/config"
	"github.com/diracgrid/dirac-auth/secrets"
	"github.com/diracgrid/dirac-auth/server"
	"github.com/diracgrid/dirac-auth/statecodec"
	"github.com/diracgrid/dirac-auth/token"
)

type serveOptions struct {
	config string

	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch the DIRAC authorization server",
		Example: "dirac-auth serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true

			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.webHTTPAddr, "web-http-addr", "", "Web HTTP address")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "Web HTTPS address")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", "", "Telemetry address")

	return cmd
}

func applyConfigOverrides(options serveOptions, c *Config) {
	if options.webHTTPAddr != "" {
		c.Web.HTTP = options.webHTTPAddr
	}
	if options.webHTTPSAddr != "" {
		c.Web.HTTPS = options.webHTTPSAddr
	}
	if options.telemetryAddr != "" {
		c.Telemetry.HTTP = options.telemetryAddr
	}
}

// serverRunner wraps one http.Server as an oklog/run actor: Serve blocks
// the run.Group goroutine, and the interrupt function drives a bounded
// graceful shutdown when any other actor in the group returns.
type serverRunner struct {
	name string
	srv  *http.Server

	tlsCrt string
	tlsKey string

	logger logrus.FieldLogger
}

func newServerRunner(name string, srv *http.Server, logger logrus.FieldLogger) *serverRunner {
	return &serverRunner{name: name, srv: srv, logger: logger}
}

func (s *serverRunner) WithTLS(crt, key string) *serverRunner {
	s.tlsCrt = crt
	s.tlsKey = key
	return s
}

func (s *serverRunner) run(listener net.Listener) error {
	if s.tlsCrt != "" && s.tlsKey != "" {
		return s.srv.ServeTLS(listener, s.tlsCrt, s.tlsKey)
	}
	return s.srv.Serve(listener)
}

func (s *serverRunner) addTo(gr *run.Group) error {
	listener, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", s.name, s.srv.Addr, err)
	}

	gr.Add(func() error {
		s.logger.WithField("addr", s.srv.Addr).Infof("listening (%s)", s.name)
		return s.run(listener)
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		s.logger.Debugf("starting graceful shutdown (%s)", s.name)
		if shutdownErr := s.srv.Shutdown(ctx); shutdownErr != nil {
			s.logger.WithError(shutdownErr).Errorf("graceful shutdown (%s)", s.name)
		}
	})
	return nil
}

// loadSigningKey builds the Secrets provider from the configured PEM file,
// or generates an ephemeral key with a loud warning if none is configured.
func loadSigningKey(cfg SigningKey, logger logrus.FieldLogger) (*secrets.Provider, error) {
	keyID := cfg.KeyID
	if keyID == "" {
		keyID = "default"
	}
	if cfg.Path == "" {
		logger.Warn("no signingKey.path configured: generating an ephemeral signing key for this process only; tokens issued now will fail verification after a restart")
		return secrets.Ephemeral(keyID)
	}
	return secrets.FromPEMFile(cfg.Path, keyID)
}

// loadStateCodec builds the StateCodec from the configured base64 keys, or
// generates ephemeral ones with a loud warning if none are configured.
func loadStateCodec(cfg StateSecret, logger logrus.FieldLogger) (*statecodec.Codec, error) {
	if cfg.HashKey == "" || cfg.BlockKey == "" {
		logger.Warn("no stateSecret configured: generating ephemeral securecookie keys for this process only; in-flight authorization flows will not survive a restart, and this is unsafe for more than one instance")
		return statecodec.New(securecookie.GenerateRandomKey(64), securecookie.GenerateRandomKey(32)), nil
	}
	hashKey, err := base64.StdEncoding.DecodeString(cfg.HashKey)
	if err != nil {
		return nil, fmt.Errorf("invalid stateSecret.hashKey: %w", err)
	}
	blockKey, err := base64.StdEncoding.DecodeString(cfg.BlockKey)
	if err != nil {
		return nil, fmt.Errorf("invalid stateSecret.blockKey: %w", err)
	}
	return statecodec.New(hashKey, blockKey), nil
}

// ttlsFromExpiry parses Expiry's duration strings, falling back to
// server.DefaultTTLs() for any field left blank.
func ttlsFromExpiry(e Expiry) (server.TTLs, error) {
	ttls := server.DefaultTTLs()
	if e.Device != "" {
		d, err := time.ParseDuration(e.Device)
		if err != nil {
			return ttls, fmt.Errorf("invalid expiry.device: %w", err)
		}
		ttls.Device = d
	}
	if e.AuthCode != "" {
		d, err := time.ParseDuration(e.AuthCode)
		if err != nil {
			return ttls, fmt.Errorf("invalid expiry.authCode: %w", err)
		}
		ttls.AuthCode = d
	}
	if e.AccessToken != "" {
		d, err := time.ParseDuration(e.AccessToken)
		if err != nil {
			return ttls, fmt.Errorf("invalid expiry.accessToken: %w", err)
		}
		ttls.AccessToken = d
	}
	return ttls, nil
}

func runServe(options serveOptions) error {
	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", options.config, err)
	}

	var c Config
	if err := yaml.Unmarshal(configData, &c); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", options.config, err)
	}
	if err := replaceEnvKeys(&c, os.Getenv); err != nil {
		return fmt.Errorf("error parsing env variables in config file %s: %w", options.config, err)
	}
	applyConfigOverrides(options, &c)

	logger, err := newLogger(c.Logger.Level, c.Logger.Format)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return err
	}
	logger.Infof("config issuer: %s", c.Issuer)

	registry, err := config.Load(c.Registry)
	if err != nil {
		return fmt.Errorf("failed to load registry: %w", err)
	}
	logger.Infof("config registry: %s (%d VOs)", c.Registry, len(registry.VOs))

	store, err := c.Storage.Config.Open(logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()
	logger.Infof("config storage: %s", c.Storage.Type)

	secretsProvider, err := loadSigningKey(c.SigningKey, logger)
	if err != nil {
		return fmt.Errorf("failed to load signing key: %w", err)
	}

	stateCodec, err := loadStateCodec(c.StateSecret, logger)
	if err != nil {
		return fmt.Errorf("failed to build state codec: %w", err)
	}

	ttls, err := ttlsFromExpiry(c.Expiry)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tokenIssuer := token.New(secretsProvider, c.Issuer, c.Issuer, ttls.AccessToken)

	srv, err := server.New(server.Config{
		IssuerURL:      c.Issuer,
		Store:          store,
		Registry:       registry,
		TokenIssuer:    tokenIssuer,
		StateCodec:     stateCodec,
		TTLs:           ttls,
		Logger:         logger,
		AllowedOrigins: c.Web.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	if len(c.Web.AllowedOrigins) > 0 {
		logger.Infof("config allowed origins: %s", c.Web.AllowedOrigins)
	}

	var gr run.Group

	if c.Telemetry.HTTP != "" {
		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: srv.TelemetryHandler()}
		defer telemetrySrv.Close()
		if err := newServerRunner("http/telemetry", telemetrySrv, logger).addTo(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTP != "" {
		httpSrv := &http.Server{Addr: c.Web.HTTP, Handler: srv.Router(c.Web.AllowedOrigins)}
		defer httpSrv.Close()
		if err := newServerRunner("http", httpSrv, logger).addTo(&gr); err != nil {
			return err
		}
	}

	if c.Web.HTTPS != "" {
		httpsSrv := &http.Server{
			Addr:    c.Web.HTTPS,
			Handler: srv.Router(c.Web.AllowedOrigins),
			TLSConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		}
		defer httpsSrv.Close()
		runner := newServerRunner("https", httpsSrv, logger).WithTLS(c.Web.TLSCert, c.Web.TLSKey)
		if err := runner.addTo(&gr); err != nil {
			return err
		}
	}

	gcCtx, cancelGC := context.WithCancel(context.Background())
	gr.Add(func() error {
		return srv.RunGarbageCollector(gcCtx, time.Minute)
	}, func(error) {
		cancelGC()
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Infof("%v, shutdown now", err)
	}
	return nil
}
