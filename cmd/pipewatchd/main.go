package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/pipewatch/pkg/api"
	"github.com/psantana5/pipewatch/pkg/config"
	"github.com/psantana5/pipewatch/pkg/logging"
	"github.com/psantana5/pipewatch/pkg/manager"
	"github.com/psantana5/pipewatch/pkg/metrics"
	"github.com/psantana5/pipewatch/pkg/ratelimit"
	"github.com/psantana5/pipewatch/pkg/retry"
	"github.com/psantana5/pipewatch/pkg/shutdown"
	"github.com/psantana5/pipewatch/pkg/store"
	tlsutil "github.com/psantana5/pipewatch/pkg/tls"
	"github.com/psantana5/pipewatch/pkg/tracing"
)

// version is stamped via -ldflags at release time.
var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to the daemon configuration file")
	listenAddr := flag.String("addr", "", "Listen address (overrides the configuration file)")
	definitionsDir := flag.String("definitions", "", "Pipeline definitions directory (overrides the configuration file)")
	generateCert := flag.Bool("generate-cert", false, "Generate a self-signed TLS certificate and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("pipewatchd " + version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *definitionsDir != "" {
		cfg.DefinitionsDir = *definitionsDir
	}

	if *generateCert {
		certFile, keyFile := cfg.TLS.CertFile, cfg.TLS.KeyFile
		if certFile == "" || keyFile == "" {
			certFile, keyFile = "certs/pipewatchd.crt", "certs/pipewatchd.key"
		}
		if err := os.MkdirAll(filepath.Dir(certFile), 0755); err != nil {
			log.Fatalf("Failed to create certificate directory: %v", err)
		}
		if err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, "pipewatchd"); err != nil {
			log.Fatalf("Failed to generate certificate: %v", err)
		}
		log.Printf("Certificate: %s", certFile)
		log.Printf("Key: %s", keyFile)
		return
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	if cfg.LogFile != "" {
		logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer logFile.Close()
		logger.SetOutput(io.MultiWriter(os.Stdout, logFile))
	}

	logger.Info("Starting pipewatchd", map[string]interface{}{
		"version": version,
		"addr":    cfg.ListenAddr,
		"store":   cfg.Store.Type,
	})

	sd := shutdown.New(30 * time.Second)

	tracer, err := tracing.InitTracer(tracing.Config{
		ServiceName:    "pipewatchd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", map[string]interface{}{"error": err.Error()})
	}
	sd.Register(tracer.Shutdown)

	var st store.Store
	openStore := func() error {
		var err error
		st, err = store.NewStore(store.Config{
			Type: cfg.Store.Type,
			Path: cfg.Store.Path,
			DSN:  cfg.Store.DSN,
		})
		return err
	}
	if err := retry.Do(context.Background(), retry.DefaultConfig(), openStore); err != nil {
		logger.Fatal("Failed to open store", map[string]interface{}{"error": err.Error()})
	}
	sd.Register(shutdown.CloseResource(st, "store"))

	mgr := manager.New(st, logger)
	if err := mgr.Recover(); err != nil {
		logger.Fatal("Failed to recover pipeline records", map[string]interface{}{"error": err.Error()})
	}
	sd.Register(mgr.Shutdown)

	handler := api.NewHandler(mgr, st, logger)
	handler.SetVersion(version)
	handler.SetTracer(tracer)

	limiter := ratelimit.NewLimiter(cfg.Limits.RequestsPerSecond, cfg.Limits.Burst)

	router := mux.NewRouter()
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(limiter.Middleware(nil))
	if cfg.AuthToken != "" {
		router.Use(handler.AuthMiddleware(cfg.AuthToken))
		logger.Info("API authentication enabled")
	} else {
		logger.Warn("API authentication disabled; set auth_token to protect the daemon")
	}
	handler.RegisterRoutes(router)
	router.Handle("/metrics", metrics.NewExporter(st)).Methods("GET")

	// Reconcile on-disk pipeline definitions, then keep watching them.
	if cfg.DefinitionsDir != "" {
		if err := os.MkdirAll(cfg.DefinitionsDir, 0755); err != nil {
			logger.Fatal("Failed to create definitions directory", map[string]interface{}{"error": err.Error()})
		}
		reconciler := config.NewReconciler(cfg.DefinitionsDir, mgr, logger)
		if n, err := reconciler.Sync(); err != nil {
			logger.Error("Definitions sync failed", map[string]interface{}{"error": err.Error()})
		} else if n > 0 {
			logger.Info("Definitions registered", map[string]interface{}{"count": n})
		}
		watchCtx, stopWatch := context.WithCancel(context.Background())
		sd.Register(func(context.Context) error {
			stopWatch()
			return nil
		})
		go func() {
			if err := reconciler.Watch(watchCtx); err != nil {
				logger.Error("Definitions watcher stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	// Sweep idle rate limiter entries and expired session tokens.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				limiter.CleanupOldLimiters(10 * time.Minute)
				handler.Tokens().CleanupExpiredTokens()
			case <-sd.Done():
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
		// The write timeout must outlast the longest blocking reason wait.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	useTLS := cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != ""
	if useTLS {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS configuration", map[string]interface{}{"error": err.Error()})
		}
		srv.TLSConfig = tlsConfig
	}
	sd.Register(shutdown.StopHTTPServer(srv, "api"))

	go func() {
		logger.Info("API listening", map[string]interface{}{
			"addr": cfg.ListenAddr,
			"tls":  useTLS,
		})
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sd.Wait()
	sd.Shutdown()
	logger.Info("pipewatchd stopped")
}
