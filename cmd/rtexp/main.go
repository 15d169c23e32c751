// rtexp - an expiration engine for key-value stores, served over RESP
//
// Usage:
//
//	rtexp [flags]
//
// Flags:
//
//	-config string      JSON config file (default "rtexp.json", optional)
//	-addr string        RESP address (default ":6380")
//	-data string        Data directory (default "data")
//	-store string       Store backend: memory, bolt (default "memory")
//	-requirepass string Password for AUTH
//	-maxclients int     Maximum number of clients (default 10000)
//	-timeout int        Client idle timeout in seconds (0 = none)
//	-api-token string   Bearer token for the web API
//	-loglevel string    Log level: debug, info, warn, error (default "info")
//	-logfile string     Log to this file instead of stderr
//	-webaddr string     Web API address (default ":8080")
//	-noweb              Disable the web API
//	-buffer-ms int      Native TTL safety buffer in ms (0 = off)
//	-nopersist          Do not persist timers
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/flashdb/rtexp/internal/config"
	"github.com/flashdb/rtexp/internal/engine"
	"github.com/flashdb/rtexp/internal/logger"
	"github.com/flashdb/rtexp/internal/server"
	"github.com/flashdb/rtexp/internal/store"
	"github.com/flashdb/rtexp/internal/version"
	"github.com/flashdb/rtexp/internal/web"
)

func main() {
	configPath := flag.String("config", "rtexp.json", "JSON config file")
	addr := flag.String("addr", ":6380", "RESP address")
	dataDir := flag.String("data", "data", "Data directory")
	storeKind := flag.String("store", config.StoreMemory, "Store backend: memory, bolt")
	requirePass := flag.String("requirepass", "", "Password for AUTH command")
	maxClients := flag.Int("maxclients", 10000, "Maximum number of clients")
	timeout := flag.Int("timeout", 0, "Client idle timeout in seconds (0 = no timeout)")
	apiToken := flag.String("api-token", "", "Bearer token for web API authentication")
	logLevel := flag.String("loglevel", "info", "Log level: debug, info, warn, error")
	logFile := flag.String("logfile", "", "Log file (default: stderr)")
	webAddr := flag.String("webaddr", ":8080", "Web API address")
	noWeb := flag.Bool("noweb", false, "Disable web API")
	bufferMs := flag.Int64("buffer-ms", 0, "Native TTL safety buffer in milliseconds (0 = off)")
	noPersist := flag.Bool("nopersist", false, "Do not persist timers")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rtexp v%s (built %s)\n", version.Version, version.BuildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags given on the command line win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Addr = *addr
		case "data":
			cfg.DataDir = *dataDir
		case "store":
			cfg.Store = *storeKind
		case "requirepass":
			cfg.Password = *requirePass
		case "maxclients":
			cfg.MaxClients = *maxClients
		case "timeout":
			cfg.ReadTimeout = config.Duration(time.Duration(*timeout) * time.Second)
		case "api-token":
			cfg.APIToken = *apiToken
		case "loglevel":
			cfg.LogLevel = *logLevel
		case "logfile":
			cfg.LogFile = *logFile
		case "webaddr":
			cfg.WebAddr = *webAddr
		case "buffer-ms":
			cfg.SafetyBufferMs = *bufferMs
		case "nopersist":
			cfg.PersistTimers = !*noPersist
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	lg := logger.New(os.Stderr, level)
	if cfg.LogFile != "" {
		if lg, err = logger.Open(cfg.LogFile, level); err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
	}
	defer lg.Close()

	lg.Infof("rtexp v%s starting...", version.Version)
	lg.Infof("Store: %s, data directory: %s", cfg.Store, cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer st.Close()

	ecfg := engine.Config{
		Logger:       lg,
		Shards:       cfg.Shards,
		RetryBase:    time.Duration(cfg.RetryBase),
		RetryMax:     time.Duration(cfg.RetryMax),
		SafetyBuffer: cfg.SafetyBuffer(),
		SyncWrites:   cfg.SyncWrites,
	}
	if cfg.PersistTimers {
		ecfg.DataDir = filepath.Join(cfg.DataDir, "timers")
	}
	e, err := engine.New(st, ecfg)
	if err != nil {
		log.Fatalf("Failed to create engine: %v", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			lg.Errorf("Engine close: %v", err)
		}
	}()
	lg.Infof("Recovered %d timers", e.Count())

	srv := server.NewWithConfig(cfg.Addr, e, server.Config{
		Password:   cfg.Password,
		MaxClients: cfg.MaxClients,
		Timeout:    time.Duration(cfg.ReadTimeout),
		Logger:     lg,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lg.Infof("Received signal %v, shutting down...", sig)
		cancel()
	}()

	if !*noWeb && cfg.WebAddr != "" {
		webSrv := web.NewWithToken(cfg.WebAddr, e, cfg.APIToken)
		webSrv.SetLogger(lg)
		go func() {
			if err := webSrv.Start(ctx); err != nil {
				lg.Errorf("Web server error: %v", err)
			}
		}()
	}

	if err := srv.Start(ctx); err != nil {
		lg.Errorf("Server error: %v", err)
		os.Exit(1)
	}

	lg.Infof("rtexp shutdown complete")
}

type closableStore interface {
	store.Adapter
	io.Closer
}

// openStore opens the configured backend.
func openStore(cfg *config.Config) (closableStore, error) {
	switch cfg.Store {
	case config.StoreBolt:
		return store.OpenBolt(filepath.Join(cfg.DataDir, "rtexp.db"), store.BoltOptions{NoSync: !cfg.SyncWrites})
	default:
		return store.NewMemory(), nil
	}
}
