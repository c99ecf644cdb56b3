// ftpsdrive mounts FTPS servers as local filesystems.
//
// Usage:
//
//	ftpsdrive [-config path]          mount every enabled auto-mount server
//	ftpsdrive init [-config path]     write a starter configuration
//	ftpsdrive check [-config path]    validate the configuration and exit
//
// SIGHUP drops every cached directory listing. SIGINT and SIGTERM unmount
// and exit. When global.api_address is set, a local HTTP API lists servers,
// mounts and unmounts them, and searches releases.
package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ftpsdrive/ftpsdrive/internal/api"
	"github.com/ftpsdrive/ftpsdrive/internal/config"
	"github.com/ftpsdrive/ftpsdrive/internal/metrics"
	"github.com/ftpsdrive/ftpsdrive/internal/mount"
	"github.com/ftpsdrive/ftpsdrive/internal/releases"
	"github.com/ftpsdrive/ftpsdrive/pkg/errors"
	"github.com/ftpsdrive/ftpsdrive/pkg/utils"
)

func main() {
	cmd := "run"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	fs := flag.NewFlagSet("ftpsdrive "+cmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to the YAML configuration file")
	logLevel := fs.String("log-level", "", "Override global.log_level (DEBUG, INFO, WARN, ERROR)")
	_ = fs.Parse(args)

	var err error
	switch cmd {
	case "run":
		err = run(*configPath, *logLevel)
	case "init":
		err = initConfig(*configPath)
	case "check":
		err = check(*configPath)
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

// describe renders err for the terminal. Drive errors get the full
// diagnostic with a recommendation.
func describe(err error) string {
	var driveErr *errors.DriveError
	if stderrors.As(err, &driveErr) {
		return driveErr.DetailedDiagnostic()
	}
	return "Error: " + err.Error()
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "ftpsdrive.yaml"
	}
	return filepath.Join(dir, "ftpsdrive", "config.yaml")
}

// loadConfig reads the file, applies FTPSDRIVE_* overrides and validates.
func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if err := cfg.LoadFromFile(path); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Relative trust stores live next to the configuration file.
	dir := filepath.Dir(path)
	for i := range cfg.Servers {
		tls := &cfg.Servers[i].TLS
		if tls.FingerprintFile != "" && !filepath.IsAbs(tls.FingerprintFile) {
			tls.FingerprintFile = filepath.Join(dir, tls.FingerprintFile)
		}
	}
	return cfg, nil
}

func run(configPath, logLevel string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Global.LogLevel = logLevel
	}

	log, err := utils.NewLogger(utils.LoggingConfig{
		Level:     cfg.Global.LogLevel,
		Format:    cfg.Global.LogFormat,
		File:      cfg.Global.LogFile,
		MaxSizeMB: cfg.Global.LogMaxSizeMB,
		MaxFiles:  cfg.Global.LogMaxFiles,
	})
	if err != nil {
		return err
	}
	defer func() { _ = log.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:            cfg.Global.MetricsEnable,
		Port:               cfg.Global.MetricsPort,
		Path:               "/metrics",
		Namespace:          "ftpsdrive",
		TrackedDirectories: 256,
	}, log.Logger)
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = collector.Stop(stopCtx)
	}()

	bufferMemory, err := cfg.BufferMemoryBytes()
	if err != nil {
		return err
	}

	manager := mount.NewManager(cfg, mount.ManagerConfig{
		BufferMemory: bufferMemory,
		Metrics:      collector,
		Logger:       log.Logger,
	})
	manager.OnStateChange(func(id, name string, state mount.State) {
		log.Info("server state changed",
			zap.String("server", name),
			zap.String("id", id),
			zap.Stringer("state", state))
	})

	var control *api.Server
	if cfg.Global.APIAddress != "" {
		apiConfig := api.DefaultServerConfig()
		apiConfig.Address = cfg.Global.APIAddress
		control = api.NewServer(apiConfig, manager, log.Logger)
		if err := control.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			_ = control.Shutdown(stopCtx)
		}()
	}

	manager.OnNewRelease(func(id, name string, r releases.Release) {
		log.Info("new release",
			zap.String("server", name),
			zap.String("category", r.Category),
			zap.String("release", r.Name),
			zap.String("path", r.Path))
		if control != nil {
			control.RecordRelease(id, name, r)
		}
	})

	log.Info("starting ftpsdrive",
		zap.String("config", configPath),
		zap.Int("servers", len(cfg.Servers)))

	mounted := manager.MountAll(ctx)
	log.Info("servers mounted", zap.Int("count", mounted))
	defer manager.UnmountAll()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			for _, id := range manager.Mounted() {
				if svc, ok := manager.Get(id); ok {
					svc.RefreshCache()
				}
			}
			log.Info("directory caches cleared")
			continue
		}
		log.Info("shutting down", zap.Stringer("signal", sig))
		return nil
	}
	return nil
}

func initConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists", path)
	}

	cfg := config.NewDefault()
	cfg.Global.APIAddress = api.DefaultServerConfig().Address
	server := config.NewServer("example")
	server.Connection.Host = "ftp.example.org"
	server.Connection.Username = "user"
	server.Mount.MountPoint = "/mnt/ftps"
	server.Enabled = false
	cfg.Servers = append(cfg.Servers, server)

	if err := cfg.SaveToFile(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	fmt.Printf("Set the password with %s or FTPSDRIVE_PASSWORD.\n",
		config.CredentialKey(server.Connection.Host, server.Connection.Port, server.Connection.Username))
	return nil
}

func check(path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	for _, s := range cfg.Servers {
		status := "disabled"
		switch {
		case s.Enabled && s.Mount.AutoMount:
			status = "auto-mount"
		case s.Enabled:
			status = "manual"
		}
		fmt.Printf("%-20s %s:%d -> %s (%s)\n", s.Name, s.Connection.Host, s.Connection.Port, s.Mount.MountPoint, status)
	}
	fmt.Println("configuration is valid")
	return nil
}
