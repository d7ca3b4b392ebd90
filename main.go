package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rkjdid/util"

	"github.com/solar3s/chargelimit/chargelimit"
	"github.com/solar3s/chargelimit/console"
	"github.com/solar3s/chargelimit/prefs"
	"github.com/solar3s/chargelimit/privileged"
	"github.com/solar3s/chargelimit/reconcile"
	"github.com/solar3s/chargelimit/smc"
	"github.com/solar3s/chargelimit/web"
)

var rootConfig *web.Config

var (
	rootPath    = flag.String("root", "", "path to chargelimit's main directory (defaults to executable path)")
	cfgPath     = flag.String("config", "", "path to config (defaults to <root>/config.toml)")
	helperPath  = flag.String("helper", "", "path to the smc-write helper (overrides config)")
	prefsPath   = flag.String("prefs", "", "path to the preferences file (overrides config)")
	interactive = flag.Bool("i", false, "start the interactive console")
	check       = flag.Bool("check", false, "probe the charge limit key & exit")
	verbose     = flag.Bool("v", false, "higher verbosity")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	version     = flag.Bool("version", false, "print version & exit")
)

// logOutput lets the console take over log output once its prompt is up.
type logOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func (o *logOutput) Write(p []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.w.Write(p)
}

func (o *logOutput) Set(w io.Writer) {
	o.mu.Lock()
	o.w = w
	o.mu.Unlock()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func init() {
	flag.Parse()

	if *version {
		fmt.Printf("chargelimit %s\n", Version)
		os.Exit(0)
	}

	if *rootPath == "" {
		exe, err := os.Executable()
		if err != nil {
			fatal("couldn't get path to executable", err)
		}
		*rootPath = filepath.Dir(exe)
	}
	if err := os.MkdirAll(*rootPath, 0755); err != nil {
		fatal("couldn't mkdir root", err)
	}
	if *cfgPath == "" {
		*cfgPath = filepath.Join(*rootPath, "config.toml")
	}

	// keys missing from an older config keep their default
	cfg := web.DefaultConfig
	rootConfig = &cfg
	err := util.ReadTomlFile(rootConfig, *cfgPath)
	if err != nil {
		if !os.IsNotExist(err) {
			fatal(fmt.Sprintf("error reading config %q", *cfgPath), err)
		}
		if err = util.WriteTomlFile(rootConfig, *cfgPath); err != nil {
			fatal(fmt.Sprintf("error creating config %q", *cfgPath), err)
		}
		slog.Info("created new config file", "path", *cfgPath)
	}

	if *verbose {
		rootConfig.Web.Verbose = true
	}
	if *helperPath != "" {
		rootConfig.Helper.Path = *helperPath
	}
	if rootConfig.Helper.Path == "" {
		rootConfig.Helper.Path = filepath.Join(*rootPath, "smc-write")
	}
	if *prefsPath != "" {
		rootConfig.PrefsPath = *prefsPath
	}
	if rootConfig.PrefsPath == "" {
		rootConfig.PrefsPath = filepath.Join(*rootPath, "prefs.toml")
	}
	if rootConfig.LogDir == "" {
		rootConfig.LogDir = filepath.Join(*rootPath, "logs")
	}
	if *logLevel != "" {
		rootConfig.LogLevel = *logLevel
	}
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func main() {
	out := &logOutput{w: os.Stderr}
	level := parseLevel(rootConfig.LogLevel)
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	logger.Info("using config file", "path", *cfgPath)

	family := chargelimit.DetectFamily()
	hw := chargelimit.NewHardware(smc.NewClient(smc.IOKitDriver{}), family)

	if *check {
		if err := hw.Available(); err != nil {
			fmt.Printf("%s: %s unavailable: %s\n", family, family.Key(), err)
			os.Exit(1)
		}
		p, err := hw.Observe()
		if err != nil {
			fmt.Printf("%s: reading %s: %s\n", family, family.Key(), err)
			os.Exit(1)
		}
		fmt.Printf("%s: %s = %d%%\n", family, family.Key(), p)
		os.Exit(0)
	}

	gateway := privileged.NewGateway(rootConfig.Helper.Path, nil, logger)
	gateway.Timeout = time.Duration(rootConfig.Helper.Timeout)

	mgr := reconcile.NewManager(family, hw, gateway, prefs.NewFileStore(rootConfig.PrefsPath), logger)
	mgr.ApplyOnStart = rootConfig.ApplyOnStart

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := mgr.Start(ctx); err != nil {
		logger.Error("starting reconciliation", "err", err)
	}

	logger.Info("starting hardware watcher", "interval", time.Duration(rootConfig.Watcher.RefreshInterval))
	watcher := reconcile.NewWatcher(mgr, &rootConfig.Watcher, logger)
	watcher.Watch()

	go func() {
		if err := web.NewRecorder(rootConfig.LogDir, mgr, logger).Run(ctx); err != nil {
			logger.Warn("session recorder", "err", err)
		}
	}()

	srv := web.NewServer(Version, mgr, rootConfig, *cfgPath, logger)
	srv.Watcher = watcher
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("http server", "err", err)
			cancel()
		}
	}()

	if *interactive {
		con, err := console.New(mgr)
		if err != nil {
			logger.Error("starting console", "err", err)
		} else {
			out.Set(con.Stdout())
			go con.Run(ctx, cancel)
		}
	} else {
		logger.Info("Press <Ctrl-C> to quit")
	}

	trap := make(chan os.Signal, 1)
	signal.Notify(trap, os.Interrupt, syscall.SIGTERM)
	select {
	case <-trap:
		fmt.Println()
		logger.Info("quit received...")
	case <-ctx.Done():
	}

	cleanExit := make(chan struct{})
	go func() {
		watcher.Stop()
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
		cancel()
		mgr.Stop()
		close(cleanExit)
	}()
	select {
	case <-time.After(time.Second * 10):
		logger.Error("no clean exit after 10sec")
		os.Exit(1)
	case <-cleanExit:
	}
}
