// Command workerctl runs one script in a worker and prints the messages it
// posts.
//
//	workerctl [-config file.toml] [-side] [-kind classic|module|node]
//	          [-close-on-idle] [-grace 2s] [-timeout 0] [-journal path] <entry.js>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cryguy/webworker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, entry, err := parseArgs(args, stderr)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(stderr, "workerctl: %v\n", err)
		}
		return 2
	}

	logger, err := newLogger(cfg.LogLevel, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "workerctl: %v\n", err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	opts, err := workerOptions(cfg, entry)
	if err != nil {
		fmt.Fprintf(stderr, "workerctl: %v\n", err)
		return 1
	}

	hostOpts := []webworker.HostOption{webworker.WithLogger(logger)}
	if cfg.Journal != "" {
		hostOpts = append(hostOpts, webworker.WithJournal(cfg.Journal))
	}
	host, err := webworker.NewHost(hostOpts...)
	if err != nil {
		fmt.Fprintf(stderr, "workerctl: %v\n", err)
		return 1
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	handle, err := host.Spawn(ctx, opts)
	if err != nil {
		fmt.Fprintf(stderr, "workerctl: %v\n", err)
		return 1
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for {
			msg, err := handle.RecvMessage(context.Background())
			if err != nil {
				return
			}
			fmt.Fprintln(stdout, string(msg.Data))
		}
	}()

	exit, err := host.Wait(context.Background(), handle.ID())
	<-printed
	if err != nil {
		fmt.Fprintf(stderr, "workerctl: %v\n", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := host.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}

	logger.Debug("worker exited", zap.Stringer("state", exit.State))
	if exit.State == webworker.StateTerminalError {
		return 1
	}
	return 0
}

func parseArgs(args []string, stderr io.Writer) (config, string, error) {
	fs := flag.NewFlagSet("workerctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath  = fs.String("config", "", "TOML config file")
		side        = fs.Bool("side", false, "load the entry as a side module (import.meta.main is false)")
		kind        = fs.String("kind", "", "worker kind: classic, module or node")
		closeOnIdle = fs.Bool("close-on-idle", false, "end the worker once it has nothing left to do")
		grace       = fs.Duration("grace", 0, "grace period before a terminate request aborts the engine")
		timeout     = fs.Duration("timeout", 0, "terminate the worker after this long (0 for none)")
		journalPath = fs.String("journal", "", "record the run in this SQLite journal")
		name        = fs.String("name", "", "worker name")
	)
	if err := fs.Parse(args); err != nil {
		return config{}, "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return config{}, "", errors.New("expected exactly one entry file")
	}

	cfg := defaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = loadConfig(*configPath, cfg); err != nil {
			return config{}, "", err
		}
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "side":
			cfg.Side = *side
		case "kind":
			k, err := webworker.ParseWorkerKind(*kind)
			if err != nil {
				flagErr = err
				return
			}
			cfg.Kind = k
		case "close-on-idle":
			cfg.CloseOnIdle = *closeOnIdle
		case "grace":
			cfg.Grace = *grace
		case "timeout":
			cfg.Timeout = *timeout
		case "journal":
			cfg.Journal = *journalPath
		case "name":
			cfg.Name = *name
		}
	})
	if flagErr != nil {
		return config{}, "", flagErr
	}
	return cfg, fs.Arg(0), nil
}

// workerOptions builds the worker options for entry. Classic workers run
// the file as a script; other kinds load it as a module.
func workerOptions(cfg config, entry string) (webworker.Options, error) {
	abs, err := filepath.Abs(entry)
	if err != nil {
		return webworker.Options{}, fmt.Errorf("resolving entry: %w", err)
	}

	opts := webworker.DefaultOptions()
	opts.Name = cfg.Name
	if opts.Name == "" {
		opts.Name = filepath.Base(abs)
	}
	opts.Kind = cfg.Kind
	opts.CloseOnIdle = cfg.CloseOnIdle
	opts.GracePeriod = cfg.Grace
	opts.MemoryLimitMB = cfg.MemoryLimitMB
	opts.FormatError = webworker.FormatScriptError

	if cfg.Kind == webworker.KindClassic {
		code, err := os.ReadFile(abs)
		if err != nil {
			return webworker.Options{}, fmt.Errorf("reading entry: %w", err)
		}
		opts.Entry = webworker.ScriptEntry(filepath.Base(abs), string(code))
		return opts, nil
	}

	opts.ModuleRoot = cfg.ModuleRoot
	if opts.ModuleRoot == "" {
		opts.ModuleRoot = filepath.Dir(abs)
	}
	mode := webworker.ModeMain
	if cfg.Side {
		mode = webworker.ModeSide
	}
	opts.Entry = webworker.ModuleEntry(abs, mode)
	return opts, nil
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}
