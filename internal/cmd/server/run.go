package serverrun

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	cfgpkg "github.com/rzbill/mev/internal/config"
	"github.com/rzbill/mev/internal/runtime"
	grpcserver "github.com/rzbill/mev/internal/server/grpc"
	httpserver "github.com/rzbill/mev/internal/server/http"
	pebblestore "github.com/rzbill/mev/internal/storage/pebble"
	logpkg "github.com/rzbill/mev/pkg/log"
)

// shutdownTimeout bounds the final flush of buffered events.
const shutdownTimeout = 15 * time.Second

type Options struct {
	// DataDir overrides Config.DataDir; both empty selects DefaultDataDir.
	DataDir string
	// Addresses override the config's listeners when set.
	GRPCAddr string
	HTTPAddr string
	LMTPAddr string
	// LMTP forces the LMTP listener on regardless of Config.LMTP.Enabled.
	LMTP   bool
	Fsync  pebblestore.FsyncMode
	Config cfgpkg.Config
	// Logger replaces the process logger built from Config.Log.
	Logger logpkg.Logger
}

// resolve fills unset options from the config and defaults.
func resolve(opts Options) Options {
	cfg := &opts.Config
	if opts.DataDir == "" {
		opts.DataDir = cfg.DataDir
	}
	if opts.DataDir == "" {
		opts.DataDir = cfgpkg.DefaultDataDir()
	}
	if opts.GRPCAddr == "" {
		opts.GRPCAddr = cfg.Server.GRPCAddr
	}
	if opts.HTTPAddr == "" {
		opts.HTTPAddr = cfg.Server.HTTPAddr
	}
	if opts.LMTPAddr != "" {
		cfg.LMTP.Addr = opts.LMTPAddr
	}
	if opts.LMTP {
		cfg.LMTP.Enabled = true
	}
	return opts
}

func processLogger(cfg logpkg.Config) logpkg.Logger {
	l, err := logpkg.ApplyConfig(&cfg)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if p, e := logpkg.ParseLevel(cfg.Level); e == nil {
		lvl = p
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
}

// Run starts the gRPC, HTTP and optional LMTP listeners and blocks until ctx
// is cancelled, then flushes buffered events and closes storage.
func Run(ctx context.Context, opts Options) error {
	opts = resolve(opts)
	procLogger := opts.Logger
	if procLogger == nil {
		procLogger = processLogger(opts.Config.Log)
		// Pebble logs through the standard library.
		logpkg.RedirectStdLog(procLogger)
	}

	storeDir := filepath.Join(opts.DataDir, "store")
	rt, err := runtime.Open(runtime.Options{DataDir: storeDir, Fsync: opts.Fsync, Config: opts.Config, Logger: procLogger})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.Close(cctx); err != nil {
			procLogger.Error("runtime close", logpkg.Err(err))
		}
	}()

	cfg := rt.Config()
	procLogger.Info("Starting mev server",
		logpkg.Str("data_dir", storeDir),
		logpkg.Str("grpc", opts.GRPCAddr),
		logpkg.Str("http", opts.HTTPAddr),
		logpkg.Bool("lmtp", cfg.LMTP.Enabled),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	gsrv := grpcserver.New(rt, grpcserver.WithLogger(procLogger))
	hsrv := httpserver.New(rt, procLogger)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(ctx, opts.GRPCAddr); err != nil && ctx.Err() == nil {
			procLogger.Error("grpc server", logpkg.Err(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(ctx, opts.HTTPAddr); err != nil && ctx.Err() == nil {
			procLogger.Error("http server", logpkg.Err(err))
		}
	}()

	if cfg.LMTP.Enabled {
		lsrv := rt.NewLMTPServer()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lsrv.ListenAndServe(); err != nil && ctx.Err() == nil {
				procLogger.Error("lmtp server", logpkg.Err(err))
			}
		}()
		go func() {
			<-ctx.Done()
			_ = lsrv.Close()
		}()
	}

	<-ctx.Done()
	// Stop accepting work before the runtime flushes and closes the DB.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	return nil
}
