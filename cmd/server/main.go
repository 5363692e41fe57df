// The server binary runs the evaluator facade: it owns the registry of
// engine-backed evaluators and serves the HTTP API and event stream.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"beltlab.ai/internal/engine/sim"
	"beltlab.ai/internal/engine/supervisor"
	"beltlab.ai/internal/evaluator"
	"beltlab.ai/internal/persistence/indexdb"
	persistlog "beltlab.ai/internal/persistence/log"
	"beltlab.ai/internal/service"
	"beltlab.ai/internal/tuning"
	"beltlab.ai/internal/world"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (default: from tuning)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir    = flag.String("data", "", "runtime data directory (default: from tuning)")
		engineDir  = flag.String("engine", "", "engine install directory (default: from tuning, then $ENGINE_PATH)")
		saveFile   = flag.String("save", "", "template save file (default: from tuning)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		useSim     = flag.Bool("sim", false, "back evaluators with the in-memory engine instead of subprocesses")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		} else {
			logger.Fatalf("load tuning: %v", err)
		}
	}
	if *addr != "" {
		tune.ListenAddr = *addr
	}
	if *dataDir != "" {
		tune.DataDir = *dataDir
	}
	if *engineDir != "" {
		tune.Engine.InstallDir = *engineDir
	}
	if *saveFile != "" {
		tune.Engine.SaveFile = *saveFile
	}
	_ = os.MkdirAll(tune.DataDir, 0o755)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		path := tune.IndexDBPath
		if path == "" {
			path = filepath.Join(tune.DataDir, "index.db")
		}
		idx, err = indexdb.OpenSQLite(path)
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
	}

	audit := persistlog.NewAuditLogger(tune.DataDir)
	defer audit.Close()
	runs := persistlog.NewRunLogger(tune.DataDir)
	defer runs.Close()

	launcher := buildLauncher(tune, *useSim, logger)
	registry := service.NewRegistry(service.RegistryConfig{
		MaxEvaluators: tune.MaxEvaluators,
		Launcher:      launcher,
		Logger:        logger,
	})
	defer registry.CloseAll()

	srv := service.NewServer(service.ServerConfig{
		Registry: registry,
		Hub:      service.NewHub(logger),
		Audit:    audit,
		Runs:     runs,
		Index:    idx,
		Logger:   logger,
	})

	ctx, cancel := signalContext()
	defer cancel()

	httpSrv := &http.Server{
		Addr:              tune.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = httpSrv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", tune.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func buildLauncher(tune tuning.Tuning, useSim bool, logger *log.Logger) evaluator.Launcher {
	worldCfg := world.Config{
		PollInterval: time.Duration(tune.Scheduler.PollIntervalMs) * time.Millisecond,
		PollRetries:  tune.Scheduler.PollRetries,
	}
	if useSim {
		return func(ctx context.Context) (*evaluator.Backend, error) {
			eng := sim.New(0)
			w := world.New(eng, eng.Tick(), worldCfg, logger)
			return &evaluator.Backend{
				World: w,
				Close: func() error { return nil },
			}, nil
		}
	}
	supCfg := supervisor.Config{
		InstallDir:       tune.Engine.InstallDir,
		SaveFile:         tune.Engine.SaveFile,
		ReadinessTimeout: time.Duration(tune.Engine.ReadinessTimeoutMs) * time.Millisecond,
		StopTimeout:      time.Duration(tune.Engine.StopTimeoutMs) * time.Millisecond,
	}
	preserve := tune.Engine.PreserveWorkdirs
	return func(ctx context.Context) (*evaluator.Backend, error) {
		engine, err := supervisor.Start(ctx, supCfg, logger)
		if err != nil {
			return nil, err
		}
		if preserve {
			engine.PreserveWorkDir()
		}
		w := world.New(engine.Console(), engine.InitialTick(), worldCfg, logger)
		return &evaluator.Backend{
			World: w,
			Info:  engine.Info(),
			Save:  engine.SaveWorld,
			Close: engine.Stop,
		}, nil
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
