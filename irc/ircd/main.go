// Command ircd runs a TS6 IRC server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/presbrey/ts6d/irc/admind"
	"github.com/presbrey/ts6d/irc/config"
	"github.com/presbrey/ts6d/irc/server"
	"github.com/presbrey/ts6d/irc/store"
)

func main() {
	configPath := flag.String("config", "ts6d.yaml", "configuration file or URL")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println(server.Version)
		return
	}

	envFiles, envErr := config.LoadEnv()
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircd: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ircd: failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Sugar()
	if envErr != nil {
		log.Warnw("env files not loaded", "error", envErr)
	} else if len(envFiles) > 0 {
		log.Infow("loaded env files", "files", envFiles)
	}
	if err := cfg.HashPasswords(); err != nil {
		log.Fatalw("failed to hash passwords", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg, server.Options{Logger: log})

	var persister *store.Persister
	if cfg.Database.Path != "" {
		st, err := store.Open(cfg.Database.Path, log)
		if err != nil {
			log.Fatalw("failed to open line store", "error", err)
		}
		defer st.Close()
		if cfg.Database.PersistLines {
			n, err := store.Restore(ctx, st, srv.Lines())
			if err != nil {
				log.Fatalw("failed to restore lines", "error", err)
			}
			log.Infow("restored lines", "count", n)
			persister = store.NewPersister(st, srv.Bus(), 1024, log)
			go persister.Run(ctx)
		}
	}

	if err := srv.Start(); err != nil {
		log.Fatalw("failed to start server", "error", err)
	}
	log.Infow("server started", "name", cfg.Server.Name, "sid", cfg.Server.SID, "version", server.Version)

	var admin *admind.Server
	if cfg.Admin.Enabled {
		admin, err = admind.New(ctx, srv, admind.Options{Logger: log})
		if err != nil {
			log.Fatalw("failed to set up admin API", "error", err)
		}
		go func() {
			if err := admin.Start(cfg.Admin.BindAddr); err != nil {
				log.Errorw("admin API failed", "error", err)
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigs {
		if sig == syscall.SIGHUP {
			if err := srv.Rehash(""); err != nil {
				log.Errorw("rehash failed", "error", err)
			}
			continue
		}
		log.Infow("shutting down", "signal", sig.String())
		break
	}

	if admin != nil {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := admin.Shutdown(sctx); err != nil {
			log.Warnw("admin API shutdown", "error", err)
		}
		scancel()
	}
	srv.Stop()
	cancel()
	if persister != nil {
		<-persister.Done()
	}
}

// newLogger builds the process logger from the log section.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Log.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}
	if len(cfg.Log.OutputPaths) > 0 {
		zc.OutputPaths = cfg.Log.OutputPaths
	}
	return zc.Build(zap.Fields(zap.String("server", cfg.Server.Name)))
}
