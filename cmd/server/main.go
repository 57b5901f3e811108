package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/docstore"
	"github.com/dkeye/huddle/internal/identity"
)

const shutdownTimeout = 5 * time.Second

func main() {
	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	var opts []docstore.MemoryOption
	if cfg.DBPath != "" {
		persister, err := docstore.OpenSQLite(cfg.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
		}
		opts = append(opts, docstore.WithPersister(persister))
	}
	store, err := docstore.NewMemory(opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("load documents")
	}

	tokens := identity.NewTokens(cfg.Secret, cfg.TokenTTL)
	registry := app.NewRegistry()
	janitor := &app.PresenceJanitor{Store: store, Registry: registry, TTL: cfg.PresenceTTL}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r, err := router.SetupRouter(ctx, cfg, store, tokens, registry)
	if err != nil {
		log.Fatal().Err(err).Msg("router setup")
	}
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return janitor.Run(gctx)
	})

	go func() {
		<-gctx.Done()
		if ctx.Err() != nil {
			return
		}
		// A member failed before shutdown was requested.
		if err := g.Wait(); err != nil {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				log.Info().Msg("Shutting down")
				err := srv.Shutdown(ctx)
				cancel()
				if waitErr := g.Wait(); waitErr != nil && err == nil {
					err = waitErr
				}
				if closeErr := store.Close(); closeErr != nil && err == nil {
					err = closeErr
				}
				return err
			},
		},
	)

	exitCode := <-wait
	log.Info().Int("code", exitCode).Msg("Server exited")
	os.Exit(exitCode)
}
