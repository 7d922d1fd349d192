package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HumanbiOS/HumanBios-WebSocket/internal/config"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/handler"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/backend"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/relay"
	"github.com/HumanbiOS/HumanBios-WebSocket/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("no .env file found, using system environment only")
	}

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	client := backend.NewClient(cfg.Backend.ServerURL, cfg.Backend.Timeout, cfg.Backend.Retries)

	// Messages must not flow before the instance identity exists, so
	// registration blocks startup.
	identity, err := register(ctx, client, cfg.Backend)
	if err != nil {
		log.Fatal().Err(err).Msg("backend registration failed")
	}
	log.Info().Str("instance", identity.Name).Msg("registered with backend")

	store := session.NewStore()
	core := relay.New(store, client, identity)
	router := handler.NewRouter(core)

	startServer(ctx, cfg.Server, router)
}

// register retries the setup handshake a few times so a backend that is
// still coming up does not kill the process.
func register(ctx context.Context, client *backend.Client, cfg config.BackendConfig) (backend.Identity, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return backend.Identity{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * 2 * time.Second):
			}
		}
		identity, err := client.Register(ctx, cfg.ServerToken, cfg.CallbackURL())
		if err == nil {
			return identity, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("backend registration attempt failed")
	}
	return backend.Identity{}, lastErr
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level := zerolog.InfoLevel
	if raw := strings.TrimSpace(os.Getenv("LOG_LEVEL")); raw != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			level = parsed
		}
	}
	zerolog.SetGlobalLevel(level)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	srv := &http.Server{
		Addr:              serverCfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", serverCfg.Addr).Msg("webchat relay listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
