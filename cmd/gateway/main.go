package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vitas/mlflow-enterprise-gateway/internal/audit"
	"github.com/vitas/mlflow-enterprise-gateway/internal/config"
	"github.com/vitas/mlflow-enterprise-gateway/internal/gateway"
	"github.com/vitas/mlflow-enterprise-gateway/internal/gwauth"
	gwmw "github.com/vitas/mlflow-enterprise-gateway/internal/middleware"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	settings, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load gateway configuration")
	}
	if lvl, lerr := zerolog.ParseLevel(settings.LogLevel); lerr == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	log.Info().
		Str("service", settings.AppName).
		Str("auth_mode", string(settings.AuthMode)).
		Bool("auth_enabled", settings.AuthEnabled).
		Str("target_base_url", settings.TargetBaseURL).
		Msg("mlflow policy enforcement gateway starting")

	var validator *gwauth.Validator
	if settings.AuthActive() {
		validator, err = gwauth.NewValidator(gwauth.Config{
			Issuer:     settings.OIDCIssuer,
			Audience:   settings.OIDCAudience,
			Algorithms: settings.OIDCAlgorithms,
			JWKSJSON:   settings.JWKSJSON,
			JWKSURI:    settings.JWKSURI,
			HTTPClient: &http.Client{Timeout: settings.RequestTimeout},
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize JWT validator")
		}
	}

	auditor := audit.NewEmitter(os.Stdout)
	gw := gateway.New(settings, validator, auditor)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(gwmw.SecurityHeaders)
	r.Use(gwmw.MaxBodySize(gwmw.DefaultMaxBodySize))

	if len(settings.CORSAllowedOrigins) > 0 {
		corsHandler := cors.New(cors.Options{
			AllowedOrigins:   settings.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH", "HEAD"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Tenant", "X-Subject", "X-Requested-With"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		})
		r.Use(corsHandler.Handler)
		log.Info().Strs("origins", settings.CORSAllowedOrigins).Msg("CORS configured")
	}

	r.Mount("/", gw.Router())

	srv := &http.Server{
		Addr:         settings.Addr(),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", settings.Addr()).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("gateway failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("gateway shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway forced to shutdown")
	}

	log.Info().Msg("gateway exited gracefully")
}
