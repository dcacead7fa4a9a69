// Command devsigner serves the signing contract from a local seed. It is a
// test oracle for development networks and must never hold real funds.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	apphttp "github.com/chainsafe/swap-coordinator/pkg/app/http"
	"github.com/chainsafe/swap-coordinator/pkg/auth"
	"github.com/chainsafe/swap-coordinator/pkg/config"
	"github.com/chainsafe/swap-coordinator/pkg/signer"
)

func main() {
	host := flag.String("host", "127.0.0.1", "Listen host")
	port := flag.Int("port", 8090, "Listen port")
	issuer := flag.String("issuer", "swap-coordinator", "Expected token issuer")
	audience := flag.String("audience", "signing-service", "Expected token audience")
	logLevel := flag.String("log-level", "debug", "Log level")
	flag.Parse()

	if err := run(*host, *port, *issuer, *audience, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "devsigner failed: %v\n", err)
		os.Exit(1)
	}
}

func run(host string, port int, issuer, audience, logLevel string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimPrefix(os.Getenv("DEVSIGNER_SEED"), "0x"))
	if err != nil {
		return fmt.Errorf("DEVSIGNER_SEED: %w", err)
	}
	svc, err := signer.NewLocalSigner(seed)
	if err != nil {
		return err
	}
	tokens, err := auth.NewServiceTokens([]byte(os.Getenv("DEVSIGNER_JWT_SECRET")), issuer, audience, 0)
	if err != nil {
		return fmt.Errorf("DEVSIGNER_JWT_SECRET: %w", err)
	}

	logger, err := config.NewLogger(config.LoggingConfig{Level: logLevel, Format: "console"}, "devsigner")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	logger.Warn("Development signer running from a local seed")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Mount("/", tokens.Middleware(signer.NewHandler(svc, logger)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := apphttp.NewServer(&config.ServerConfig{
		Host:         host,
		Port:         port,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, r)
	return apphttp.ServeAndWait(ctx, logger, srv, 10*time.Second)
}
