package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"flashpool/crypto"
	"flashpool/observability/logging"
	"flashpool/services/flashloand/client"
	flmw "flashpool/services/flashloand/middleware"
)

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8085", "flashloand base URL")
	interval := flag.Duration("interval", time.Minute, "distribution interval")
	address := flag.String("address", "", "pool address the bot signs as")
	issuer := flag.String("issuer", "flashpool", "token issuer")
	audience := flag.String("audience", "flashloand", "token audience")
	flag.Parse()

	logger := logging.Setup("rewardbot", strings.TrimSpace(os.Getenv("FLASHPOOL_ENV")))

	addr, err := crypto.ParseAddress(*address)
	if err != nil {
		log.Fatalf("bot address: %v", err)
	}
	authCfg := flmw.AuthConfig{
		HMACSecret: os.Getenv("FLASHLOAND_JWT_SECRET"),
		Issuer:     *issuer,
		Audience:   *audience,
	}
	tokens := func() (string, error) {
		return flmw.IssueToken(authCfg, addr.String(), []string{"bot"}, 5*time.Minute)
	}
	if _, err := tokens(); err != nil {
		log.Fatalf("token: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("rewardbot started",
		slog.String("endpoint", *endpoint),
		slog.Duration("interval", *interval))
	NewBot(client.New(*endpoint, tokens), *interval, logger).Run(ctx)
	logger.Info("rewardbot stopped")
}
