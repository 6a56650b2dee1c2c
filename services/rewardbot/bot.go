package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flashpool/core/types"
	"flashpool/services/flashloand/client"
	"flashpool/services/flashloand/server"
)

// poolAPI is the part of the flashloand client the bot needs.
type poolAPI interface {
	Pool(ctx context.Context) (*client.Pool, error)
	Submit(ctx context.Context, manifest types.Manifest, idempotencyKey string) (*types.Receipt, error)
}

// Bot periodically folds pending lender rewards into every position.
type Bot struct {
	api      poolAPI
	interval time.Duration
	logger   *slog.Logger
}

func NewBot(api poolAPI, interval time.Duration, logger *slog.Logger) *Bot {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{api: api, interval: interval, logger: logger}
}

// Run ticks until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		if _, err := b.Tick(ctx); err != nil {
			b.logger.Warn("distribution failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick distributes when rewards are pending. It reports whether a
// distribution was committed.
func (b *Bot) Tick(ctx context.Context) (bool, error) {
	pool, err := b.api.Pool(ctx)
	if err != nil {
		return false, fmt.Errorf("read pool: %w", err)
	}
	pending, err := decimal.NewFromString(pool.PendingRewards)
	if err != nil {
		return false, fmt.Errorf("parse pending rewards %q: %w", pool.PendingRewards, err)
	}
	if !pending.IsPositive() {
		return false, nil
	}
	receipt, err := b.api.Submit(ctx, types.Manifest{Instructions: []types.Instruction{
		{Kind: types.InstructionDistributeRewards},
	}}, "rewardbot-"+uuid.NewString())
	if err != nil {
		if client.HasCode(err, server.CodeDivisionByZero) {
			b.logger.Debug("no claims outstanding; rewards stay pending",
				slog.String("pending", pending.String()))
			return false, nil
		}
		return false, err
	}
	rate := ""
	if len(receipt.Outputs) > 0 {
		rate = receipt.Outputs[0].RewardPerCoin
	}
	b.logger.Info("rewards distributed",
		slog.String("receipt", receipt.ID),
		slog.String("pending", pending.String()),
		slog.String("reward_per_coin", rate))
	return true, nil
}
