package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/cryptodesk/internal/auth"
	"github.com/xtrntr/cryptodesk/internal/config"
	"github.com/xtrntr/cryptodesk/internal/db"
	"github.com/xtrntr/cryptodesk/internal/ledger"
	"github.com/xtrntr/cryptodesk/internal/logger"
	"github.com/xtrntr/cryptodesk/internal/settlement"
)

// Seed the ledger with funded demo users, each holding one lot per configured currency
func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the YAML config file")
	users := flag.String("users", "trader1,trader2", "comma separated usernames to create")
	password := flag.String("password", "password123", "password for every seeded user")
	balance := flag.String("balance", "10000", "starting fiat balance")
	perLot := flag.String("lot", "500", "fiat spent on each seeded lot, 0 to skip buying")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer lg.Sync()

	startBalance, err := decimal.NewFromString(*balance)
	if err != nil {
		lg.Fatal("invalid -balance", zap.Error(err))
	}
	lotAmount, err := decimal.NewFromString(*perLot)
	if err != nil {
		lg.Fatal("invalid -lot", zap.Error(err))
	}

	ctx := context.Background()
	store, err := db.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		lg.Fatal("failed to open ledger", zap.Error(err))
	}
	defer store.Close()

	authService := auth.NewAuthService(store, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, startBalance)
	engine := settlement.NewEngine(store, settlement.Policy{
		EntryDiscount: cfg.Trading.EntryDiscount,
		FeeRate:       cfg.Trading.FeeRate,
	}, lg)

	for _, name := range strings.Split(*users, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		user, err := authService.Register(ctx, name, *password)
		if errors.Is(err, ledger.ErrConflict) {
			fmt.Printf("User %s already exists, skipping\n", name)
			continue
		}
		if err != nil {
			lg.Fatal("failed to create user", zap.String("username", name), zap.Error(err))
		}

		if lotAmount.IsPositive() {
			for currency, p := range cfg.Prices {
				_, err := engine.Buy(ctx, user.ID, settlement.BuyRequest{
					Currency:       currency,
					FiatAmount:     lotAmount,
					ReferencePrice: p.Base,
				})
				if err != nil {
					lg.Fatal("failed to seed lot", zap.String("username", name), zap.String("currency", currency), zap.Error(err))
				}
			}
		}

		token, err := authService.IssueToken(user.ID)
		if err != nil {
			lg.Fatal("failed to issue token", zap.Error(err))
		}
		fmt.Printf("Created %s (%s)\n  token: %s\n", name, user.ID, token)
	}

	fmt.Println("Seeding complete!")
}
