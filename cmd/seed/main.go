package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xtrntr/spotmatch/internal/auth"
	"github.com/xtrntr/spotmatch/internal/config"
	"github.com/xtrntr/spotmatch/internal/db"
	"github.com/xtrntr/spotmatch/internal/exchange"
	"github.com/xtrntr/spotmatch/internal/logger"
	"github.com/xtrntr/spotmatch/internal/models"
)

const seedPassword = "password"

type seedUser struct {
	username string
	balance  string
	holdings map[string]string
}

type seedOrder struct {
	username string
	symbol   string
	side     models.Side
	price    string
	amount   string
}

var users = []seedUser{
	{"usama", "100000", map[string]string{"BTC": "1.5", "ETH": "10"}},
	{"butt", "50000", map[string]string{"BTC": "0.5", "ETH": "5"}},
	{"ali", "25000", map[string]string{"BTC": "0.25"}},
}

// Resting orders on both sides of the book; none of them cross
var orders = []seedOrder{
	{"usama", "BTC", models.SideSell, "95000", "0.1"},
	{"butt", "BTC", models.SideSell, "96000", "0.05"},
	{"ali", "BTC", models.SideSell, "97000", "0.02"},
	{"usama", "BTC", models.SideBuy, "94000", "0.1"},
	{"butt", "BTC", models.SideBuy, "93000", "0.05"},
	{"usama", "ETH", models.SideSell, "3300", "2"},
	{"butt", "ETH", models.SideBuy, "3100", "1"},
}

// Seed the database with demo users, holdings and open orders
func main() {
	ctx := context.Background()
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	l, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer l.Sync()

	database, err := db.NewDB(ctx, cfg.Database.DSN)
	if err != nil {
		l.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	script, err := os.ReadFile(cfg.Database.Migrations)
	if err != nil {
		l.Fatal("failed to read migrations", zap.Error(err))
	}
	if err := database.Migrate(ctx, string(script)); err != nil {
		l.Fatal("failed to migrate", zap.Error(err))
	}

	authService := auth.NewAuthService(database, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	// No scheduler: the server schedules every open order when it starts
	ex := exchange.NewExchange(exchange.Config{Symbols: cfg.Exchange.Symbols}, exchange.Deps{
		Store:  database,
		Logger: l,
	})

	ids, err := seedUsers(ctx, authService, database)
	if errors.Is(err, auth.ErrUsernameTaken) {
		fmt.Println("Database already has the demo users. No need to seed.")
		return
	}
	if err != nil {
		l.Fatal("failed to seed users", zap.Error(err))
	}

	for _, o := range orders {
		_, err := ex.PlaceOrder(ctx, exchange.PlaceOrderRequest{
			UserID: ids[o.username],
			Symbol: o.symbol,
			Side:   o.side,
			Price:  decimal.RequireFromString(o.price),
			Amount: decimal.RequireFromString(o.amount),
		})
		if err != nil {
			l.Fatal("failed to place order", zap.String("username", o.username), zap.Error(err))
		}
	}

	fmt.Printf("Successfully seeded %d users and %d orders! Password for every user: %q\n", len(users), len(orders), seedPassword)
}

func seedUsers(ctx context.Context, authService *auth.AuthService, store db.Store) (map[string]int64, error) {
	ids := make(map[string]int64, len(users))
	for _, u := range users {
		user, err := authService.Register(ctx, u.username, seedPassword)
		if err != nil {
			return nil, err
		}

		holdings := make(map[string]decimal.Decimal, len(u.holdings))
		for symbol, amount := range u.holdings {
			holdings[symbol] = decimal.RequireFromString(amount)
		}
		if err := db.FundAccount(ctx, store, user.ID, decimal.RequireFromString(u.balance), holdings); err != nil {
			return nil, fmt.Errorf("fund %s: %w", u.username, err)
		}
		ids[u.username] = user.ID
	}
	return ids, nil
}
