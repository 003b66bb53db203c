package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cardrewards/ledger/internal/audit"
	"github.com/cardrewards/ledger/internal/config"
	"github.com/cardrewards/ledger/internal/database"
	"github.com/cardrewards/ledger/internal/handlers"
	"github.com/cardrewards/ledger/internal/middleware"
	"github.com/cardrewards/ledger/internal/repository"
	"github.com/cardrewards/ledger/internal/services"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/ulule/limiter/v3"
)

func main() {
	config.LoadEnv()

	viper.SetDefault("ledger.store", "postgres")
	viper.SetDefault("database.auto_migrate", true)
	viper.SetDefault("memory.seed_accounts", 10)
	viper.SetDefault("memory.credit_limit", "1000")
	viper.SetDefault("http.port", "8080")
	viper.SetDefault("http.rate_limit", "")

	ledgerCfg, err := config.LoadLedgerConfig()
	if err != nil {
		log.Fatalf("Invalid ledger configuration: %v", err)
	}

	store, db := openStore(ledgerCfg)
	if db != nil {
		defer db.Close()
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	velocity, err := services.NewVelocityLimiter(redisClient, ledgerCfg.Risk, ledgerCfg.Breaker)
	if err != nil {
		log.Fatalf("Failed to initialize velocity limiter: %v", err)
	}

	ledgerService := services.NewLedgerService(store, velocity, ledgerCfg, audit.NewLogger(os.Stdout))
	ledgerHandler := handlers.NewLedgerHandler(ledgerService)

	var ingress *limiter.Limiter
	if rate := viper.GetString("http.rate_limit"); rate != "" {
		ingress, err = middleware.NewIngressLimiter(rate)
		if err != nil {
			log.Fatalf("Invalid http.rate_limit %q: %v", rate, err)
		}
	}

	r := handlers.NewRouter(ledgerHandler, handlers.RouterConfig{
		MutationTimeout: ledgerCfg.OperationTimeout,
		AllowedOrigins:  viper.GetStringSlice("http.allowed_origins"),
		Ingress:         ingress,
	})

	port := viper.GetString("http.port")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Ledger starting on :%s (store=%s, velocity fail mode=%s)",
			port, viper.GetString("ledger.store"), ledgerCfg.Risk.VelocityFailMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}

// openStore returns the configured ledger store, plus the pool when it is Postgres.
func openStore(cfg *config.LedgerConfig) (repository.LedgerStore, *sql.DB) {
	switch kind := viper.GetString("ledger.store"); kind {
	case "memory":
		limit, err := decimal.NewFromString(viper.GetString("memory.credit_limit"))
		if err != nil {
			log.Fatalf("Invalid memory.credit_limit: %v", err)
		}
		store := repository.NewMemoryStore()
		store.SeedAccounts(viper.GetInt("memory.seed_accounts"), limit)
		log.Printf("Using in-memory ledger with %d seeded accounts", viper.GetInt("memory.seed_accounts"))
		return store, nil
	case "postgres":
		db := database.InitDatabase(viper.GetBool("database.auto_migrate"))
		return repository.NewPostgresStore(db, cfg.LockTimeout), db
	default:
		log.Fatalf("Unknown ledger.store %q: must be postgres or memory", kind)
		return nil, nil
	}
}
