package config

import (
	"log"

	"github.com/spf13/viper"
)

var envBindings = map[string]string{
	"database.host":         "DATABASE_HOST",
	"database.port":         "DATABASE_PORT",
	"database.user":         "DATABASE_USER",
	"database.password":     "DATABASE_PASSWORD",
	"database.name":         "DATABASE_NAME",
	"database.ssl_mode":     "DATABASE_SSL_MODE",
	"database.auto_migrate": "DATABASE_AUTO_MIGRATE",

	"redis.enabled":  "REDIS_ENABLED",
	"redis.host":     "REDIS_HOST",
	"redis.port":     "REDIS_PORT",
	"redis.password": "REDIS_PASSWORD",
	"redis.db":       "REDIS_DB",

	"ledger.store":                "LEDGER_STORE",
	"ledger.min_amount":           "LEDGER_MIN_AMOUNT",
	"ledger.max_amount":           "LEDGER_MAX_AMOUNT",
	"ledger.velocity_limit":       "LEDGER_VELOCITY_LIMIT",
	"ledger.velocity_window":      "LEDGER_VELOCITY_WINDOW",
	"ledger.velocity_fail_mode":   "LEDGER_VELOCITY_FAIL_MODE",
	"ledger.duplicate_window":     "LEDGER_DUPLICATE_WINDOW",
	"ledger.refund_limit":         "LEDGER_REFUND_LIMIT",
	"ledger.refund_window":        "LEDGER_REFUND_WINDOW",
	"ledger.merchant_multipliers": "LEDGER_MERCHANT_MULTIPLIERS",
	"ledger.lock_timeout":         "LEDGER_LOCK_TIMEOUT",
	"ledger.operation_timeout":    "LEDGER_OPERATION_TIMEOUT",
	"ledger.load_test":            "LEDGER_LOAD_TEST",

	"memory.seed_accounts": "MEMORY_SEED_ACCOUNTS",
	"memory.credit_limit":  "MEMORY_CREDIT_LIMIT",

	"http.port":            "PORT",
	"http.rate_limit":      "HTTP_RATE_LIMIT",
	"http.allowed_origins": "HTTP_ALLOWED_ORIGINS",
}

// LoadEnv reads .env (when present) and binds the process environment onto
// the dotted viper keys used across the ledger.
func LoadEnv() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	for key, env := range envBindings {
		viper.BindEnv(key, env)
	}

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}
}
