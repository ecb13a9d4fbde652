package app

import (
	"dify-gateway/internal/billing"
	"dify-gateway/internal/cache"
	"dify-gateway/internal/config"
	"dify-gateway/internal/httpclient"
	"dify-gateway/internal/repository/db"
	"dify-gateway/internal/service/chat"
	"dify-gateway/internal/service/conversation"
	"dify-gateway/internal/service/history"
	"dify-gateway/internal/upstream"
	"dify-gateway/internal/usage"
	"time"
)

// Config holds all application dependencies and configuration
type Config struct {
	// Database interface for data persistence
	DB db.Database
	// Centralized application configuration
	AppConfig *config.AppConfig

	Ledger  *billing.Ledger
	History *history.Manager
	Chat    *chat.Service
}

// NewConfig wires the application against the real Dify deployment.
func NewConfig(database db.Database, appConfig *config.AppConfig) *Config {
	provider := upstream.NewDifyClient(appConfig.Upstream, httpclient.New())
	return NewConfigWithProvider(database, appConfig, provider)
}

// NewConfigWithProvider wires the application with an injectable upstream,
// used by tests.
func NewConfigWithProvider(database db.Database, appConfig *config.AppConfig, provider upstream.Provider) *Config {
	ledger := billing.NewLedger()
	identity := billing.NewIdentityResolver(cache.New[string](0))
	guests := billing.NewGuestCreditPolicy(appConfig.Billing.GuestSeedCredits, cache.New[int](0))
	engine := billing.NewEngine(
		database,
		usage.NewExtractor(appConfig.Billing.DefaultUnitPrice),
		ledger,
		identity,
		guests,
		appConfig.Billing,
	)

	historyManager := history.NewManager(database, appConfig.Context.MaxContextTokens)
	registry := conversation.NewRegistry(database)
	states := cache.New[chat.State](time.Hour)

	return &Config{
		DB:        database,
		AppConfig: appConfig,
		Ledger:    ledger,
		History:   historyManager,
		Chat:      chat.NewService(provider, engine, identity, historyManager, registry, database, states),
	}
}
